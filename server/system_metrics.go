package server

import (
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/teranos/agentpulse/errors"
)

// MemoryStats is host memory as reported on /health
type MemoryStats struct {
	TotalBytes     uint64  `json:"total_bytes"`
	AvailableBytes uint64  `json:"available_bytes"`
	UsedPercent    float64 `json:"used_percent"`
}

// memoryStats reads host memory; staging large plugin sets is what usually exhausts it
func memoryStats() (*MemoryStats, error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get memory stats")
	}
	return &MemoryStats{
		TotalBytes:     v.Total,
		AvailableBytes: v.Available,
		UsedPercent:    v.UsedPercent,
	}, nil
}
