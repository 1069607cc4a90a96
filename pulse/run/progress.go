package run

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/agentpulse/logger"
)

// ProgressReporter commits run progress at a bounded rate.
// Updates over the rate are dropped, not queued, so the stored value may lag.
type ProgressReporter struct {
	store   *Store
	runID   string
	limiter *rate.Limiter
	logger  *zap.SugaredLogger
}

// progressBurst lets the dispatch milestones (resolved, staged) land back to back
const progressBurst = 2

// NewProgressReporter allows perSecond commits with a burst of progressBurst
func (s *Store) NewProgressReporter(runID string, perSecond float64, log *zap.SugaredLogger) *ProgressReporter {
	if perSecond <= 0 {
		perSecond = 1
	}
	return &ProgressReporter{
		store:   s,
		runID:   runID,
		limiter: rate.NewLimiter(rate.Limit(perSecond), progressBurst),
		logger:  logger.OrGlobal(log),
	}
}

// Report commits progress if the rate allows. It reports whether the update was stored.
func (p *ProgressReporter) Report(ctx context.Context, progress int) bool {
	if !p.limiter.Allow() {
		return false
	}
	if err := p.store.Progress(ctx, p.runID, progress); err != nil {
		p.logger.Debugw("Dropped run progress", logger.FieldRunID, p.runID, logger.FieldError, err)
		return false
	}
	return true
}
