package task

import (
	"time"

	"github.com/teranos/agentpulse/errors"
	"github.com/teranos/agentpulse/pulse/schedule"
)

// NextRun returns the first fire of cronExpr in timezone strictly after after.
// An unknown timezone falls back to UTC.
func NextRun(cronExpr, timezone string, after time.Time) (time.Time, error) {
	trigger, err := schedule.CronTrigger(cronExpr, schedule.LoadLocation(timezone, ""))
	if err != nil {
		return time.Time{}, err
	}
	next := trigger.Next(after)
	if next.IsZero() {
		return time.Time{}, errors.Validationf("cron %q never fires", cronExpr)
	}
	return next.UTC(), nil
}
