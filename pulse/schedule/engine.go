package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/teranos/agentpulse/errors"
	"github.com/teranos/agentpulse/logger"
)

// cronParser accepts standard five-field expressions and @descriptors
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// TriggerKind is the timer flavour a job is registered with
type TriggerKind string

const (
	TriggerInterval TriggerKind = "interval"
	TriggerCron     TriggerKind = "cron"
)

// Trigger describes when a recurring job fires: a fixed period or a cron
// expression evaluated in a location
type Trigger struct {
	Kind     TriggerKind
	Every    time.Duration
	Expr     string
	Location *time.Location

	schedule cron.Schedule
}

// IntervalTrigger fires every d (rounded to whole seconds, at least one)
func IntervalTrigger(d time.Duration) Trigger {
	if d < time.Second {
		d = time.Second
	}
	d = d.Round(time.Second)
	return Trigger{Kind: TriggerInterval, Every: d, schedule: cron.Every(d)}
}

// CronTrigger parses expr and evaluates it in loc (UTC when nil)
func CronTrigger(expr string, loc *time.Location) (Trigger, error) {
	if loc == nil {
		loc = time.UTC
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return Trigger{}, errors.Mark(errors.Wrapf(err, "invalid cron expression %q", expr), errors.ErrValidation)
	}
	if spec, ok := sched.(*cron.SpecSchedule); ok {
		spec.Location = loc
	}
	return Trigger{Kind: TriggerCron, Expr: expr, Location: loc, schedule: sched}, nil
}

// Next returns the first fire time strictly after t, or the zero time if there is none
func (t Trigger) Next(after time.Time) time.Time {
	if t.schedule == nil {
		return time.Time{}
	}
	return t.schedule.Next(after)
}

// Schedule exposes the trigger as a robfig/cron schedule
func (t Trigger) Schedule() cron.Schedule {
	return t.schedule
}

func (t Trigger) String() string {
	switch t.Kind {
	case TriggerInterval:
		return fmt.Sprintf("interval[%s]", t.Every)
	case TriggerCron:
		return fmt.Sprintf("cron[%s, %s]", t.Expr, t.Location)
	default:
		return "unknown"
	}
}

// TriggerFor builds the primary trigger of a rule: the period of an interval
// rule, or the cron trigger opening a window rule's window
func TriggerFor(rule Rule) (Trigger, error) {
	switch r := rule.(type) {
	case *IntervalRule:
		return IntervalTrigger(time.Duration(atLeastOne(r.Seconds)) * time.Second), nil
	case *WindowRule:
		return r.CronTrigger()
	default:
		return Trigger{}, errors.Validationf("unsupported rule type %T", rule)
	}
}

// CronTrigger builds the window-opening trigger.
// The cron timezone overrides the rule timezone; an unknown zone falls back to UTC.
func (r *WindowRule) CronTrigger() (Trigger, error) {
	expr, err := r.Cron.Expression()
	if err != nil {
		return Trigger{}, errors.Wrapf(err, "window rule %s", r.ID)
	}
	tz := strings.TrimSpace(r.Cron.Timezone)
	if tz == "" {
		tz = r.Timezone
	}
	return CronTrigger(expr, LoadLocation(tz, r.ID))
}

// PollTrigger fires every poll interval while the window is open
func (r *WindowRule) PollTrigger() Trigger {
	return IntervalTrigger(time.Duration(atLeastOne(r.PollIntervalSeconds)) * time.Second)
}

// LoadLocation resolves a timezone name. Unknown names are logged and resolve to UTC.
func LoadLocation(name, ruleID string) *time.Location {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "UTC") {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		logger.PulseWarnw("Unknown timezone, falling back to UTC",
			logger.FieldRuleID, ruleID,
			"timezone", name,
			logger.FieldError, err)
		return time.UTC
	}
	return loc
}

// NextFireTimes returns the next n fire instants of rule strictly after ref.
// An interval rule that starts immediately fires at ref first.
func NextFireTimes(rule Rule, ref time.Time, n int) ([]time.Time, error) {
	trigger, err := TriggerFor(rule)
	if err != nil {
		return nil, err
	}

	times := make([]time.Time, 0, n)
	cursor := ref
	if r, ok := rule.(*IntervalRule); ok && r.StartImmediately && n > 0 {
		times = append(times, ref)
	}
	for len(times) < n {
		next := trigger.Next(cursor)
		if next.IsZero() {
			break
		}
		times = append(times, next)
		cursor = next
	}
	return times, nil
}

// ResolveBootstrapWindowUntil reports whether a window opened within the lookback
// period is still open at now, and when it closes.
//
// The walk starts at now-lookback, visits every cron fire up to now and stops after
// BootstrapMaxIterations fires. The latest visited fire plus WindowMinutes is the
// window close; it is returned only when it lies after now.
func (r *WindowRule) ResolveBootstrapWindowUntil(now time.Time) (time.Time, bool) {
	trigger, err := r.CronTrigger()
	if err != nil {
		logger.PulseWarnw("Cannot resolve bootstrap window",
			logger.FieldRuleID, r.ID, logger.FieldError, err)
		return time.Time{}, false
	}

	now = now.UTC()
	lookback := now.Add(-time.Duration(r.BootstrapLookbackHours) * time.Hour)
	maxIterations := atLeastOne(r.BootstrapMaxIterations)

	var lastFire time.Time
	iterations := 0
	// Next is strictly-after, so step back to include a fire exactly at lookback
	next := trigger.Next(lookback.Add(-time.Nanosecond))
	for !next.IsZero() && !next.After(now) {
		lastFire = next
		iterations++
		if iterations >= maxIterations {
			break
		}
		next = trigger.Next(lastFire)
	}

	if lastFire.IsZero() {
		return time.Time{}, false
	}

	until := lastFire.Add(time.Duration(r.WindowMinutes) * time.Minute).UTC()
	if !until.After(now) {
		return time.Time{}, false
	}
	return until, true
}
