// Package schedule turns pull rules into timers: rule shapes, next-fire
// computation, the live job registry and rule-file loading.
package schedule

import (
	"fmt"
	"strings"

	"github.com/teranos/agentpulse/errors"
)

// Kind discriminates pull rule variants
type Kind string

const (
	KindInterval Kind = "interval"
	KindWindow   Kind = "window"
)

// Rule defaults
const (
	DefaultIntervalSeconds        = 2
	DefaultTimezone               = "UTC"
	DefaultWindowMinutes          = 360
	DefaultPollIntervalSeconds    = 2
	DefaultBootstrapLookbackHours = 48
	DefaultBootstrapMaxIterations = 5000
)

// Rule is a declarative pull rule. It is a closed set: *IntervalRule or *WindowRule.
type Rule interface {
	RuleID() string
	RuleKind() Kind
	IsEnabled() bool
	ScheduleModes() []string

	isRule()
}

// IntervalRule polls for due work every Seconds
type IntervalRule struct {
	ID               string
	Enabled          bool
	Modes            []string
	Seconds          int
	StartImmediately bool
}

// NewIntervalRule returns an enabled interval rule with default period and immediate start
func NewIntervalRule(id string, modes ...string) *IntervalRule {
	return &IntervalRule{
		ID:               id,
		Enabled:          true,
		Modes:            modes,
		Seconds:          DefaultIntervalSeconds,
		StartImmediately: true,
	}
}

func (r *IntervalRule) RuleID() string          { return r.ID }
func (r *IntervalRule) RuleKind() Kind          { return KindInterval }
func (r *IntervalRule) IsEnabled() bool         { return r.Enabled }
func (r *IntervalRule) ScheduleModes() []string { return r.Modes }
func (r *IntervalRule) isRule()                 {}

// WindowRule opens a polling window on a cron trigger. While the window is open
// the rule polls every PollIntervalSeconds.
type WindowRule struct {
	ID                     string
	Enabled                bool
	Modes                  []string
	Cron                   CronSpec
	Timezone               string
	WindowMinutes          int
	PollIntervalSeconds    int
	BootstrapLookbackHours int
	BootstrapMaxIterations int
}

// NewWindowRule returns an enabled window rule with default bounds
func NewWindowRule(id string, cron CronSpec, modes ...string) *WindowRule {
	return &WindowRule{
		ID:                     id,
		Enabled:                true,
		Modes:                  modes,
		Cron:                   cron,
		Timezone:               DefaultTimezone,
		WindowMinutes:          DefaultWindowMinutes,
		PollIntervalSeconds:    DefaultPollIntervalSeconds,
		BootstrapLookbackHours: DefaultBootstrapLookbackHours,
		BootstrapMaxIterations: DefaultBootstrapMaxIterations,
	}
}

func (r *WindowRule) RuleID() string          { return r.ID }
func (r *WindowRule) RuleKind() Kind          { return KindWindow }
func (r *WindowRule) IsEnabled() bool         { return r.Enabled }
func (r *WindowRule) ScheduleModes() []string { return r.Modes }
func (r *WindowRule) isRule()                 {}

// CronSpec describes a cron trigger either field by field or as a full
// five-field expression. Empty fields are unspecified.
type CronSpec struct {
	Expr      string
	Minute    string
	Hour      string
	Day       string
	Month     string
	DayOfWeek string
	Timezone  string // overrides the rule timezone
}

// IsZero reports whether no schedule was given
func (c CronSpec) IsZero() bool {
	return strings.TrimSpace(c.Expr) == "" && !c.hasFields()
}

func (c CronSpec) hasFields() bool {
	for _, f := range []string{c.Minute, c.Hour, c.Day, c.Month, c.DayOfWeek} {
		if strings.TrimSpace(f) != "" {
			return true
		}
	}
	return false
}

// Expression returns the five-field cron expression.
//
// Fields less significant than the least significant specified field take their
// minimum (day 1, hour 0, minute 0); other unspecified fields match anything.
// Day of week always matches anything unless given, and numeric weekdays count
// from Monday (0 = mon). {hour: 2} is "0 2 * * *". Expr is a plain crontab line
// and keeps crontab numbering (0 = sun).
func (c CronSpec) Expression() (string, error) {
	if expr := strings.TrimSpace(c.Expr); expr != "" {
		if c.hasFields() {
			return "", errors.Validationf("cron: expr cannot be combined with individual fields")
		}
		return expr, nil
	}
	if !c.hasFields() {
		return "", errors.Validationf("cron: no fields specified")
	}

	// Most significant first
	fields := []struct {
		value   string
		minimum string
	}{
		{strings.TrimSpace(c.Month), "*"},
		{strings.TrimSpace(c.Day), "1"},
		{strings.TrimSpace(c.DayOfWeek), "*"},
		{strings.TrimSpace(c.Hour), "0"},
		{strings.TrimSpace(c.Minute), "0"},
	}

	last := -1
	for i, f := range fields {
		if f.value != "" {
			last = i
		}
	}

	resolved := make([]string, len(fields))
	for i, f := range fields {
		switch {
		case f.value != "":
			resolved[i] = f.value
		case i > last:
			resolved[i] = f.minimum
		default:
			resolved[i] = "*"
		}
	}

	month, day, dow, hour, minute := resolved[0], resolved[1], resolved[2], resolved[3], resolved[4]
	dow, err := translateDayOfWeek(dow)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s %s %s %s %s", minute, hour, day, month, dow), nil
}

// Set is a complete pull schedule. A Set is immutable once published; build a
// new one with NewSet to change it.
type Set struct {
	Enabled bool
	Rules   []Rule
}

// NewSet validates and normalizes rules into a Set.
// Ids and modes are trimmed, empty modes default to [id]. Nothing is returned on error.
func NewSet(enabled bool, rules ...Rule) (*Set, error) {
	set := &Set{Enabled: enabled, Rules: make([]Rule, 0, len(rules))}
	seen := make(map[string]bool, len(rules))

	for i, rule := range rules {
		normalized, err := normalizeRule(rule)
		if err != nil {
			return nil, errors.Wrapf(err, "rule %d", i)
		}
		id := normalized.RuleID()
		if seen[id] {
			return nil, errors.Validationf("duplicate rule id: %s", id)
		}
		seen[id] = true
		set.Rules = append(set.Rules, normalized)
	}

	return set, nil
}

// Rule returns the rule with id, if present
func (s *Set) Rule(id string) (Rule, bool) {
	if s == nil {
		return nil, false
	}
	for _, r := range s.Rules {
		if r.RuleID() == id {
			return r, true
		}
	}
	return nil, false
}

// normalizeRule returns a validated copy of rule
func normalizeRule(rule Rule) (Rule, error) {
	switch r := rule.(type) {
	case *IntervalRule:
		c := *r
		id, err := normalizeID(c.ID)
		if err != nil {
			return nil, err
		}
		c.ID = id
		c.Modes = normalizeModes(c.Modes, id)
		return &c, nil

	case *WindowRule:
		c := *r
		id, err := normalizeID(c.ID)
		if err != nil {
			return nil, err
		}
		c.ID = id
		c.Modes = normalizeModes(c.Modes, id)
		if c.Cron.IsZero() {
			return nil, errors.Validationf("window rule %s requires non-empty cron config", id)
		}
		expr, err := c.Cron.Expression()
		if err != nil {
			return nil, errors.Wrapf(err, "window rule %s", id)
		}
		if _, err := cronParser.Parse(expr); err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "window rule %s: invalid cron %q", id, expr), errors.ErrValidation)
		}
		if strings.TrimSpace(c.Timezone) == "" {
			c.Timezone = DefaultTimezone
		}
		bounds := []struct {
			name  string
			value int
		}{
			{"window_minutes", c.WindowMinutes},
			{"poll_interval_seconds", c.PollIntervalSeconds},
			{"bootstrap_lookback_hours", c.BootstrapLookbackHours},
			{"bootstrap_max_iterations", c.BootstrapMaxIterations},
		}
		for _, b := range bounds {
			if b.value <= 0 {
				return nil, errors.Validationf("window rule %s: %s must be > 0", id, b.name)
			}
		}
		return &c, nil

	case nil:
		return nil, errors.Validationf("nil rule")

	default:
		return nil, errors.Validationf("unsupported rule type %T", rule)
	}
}

func normalizeID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", errors.Validationf("rule id cannot be empty")
	}
	return id, nil
}

func normalizeModes(modes []string, id string) []string {
	cleaned := make([]string, 0, len(modes))
	for _, m := range modes {
		if m = strings.TrimSpace(m); m != "" {
			cleaned = append(cleaned, m)
		}
	}
	if len(cleaned) == 0 {
		return []string{id}
	}
	return cleaned
}

// atLeastOne clamps periods so a zero or negative value never spins the timer
func atLeastOne(n int) int {
	if n < 1 {
		return 1
	}
	return n
}
