package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/agentpulse/errors"
	"github.com/teranos/agentpulse/logger"
)

// Poller is what registered jobs call into
type Poller interface {
	// Poll claims and dispatches due tasks in modes
	Poll(ctx context.Context, modes []string) error
	// OpenWindow marks window ruleID open for minutes and polls
	OpenWindow(ctx context.Context, ruleID string, modes []string, minutes int) error
	// PollWindow polls only while window ruleID is open
	PollWindow(ctx context.Context, ruleID string, modes []string) error
	// SetWindowUntil seeds the window deadline recovered at bootstrap
	SetWindowUntil(ruleID string, until time.Time)
}

// Job ids
func IntervalJobID(ruleID string) string   { return fmt.Sprintf("pull-%s", ruleID) }
func WindowOpenJobID(ruleID string) string { return fmt.Sprintf("pull-%s-open", ruleID) }
func WindowPollJobID(ruleID string) string { return fmt.Sprintf("pull-%s-poll", ruleID) }

// Registry binds a schedule set to timer jobs and owns their lifecycle
type Registry struct {
	timer  Timer
	poller Poller
	state  *State
	logger *zap.SugaredLogger
	now    func() time.Time

	mu     sync.Mutex
	jobIDs []string
}

// NewRegistry creates a registry. A nil state uses the process-wide DefaultState.
func NewRegistry(timer Timer, poller Poller, state *State, log *zap.SugaredLogger) *Registry {
	if state == nil {
		state = DefaultState()
	}
	return &Registry{
		timer:  timer,
		poller: poller,
		state:  state,
		logger: logger.AddPulseSymbol(logger.OrGlobal(log)),
		now:    time.Now,
	}
}

// Register publishes set and registers a job per enabled interval rule and two per
// enabled window rule. Existing jobs with the same ids are replaced. On failure the
// jobs registered by this call are cancelled and the error is returned.
func (r *Registry) Register(ctx context.Context, set *Set) ([]string, error) {
	if set == nil {
		set = &Set{}
	}
	r.state.Publish(set)

	jobIDs := []string{}
	if !set.Enabled {
		r.logger.Infow("Pull schedule disabled, no jobs registered")
		r.remember(jobIDs)
		return jobIDs, nil
	}

	now := r.now().UTC()
	for _, rule := range set.Rules {
		if !rule.IsEnabled() {
			continue
		}
		ids, err := r.registerRule(ctx, rule, now)
		jobIDs = append(jobIDs, ids...)
		if err != nil {
			r.Unregister(jobIDs)
			return nil, errors.Wrapf(err, "failed to register pull rule %s", rule.RuleID())
		}
	}

	r.remember(jobIDs)
	r.logger.Infow("Registered pull jobs", logger.FieldCount, len(jobIDs), "jobs", jobIDs)
	return jobIDs, nil
}

func (r *Registry) registerRule(ctx context.Context, rule Rule, now time.Time) ([]string, error) {
	switch rl := rule.(type) {
	case *IntervalRule:
		jobID := IntervalJobID(rl.ID)
		trigger, err := TriggerFor(rl)
		if err != nil {
			return nil, err
		}
		var initial *time.Time
		if rl.StartImmediately {
			initial = &now
		}
		modes := rl.Modes
		fn := func() {
			if err := r.poller.Poll(ctx, modes); err != nil {
				r.logger.Warnw("Pull poll failed", logger.FieldJobID, jobID, logger.FieldError, err)
			}
		}
		if err := r.timer.RegisterRecurring(jobID, trigger, fn, initial); err != nil {
			return nil, err
		}
		return []string{jobID}, nil

	case *WindowRule:
		openID, pollID := WindowOpenJobID(rl.ID), WindowPollJobID(rl.ID)
		trigger, err := TriggerFor(rl)
		if err != nil {
			return nil, err
		}

		if until, ok := rl.ResolveBootstrapWindowUntil(now); ok {
			r.poller.SetWindowUntil(rl.ID, until)
			r.logger.Infow("Resumed open pull window",
				logger.FieldRuleID, rl.ID,
				logger.FieldUntil, until)
		}

		ruleID, modes, minutes := rl.ID, rl.Modes, rl.WindowMinutes
		openFn := func() {
			if err := r.poller.OpenWindow(ctx, ruleID, modes, minutes); err != nil {
				r.logger.Warnw("Pull window open failed", logger.FieldJobID, openID, logger.FieldError, err)
			}
		}
		if err := r.timer.RegisterRecurring(openID, trigger, openFn, nil); err != nil {
			return nil, err
		}

		pollFn := func() {
			if err := r.poller.PollWindow(ctx, ruleID, modes); err != nil {
				r.logger.Warnw("Pull window poll failed", logger.FieldJobID, pollID, logger.FieldError, err)
			}
		}
		if err := r.timer.RegisterRecurring(pollID, rl.PollTrigger(), pollFn, &now); err != nil {
			return []string{openID}, err
		}
		return []string{openID, pollID}, nil

	default:
		return nil, errors.Validationf("unsupported rule type %T", rule)
	}
}

// Unregister cancels jobIDs. Failures are logged and skipped so teardown always completes.
func (r *Registry) Unregister(jobIDs []string) {
	for _, id := range jobIDs {
		if err := r.timer.Cancel(id); err != nil {
			r.logger.Debugw("Unregister skipped job", logger.FieldJobID, id, logger.FieldError, err)
		}
	}
}

// Reload replaces the registered jobs with those of set.
// If set cannot be registered the previous set is registered again.
func (r *Registry) Reload(ctx context.Context, set *Set) ([]string, error) {
	previous := r.state.Current()
	r.Unregister(r.JobIDs())

	ids, err := r.Register(ctx, set)
	if err == nil {
		return ids, nil
	}

	if _, restoreErr := r.Register(ctx, previous); restoreErr != nil {
		r.logger.Errorw("Failed to restore previous pull schedule", logger.FieldError, restoreErr)
	}
	return nil, err
}

// Shutdown cancels every job registered by the last Register call
func (r *Registry) Shutdown() {
	r.Unregister(r.JobIDs())
	r.remember(nil)
}

// JobIDs returns the job ids registered by the last successful Register
func (r *Registry) JobIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.jobIDs...)
}

func (r *Registry) remember(ids []string) {
	r.mu.Lock()
	r.jobIDs = append([]string(nil), ids...)
	r.mu.Unlock()
}

// RuleInfo is the introspection view of one rule
type RuleInfo struct {
	Rule    Rule
	Enabled bool // set and rule both enabled
	Jobs    []RegisteredJob
}

// Introspection is the active set with the live jobs of each rule
type Introspection struct {
	Enabled bool
	Rules   []RuleInfo
}

// Introspect returns the published set and the jobs that currently exist for each rule
func (r *Registry) Introspect() Introspection {
	set := r.state.Current()
	out := Introspection{Enabled: set.Enabled, Rules: make([]RuleInfo, 0, len(set.Rules))}

	for _, rule := range set.Rules {
		info := RuleInfo{Rule: rule, Enabled: set.Enabled && rule.IsEnabled(), Jobs: []RegisteredJob{}}

		var ids []string
		switch rl := rule.(type) {
		case *IntervalRule:
			ids = []string{IntervalJobID(rl.ID)}
		case *WindowRule:
			ids = []string{WindowOpenJobID(rl.ID), WindowPollJobID(rl.ID)}
		}
		for _, id := range ids {
			if job, ok := r.timer.Get(id); ok {
				info.Jobs = append(info.Jobs, job)
			}
		}
		out.Rules = append(out.Rules, info)
	}
	return out
}
