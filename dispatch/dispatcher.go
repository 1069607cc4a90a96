// Package dispatch runs the pull pipeline behind every schedule job: claim due tasks,
// resolve their config, stage the workspace and hand them to the executor.
package dispatch

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/agentpulse/errors"
	"github.com/teranos/agentpulse/logger"
	"github.com/teranos/agentpulse/pulse/run"
	"github.com/teranos/agentpulse/pulse/schedule"
	"github.com/teranos/agentpulse/pulse/task"
	"github.com/teranos/agentpulse/resolve"
	"github.com/teranos/agentpulse/stage"
)

// ConfigResolver materializes a task's config snapshot
type ConfigResolver interface {
	Resolve(ctx context.Context, req resolve.Request) (resolve.Resolved, error)
}

// PluginStager syncs plugins into a session workspace
type PluginStager interface {
	Stage(ctx context.Context, userID, sessionID string, plugins map[string]interface{}) (map[string]stage.Plugin, error)
}

// AgentStager syncs raw subagents into a session workspace
type AgentStager interface {
	Stage(ctx context.Context, userID, sessionID string, raw map[string]string) (map[string]string, error)
}

// Options tunes a Dispatcher
type Options struct {
	BatchSize         int // <= 0 uses task.DefaultClaimLimit
	CallbackURL       string
	CallbackToken     string
	ProgressPerSecond float64
}

// Dispatcher implements schedule.Poller
type Dispatcher struct {
	tasks    *task.Store
	runs     *run.Store
	resolver ConfigResolver
	plugins  PluginStager
	agents   AgentStager
	executor Executor
	opts     Options
	now      func() time.Time
	logger   *zap.SugaredLogger
	pulseLog *zap.SugaredLogger

	mu       sync.Mutex
	windows  map[string]time.Time // rule id -> window deadline
	inFlight map[string]bool      // mode set -> poll running
}

// New creates a dispatcher
func New(tasks *task.Store, runs *run.Store, resolver ConfigResolver, plugins PluginStager, agents AgentStager, executor Executor, opts Options, log *zap.SugaredLogger) *Dispatcher {
	log = logger.OrGlobal(log)
	return &Dispatcher{
		tasks:    tasks,
		runs:     runs,
		resolver: resolver,
		plugins:  plugins,
		agents:   agents,
		executor: executor,
		opts:     opts,
		now:      time.Now,
		logger:   log,
		pulseLog: logger.AddPulseSymbol(log),
		windows:  make(map[string]time.Time),
		inFlight: make(map[string]bool),
	}
}

var _ schedule.Poller = (*Dispatcher)(nil)

// claimed is a task whose run was queued in the claim transaction
type claimed struct {
	task *task.Task
	run  *run.Run
	// err is set when the task could not be scheduled and only needs its run failed
	err error
}

// Poll claims up to BatchSize due tasks in modes and dispatches them in
// next_run_at order. The claim transaction only covers queueing: each task gets a
// queued run and its next_run_at advanced, then the claim commits and the pipeline
// runs without holding any lock. A failing task is recorded and the loop continues.
func (d *Dispatcher) Poll(ctx context.Context, modes []string) error {
	key := modeKey(modes)
	if !d.acquire(key) {
		d.pulseLog.Debugw("Poll already running, skipping", logger.FieldModes, modes)
		return nil
	}
	defer d.release(key)

	batch, err := d.claim(ctx, modes)
	if err != nil {
		d.pulseLog.Warnw("Claim failed", logger.FieldModes, modes, logger.FieldError, err)
		return err
	}
	if len(batch) == 0 {
		return nil
	}

	d.pulseLog.Infow("Claimed due tasks",
		logger.FieldModes, modes,
		logger.FieldCount, len(batch))

	for _, c := range batch {
		if ctx.Err() != nil {
			// Remaining runs stay queued; their tasks were already advanced
			d.pulseLog.Warnw("Poll cancelled, leaving runs queued",
				logger.FieldCount, len(batch),
				logger.FieldError, ctx.Err())
			return ctx.Err()
		}
		if c.err != nil {
			d.fail(ctx, c, c.err)
			continue
		}
		d.dispatch(ctx, c)
	}
	return nil
}

func (d *Dispatcher) claim(ctx context.Context, modes []string) ([]claimed, error) {
	now := d.now().UTC()
	cl, err := d.tasks.ClaimDue(ctx, task.ClaimOptions{Limit: d.opts.BatchSize, Now: now, Modes: modes})
	if err != nil {
		return nil, err
	}
	defer cl.Rollback()

	batch := make([]claimed, 0, len(cl.Tasks))
	for _, t := range cl.Tasks {
		r, err := d.runs.Create(ctx, cl.Tx(), t.ID)
		if err != nil {
			return nil, err
		}
		c := claimed{task: t, run: r}

		next, err := task.NextRun(t.Cron, t.Timezone, now)
		if err != nil {
			// Without a next run the task would be claimed on every poll
			if err := cl.Disable(ctx, t); err != nil {
				return nil, err
			}
			c.err = errors.Wrapf(err, "task %s disabled", t.ID)
		} else if err := cl.Advance(ctx, t, next); err != nil {
			return nil, err
		}

		if err := cl.RecordRun(ctx, t.ID, r.ID, string(run.StatusQueued), ""); err != nil {
			return nil, err
		}
		batch = append(batch, c)
	}

	if err := cl.Commit(); err != nil {
		return nil, err
	}
	return batch, nil
}

// dispatch runs one task through resolve, stage and execute
func (d *Dispatcher) dispatch(ctx context.Context, c claimed) {
	t, r := c.task, c.run
	log := d.pulseLog.With(logger.FieldTaskID, t.ID, logger.FieldRunID, r.ID)
	started := time.Now()

	if err := d.runs.Start(ctx, r.ID); err != nil {
		d.fail(ctx, c, err)
		return
	}
	progress := d.runs.NewProgressReporter(r.ID, d.opts.ProgressPerSecond, d.logger)

	session := sessionFor(t, r.ID)
	resolved, err := d.resolver.Resolve(ctx, resolve.Request{
		OwnerID:   t.OwnerID,
		SessionID: session,
		TaskID:    t.ID,
		RunID:     r.ID,
		Snapshot:  t.ConfigSnapshot,
	})
	if err != nil {
		d.fail(ctx, c, errors.Wrap(err, "resolve config"))
		return
	}
	progress.Report(ctx, 25)

	staged, err := d.plugins.Stage(ctx, t.OwnerID, session, resolved.PluginFiles())
	if err != nil {
		d.fail(ctx, c, errors.Wrap(err, "stage plugins"))
		return
	}
	resolved[resolve.KeyPluginFiles] = stage.PluginConfigs(staged)

	if resolved.HasRawAgents() {
		if _, err := d.agents.Stage(ctx, t.OwnerID, session, resolved.RawAgents()); err != nil {
			d.fail(ctx, c, errors.Wrap(err, "stage subagents"))
			return
		}
	}
	progress.Report(ctx, 75)

	executorSession, err := d.executor.Execute(ctx, ExecuteRequest{
		SessionID:     session,
		Prompt:        t.Prompt,
		CallbackURL:   d.opts.CallbackURL,
		CallbackToken: d.opts.CallbackToken,
		Config:        resolved,
	})
	if err != nil {
		d.fail(ctx, c, err)
		return
	}

	if err := d.runs.Succeed(ctx, r.ID, executorSession); err != nil {
		log.Warnw("Failed to mark run succeeded", logger.FieldError, err)
	}
	if err := d.tasks.RecordRun(ctx, t.ID, r.ID, string(run.StatusSuccess), ""); err != nil {
		log.Warnw("Failed to record run on task", logger.FieldError, err)
	}
	log.Infow("Task dispatched",
		logger.FieldSessionID, executorSession,
		logger.FieldDurationMS, time.Since(started).Milliseconds())
}

// fail marks the run failed and records the error on the task. Security violations
// log at error level; everything else is an ordinary task failure.
func (d *Dispatcher) fail(ctx context.Context, c claimed, cause error) {
	log := d.pulseLog.With(logger.FieldTaskID, c.task.ID, logger.FieldRunID, c.run.ID)
	if errors.IsSecurityViolation(cause) {
		log.Errorw("Task dispatch blocked", logger.FieldError, cause)
	} else {
		log.Warnw("Task dispatch failed", logger.FieldError, cause)
	}

	if err := d.runs.Fail(ctx, c.run.ID, cause); err != nil {
		log.Warnw("Failed to mark run failed", logger.FieldError, err)
	}
	if err := d.tasks.RecordRun(ctx, c.task.ID, c.run.ID, string(run.StatusFailed), cause.Error()); err != nil {
		log.Warnw("Failed to record run failure on task", logger.FieldError, err)
	}
}

// OpenWindow opens window ruleID until now+minutes and polls once
func (d *Dispatcher) OpenWindow(ctx context.Context, ruleID string, modes []string, minutes int) error {
	until := d.now().UTC().Add(time.Duration(minutes) * time.Minute)
	d.SetWindowUntil(ruleID, until)
	logger.AddPulseOpenSymbol(d.logger).Infow("Window opened",
		logger.FieldRuleID, ruleID,
		logger.FieldUntil, until)
	return d.Poll(ctx, modes)
}

// PollWindow polls while window ruleID is open and forgets it once it has closed
func (d *Dispatcher) PollWindow(ctx context.Context, ruleID string, modes []string) error {
	now := d.now().UTC()

	d.mu.Lock()
	until, ok := d.windows[ruleID]
	if ok && !now.Before(until) {
		delete(d.windows, ruleID)
	}
	d.mu.Unlock()

	if !ok {
		return nil
	}
	if !now.Before(until) {
		logger.AddPulseCloseSymbol(d.logger).Infow("Window closed",
			logger.FieldRuleID, ruleID,
			logger.FieldUntil, until)
		return nil
	}
	return d.Poll(ctx, modes)
}

// SetWindowUntil implements schedule.Poller
func (d *Dispatcher) SetWindowUntil(ruleID string, until time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.windows[ruleID] = until.UTC()
}

// WindowUntil returns the open deadline of window ruleID
func (d *Dispatcher) WindowUntil(ruleID string) (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	until, ok := d.windows[ruleID]
	return until, ok
}

func (d *Dispatcher) acquire(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inFlight[key] {
		return false
	}
	d.inFlight[key] = true
	return true
}

func (d *Dispatcher) release(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inFlight, key)
}

func modeKey(modes []string) string {
	sorted := append([]string(nil), modes...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

// sessionFor picks the workspace session a run executes in:
// session scope reuses the task's session (or gets a fresh one per run),
// scheduled_task scope shares one workspace across all runs of the task,
// project scope shares one per project_id from the snapshot.
func sessionFor(t *task.Task, runID string) string {
	switch t.WorkspaceScope {
	case task.ScopeScheduledTask:
		return "task-" + t.ID
	case task.ScopeProject:
		if p, ok := t.ConfigSnapshot["project_id"]; ok {
			if s := strings.TrimSpace(stringOf(p)); s != "" && stage.ValidateName("project id", s) == nil {
				return "project-" + s
			}
		}
		return "task-" + t.ID
	default:
		if t.SessionID != "" {
			return t.SessionID
		}
		return runID
	}
}

func stringOf(v interface{}) string {
	s, _ := v.(string)
	return s
}
