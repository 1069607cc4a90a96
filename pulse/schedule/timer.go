package schedule

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/teranos/agentpulse/errors"
	"github.com/teranos/agentpulse/logger"
)

// RegisteredJob is the runtime view of a timer-bound callback
type RegisteredJob struct {
	JobID        string
	Trigger      Trigger
	NextFireTime time.Time // zero when the trigger has no further fires
}

// Timer is the recurring-timer service jobs are registered with
type Timer interface {
	// RegisterRecurring binds fn to trigger under jobID, replacing any job with the same id.
	// A non-nil initial makes the first activation happen at that instant.
	RegisterRecurring(jobID string, trigger Trigger, fn func(), initial *time.Time) error
	// Cancel removes jobID. A missing job is ErrNotFound.
	Cancel(jobID string) error
	Get(jobID string) (RegisteredJob, bool)
}

type timerEntry struct {
	entryID cron.EntryID
	trigger Trigger
	initial time.Time
}

// CronTimer implements Timer on robfig/cron. All schedules are evaluated in UTC
// unless the trigger carries its own location.
type CronTimer struct {
	cron   *cron.Cron
	mu     sync.Mutex
	jobs   map[string]timerEntry
	logger *zap.SugaredLogger
}

// NewCronTimer creates a stopped timer. Panicking jobs are recovered and a job
// still running when its next fire comes round is skipped.
func NewCronTimer(log *zap.SugaredLogger) *CronTimer {
	log = logger.AddPulseSymbol(logger.OrGlobal(log))
	cl := cronLogger{log: log}
	return &CronTimer{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		jobs:   make(map[string]timerEntry),
		logger: log,
	}
}

// Start begins firing jobs
func (t *CronTimer) Start() {
	t.cron.Start()
	t.logger.Infow("Pulse timer started")
}

// Stop halts the timer and waits for running jobs until ctx is done
func (t *CronTimer) Stop(ctx context.Context) {
	done := t.cron.Stop()
	select {
	case <-done.Done():
		t.logger.Infow("Pulse timer stopped")
	case <-ctx.Done():
		t.logger.Warnw("Pulse timer stop timed out with jobs still running")
	}
}

// RegisterRecurring implements Timer
func (t *CronTimer) RegisterRecurring(jobID string, trigger Trigger, fn func(), initial *time.Time) error {
	if jobID == "" {
		return errors.Validationf("job id cannot be empty")
	}
	if trigger.schedule == nil {
		return errors.Validationf("job %s: trigger has no schedule", jobID)
	}
	if fn == nil {
		return errors.Validationf("job %s: nil callback", jobID)
	}

	var sched cron.Schedule = trigger.schedule
	entry := timerEntry{trigger: trigger}
	if initial != nil {
		entry.initial = initial.UTC()
		sched = &startAt{first: entry.initial, then: trigger.schedule}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.jobs[jobID]; ok {
		t.cron.Remove(prev.entryID)
	}
	entry.entryID = t.cron.Schedule(sched, cron.FuncJob(fn))
	t.jobs[jobID] = entry

	t.logger.Debugw("Registered job",
		logger.FieldJobID, jobID,
		"trigger", trigger.String())
	return nil
}

// Cancel implements Timer
func (t *CronTimer) Cancel(jobID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.jobs[jobID]
	if !ok {
		return errors.NewNotFoundError("job %s not registered", jobID)
	}
	t.cron.Remove(entry.entryID)
	delete(t.jobs, jobID)
	return nil
}

// Get implements Timer
func (t *CronTimer) Get(jobID string) (RegisteredJob, bool) {
	t.mu.Lock()
	entry, ok := t.jobs[jobID]
	t.mu.Unlock()
	if !ok {
		return RegisteredJob{}, false
	}

	job := RegisteredJob{JobID: jobID, Trigger: entry.trigger}
	if e := t.cron.Entry(entry.entryID); e.Valid() && !e.Next.IsZero() {
		job.NextFireTime = e.Next
	} else if !entry.initial.IsZero() {
		// not started yet
		job.NextFireTime = entry.initial
	} else {
		job.NextFireTime = entry.trigger.Next(time.Now())
	}
	return job, true
}

// JobIDs returns the ids of all registered jobs
func (t *CronTimer) JobIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.jobs))
	for id := range t.jobs {
		ids = append(ids, id)
	}
	return ids
}

// startAt fires once at first, then follows then
type startAt struct {
	first time.Time
	then  cron.Schedule
	used  atomic.Bool
}

func (s *startAt) Next(t time.Time) time.Time {
	if s.used.CompareAndSwap(false, true) {
		return s.first
	}
	return s.then.Next(t)
}

// cronLogger adapts zap to the robfig/cron logger
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw("cron: "+msg, append(keysAndValues, logger.FieldError, err)...)
}
