package task

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"strings"
	"time"

	"github.com/teranos/agentpulse/db"
	"github.com/teranos/agentpulse/errors"
)

// Claim is a batch of due tasks held by one dispatcher. The rows stay locked
// until Commit or Rollback; a claimer that never commits releases them on rollback.
// A claim that lost the SQLite write lock is empty and holds no transaction.
type Claim struct {
	Tasks []*Task

	tx    *sql.Tx
	conn  *sql.Conn
	store *Store
	done  bool
}

// ClaimDue selects up to opts.Limit due tasks in next_run_at order and locks them.
//
// Due means not deleted, enabled and next_run_at <= now, optionally restricted to
// opts.Modes. Concurrent claims never return the same task: Postgres skips rows
// locked by another claim; SQLite serializes claim transactions on the database
// write lock, and a claimer still waiting after Dialect.ClaimWait gets an empty
// batch instead of an error.
func (s *Store) ClaimDue(ctx context.Context, opts ClaimOptions) (*Claim, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultClaimLimit
	}
	now := opts.Now
	if now.IsZero() {
		now = s.now()
	}

	cl, err := s.beginClaim(ctx)
	if err != nil {
		if db.IsBusy(err) {
			// Another claimer holds the write lock; its batch is this poll's work
			return &Claim{store: s}, nil
		}
		return nil, errors.Wrap(err, "failed to begin claim transaction")
	}

	query, args := s.claimQuery(now, opts.Modes, limit)
	rows, err := cl.tx.QueryContext(ctx, query, args...)
	if err != nil {
		cl.Rollback()
		return nil, errors.Wrap(err, "failed to select due tasks")
	}
	tasks, err := scanTasks(rows)
	if err != nil {
		cl.Rollback()
		return nil, err
	}

	cl.Tasks = tasks
	return cl, nil
}

// beginClaim opens the claim transaction. With a ClaimWait the transaction runs
// on a dedicated connection whose busy_timeout is lowered for the claim only.
func (s *Store) beginClaim(ctx context.Context) (*Claim, error) {
	if s.dialect.ClaimWait <= 0 {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}
		return &Claim{tx: tx, store: s}, nil
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	wait := fmt.Sprintf("PRAGMA busy_timeout = %d", s.dialect.ClaimWait.Milliseconds())
	if _, err := conn.ExecContext(ctx, wait); err != nil {
		conn.Close()
		return nil, err
	}
	cl := &Claim{conn: conn, store: s}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		cl.release()
		return nil, err
	}
	cl.tx = tx
	return cl, nil
}

// release restores the connection's busy_timeout and returns it to the pool
func (c *Claim) release() {
	if c.conn == nil {
		return
	}
	restore := fmt.Sprintf("PRAGMA busy_timeout = %d", db.SQLiteBusyTimeoutMS)
	if _, err := c.conn.ExecContext(context.Background(), restore); err != nil {
		// Drop the connection rather than pool it with the short timeout
		c.conn.Raw(func(interface{}) error { return driver.ErrBadConn })
	}
	c.conn.Close()
	c.conn = nil
}

func (s *Store) claimQuery(now time.Time, modes []string, limit int) (string, []interface{}) {
	var b strings.Builder
	args := []interface{}{s.dialect.Time(now)}

	b.WriteString(`SELECT ` + taskColumns + ` FROM scheduled_tasks
		WHERE is_deleted = FALSE AND enabled = TRUE AND next_run_at <= ?`)

	if len(modes) > 0 {
		b.WriteString(` AND schedule_mode IN (`)
		for i, m := range modes {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString("?")
			args = append(args, m)
		}
		b.WriteString(")")
	}

	b.WriteString(` ORDER BY next_run_at ASC, id ASC LIMIT ?`)
	args = append(args, limit)
	b.WriteString(s.dialect.LockSuffix)

	return s.dialect.Rebind(b.String()), args
}

// Tx exposes the claim transaction so related rows (runs) commit atomically with it.
// It is nil for an empty claim that never got the write lock.
func (c *Claim) Tx() *sql.Tx {
	return c.tx
}

// Advance moves a claimed task's next_run_at, taking it out of the due set once committed
func (c *Claim) Advance(ctx context.Context, t *Task, next time.Time) error {
	if err := c.check(); err != nil {
		return err
	}
	now := c.store.now()
	query := c.store.dialect.Rebind(`UPDATE scheduled_tasks SET next_run_at = ?, updated_at = ? WHERE id = ?`)
	if err := c.store.updateOne(ctx, c.tx, t.ID, query,
		c.store.dialect.Time(next), c.store.dialect.Time(now), t.ID); err != nil {
		return err
	}
	t.NextRunAt = next.UTC()
	return nil
}

// Disable takes a claimed task out of future claims. Used when its next run
// cannot be computed, so it is not claimed again on every poll.
func (c *Claim) Disable(ctx context.Context, t *Task) error {
	if err := c.check(); err != nil {
		return err
	}
	query := c.store.dialect.Rebind(`UPDATE scheduled_tasks SET enabled = FALSE, updated_at = ? WHERE id = ?`)
	if err := c.store.updateOne(ctx, c.tx, t.ID, query, c.store.dialect.Time(c.store.now()), t.ID); err != nil {
		return err
	}
	t.Enabled = false
	return nil
}

// RecordRun stores the latest run on a claimed task
func (c *Claim) RecordRun(ctx context.Context, taskID, runID, status, errMsg string) error {
	if err := c.check(); err != nil {
		return err
	}
	return c.store.recordRun(ctx, c.tx, taskID, runID, status, errMsg)
}

// Commit releases the claimed rows with their updates applied
func (c *Claim) Commit() error {
	if err := c.check(); err != nil {
		return err
	}
	c.done = true
	if c.tx == nil {
		return nil
	}
	defer c.release()
	if err := c.tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit claim")
	}
	return nil
}

// Rollback releases the claimed rows unchanged. It is a no-op after Commit.
func (c *Claim) Rollback() error {
	if c.done {
		return nil
	}
	c.done = true
	if c.tx == nil {
		return nil
	}
	defer c.release()
	if err := c.tx.Rollback(); err != nil {
		return errors.Wrap(err, "failed to roll back claim")
	}
	return nil
}

func (c *Claim) check() error {
	if c.done {
		return errors.NewInvalidRequestError("claim already finished")
	}
	return nil
}
