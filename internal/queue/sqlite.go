package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ordoscan/ordoscan/constants"
)

// Config tunes the durable queue. Zero values get sensible defaults.
type Config struct {
	Path         string
	PollInterval time.Duration
	MaxAttempts  int           // default per enqueue when Options.MaxAttempts is 0
	MaxDelay     time.Duration // backoff cap
}

// SQLite is a durable, prioritized job queue backed by a single SQLite file.
// Claiming is a single atomic UPDATE, so a job is in flight at most once;
// worker pools per stage poll for due work.
type SQLite struct {
	db     *sql.DB
	cfg    Config
	logger *slog.Logger

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS jobs (
	id           TEXT PRIMARY KEY,
	stage        TEXT NOT NULL,
	payload      BLOB NOT NULL,
	status       TEXT NOT NULL DEFAULT 'queued',
	priority     INTEGER NOT NULL DEFAULT 0,
	attempts     INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	run_at       INTEGER NOT NULL,
	last_error   TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
)`

const claimIndexSQL = `
CREATE INDEX IF NOT EXISTS jobs_claim_idx ON jobs(stage, status, run_at, priority)`

// Open opens (creating if needed) the queue database at cfg.Path.
func Open(cfg Config, logger *slog.Logger) (*SQLite, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Minute
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	// Single writer; SQLite serializes writes anyway and this avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{schemaSQL, claimIndexSQL} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init queue schema: %w", err)
		}
	}

	// Jobs left running by a previous process can never complete; hand them
	// back to the queue. Attempts were already counted at claim, so a job that
	// keeps killing its worker still dead-letters after max_attempts.
	res, err := db.Exec(
		`UPDATE jobs SET status = 'queued', updated_at = ? WHERE status = 'running'`,
		time.Now().UnixMilli())
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("requeue interrupted jobs: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		logger.Warn("queue.requeued_interrupted", "count", n)
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &SQLite{db: db, cfg: cfg, logger: logger, runCtx: ctx, cancel: cancel}
	logger.Info("queue.opened", "path", cfg.Path, "poll_interval", cfg.PollInterval)
	return q, nil
}

// Enqueue inserts a job for the given stage. The payload must already be
// validated by the producing stage.
func (q *SQLite) Enqueue(ctx context.Context, stage constants.Stage, payload []byte, opts Options) (uuid.UUID, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return uuid.Nil, errors.New("queue is shut down")
	}
	q.mu.Unlock()

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.MaxAttempts
	}
	id := uuid.New()
	now := time.Now().UnixMilli()
	runAt := now + opts.Delay.Milliseconds()

	_, err := q.db.ExecContext(ctx,
		`INSERT INTO jobs (id, stage, payload, status, priority, attempts, max_attempts, run_at, created_at, updated_at)
		 VALUES (?, ?, ?, 'queued', ?, 0, ?, ?, ?, ?)`,
		id.String(), string(stage), payload, opts.Priority, maxAttempts, runAt, now, now)
	if err != nil {
		q.logger.Error("queue.enqueue_failed", "stage", stage, "error", err)
		return uuid.Nil, fmt.Errorf("enqueue %s: %w", stage, err)
	}
	q.logger.Info("queue.enqueued",
		"stage", stage, "job_id", id, "priority", opts.Priority,
		"delay_ms", opts.Delay.Milliseconds(), "max_attempts", maxAttempts)
	return id, nil
}

// Consume starts a worker pool for the stage. Handlers run at-least-once per
// job; see Handler and ExhaustedFunc for the retry contract.
func (q *SQLite) Consume(stage constants.Stage, c Consumer) {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.Timeout <= 0 {
		c.Timeout = 3 * time.Minute
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 5 * time.Second
	}
	for i := 0; i < c.Workers; i++ {
		q.wg.Add(1)
		go q.runWorker(i+1, stage, c)
	}
	q.logger.Info("queue.consumer_registered", "stage", stage, "workers", c.Workers, "base_delay", c.BaseDelay)
}

func (q *SQLite) runWorker(workerID int, stage constants.Stage, c Consumer) {
	defer q.wg.Done()
	q.logger.Info("queue.worker_started", "stage", stage, "worker_id", workerID)

	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.runCtx.Done():
			q.logger.Info("queue.worker_stopped", "stage", stage, "worker_id", workerID)
			return
		case <-ticker.C:
			// drain everything currently due before sleeping again
			for {
				job, ok, err := q.claim(stage)
				if err != nil {
					q.logger.Error("queue.claim_failed", "stage", stage, "error", err)
					break
				}
				if !ok {
					break
				}
				q.process(job, c)

				select {
				case <-q.runCtx.Done():
					q.logger.Info("queue.worker_stopped", "stage", stage, "worker_id", workerID)
					return
				default:
				}
			}
		}
	}
}

// claim atomically moves one due job to running and bumps its attempt count.
func (q *SQLite) claim(stage constants.Stage) (Job, bool, error) {
	now := time.Now().UnixMilli()
	row := q.db.QueryRowContext(q.runCtx,
		`UPDATE jobs
		 SET status = 'running', attempts = attempts + 1, updated_at = ?
		 WHERE id = (
			SELECT id FROM jobs
			WHERE stage = ? AND status = 'queued' AND run_at <= ?
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT 1
		 )
		 RETURNING id, payload, attempts, max_attempts`,
		now, string(stage), now)

	var (
		rawID       string
		payload     []byte
		attempts    int
		maxAttempts int
	)
	if err := row.Scan(&rawID, &payload, &attempts, &maxAttempts); err != nil {
		if errors.Is(err, sql.ErrNoRows) || errors.Is(err, context.Canceled) {
			return Job{}, false, nil
		}
		return Job{}, false, err
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return Job{}, false, fmt.Errorf("corrupt job id %q: %w", rawID, err)
	}
	return Job{ID: id, Stage: stage, Payload: payload, Attempt: attempts, MaxAttempts: maxAttempts}, true, nil
}

func (q *SQLite) process(job Job, c Consumer) {
	hctx, cancel := context.WithTimeout(q.runCtx, c.Timeout)
	err := c.Handler(hctx, job)
	cancel()

	if err == nil {
		q.complete(job)
		return
	}
	q.fail(job, c, err)
}

func (q *SQLite) complete(job Job) {
	ctx, cancel := finalizeCtx()
	defer cancel()
	if _, err := q.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, job.ID.String()); err != nil {
		q.logger.Error("queue.complete_failed", "stage", job.Stage, "job_id", job.ID, "error", err)
		return
	}
	q.logger.Info("queue.job_done", "stage", job.Stage, "job_id", job.ID, "attempt", job.Attempt)
}

func (q *SQLite) fail(job Job, c Consumer, cause error) {
	ctx, cancel := finalizeCtx()
	defer cancel()

	dead := IsPermanent(cause) || job.Attempt >= job.MaxAttempts
	if dead {
		_, err := q.db.ExecContext(ctx,
			`UPDATE jobs SET status = 'dead', last_error = ?, updated_at = ? WHERE id = ?`,
			cause.Error(), time.Now().UnixMilli(), job.ID.String())
		if err != nil {
			q.logger.Error("queue.dead_letter_failed", "stage", job.Stage, "job_id", job.ID, "error", err)
			return
		}
		q.logger.Warn("queue.job_dead",
			"stage", job.Stage, "job_id", job.ID,
			"attempt", job.Attempt, "max_attempts", job.MaxAttempts,
			"permanent", IsPermanent(cause), "error", cause)
		if c.OnExhausted != nil {
			// We are the sole holder of the running job, so this fires once.
			c.OnExhausted(q.runCtx, job, cause)
		}
		return
	}

	delay := NextDelay(job.Attempt, c.BaseDelay, q.cfg.MaxDelay)
	_, err := q.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'queued', run_at = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		time.Now().Add(delay).UnixMilli(), cause.Error(), time.Now().UnixMilli(), job.ID.String())
	if err != nil {
		q.logger.Error("queue.requeue_failed", "stage", job.Stage, "job_id", job.ID, "error", err)
		return
	}
	q.logger.Warn("queue.job_retry",
		"stage", job.Stage, "job_id", job.ID,
		"attempt", job.Attempt, "max_attempts", job.MaxAttempts,
		"retry_in", delay, "error", cause)
}

// Counts returns the number of jobs per status for a stage.
func (q *SQLite) Counts(ctx context.Context, stage constants.Stage) (queued, running, dead int, err error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM jobs WHERE stage = ? GROUP BY status`, string(stage))
	if err != nil {
		return 0, 0, 0, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return 0, 0, 0, err
		}
		switch status {
		case "queued":
			queued = n
		case "running":
			running = n
		case "dead":
			dead = n
		}
	}
	return queued, running, dead, rows.Err()
}

// Shutdown stops claiming new work and waits for in-flight handlers, bounded
// by ctx.
func (q *SQLite) Shutdown(ctx context.Context) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	done := make(chan struct{})
	go func() { defer close(done); q.wg.Wait() }()

	select {
	case <-ctx.Done():
		q.logger.Warn("queue.shutdown_interrupted")
	case <-done:
		q.logger.Info("queue.shutdown_complete")
	}
	if err := q.db.Close(); err != nil {
		q.logger.Error("queue.db_close_failed", "error", err)
	}
}

// finalizeCtx gives state-recording writes a short independent deadline so a
// canceled run context cannot leave a job stuck in running.
func finalizeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}
