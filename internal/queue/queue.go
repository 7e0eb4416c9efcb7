package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ordoscan/ordoscan/constants"
)

// Job is one unit of work handed to a stage handler. Payload is the
// stage-specific encoded input; Attempt is 1-based.
type Job struct {
	ID          uuid.UUID
	Stage       constants.Stage
	Payload     []byte
	Attempt     int
	MaxAttempts int
}

// Options tune a single enqueue. Zero values fall back to queue defaults.
type Options struct {
	Priority    int
	Delay       time.Duration
	MaxAttempts int
}

// Handler processes one job. A nil return removes the job; a Permanent error
// dead-letters it immediately; any other error re-queues it with backoff.
type Handler func(ctx context.Context, job Job) error

// ExhaustedFunc runs exactly once when a job is dead-lettered, either because
// its failure was permanent or because retries ran out.
type ExhaustedFunc func(ctx context.Context, job Job, cause error)

// Consumer registers a worker pool for one stage.
type Consumer struct {
	Workers     int
	Timeout     time.Duration // per-job handler timeout
	BaseDelay   time.Duration // backoff base for this stage
	Handler     Handler
	OnExhausted ExhaustedFunc
}

// Enqueuer is the producing side of the queue; stages and the upload boundary
// depend on this rather than on the concrete queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, stage constants.Stage, payload []byte, opts Options) (uuid.UUID, error)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return "permanent: " + e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as a data error that must not be retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err (or anything it wraps) was marked Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
