// Package queue is a durable job queue over the store's jobs table with a
// bounded worker pool that retries failed jobs with exponential backoff.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/visibility-cli/internal/model"
)

// Store is the persistence the queue needs.
type Store interface {
	EnqueueJob(ctx context.Context, j *model.QueuedJob) (bool, error)
	ClaimJobs(ctx context.Context, limit int, now time.Time, lease time.Duration) ([]model.QueuedJob, error)
	CompleteJob(ctx context.Context, id string) error
	RetryJob(ctx context.Context, id string, nextRunAt time.Time, lastErr string) error
	KillJob(ctx context.Context, id string, lastErr string) error
}

// Handler processes one claimed job.
type Handler func(ctx context.Context, job model.QueuedJob) error

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The job is dead-lettered.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Queue enqueues job payloads.
type Queue struct {
	store       Store
	maxAttempts int
}

// New creates a Queue. maxAttempts <= 0 uses the store default.
func New(store Store, maxAttempts int) *Queue {
	return &Queue{store: store, maxAttempts: maxAttempts}
}

// Enqueue stores payload under key unless the key is already present. It
// reports whether a new job was created. The payload must be a prompt or
// cluster-scan job.
func (q *Queue) Enqueue(ctx context.Context, key string, payload any) (bool, error) {
	if key == "" {
		return false, eris.New("queue: job key is required")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return false, eris.Wrap(err, "queue: marshal payload")
	}
	kind, err := model.DetectJobKind(raw)
	if err != nil {
		return false, err
	}

	created, err := q.store.EnqueueJob(ctx, &model.QueuedJob{
		Key:         key,
		Kind:        kind,
		Payload:     raw,
		MaxAttempts: q.maxAttempts,
	})
	if err != nil {
		return false, err
	}
	zap.L().Debug("queue: enqueue",
		zap.String("key", key),
		zap.String("kind", string(kind)),
		zap.Bool("created", created),
	)
	return created, nil
}
