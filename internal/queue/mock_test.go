package queue

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/visibility-cli/internal/model"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) EnqueueJob(ctx context.Context, j *model.QueuedJob) (bool, error) {
	args := m.Called(ctx, j)
	return args.Bool(0), args.Error(1)
}

func (m *mockStore) ClaimJobs(ctx context.Context, limit int, now time.Time, lease time.Duration) ([]model.QueuedJob, error) {
	args := m.Called(ctx, limit, now, lease)
	jobs, _ := args.Get(0).([]model.QueuedJob)
	return jobs, args.Error(1)
}

func (m *mockStore) CompleteJob(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockStore) RetryJob(ctx context.Context, id string, nextRunAt time.Time, lastErr string) error {
	return m.Called(ctx, id, nextRunAt, lastErr).Error(0)
}

func (m *mockStore) KillJob(ctx context.Context, id string, lastErr string) error {
	return m.Called(ctx, id, lastErr).Error(0)
}
