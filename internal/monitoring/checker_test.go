package monitoring

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/visibility-cli/internal/config"
	"github.com/sells-group/visibility-cli/internal/model"
)

func webhookCounter(t *testing.T, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(status)
	}))
	t.Cleanup(ts.Close)
	return ts, &received
}

var (
	failingRuns = model.RunStats{Total: 10, Success: 2, Failed: 8, CostCents: 50}
	healthyRuns = model.RunStats{Total: 10, Success: 10, CostCents: 50}
)

func TestChecker_Check_SendsAlerts(t *testing.T) {
	ts, received := webhookCounter(t, http.StatusNoContent)

	src := &mockSource{}
	src.On("RunStatsSince", mock.Anything, mock.Anything).Return(failingRuns, nil)
	src.On("CountJobs", mock.Anything, model.QueueStatusQueued).Return(0, nil)
	src.On("CountJobs", mock.Anything, model.QueueStatusDead).Return(4, nil)

	cfg := config.MonitoringConfig{
		WebhookURL:           ts.URL,
		LookbackWindowHours:  24,
		FailureRateThreshold: 0.25,
		DeadJobThreshold:     1,
	}
	checker := NewChecker(NewCollector(src), NewAlerter(cfg), cfg)

	rep, err := checker.Check(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []AlertType{AlertRunFailureRate, AlertDeadJobs}, rep.Firing)
	assert.ElementsMatch(t, rep.Firing, rep.Raised)
	assert.Empty(t, rep.Cleared)
	assert.Equal(t, 8, rep.Snapshot.RunsFailed)
	assert.Equal(t, int32(2), received.Load())
}

func TestChecker_Check_SendsOncePerIncident(t *testing.T) {
	ts, received := webhookCounter(t, http.StatusOK)

	src := &mockSource{}
	src.On("RunStatsSince", mock.Anything, mock.Anything).Return(failingRuns, nil).Twice()
	src.On("RunStatsSince", mock.Anything, mock.Anything).Return(healthyRuns, nil).Once()
	src.On("RunStatsSince", mock.Anything, mock.Anything).Return(failingRuns, nil).Once()
	src.On("CountJobs", mock.Anything, mock.Anything).Return(0, nil)

	cfg := config.MonitoringConfig{WebhookURL: ts.URL, LookbackWindowHours: 24, FailureRateThreshold: 0.25}
	checker := NewChecker(NewCollector(src), NewAlerter(cfg), cfg)
	ctx := context.Background()

	rep, err := checker.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, []AlertType{AlertRunFailureRate}, rep.Raised)

	// Still failing: no second page.
	rep, err = checker.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, []AlertType{AlertRunFailureRate}, rep.Firing)
	assert.Empty(t, rep.Raised)
	assert.Equal(t, int32(1), received.Load())

	rep, err = checker.Check(ctx)
	require.NoError(t, err)
	assert.Empty(t, rep.Firing)
	assert.Equal(t, []AlertType{AlertRunFailureRate}, rep.Cleared)

	// A new incident pages again.
	rep, err = checker.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, []AlertType{AlertRunFailureRate}, rep.Raised)
	assert.Equal(t, int32(2), received.Load())
	src.AssertExpectations(t)
}

func TestChecker_Check_RetriesFailedDelivery(t *testing.T) {
	ts, received := webhookCounter(t, http.StatusBadGateway)

	src := &mockSource{}
	src.On("RunStatsSince", mock.Anything, mock.Anything).Return(model.RunStats{}, nil)
	src.On("CountJobs", mock.Anything, model.QueueStatusQueued).Return(0, nil)
	src.On("CountJobs", mock.Anything, model.QueueStatusDead).Return(3, nil)

	cfg := config.MonitoringConfig{WebhookURL: ts.URL, LookbackWindowHours: 24, DeadJobThreshold: 1}
	checker := NewChecker(NewCollector(src), NewAlerter(cfg), cfg)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		rep, err := checker.Check(ctx)
		require.NoError(t, err)
		assert.Equal(t, []AlertType{AlertDeadJobs}, rep.Firing)
		assert.Empty(t, rep.Raised)
	}
	assert.Equal(t, int32(2), received.Load())
}

func TestChecker_Check_CollectError(t *testing.T) {
	src := &mockSource{}
	src.On("RunStatsSince", mock.Anything, mock.Anything).Return(model.RunStats{}, errors.New("db down"))

	cfg := config.MonitoringConfig{DeadJobThreshold: 1}
	checker := NewChecker(NewCollector(src), NewAlerter(cfg), cfg)

	rep, err := checker.Check(context.Background())
	assert.Error(t, err)
	assert.Nil(t, rep)
}

func TestChecker_RunStopsOnCancel(t *testing.T) {
	src := &mockSource{}
	src.On("RunStatsSince", mock.Anything, mock.Anything).Return(model.RunStats{}, nil)
	src.On("CountJobs", mock.Anything, mock.Anything).Return(0, nil)

	cfg := config.MonitoringConfig{CheckIntervalSecs: 1, LookbackWindowHours: 24}
	checker := NewChecker(NewCollector(src), NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_DefaultInterval(t *testing.T) {
	checker := NewChecker(NewCollector(&mockSource{}), NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}
