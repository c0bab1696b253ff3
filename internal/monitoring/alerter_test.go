package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/visibility-cli/internal/config"
)

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		FailureRateThreshold: 0.25,
		CostThresholdCents:   10000,
		DeadJobThreshold:     1,
	})

	snap := &MetricsSnapshot{
		RunsTotal:     20,
		RunsSucceeded: 19,
		RunsFailed:    1,
		RunsFailRate:  0.05,
		CostCents:     500,
		LookbackHours: 24,
	}

	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_FailureRate(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.25})

	snap := &MetricsSnapshot{
		RunsTotal:     10,
		RunsSucceeded: 5,
		RunsFailed:    5,
		RunsFailRate:  0.5,
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertRunFailureRate, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "50.0%")
	assert.Equal(t, 10, alerts[0].Details["finished"])
}

func TestAlerter_Evaluate_MinimumRunsRequired(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.10})

	// Three finished runs is below the minimum sample.
	snap := &MetricsSnapshot{
		RunsTotal:     3,
		RunsSucceeded: 1,
		RunsFailed:    2,
		RunsFailRate:  0.666,
		LookbackHours: 24,
	}

	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_DeadJobs(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{DeadJobThreshold: 2})

	assert.Empty(t, a.Evaluate(&MetricsSnapshot{JobsDead: 1}))

	alerts := a.Evaluate(&MetricsSnapshot{JobsDead: 2, JobsQueued: 7})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertDeadJobs, alerts[0].Type)
	assert.Equal(t, 7, alerts[0].Details["queued"])
}

func TestAlerter_Evaluate_CostOverrun(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{CostThresholdCents: 10000})

	alerts := a.Evaluate(&MetricsSnapshot{CostCents: 25000, LookbackHours: 24})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertCostOverrun, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "$250.00")
	assert.Contains(t, alerts[0].Message, "$100.00")
}

func TestAlerter_Evaluate_ZeroThresholdsDisable(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	snap := &MetricsSnapshot{
		RunsSucceeded: 0,
		RunsFailed:    50,
		RunsFailRate:  1,
		CostCents:     999999,
		JobsDead:      40,
	}

	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_MultipleAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		FailureRateThreshold: 0.10,
		CostThresholdCents:   100,
		DeadJobThreshold:     1,
	})

	snap := &MetricsSnapshot{
		RunsTotal:     20,
		RunsSucceeded: 10,
		RunsFailed:    10,
		RunsFailRate:  0.5,
		CostCents:     300,
		JobsDead:      3,
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 3)

	types := make(map[AlertType]bool)
	for _, al := range alerts {
		types[al.Type] = true
	}
	assert.True(t, types[AlertRunFailureRate])
	assert.True(t, types[AlertDeadJobs])
	assert.True(t, types[AlertCostOverrun])
}

func TestAlerter_Send_Webhook(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&alert))
		assert.NotEmpty(t, alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})

	assert.NoError(t, a.Send(context.Background(), Alert{Type: AlertRunFailureRate, Severity: "high", Message: "test alert 1"}))
	assert.NoError(t, a.Send(context.Background(), Alert{Type: AlertDeadJobs, Severity: "medium", Message: "test alert 2"}))
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_Send_EmptyURL(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	assert.NoError(t, a.Send(context.Background(), Alert{Type: AlertDeadJobs, Message: "test"}))
}

func TestAlerter_Send_WebhookError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})

	err := a.Send(context.Background(), Alert{Type: AlertCostOverrun, Message: "test"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}
