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

	"github.com/sells-group/verifyd/internal/config"
)

func TestAlerterEvaluateNoAlerts(t *testing.T) {
	a := NewAlerter(config.MonitorConfig{
		FailureRateThreshold: 0.10,
		BacklogThreshold:     1000,
	})

	snap := &MetricsSnapshot{
		JobsTotal:     100,
		JobsCompleted: 95,
		JobsFailed:    5,
		JobFailRate:   0.05,
		ChunksPending: 40,
		ServersOnline: 3,
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	assert.Empty(t, alerts)
}

func TestAlerterEvaluateJobFailureRate(t *testing.T) {
	a := NewAlerter(config.MonitorConfig{FailureRateThreshold: 0.10})

	snap := &MetricsSnapshot{
		JobsTotal:     20,
		JobsCompleted: 12,
		JobsFailed:    8,
		JobFailRate:   0.4,
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertJobFailureRate, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "40.0%")
}

func TestAlerterEvaluateTooFewFinishedJobs(t *testing.T) {
	a := NewAlerter(config.MonitorConfig{FailureRateThreshold: 0.10})

	// 2 of 3 failed, but under the 5-finished floor.
	snap := &MetricsSnapshot{
		JobsCompleted: 1,
		JobsFailed:    2,
		JobFailRate:   2.0 / 3.0,
	}

	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerterEvaluateChunkBacklog(t *testing.T) {
	a := NewAlerter(config.MonitorConfig{
		FailureRateThreshold: 0.50,
		BacklogThreshold:     100,
	})

	snap := &MetricsSnapshot{
		ChunksPending: 250,
		ServersOnline: 1,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertChunkBacklog, alerts[0].Type)
	assert.Equal(t, "medium", alerts[0].Severity)
	assert.Equal(t, 250, alerts[0].Details["pending"])
}

func TestAlerterEvaluateStaleServers(t *testing.T) {
	a := NewAlerter(config.MonitorConfig{FailureRateThreshold: 0.50})

	snap := &MetricsSnapshot{
		ServersOnline: 4,
		ServersStale:  2,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertStaleServers, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "2 of 4")
}

func TestAlerterSendAlerts(t *testing.T) {
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var alert Alert
		require.NoError(t, json.NewDecoder(r.Body).Decode(&alert))
		assert.Equal(t, AlertStaleServers, alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := NewAlerter(config.MonitorConfig{WebhookURL: srv.URL})
	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertStaleServers, Severity: "high", Message: "1 of 1 online server(s) missed their heartbeat window"},
	})

	assert.Equal(t, 1, sent)
	assert.Equal(t, int32(1), received.Load())
}

func TestAlerterSendAlertsNoWebhook(t *testing.T) {
	a := NewAlerter(config.MonitorConfig{})
	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertChunkBacklog}})
	assert.Zero(t, sent)
}

func TestAlerterSendAlertsWebhookError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := NewAlerter(config.MonitorConfig{WebhookURL: srv.URL})
	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertChunkBacklog}})
	assert.Zero(t, sent)
}
