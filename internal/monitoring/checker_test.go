package monitoring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/verifyd/internal/config"
	"github.com/sells-group/verifyd/internal/model"
	"github.com/sells-group/verifyd/internal/store"
)

func TestCheckerRunStopsOnCancel(t *testing.T) {
	st := store.NewMemory()
	serverCfg := config.ServerConfig{HeartbeatThresholdSecs: 120, CheckIntervalSecs: 1}
	monitorCfg := config.MonitorConfig{LookbackWindowHours: 24, FailureRateThreshold: 0.10}
	checker := NewChecker(st, NewCollector(st, serverCfg.HeartbeatThreshold()), NewAlerter(monitorCfg), serverCfg, monitorCfg)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("checker did not stop after cancel")
	}
}

func TestCheckerReapsStaleServers(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	_, err := st.UpsertServerHeartbeat(ctx, &model.WorkerServer{ID: "srv-1"})
	require.NoError(t, err)

	// Zero threshold: any server that heartbeated strictly before "now"
	// is already past its window.
	serverCfg := config.ServerConfig{HeartbeatThresholdSecs: 0, CheckIntervalSecs: 60}
	monitorCfg := config.MonitorConfig{LookbackWindowHours: 24, FailureRateThreshold: 0.10}
	checker := NewChecker(st, NewCollector(st, serverCfg.HeartbeatThreshold()), NewAlerter(monitorCfg), serverCfg, monitorCfg)

	time.Sleep(10 * time.Millisecond)
	checker.check(ctx, zap.NewNop())

	srv, err := st.GetServer(ctx, "srv-1")
	require.NoError(t, err)
	assert.False(t, srv.Online)
}
