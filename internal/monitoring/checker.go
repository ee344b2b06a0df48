package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/verifyd/internal/config"
	"github.com/sells-group/verifyd/internal/store"
)

// Checker runs the periodic health loop: it reaps servers that missed
// their heartbeat window and evaluates alert thresholds.
type Checker struct {
	store     store.Store
	collector *Collector
	alerter   *Alerter
	server    config.ServerConfig
	monitor   config.MonitorConfig
}

// NewChecker creates a background health checker.
func NewChecker(st store.Store, collector *Collector, alerter *Alerter, server config.ServerConfig, monitor config.MonitorConfig) *Checker {
	return &Checker{
		store:     st,
		collector: collector,
		alerter:   alerter,
		server:    server,
		monitor:   monitor,
	}
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.server.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting health checker",
		zap.Duration("interval", interval),
		zap.Duration("heartbeat_threshold", c.server.HeartbeatThreshold()),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("health checker stopped")
			return
		case <-ticker.C:
			c.check(ctx, log)
		}
	}
}

func (c *Checker) check(ctx context.Context, log *zap.Logger) {
	marked, err := c.store.MarkStaleServersOffline(ctx, c.server.HeartbeatThreshold())
	if err != nil {
		log.Error("monitoring: failed to reap stale servers", zap.Error(err))
	} else if marked > 0 {
		log.Warn("monitoring: marked stale servers offline", zap.Int("count", marked))
	}

	snap, err := c.collector.Collect(ctx, c.monitor.LookbackWindowHours)
	if err != nil {
		log.Error("monitoring: failed to collect metrics", zap.Error(err))
		return
	}

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		log.Debug("monitoring: no alerts triggered")
		return
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
}
