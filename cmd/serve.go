package main

import (
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/verifyd/internal/config"
	"github.com/sells-group/verifyd/internal/monitoring"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the worker-facing API server",
	Long:  "Serves the claim/complete/fail/heartbeat protocol for verification workers plus job and server management endpoints.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		collector := monitoring.NewCollector(env.Store, cfg.Server.HeartbeatThreshold())
		checker := monitoring.NewChecker(env.Store, collector, monitoring.NewAlerter(cfg.Monitor), cfg.Server, cfg.Monitor)
		go checker.Run(ctx)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newRouter(env, cfg),
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(ctx) //nolint:errcheck
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// newRouter builds the HTTP API. Claim requests are rate limited per worker
// identity: workers poll aggressively when the queue is hot, and the claim
// transaction is the most expensive query the store runs.
func newRouter(env *engineEnv, c *config.Config) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	limiters := newClaimLimiters(c.Broker)

	r.Get("/health", handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/claim", handleClaim(env, limiters))
		r.Post("/complete", handleComplete(env))
		r.Post("/fail", handleFail(env))
		r.Post("/heartbeat", handleHeartbeat(env))

		r.Post("/jobs", handleCreateJob(env))
		r.Get("/jobs", handleListJobs(env))
		r.Get("/jobs/{jobID}", handleGetJob(env))

		r.Get("/servers", handleListServers(env))
		r.Post("/servers/{serverID}/drain", handleSetDraining(env, true))
		r.Post("/servers/{serverID}/activate", handleSetDraining(env, false))
	})

	return r
}

// claimLimiters hands out one token bucket per worker identity. The map is
// never pruned; worker IDs are stable hostnames, not an unbounded space.
type claimLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	perSec   rate.Limit
	burst    int
}

func newClaimLimiters(c config.BrokerConfig) *claimLimiters {
	return &claimLimiters{
		limiters: make(map[string]*rate.Limiter),
		perSec:   rate.Limit(c.ClaimRatePerSec),
		burst:    c.ClaimBurst,
	}
}

// allow reports whether workerID has claim budget left.
func (c *claimLimiters) allow(workerID string) bool {
	c.mu.Lock()
	l, ok := c.limiters[workerID]
	if !ok {
		l = rate.NewLimiter(c.perSec, c.burst)
		c.limiters[workerID] = l
	}
	c.mu.Unlock()
	return l.Allow()
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
