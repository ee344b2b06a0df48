package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/verifyd/internal/blob"
	"github.com/sells-group/verifyd/internal/broker"
	"github.com/sells-group/verifyd/internal/config"
	"github.com/sells-group/verifyd/internal/fetcher"
	"github.com/sells-group/verifyd/internal/finalize"
	"github.com/sells-group/verifyd/internal/ingest"
	"github.com/sells-group/verifyd/internal/planner"
	"github.com/sells-group/verifyd/internal/store"
	"github.com/sells-group/verifyd/internal/vcache"
)

// engineEnv holds the initialized store, cache, blob layer, planners, and
// broker shared by the serve/ingest/finalize commands.
type engineEnv struct {
	Store        store.Store
	Blobs        *blob.Store
	Cache        vcache.Lookup
	Broker       *broker.Broker
	Preprocessor *ingest.Preprocessor
	Finalizer    *finalize.Finalizer
}

// Close releases resources held by the environment.
func (e *engineEnv) Close() {
	if e.Cache != nil {
		if err := e.Cache.Close(); err != nil {
			zap.L().Warn("cache close failed", zap.Error(err))
		}
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore connects to Postgres and runs migrations.
func initStore(ctx context.Context) (*store.PostgresStore, error) {
	if cfg.Store.DatabaseURL == "" {
		return nil, eris.New("VERIFYD_STORE_DATABASE_URL is required")
	}
	st, err := store.NewPostgres(ctx, cfg.Store.DatabaseURL, cfg.Store.MaxConns, cfg.Store.MinConns)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initEnv wires the full engine on top of an initialized store.
func initEnv(ctx context.Context) (*engineEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	cache, err := vcache.New(cfg.Cache, st.Pool())
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	if pc, ok := cache.(*vcache.PostgresCache); ok {
		if err := pc.Migrate(ctx); err != nil {
			_ = st.Close()
			return nil, err
		}
	}
	if cfg.Cache.FailureMode == config.CacheSkip {
		cache = vcache.WithBreaker(cache, cfg.Cache.SkipThreshold)
	}

	return buildEnv(st, blob.NewLocal(cfg.Blob.Root), cache, cfg), nil
}

// buildEnv assembles planners, finalizer, broker, and preprocessor from the
// given backends. Split out so tests can substitute in-memory ones.
func buildEnv(st store.Store, blobs *blob.Store, cache vcache.Lookup, c *config.Config) *engineEnv {
	fin := finalize.New(st, blobs, cache, c.Cache.WriteBack)
	tempfail := planner.NewTempfail(st, blobs, c.Retry)
	handoff := planner.NewHandoff(st, blobs, c.Handoff)
	brk := broker.New(st, c.Broker, tempfail, handoff, fin, c.Retry.MaxRetries, c.Server.HeartbeatThreshold())

	source := fetcher.NewSource(time.Duration(c.Ingest.FetchTimeoutSecs) * time.Second)
	pre := ingest.New(st, blobs, cache, source, c.Ingest, c.Cache)
	pre.Finalize = fin.Run

	return &engineEnv{
		Store:        st,
		Blobs:        blobs,
		Cache:        cache,
		Broker:       brk,
		Preprocessor: pre,
		Finalizer:    fin,
	}
}
