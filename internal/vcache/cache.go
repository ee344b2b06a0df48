// Package vcache is the verdict cache adapter: given a batch of normalized
// emails, it returns previously known verdicts. Backends: no-op, Postgres
// (relational, freshness window on observed_at), Redis (TTL keys).
package vcache

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/verifyd/internal/config"
	"github.com/sells-group/verifyd/internal/db"
	"github.com/sells-group/verifyd/internal/model"
)

// Lookup answers batch verdict lookups and accepts write-backs of merged
// results. Implementations are read-mostly; PutMany is only called by the
// finalizer after a successful merge.
type Lookup interface {
	// LookupMany returns the cached verdict for each email that has a fresh
	// entry. Emails without an entry are simply absent from the result map.
	LookupMany(ctx context.Context, emails []string) (map[string]model.Verdict, error)

	// PutMany stores verdicts for future jobs.
	PutMany(ctx context.Context, verdicts []model.Verdict) error

	Close() error
}

// New selects a backend by configuration. The pool is only used by the
// postgres backend and may be nil otherwise.
func New(cfg config.CacheConfig, pool db.Pool) (Lookup, error) {
	switch cfg.Backend {
	case "", "none":
		return Noop{}, nil
	case "postgres":
		if pool == nil {
			return nil, eris.New("vcache: postgres backend requires a database pool")
		}
		return NewPostgres(pool, cfg.TTL()), nil
	case "redis":
		return NewRedis(cfg), nil
	default:
		return nil, eris.Errorf("vcache: unknown backend %q", cfg.Backend)
	}
}

// Noop is the null backend: every lookup misses, every write is dropped.
type Noop struct{}

func (Noop) LookupMany(ctx context.Context, emails []string) (map[string]model.Verdict, error) {
	return map[string]model.Verdict{}, nil
}

func (Noop) PutMany(ctx context.Context, verdicts []model.Verdict) error { return nil }

func (Noop) Close() error { return nil }
