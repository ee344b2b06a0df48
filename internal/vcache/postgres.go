package vcache

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/verifyd/internal/db"
	"github.com/sells-group/verifyd/internal/model"
)

// PostgresCache stores verdicts in a relational table with an observed_at
// freshness window.
type PostgresCache struct {
	pool db.Pool
	ttl  time.Duration
}

// NewPostgres creates a PostgresCache over an existing pool. ttl is the
// freshness window; entries older than it are treated as absent.
func NewPostgres(pool db.Pool, ttl time.Duration) *PostgresCache {
	return &PostgresCache{pool: pool, ttl: ttl}
}

const cacheMigration = `
CREATE TABLE IF NOT EXISTS verdict_cache (
	email       TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	observed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_verdict_cache_observed_at ON verdict_cache(observed_at);
`

// Migrate creates the verdict_cache table.
func (c *PostgresCache) Migrate(ctx context.Context) error {
	_, err := c.pool.Exec(ctx, cacheMigration)
	return eris.Wrap(err, "vcache: migrate")
}

func (c *PostgresCache) LookupMany(ctx context.Context, emails []string) (map[string]model.Verdict, error) {
	if len(emails) == 0 {
		return map[string]model.Verdict{}, nil
	}

	cutoff := time.Now().UTC().Add(-c.ttl)
	rows, err := c.pool.Query(ctx,
		`SELECT email, status, reason, observed_at FROM verdict_cache
		 WHERE email = ANY($1) AND observed_at > $2`,
		emails, cutoff,
	)
	if err != nil {
		return nil, eris.Wrap(err, "vcache: lookup batch")
	}
	defer rows.Close()

	out := make(map[string]model.Verdict, len(emails))
	for rows.Next() {
		var v model.Verdict
		var status string
		var observedAt time.Time
		if err := rows.Scan(&v.Email, &status, &v.Reason, &observedAt); err != nil {
			return nil, eris.Wrap(err, "vcache: scan verdict")
		}
		v.Status = model.VerdictStatus(status)
		v.ObservedAt = observedAt.Unix()
		out[v.Email] = v
	}
	return out, eris.Wrap(rows.Err(), "vcache: lookup iterate")
}

// PutMany replaces any existing entries for the given emails, then
// bulk-loads the new verdicts via COPY.
func (c *PostgresCache) PutMany(ctx context.Context, verdicts []model.Verdict) error {
	if len(verdicts) == 0 {
		return nil
	}

	now := time.Now().UTC()
	emails := make([]string, 0, len(verdicts))
	copyRows := make([][]any, 0, len(verdicts))
	for _, v := range verdicts {
		emails = append(emails, v.Email)
		copyRows = append(copyRows, []any{v.Email, string(v.Status), v.Reason, now})
	}

	if _, err := c.pool.Exec(ctx,
		`DELETE FROM verdict_cache WHERE email = ANY($1)`, emails,
	); err != nil {
		return eris.Wrap(err, "vcache: clear stale entries")
	}

	_, err := db.CopyFrom(ctx, c.pool, "verdict_cache",
		[]string{"email", "status", "reason", "observed_at"}, copyRows)
	return eris.Wrap(err, "vcache: write back")
}

func (c *PostgresCache) Close() error { return nil }
