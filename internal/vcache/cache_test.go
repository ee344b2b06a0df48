package vcache

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/verifyd/internal/config"
	"github.com/sells-group/verifyd/internal/model"
)

func TestNew_BackendSelection(t *testing.T) {
	l, err := New(config.CacheConfig{Backend: "none"}, nil)
	require.NoError(t, err)
	assert.IsType(t, Noop{}, l)

	l, err = New(config.CacheConfig{}, nil)
	require.NoError(t, err)
	assert.IsType(t, Noop{}, l)

	_, err = New(config.CacheConfig{Backend: "postgres"}, nil)
	require.Error(t, err, "postgres backend needs a pool")

	_, err = New(config.CacheConfig{Backend: "memcached"}, nil)
	require.Error(t, err)
}

func TestNoop(t *testing.T) {
	var l Lookup = Noop{}
	out, err := l.LookupMany(context.Background(), []string{"a@x.com"})
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.NoError(t, l.PutMany(context.Background(), []model.Verdict{{Email: "a@x.com"}}))
	assert.NoError(t, l.Close())
}

func TestPostgresCache_LookupMany(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	c := NewPostgres(mock, 24*time.Hour)
	observed := time.Now().UTC().Add(-time.Hour)

	mock.ExpectQuery(`SELECT email, status, reason, observed_at FROM verdict_cache`).
		WithArgs([]string{"a@x.com", "b@x.com"}, pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"email", "status", "reason", "observed_at"}).
			AddRow("a@x.com", "valid", "", observed))

	out, err := c.LookupMany(context.Background(), []string{"a@x.com", "b@x.com"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, model.VerdictValid, out["a@x.com"].Status)
	assert.Equal(t, observed.Unix(), out["a@x.com"].ObservedAt)
	_, miss := out["b@x.com"]
	assert.False(t, miss)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCache_LookupMany_Empty(t *testing.T) {
	c := NewPostgres(nil, time.Hour)
	out, err := c.LookupMany(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestPostgresCache_PutMany(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	c := NewPostgres(mock, 24*time.Hour)

	mock.ExpectExec(`DELETE FROM verdict_cache WHERE email = ANY`).
		WithArgs([]string{"a@x.com", "b@x.com"}).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectCopyFrom(pgx.Identifier{"verdict_cache"}, []string{"email", "status", "reason", "observed_at"}).
		WillReturnResult(2)

	err = c.PutMany(context.Background(), []model.Verdict{
		{Email: "a@x.com", Status: model.VerdictValid},
		{Email: "b@x.com", Status: model.VerdictRisky, Reason: "smtp_tempfail:greylisted"},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBreaker_LatchesOpen(t *testing.T) {
	failing := &failingLookup{}
	b := WithBreaker(failing, 2)
	ctx := context.Background()

	_, err := b.LookupMany(ctx, []string{"a@x.com"})
	require.Error(t, err)
	assert.False(t, b.Disabled())

	_, err = b.LookupMany(ctx, []string{"a@x.com"})
	require.Error(t, err)
	assert.True(t, b.Disabled())

	// Latched: backend no longer called.
	calls := failing.calls
	_, err = b.LookupMany(ctx, []string{"a@x.com"})
	assert.ErrorIs(t, err, ErrDisabled)
	assert.Equal(t, calls, failing.calls)
}

func TestBreaker_PassThroughOnSuccess(t *testing.T) {
	b := WithBreaker(Noop{}, 2)
	out, err := b.LookupMany(context.Background(), []string{"a@x.com"})
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.False(t, b.Disabled())
}

type failingLookup struct {
	calls int
}

func (f *failingLookup) LookupMany(ctx context.Context, emails []string) (map[string]model.Verdict, error) {
	f.calls++
	return nil, eris.New("cache backend down")
}

func (f *failingLookup) PutMany(ctx context.Context, verdicts []model.Verdict) error { return nil }
func (f *failingLookup) Close() error                                               { return nil }
