package vcache

import (
	"context"

	"github.com/sells-group/verifyd/internal/model"
	"github.com/sells-group/verifyd/internal/resilience"
)

// ErrDisabled is returned once the breaker has latched open. Callers under
// the skip_cache policy treat it as "caching is off for this run".
var ErrDisabled = resilience.ErrCircuitOpen

// Breaker wraps a Lookup with a latching circuit breaker so that repeated
// backend failures permanently disable caching for the rest of the run.
type Breaker struct {
	inner Lookup
	cb    *resilience.CircuitBreaker
}

// WithBreaker wraps l; after threshold consecutive lookup failures every
// subsequent call returns ErrDisabled without touching the backend.
func WithBreaker(l Lookup, threshold int) *Breaker {
	return &Breaker{
		inner: l,
		cb:    resilience.NewCircuitBreaker(threshold, 0, nil),
	}
}

// Disabled reports whether the breaker has latched open.
func (b *Breaker) Disabled() bool {
	return b.cb.Open()
}

func (b *Breaker) LookupMany(ctx context.Context, emails []string) (map[string]model.Verdict, error) {
	var out map[string]model.Verdict
	err := b.cb.Execute(ctx, func(ctx context.Context) error {
		var err error
		out, err = b.inner.LookupMany(ctx, emails)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Breaker) PutMany(ctx context.Context, verdicts []model.Verdict) error {
	return b.inner.PutMany(ctx, verdicts)
}

func (b *Breaker) Close() error { return b.inner.Close() }
