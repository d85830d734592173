package sink

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/wehubfusion/preproc/pkg/concurrency"
	perrors "github.com/wehubfusion/preproc/pkg/errors"
)

// Guarded skips flushes to next while its circuit breaker is open. next keeps
// buffering what it is given, so nothing is lost while the downstream is down.
type Guarded struct {
	next    Sink
	breaker *concurrency.CircuitBreaker
	logger  *zap.Logger
}

// NewGuarded wraps next with breaker.
func NewGuarded(next Sink, breaker *concurrency.CircuitBreaker, logger *zap.Logger) *Guarded {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guarded{next: next, breaker: breaker, logger: logger}
}

func (g *Guarded) Add(v Value) { g.next.Add(v) }

func (g *Guarded) Flush(ctx context.Context) error {
	if !g.breaker.Allow() {
		return fmt.Errorf("%w: circuit breaker is open", perrors.ErrPublishFailed)
	}
	if err := g.next.Flush(ctx); err != nil {
		g.breaker.RecordFailure()
		if g.breaker.State() == concurrency.BreakerOpen {
			g.logger.Warn("Sink circuit breaker opened", zap.Error(err))
		}
		return err
	}
	g.breaker.RecordSuccess()
	return nil
}

func (g *Guarded) Close() error { return g.next.Close() }
