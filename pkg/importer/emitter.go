package importer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/xrpl-data/ledger-importer/pkg/ledger"
	"github.com/xrpl-data/ledger-importer/pkg/metrics"
)

// Handler consumes an emitted ledger. Returning nil acknowledges it.
type Handler func(ctx context.Context, h *ledger.Header) error

// Emitter fans emitted ledgers out to the registered handlers.
type Emitter struct {
	mu       sync.RWMutex
	handlers []Handler

	log     *zap.SugaredLogger
	metrics *metrics.Metrics // nil if metrics disabled
}

// NewEmitter creates an Emitter with no handlers.
func NewEmitter(log *zap.SugaredLogger, m *metrics.Metrics) *Emitter {
	return &Emitter{log: log, metrics: m}
}

// OnLedger registers h. Handlers run in registration order.
func (e *Emitter) OnLedger(h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, h)
}

// Emit delivers l to every handler and returns once all of them have
// returned. The returned error joins every handler failure.
func (e *Emitter) Emit(ctx context.Context, origin string, l *ledger.Header) error {
	e.mu.RLock()
	handlers := append([]Handler(nil), e.handlers...)
	e.mu.RUnlock()

	var errs []error
	for i, h := range handlers {
		if err := h(ctx, l); err != nil {
			errs = append(errs, fmt.Errorf("handler %d: %w", i, err))
		}
	}
	if len(errs) > 0 {
		e.metrics.IncError(metrics.ErrTypeEmit)
		return errors.Join(errs...)
	}

	e.metrics.RecordEmitted(origin, l.Index)
	e.log.Debugw("ledger emitted",
		"origin", origin,
		"index", l.Index,
		"hash", l.Hash,
	)
	return nil
}

// EmitFunc binds Emit to origin.
func (e *Emitter) EmitFunc(origin string) func(ctx context.Context, l *ledger.Header) error {
	return func(ctx context.Context, l *ledger.Header) error {
		return e.Emit(ctx, origin, l)
	}
}
