package importer

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xrpl-data/ledger-importer/pkg/backfill"
	"github.com/xrpl-data/ledger-importer/pkg/ledger"
	"github.com/xrpl-data/ledger-importer/pkg/livestream"
	"github.com/xrpl-data/ledger-importer/pkg/metrics"
)

// Source is the upstream node as seen by the importer.
type Source interface {
	FetchLedger(ctx context.Context, sel ledger.Selector, includeTransactions bool) (*ledger.Header, error)
	LatestValidatedIndex(ctx context.Context) (uint64, error)
}

// Importer owns ledger acquisition: the live stream, backfills and
// re-imports all publish through one Emitter.
type Importer struct {
	log     *zap.SugaredLogger
	source  Source
	emitter *Emitter
	filler  *backfill.Filler
	live    *livestream.Stream // nil without a subscriber
	metrics *metrics.Metrics   // nil if metrics disabled
}

// Option configures the Importer.
type Option func(*options)

type options struct {
	metrics    *metrics.Metrics
	subscriber livestream.Subscriber
}

// WithMetrics enables metrics collection for the importer and its components.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithSubscriber enables the live stream fed by sub.
func WithSubscriber(sub livestream.Subscriber) Option {
	return func(o *options) {
		o.subscriber = sub
	}
}

// New creates an Importer reading from source.
func New(log *zap.SugaredLogger, source Source, cfg backfill.Config, opts ...Option) (*Importer, error) {
	if log == nil {
		return nil, errors.New("invalid logger: must not be nil")
	}
	if source == nil {
		return nil, errors.New("invalid source: must not be nil")
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	emitter := NewEmitter(log, o.metrics)
	filler, err := backfill.New(log, source, emitter.EmitFunc(metrics.OriginBackfill), cfg,
		backfill.WithMetrics(o.metrics))
	if err != nil {
		return nil, fmt.Errorf("create backfiller: %w", err)
	}

	imp := &Importer{
		log:     log,
		source:  source,
		emitter: emitter,
		filler:  filler,
		metrics: o.metrics,
	}

	if o.subscriber != nil {
		liveOpts := []livestream.Option{livestream.WithMetrics(o.metrics)}
		if !cfg.IncludeTransactions {
			liveOpts = append(liveOpts, livestream.WithoutTransactions())
		}
		imp.live, err = livestream.New(log, o.subscriber, source, filler,
			emitter.EmitFunc(metrics.OriginLive), liveOpts...)
		if err != nil {
			return nil, fmt.Errorf("create live stream: %w", err)
		}
	}
	return imp, nil
}

// OnLedger registers a downstream handler for every emitted ledger.
func (i *Importer) OnLedger(h Handler) {
	i.emitter.OnLedger(h)
}

// RunLive follows the live tip until ctx is done.
func (i *Importer) RunLive(ctx context.Context) error {
	if i.live == nil {
		return errors.New("live stream not configured")
	}
	return i.live.Run(ctx)
}

// StartLive resumes the live stream.
func (i *Importer) StartLive() {
	if i.live != nil {
		i.live.Start()
	}
}

// StopLive pauses the live stream without unsubscribing.
func (i *Importer) StopLive() {
	if i.live != nil {
		i.live.Stop()
	}
}

// LiveActive reports whether the live stream is configured and active.
func (i *Importer) LiveActive() bool {
	return i.live != nil && i.live.Active()
}

// BackFill emits [stop..start] in the background; see backfill.Filler.BackFill.
func (i *Importer) BackFill(ctx context.Context, stop, start uint64, onDone func(error)) {
	i.filler.BackFill(ctx, stop, start, onDone)
}

// RunBackFill emits [stop..start] and blocks until done.
func (i *Importer) RunBackFill(ctx context.Context, stop, start uint64) error {
	return i.filler.Run(ctx, stop, start)
}

// Reimport fetches ledger index with its transactions and emits it. It
// returns once every handler has acknowledged the ledger.
func (i *Importer) Reimport(ctx context.Context, index uint64) error {
	h, err := i.source.FetchLedger(ctx, ledger.AtIndex(index), true)
	if err != nil {
		return fmt.Errorf("reimport ledger %d: %w", index, err)
	}
	if h.Index != index {
		return &ledger.UnexpectedIndexError{Requested: index, Got: h.Index}
	}
	if err := i.emitter.Emit(ctx, metrics.OriginReimport, h); err != nil {
		return fmt.Errorf("reimport ledger %d: %w", index, err)
	}
	i.log.Infow("ledger re-imported", "index", index, "hash", h.Hash)
	return nil
}

// LatestValidatedIndex returns the node's most recent validated ledger index.
func (i *Importer) LatestValidatedIndex(ctx context.Context) (uint64, error) {
	return i.source.LatestValidatedIndex(ctx)
}

// Genesis returns the configured genesis index.
func (i *Importer) Genesis() uint64 {
	return i.filler.Genesis()
}
