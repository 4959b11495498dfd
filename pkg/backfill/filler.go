package backfill

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/xrpl-data/ledger-importer/pkg/ledger"
	"github.com/xrpl-data/ledger-importer/pkg/metrics"
)

const (
	DefaultWindow  = 20
	DefaultStagger = 100 * time.Millisecond
	DefaultGenesis = 32570
)

// Source fetches a single ledger. It makes one attempt per call.
type Source interface {
	FetchLedger(ctx context.Context, sel ledger.Selector, includeTransactions bool) (*ledger.Header, error)
}

// EmitFunc delivers a ledger downstream. It is called sequentially, in
// descending index order, and must return before the next ledger is emitted.
type EmitFunc func(ctx context.Context, h *ledger.Header) error

// Config tunes a Filler.
type Config struct {
	// Genesis is the lowest index that exists; stop is clamped up to it.
	Genesis uint64
	// Window is the maximum number of slots buffered and fetches in flight.
	Window int
	// Stagger is multiplied by a request's position within one batch of claims
	// to delay it. Retries and single refills go out immediately.
	Stagger time.Duration
	// IncludeTransactions fetches (and verifies) transactions with every ledger.
	IncludeTransactions bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Genesis:             DefaultGenesis,
		Window:              DefaultWindow,
		Stagger:             DefaultStagger,
		IncludeTransactions: true,
	}
}

// Filler runs backfills. A Filler may run several ranges concurrently; each
// run owns its own State.
type Filler struct {
	log     *zap.SugaredLogger
	source  Source
	emit    EmitFunc
	cfg     Config
	metrics *metrics.Metrics // nil if metrics disabled
}

// Option configures the Filler.
type Option func(*Filler)

// WithMetrics enables metrics collection for the filler.
func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Filler) {
		f.metrics = m
	}
}

// New creates a Filler and returns an error if arguments are invalid.
func New(log *zap.SugaredLogger, source Source, emit EmitFunc, cfg Config, opts ...Option) (*Filler, error) {
	if log == nil {
		return nil, errors.New("invalid logger: must not be nil")
	}
	if source == nil {
		return nil, errors.New("invalid source: must not be nil")
	}
	if emit == nil {
		return nil, errors.New("invalid emit func: must not be nil")
	}
	if cfg.Window <= 0 {
		return nil, errors.New("invalid window: must be greater than 0")
	}
	if cfg.Stagger < 0 {
		return nil, errors.New("invalid stagger: must not be negative")
	}

	f := &Filler{
		log:    log,
		source: source,
		emit:   emit,
		cfg:    cfg,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// RunOption configures a single run.
type RunOption func(*runOptions)

type runOptions struct {
	anchor *ledger.Header
}

// WithAnchor records h as the frontier ledger above the range. h is not
// emitted; the ledger at start must link to it. h.Index must equal start+1.
func WithAnchor(h *ledger.Header) RunOption {
	return func(o *runOptions) {
		o.anchor = h
	}
}

// AnchorOf returns the anchor configured by opts, or nil.
func AnchorOf(opts ...RunOption) *ledger.Header {
	var ro runOptions
	for _, opt := range opts {
		opt(&ro)
	}
	return ro.anchor
}

// Genesis returns the configured genesis index.
func (f *Filler) Genesis() uint64 {
	return f.cfg.Genesis
}

// BackFill runs the range [stop..start] in the background and reports the
// outcome to onDone exactly once. A range with nothing to do calls onDone(nil)
// before returning.
func (f *Filler) BackFill(ctx context.Context, stop, start uint64, onDone func(error), opts ...RunOption) {
	if onDone == nil {
		onDone = func(error) {}
	}
	if _, ok := f.clamp(stop, start); !ok {
		onDone(nil)
		return
	}
	go func() {
		onDone(f.Run(ctx, stop, start, opts...))
	}()
}

// Run emits the range [stop..start] in descending order and blocks until every
// ledger has been emitted, a fatal error occurs, or ctx is done.
func (f *Filler) Run(ctx context.Context, stop, start uint64, opts ...RunOption) error {
	stop, ok := f.clamp(stop, start)
	if !ok {
		f.log.Debugw("backfill range empty, nothing to do",
			"stop", stop,
			"start", start,
			"genesis", f.cfg.Genesis,
		)
		return nil
	}

	anchor := AnchorOf(opts...)

	state, err := NewState(stop, start, f.cfg.Window)
	if err != nil {
		return err
	}
	if anchor != nil {
		if anchor.Index != start+1 {
			return fmt.Errorf("invalid anchor: index %d is not directly above start %d", anchor.Index, start)
		}
		state.SetAnchor(anchor.ParentHash)
	}

	r := &run{
		Filler:  f,
		state:   state,
		sem:     semaphore.NewWeighted(int64(f.cfg.Window)),
		results: make(chan fetchResult, f.cfg.Window),
	}

	started := time.Now()
	f.log.Infow("backfill started",
		"stop", stop,
		"start", start,
		"window", f.cfg.Window,
		"anchored", anchor != nil,
	)

	err = r.loop(ctx)
	f.metrics.RecordBackfillRun(err)
	if err != nil {
		if ledger.IsChainIntegrity(err) {
			f.metrics.IncChainIntegrityError(metrics.Backfill)
		}
		f.log.Errorw("backfill aborted",
			"stop", stop,
			"start", start,
			"next", state.Next(),
			"emitted", state.Emitted(),
			"error", err,
		)
		return err
	}

	f.log.Infow("backfill completed",
		"stop", stop,
		"start", start,
		"emitted", state.Emitted(),
		"duration", time.Since(started),
	)
	return nil
}

// clamp raises stop to genesis and reports whether [stop..start] has work.
func (f *Filler) clamp(stop, start uint64) (uint64, bool) {
	if stop < f.cfg.Genesis {
		stop = f.cfg.Genesis
	}
	if start < f.cfg.Genesis || start < stop {
		return stop, false
	}
	return stop, true
}

type fetchResult struct {
	index  uint64
	header *ledger.Header
	err    error
}

// run is the explicit state of one backfill run.
type run struct {
	*Filler
	state   *State
	sem     *semaphore.Weighted // bounds fetches in flight
	results chan fetchResult
	wg      sync.WaitGroup
}

func (r *run) loop(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		r.wg.Wait()
		r.state.Purge()
		r.metrics.UpdateBackfillWindow(0, 0)
	}()

	for {
		for pos := 0; ; pos++ {
			idx, ok := r.state.Claim()
			if !ok {
				break
			}
			r.dispatch(ctx, idx, r.cfg.Stagger*time.Duration(pos))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case res := <-r.results:
			if res.err != nil {
				if err := r.handleFailure(ctx, res); err != nil {
					return err
				}
				continue
			}
			if err := r.state.Resolve(res.index, res.header); err != nil {
				return err
			}
			if err := r.drain(ctx); err != nil {
				return err
			}
			if r.state.Finished() {
				return nil
			}
		}
		r.reportWindow()
	}
}

// handleFailure retries the slot unless the failure is a chain integrity one.
func (r *run) handleFailure(ctx context.Context, res fetchResult) error {
	if ledger.IsChainIntegrity(res.err) {
		return res.err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	attempts := r.state.MarkFailed(res.index)
	r.metrics.IncBackfillRetry()
	r.log.Warnw("backfill fetch failed, retrying",
		"index", res.index,
		"attempts", attempts,
		"error", res.err,
	)
	r.dispatch(ctx, res.index, 0)
	return nil
}

// drain emits buffered ledgers while the ledger at next is available.
func (r *run) drain(ctx context.Context) error {
	for {
		h, ok, err := r.state.Pop()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := r.emit(ctx, h); err != nil {
			return fmt.Errorf("emit ledger %d: %w", h.Index, err)
		}
	}
}

func (r *run) dispatch(ctx context.Context, idx uint64, delay time.Duration) {
	r.state.MarkInFlight(idx)
	r.wg.Add(1)
	go r.fetch(ctx, idx, delay)
}

func (r *run) fetch(ctx context.Context, idx uint64, delay time.Duration) {
	defer r.wg.Done()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return
	}
	h, err := r.source.FetchLedger(ctx, ledger.AtIndex(idx), r.cfg.IncludeTransactions)
	r.sem.Release(1)

	select {
	case r.results <- fetchResult{index: idx, header: h, err: err}:
	case <-ctx.Done():
	}
}

func (r *run) reportWindow() {
	if r.metrics == nil {
		return
	}
	pending, inFlight, buffered, failed := r.state.Counts()
	r.metrics.UpdateBackfillWindow(pending+inFlight+failed, buffered)
}
