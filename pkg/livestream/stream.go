package livestream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/xrpl-data/ledger-importer/pkg/backfill"
	"github.com/xrpl-data/ledger-importer/pkg/ledger"
	"github.com/xrpl-data/ledger-importer/pkg/metrics"
)

const (
	defaultNotificationCapacity = 16
	defaultEmitQueueCapacity    = 64
)

// Subscriber delivers the index of every newly closed ledger until ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, out chan<- uint64) error
}

// Source fetches a single ledger.
type Source interface {
	FetchLedger(ctx context.Context, sel ledger.Selector, includeTransactions bool) (*ledger.Header, error)
}

// BackFiller fills a historical range in the background.
type BackFiller interface {
	BackFill(ctx context.Context, stop, start uint64, onDone func(error), opts ...backfill.RunOption)
}

// EmitFunc delivers a ledger downstream.
type EmitFunc func(ctx context.Context, h *ledger.Header) error

// Stream follows the live tip. Every notified ledger is fetched, verified and
// emitted; a jump in the notified index is handed to the BackFiller with the
// new tip as anchor.
//
// Live emissions are queued and delivered in tip order by a single goroutine;
// the stream never waits for their acknowledgement.
type Stream struct {
	log     *zap.SugaredLogger
	sub     Subscriber
	source  Source
	filler  BackFiller
	emit    EmitFunc
	metrics *metrics.Metrics // nil if metrics disabled

	includeTransactions bool

	active atomic.Bool

	mu     sync.Mutex
	seen   bool   // a ledger has been emitted from the live feed
	first  uint64 // first live ledger emitted
	latest uint64 // latest live ledger emitted

	queue chan *ledger.Header
}

// Option configures the Stream.
type Option func(*Stream)

// WithMetrics enables metrics collection for the stream.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Stream) {
		s.metrics = m
	}
}

// WithoutTransactions fetches live ledgers without their transactions.
func WithoutTransactions() Option {
	return func(s *Stream) {
		s.includeTransactions = false
	}
}

// New creates a Stream. It starts active.
func New(
	log *zap.SugaredLogger,
	sub Subscriber,
	source Source,
	filler BackFiller,
	emit EmitFunc,
	opts ...Option,
) (*Stream, error) {
	if log == nil {
		return nil, errors.New("invalid logger: must not be nil")
	}
	if sub == nil {
		return nil, errors.New("invalid subscriber: must not be nil")
	}
	if source == nil {
		return nil, errors.New("invalid source: must not be nil")
	}
	if filler == nil {
		return nil, errors.New("invalid backfiller: must not be nil")
	}
	if emit == nil {
		return nil, errors.New("invalid emit func: must not be nil")
	}

	s := &Stream{
		log:                 log,
		sub:                 sub,
		source:              source,
		filler:              filler,
		emit:                emit,
		includeTransactions: true,
		queue:               make(chan *ledger.Header, defaultEmitQueueCapacity),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.active.Store(true)
	s.metrics.SetLiveActive(true)
	return s, nil
}

// Start resumes fetching and emitting.
func (s *Stream) Start() {
	if !s.active.Swap(true) {
		s.log.Infow("live stream resumed")
	}
	s.metrics.SetLiveActive(true)
}

// Stop pauses the stream. Notifications are still received but produce no
// fetch and no emission; in-flight results are discarded.
func (s *Stream) Stop() {
	if s.active.Swap(false) {
		s.log.Infow("live stream paused")
	}
	s.metrics.SetLiveActive(false)
}

// Active reports whether the stream is fetching and emitting.
func (s *Stream) Active() bool {
	return s.active.Load()
}

// Latest returns the first and latest live ledger indexes emitted, and whether
// any ledger has been emitted yet.
func (s *Stream) Latest() (first, latest uint64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.first, s.latest, s.seen
}

// Run subscribes and handles notifications until ctx is done.
func (s *Stream) Run(ctx context.Context) error {
	notifications := make(chan uint64, defaultNotificationCapacity)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.deliver(ctx)
	}()
	defer wg.Wait()

	subErr := make(chan error, 1)
	go func() {
		subErr <- s.sub.Subscribe(ctx, notifications)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-subErr:
			if err != nil {
				return err
			}
			return nil
		case n := <-notifications:
			if err := s.HandleNotification(ctx, n); err != nil {
				s.log.Warnw("failed to handle live notification", "index", n, "error", err)
			}
		}
	}
}

// HandleNotification processes a "ledger closed" notification for index n.
// A failed fetch, or a ledger returned for another index, is reported and
// nothing is emitted; the next notification then covers n as part of a gap.
func (s *Stream) HandleNotification(ctx context.Context, n uint64) error {
	s.metrics.IncLiveNotification()
	if !s.active.Load() {
		s.log.Debugw("live stream paused, ignoring notification", "index", n)
		return nil
	}

	s.mu.Lock()
	seen, latest := s.seen, s.latest
	s.mu.Unlock()
	if seen && n <= latest {
		s.log.Debugw("ignoring stale notification", "index", n, "latest", latest)
		return nil
	}

	h, err := s.source.FetchLedger(ctx, ledger.AtIndex(n), s.includeTransactions)
	if err != nil {
		s.metrics.IncError(metrics.ErrTypeLiveFetch)
		return fmt.Errorf("fetch live ledger %d: %w", n, err)
	}
	if h.Index != n {
		s.metrics.IncError(metrics.ErrTypeLiveFetch)
		return &ledger.UnexpectedIndexError{Requested: n, Got: h.Index}
	}
	if !s.active.Load() {
		s.log.Debugw("live stream paused during fetch, discarding ledger", "index", n)
		return nil
	}

	s.mu.Lock()
	if s.seen && n <= s.latest {
		s.mu.Unlock()
		return nil
	}
	if !s.seen {
		s.seen = true
		s.first = n
	} else if n > s.latest+1 {
		s.startGapFill(ctx, s.latest+1, n-1, h)
	}
	s.latest = n
	s.mu.Unlock()

	select {
	case s.queue <- h:
	case <-ctx.Done():
	}
	return nil
}

func (s *Stream) startGapFill(ctx context.Context, stop, start uint64, anchor *ledger.Header) {
	size := start - stop + 1
	s.metrics.RecordGap(size)
	s.log.Infow("gap detected in live feed, backfilling",
		"stop", stop,
		"start", start,
		"size", size,
	)
	s.filler.BackFill(ctx, stop, start, func(err error) {
		if err != nil {
			s.log.Errorw("gap backfill failed", "stop", stop, "start", start, "error", err)
			return
		}
		s.log.Infow("gap backfill completed", "stop", stop, "start", start)
	}, backfill.WithAnchor(anchor))
}

// deliver emits queued live ledgers in order until ctx is done.
func (s *Stream) deliver(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case h := <-s.queue:
			if !s.active.Load() {
				s.log.Debugw("live stream paused, discarding queued ledger", "index", h.Index)
				continue
			}
			if err := s.emit(ctx, h); err != nil {
				s.log.Warnw("live ledger emission failed", "index", h.Index, "error", err)
			}
		}
	}
}
