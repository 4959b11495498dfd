package backfill

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xrpl-data/ledger-importer/pkg/ledger"
	"github.com/xrpl-data/ledger-importer/pkg/ledger/testutils"
)

type fakeSource struct {
	mu       sync.Mutex
	chain    map[uint64]*ledger.Header
	failures map[uint64]int // remaining transport failures per index
	calls    map[uint64]int
	delay    func(idx uint64) time.Duration
	override func(idx uint64) (*ledger.Header, bool)

	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

func newFakeSource(chain map[uint64]*ledger.Header) *fakeSource {
	return &fakeSource{
		chain:    chain,
		failures: make(map[uint64]int),
		calls:    make(map[uint64]int),
	}
}

func (s *fakeSource) FetchLedger(ctx context.Context, sel ledger.Selector, _ bool) (*ledger.Header, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		cur := s.maxInFlight.Load()
		if n <= cur || s.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	s.mu.Lock()
	s.calls[sel.Index]++
	fail := s.failures[sel.Index] > 0
	if fail {
		s.failures[sel.Index]--
	}
	h, ok := s.chain[sel.Index]
	delay := time.Duration(0)
	if s.delay != nil {
		delay = s.delay(sel.Index)
	}
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.override != nil {
		if oh, ok := s.override(sel.Index); ok {
			return oh, nil
		}
	}
	if fail {
		return nil, &ledger.TransportError{Op: "ledger", Err: errors.New("connection reset")}
	}
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return h, nil
}

func (s *fakeSource) callCount(idx uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[idx]
}

type recorder struct {
	mu      sync.Mutex
	emitted []*ledger.Header
	failAt  uint64
}

func (r *recorder) emit(_ context.Context, h *ledger.Header) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAt != 0 && h.Index == r.failAt {
		return errors.New("store unavailable")
	}
	r.emitted = append(r.emitted, h)
	return nil
}

func (r *recorder) indexes() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint64, 0, len(r.emitted))
	for _, h := range r.emitted {
		out = append(out, h.Index)
	}
	return out
}

func newTestFiller(t *testing.T, src Source, rec *recorder, genesis uint64, window int) *Filler {
	t.Helper()
	f, err := New(zap.NewNop().Sugar(), src, rec.emit, Config{
		Genesis: genesis,
		Window:  window,
		Stagger: time.Millisecond,
	})
	require.NoError(t, err)
	return f
}

func descending(from, to uint64) []uint64 {
	var out []uint64
	for i := from; ; i-- {
		out = append(out, i)
		if i == to {
			return out
		}
	}
}

func TestNew_InvalidArgs(t *testing.T) {
	t.Parallel()
	log := zap.NewNop().Sugar()
	src := newFakeSource(nil)
	emit := func(context.Context, *ledger.Header) error { return nil }

	tests := []struct {
		name string
		fn   func() (*Filler, error)
	}{
		{"nil logger", func() (*Filler, error) { return New(nil, src, emit, DefaultConfig()) }},
		{"nil source", func() (*Filler, error) { return New(log, nil, emit, DefaultConfig()) }},
		{"nil emit", func() (*Filler, error) { return New(log, src, nil, DefaultConfig()) }},
		{"zero window", func() (*Filler, error) { return New(log, src, emit, Config{Window: 0}) }},
		{"negative stagger", func() (*Filler, error) { return New(log, src, emit, Config{Window: 1, Stagger: -1}) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f, err := tt.fn()
			require.Error(t, err)
			require.Nil(t, f)
		})
	}
}

func TestBackFill_EmitsRangeDescending(t *testing.T) {
	t.Parallel()
	// The range is closed, [stop..start]. Source holds 101..105 and genesis is
	// 101, so stop=100 clamps to 101 and exactly 105..101 are emitted.
	src := newFakeSource(testutils.Chain(101, 5, 2))
	rec := &recorder{}
	f := newTestFiller(t, src, rec, 101, DefaultWindow)

	var calls atomic.Int32
	done := make(chan error, 2)
	f.BackFill(t.Context(), 100, 105, func(err error) {
		calls.Add(1)
		done <- err
	})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("backfill did not complete")
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, []uint64{105, 104, 103, 102, 101}, rec.indexes())
}

func TestRun_HashContinuity(t *testing.T) {
	t.Parallel()
	for _, window := range []int{1, 3, 7, 20} {
		t.Run(fmt.Sprintf("window=%d", window), func(t *testing.T) {
			t.Parallel()
			src := newFakeSource(testutils.Chain(1000, 60, 1))
			// Later indexes answer faster so results arrive out of order.
			src.delay = func(idx uint64) time.Duration {
				return time.Duration(idx%5) * time.Millisecond
			}
			rec := &recorder{}
			f := newTestFiller(t, src, rec, 1, window)

			require.NoError(t, f.Run(t.Context(), 1000, 1059))

			require.Equal(t, descending(1059, 1000), rec.indexes())
			for i := 1; i < len(rec.emitted); i++ {
				higher, lower := rec.emitted[i-1], rec.emitted[i]
				assert.Equal(t, higher.ParentHash, lower.Hash, "link %d -> %d", higher.Index, lower.Index)
			}
		})
	}
}

func TestRun_InFlightNeverExceedsWindow(t *testing.T) {
	t.Parallel()
	for _, window := range []int{1, 2, 5, 20} {
		t.Run(fmt.Sprintf("window=%d", window), func(t *testing.T) {
			t.Parallel()
			src := newFakeSource(testutils.Chain(500, 80, 0))
			src.delay = func(uint64) time.Duration { return 2 * time.Millisecond }
			rec := &recorder{}
			f, err := New(zap.NewNop().Sugar(), src, rec.emit, Config{Genesis: 1, Window: window})
			require.NoError(t, err)

			require.NoError(t, f.Run(t.Context(), 500, 579))
			assert.LessOrEqual(t, src.maxInFlight.Load(), int64(window))
			assert.Len(t, rec.indexes(), 80)
		})
	}
}

func TestRun_StaggerDoesNotCapThroughput(t *testing.T) {
	t.Parallel()
	const (
		count   = 80
		latency = 10 * time.Millisecond
		stagger = 10 * time.Millisecond
	)
	elapsed := func(window int) time.Duration {
		src := newFakeSource(testutils.Chain(1000, count, 0))
		src.delay = func(uint64) time.Duration { return latency }
		rec := &recorder{}
		f, err := New(zap.NewNop().Sugar(), src, rec.emit, Config{Genesis: 1, Window: window, Stagger: stagger})
		require.NoError(t, err)

		began := time.Now()
		require.NoError(t, f.Run(t.Context(), 1000, 1000+count-1))
		require.Len(t, rec.indexes(), count)
		return time.Since(began)
	}

	narrow := elapsed(2)
	wide := elapsed(8)
	// Refills are not delayed by their distance below next, so a wider window
	// finishes well inside count x stagger.
	assert.Less(t, wide, narrow*3/4, "window 8 took %s, window 2 took %s", wide, narrow)
	assert.Less(t, wide, count*stagger/2)
}

func TestRun_RetriesTransportFailures(t *testing.T) {
	t.Parallel()
	src := newFakeSource(testutils.Chain(10, 10, 1))
	src.failures[15] = 3
	src.failures[10] = 1
	rec := &recorder{}
	f := newTestFiller(t, src, rec, 1, 4)

	require.NoError(t, f.Run(t.Context(), 10, 19))
	assert.Equal(t, descending(19, 10), rec.indexes())
	assert.Equal(t, 4, src.callCount(15))
	assert.Equal(t, 2, src.callCount(10))
	assert.Equal(t, 1, src.callCount(19))
}

func TestRun_ParentHashMismatchIsFatal(t *testing.T) {
	t.Parallel()
	chain := testutils.Chain(200, 20, 0)
	// Replace 210 with a ledger on the right parent but different content: its
	// hash no longer matches 211's parent hash.
	forged := testutils.NewHeader(210, chain[209].Hash, 1)
	chain[210] = forged

	src := newFakeSource(chain)
	rec := &recorder{}
	f := newTestFiller(t, src, rec, 1, 5)

	var calls atomic.Int32
	done := make(chan error, 2)
	f.BackFill(t.Context(), 200, 219, func(err error) {
		calls.Add(1)
		done <- err
	})

	var err error
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("backfill did not abort")
	}
	require.Error(t, err)
	assert.True(t, ledger.IsChainIntegrity(err))
	var chainErr *ledger.ChainIntegrityError
	require.ErrorAs(t, err, &chainErr)

	for _, idx := range rec.indexes() {
		assert.Greater(t, idx, uint64(210))
	}
	emitted := rec.indexes()
	if len(emitted) > 0 {
		assert.Equal(t, descending(219, emitted[len(emitted)-1]), emitted)
	}

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	// Never retried
	assert.Equal(t, 1, src.callCount(210))
}

func TestRun_UnexpectedIndexIsFatal(t *testing.T) {
	t.Parallel()
	chain := testutils.Chain(50, 5, 0)
	src := newFakeSource(chain)
	src.override = func(idx uint64) (*ledger.Header, bool) {
		if idx == 52 {
			return chain[53], true
		}
		return nil, false
	}
	rec := &recorder{}
	f := newTestFiller(t, src, rec, 1, 2)

	err := f.Run(t.Context(), 50, 54)
	var idxErr *ledger.UnexpectedIndexError
	require.ErrorAs(t, err, &idxErr)
	assert.Equal(t, uint64(52), idxErr.Requested)
	assert.Equal(t, uint64(53), idxErr.Got)
	assert.True(t, ledger.IsChainIntegrity(err))
	assert.NotContains(t, rec.indexes(), uint64(52))
}

func TestRun_Anchor(t *testing.T) {
	t.Parallel()
	chain := testutils.Chain(11, 3, 0) // 11, 12, 13

	t.Run("first emission links to anchor", func(t *testing.T) {
		t.Parallel()
		rec := &recorder{}
		f := newTestFiller(t, newFakeSource(chain), rec, 1, 20)
		require.NoError(t, f.Run(t.Context(), 11, 12, WithAnchor(chain[13])))
		assert.Equal(t, []uint64{12, 11}, rec.indexes())
	})

	t.Run("anchor from another chain", func(t *testing.T) {
		t.Parallel()
		other := testutils.NewHeader(13, ledger.TransactionID([]byte("fork")), 0)
		rec := &recorder{}
		f := newTestFiller(t, newFakeSource(chain), rec, 1, 20)
		err := f.Run(t.Context(), 11, 12, WithAnchor(other))
		require.ErrorIs(t, err, ledger.ErrChainIntegrity)
		assert.Empty(t, rec.indexes())
	})

	t.Run("anchor not directly above start", func(t *testing.T) {
		t.Parallel()
		rec := &recorder{}
		f := newTestFiller(t, newFakeSource(chain), rec, 1, 20)
		err := f.Run(t.Context(), 11, 11, WithAnchor(chain[13]))
		require.Error(t, err)
		assert.False(t, ledger.IsChainIntegrity(err))
	})
}

func TestBackFill_NoOp(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		genesis     uint64
		stop, start uint64
	}{
		{name: "start below genesis", genesis: 100, stop: 10, start: 99},
		{name: "start below stop", genesis: 1, stop: 20, start: 19},
		{name: "start below clamped stop", genesis: 50, stop: 1, start: 49},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			src := newFakeSource(testutils.Chain(1, 120, 0))
			rec := &recorder{}
			f := newTestFiller(t, src, rec, tt.genesis, 5)

			called := false
			var got error
			f.BackFill(t.Context(), tt.stop, tt.start, func(err error) {
				called = true
				got = err
			})
			// Fires before BackFill returns
			require.True(t, called)
			require.NoError(t, got)
			require.NoError(t, f.Run(t.Context(), tt.stop, tt.start))
			assert.Empty(t, rec.indexes())
		})
	}
}

func TestRun_SingleLedgerAndGenesisZero(t *testing.T) {
	t.Parallel()
	chain := testutils.Chain(0, 4, 0)
	rec := &recorder{}
	f := newTestFiller(t, newFakeSource(chain), rec, 0, 2)

	require.NoError(t, f.Run(t.Context(), 0, 3))
	assert.Equal(t, []uint64{3, 2, 1, 0}, rec.indexes())

	rec2 := &recorder{}
	f2 := newTestFiller(t, newFakeSource(chain), rec2, 0, 2)
	require.NoError(t, f2.Run(t.Context(), 2, 2))
	assert.Equal(t, []uint64{2}, rec2.indexes())
}

func TestRun_EmitErrorAborts(t *testing.T) {
	t.Parallel()
	rec := &recorder{failAt: 7}
	f := newTestFiller(t, newFakeSource(testutils.Chain(1, 10, 0)), rec, 1, 3)

	err := f.Run(t.Context(), 1, 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "emit ledger 7")
	assert.Equal(t, []uint64{10, 9, 8}, rec.indexes())
}

func TestRun_ContextCancelled(t *testing.T) {
	t.Parallel()
	src := newFakeSource(testutils.Chain(1, 10, 0))
	src.delay = func(uint64) time.Duration { return time.Hour }
	rec := &recorder{}
	f := newTestFiller(t, src, rec, 1, 3)

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	err := f.Run(ctx, 1, 10)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, rec.indexes())
}
