package backfill

import (
	"errors"
	"fmt"
	"sync"

	"github.com/xrpl-data/ledger-importer/pkg/ledger"
)

type slotState int

const (
	slotPending slotState = iota
	slotInFlight
	slotSucceeded
	slotFailed
)

type slot struct {
	state    slotState
	header   *ledger.Header
	attempts int
}

// State is the reorder buffer for one backfill run. It is safe for concurrent use.
type State struct {
	mu sync.Mutex

	stop   uint64
	window int

	next       uint64 // next index to emit; valid while !finished
	claimNext  uint64 // highest index not yet claimed; valid while !claimedAll
	finished   bool
	claimedAll bool

	// Hash the next emitted ledger must have. Unset until the anchor is
	// recorded or the first ledger is emitted.
	expected    ledger.Hash
	hasExpected bool

	slots   map[uint64]*slot
	emitted int
}

// NewState creates a reorder buffer for the closed range [stop..start] holding
// at most window slots.
func NewState(stop, start uint64, window int) (*State, error) {
	if start < stop {
		return nil, fmt.Errorf("invalid range: start < stop: %d < %d", start, stop)
	}
	if window <= 0 {
		return nil, errors.New("invalid window: must be greater than 0")
	}
	return &State{
		stop:      stop,
		window:    window,
		next:      start,
		claimNext: start,
		slots:     make(map[uint64]*slot, window),
	}, nil
}

// SetAnchor records the hash the first emitted ledger must have: the parent
// hash of the frontier ledger directly above the range.
func (s *State) SetAnchor(hash ledger.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expected = hash
	s.hasExpected = true
}

// Claim returns the next index to fetch and creates a pending slot for it. It
// returns false when the buffer is full or every index has been claimed.
func (s *State) Claim() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimedAll || len(s.slots) >= s.window {
		return 0, false
	}
	idx := s.claimNext
	s.slots[idx] = &slot{state: slotPending}
	if idx == s.stop {
		s.claimedAll = true
	} else {
		s.claimNext--
	}
	return idx, true
}

// MarkInFlight records that a fetch for idx has been issued.
func (s *State) MarkInFlight(idx uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sl, ok := s.slots[idx]; ok {
		sl.state = slotInFlight
		sl.attempts++
	}
}

// MarkFailed records a failed fetch for idx and returns the number of attempts so far.
func (s *State) MarkFailed(idx uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[idx]
	if !ok {
		return 0
	}
	sl.state = slotFailed
	return sl.attempts
}

// Resolve buffers the ledger fetched for idx. It fails with a chain integrity
// error when the ledger is for another index, or when it does not link to an
// adjacent buffered ledger.
func (s *State) Resolve(idx uint64, h *ledger.Header) error {
	if h.Index != idx {
		return &ledger.UnexpectedIndexError{Requested: idx, Got: h.Index}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[idx]
	if !ok {
		return fmt.Errorf("no slot for ledger %d", idx)
	}

	if above, ok := s.slots[idx+1]; ok && above.state == slotSucceeded && above.header.ParentHash != h.Hash {
		return &ledger.ChainIntegrityError{
			Index:    idx + 1,
			Reason:   "parent hash does not match hash of ledger below",
			Expected: h.Hash,
			Actual:   above.header.ParentHash,
		}
	}
	if idx > 0 {
		if below, ok := s.slots[idx-1]; ok && below.state == slotSucceeded && below.header.Hash != h.ParentHash {
			return &ledger.ChainIntegrityError{
				Index:    idx,
				Reason:   "parent hash does not match hash of ledger below",
				Expected: below.header.Hash,
				Actual:   h.ParentHash,
			}
		}
	}

	sl.state = slotSucceeded
	sl.header = h
	return nil
}

// Pop removes and returns the ledger at next if it has arrived and links to the
// previously emitted ledger (or the anchor). It returns false when the ledger at
// next is not buffered yet or the range is finished.
func (s *State) Pop() (*ledger.Header, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return nil, false, nil
	}
	sl, ok := s.slots[s.next]
	if !ok || sl.state != slotSucceeded {
		return nil, false, nil
	}

	h := sl.header
	if s.hasExpected && h.Hash != s.expected {
		return nil, false, &ledger.ChainIntegrityError{
			Index:    h.Index,
			Reason:   "hash does not match parent hash of ledger above",
			Expected: s.expected,
			Actual:   h.Hash,
		}
	}

	delete(s.slots, s.next)
	s.expected = h.ParentHash
	s.hasExpected = true
	s.emitted++
	if s.next == s.stop {
		s.finished = true
	} else {
		s.next--
	}
	return h, true, nil
}

// Finished reports whether every ledger of the range has been emitted.
func (s *State) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// Next returns the next index to emit.
func (s *State) Next() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Emitted returns the number of ledgers emitted so far.
func (s *State) Emitted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emitted
}

// Counts returns the number of slots per state.
func (s *State) Counts() (pending, inFlight, buffered, failed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sl := range s.slots {
		switch sl.state {
		case slotPending:
			pending++
		case slotInFlight:
			inFlight++
		case slotSucceeded:
			buffered++
		case slotFailed:
			failed++
		}
	}
	return pending, inFlight, buffered, failed
}

// Len returns the number of slots held.
func (s *State) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

// Purge drops every slot and buffered ledger.
func (s *State) Purge() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.slots)
}
