package validator

import (
	"sync"
	"sync/atomic"
)

// Phase is the validator's position in its state machine:
// IDLE -> CHECKING -> ADVANCING -> IDLE | HALTED_ON_ERROR.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseChecking
	PhaseAdvancing
	PhaseHalted
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseChecking:
		return "CHECKING"
	case PhaseAdvancing:
		return "ADVANCING"
	case PhaseHalted:
		return "HALTED_ON_ERROR"
	default:
		return "UNKNOWN"
	}
}

// state is the explicit, instance-owned state of a Validator.
type state struct {
	// working makes cycles mutually exclusive.
	working atomic.Bool
	phase   atomic.Int32

	// haltReason is the error that halted the most recent cycle, if any.
	mu         sync.Mutex
	haltReason error
}

func (s *state) setPhase(p Phase) {
	s.phase.Store(int32(p))
}

func (s *state) getPhase() Phase {
	return Phase(s.phase.Load())
}

func (s *state) halt(err error) {
	s.mu.Lock()
	s.haltReason = err
	s.mu.Unlock()
	s.setPhase(PhaseHalted)
}

func (s *state) clearHalt() {
	s.mu.Lock()
	s.haltReason = nil
	s.mu.Unlock()
}

func (s *state) halted() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.haltReason
}

// NotificationRecord remembers which ledger indexes an operator alert has
// been sent for. It lives for the lifetime of the process.
type NotificationRecord struct {
	mu   sync.Mutex
	sent map[uint64]struct{}
}

// NewNotificationRecord creates an empty record.
func NewNotificationRecord() *NotificationRecord {
	return &NotificationRecord{sent: make(map[uint64]struct{})}
}

// MarkSent records index and reports whether it was not recorded before.
func (r *NotificationRecord) MarkSent(index uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sent[index]; ok {
		return false
	}
	r.sent[index] = struct{}{}
	return true
}

// Sent reports whether an alert was sent for index.
func (r *NotificationRecord) Sent(index uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sent[index]
	return ok
}
