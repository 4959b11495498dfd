package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by a source when the requested ledger does not exist.
	ErrNotFound = errors.New("ledger not found")
	// ErrNotValidated is returned by a source when the ledger exists but is not yet validated.
	ErrNotValidated = errors.New("ledger not validated")
	// ErrTimeout is returned by a source when the request did not complete in time.
	ErrTimeout = errors.New("request timed out")

	// ErrMissing is returned by a store when the ledger is absent.
	ErrMissing = errors.New("ledger missing from store")
	// ErrMissingTransaction is returned by a store when a ledger is present but
	// one or more of its transactions are absent.
	ErrMissingTransaction = errors.New("transaction missing from store")

	// ErrChainIntegrity matches every chain integrity failure (hash mismatch,
	// parent hash discontinuity, unexpected index). These are never retried.
	ErrChainIntegrity = errors.New("chain integrity violation")
)

// TransportError wraps a failure to reach the upstream node or the store.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ValidationError is returned when a fetched ledger fails its self-check
// (not closed, or the recomputed hash differs from the claimed one).
type ValidationError struct {
	Index  uint64
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("ledger %d failed validation: %s", e.Index, e.Reason)
}

// ChainIntegrityError reports a hash mismatch between a ledger and the value
// it is expected to equal.
type ChainIntegrityError struct {
	Index    uint64
	Reason   string
	Expected Hash
	Actual   Hash
}

func (e *ChainIntegrityError) Error() string {
	return fmt.Sprintf("ledger %d: %s: expected %s, got %s", e.Index, e.Reason, e.Expected, e.Actual)
}

func (e *ChainIntegrityError) Is(target error) bool {
	return target == ErrChainIntegrity
}

// UnexpectedIndexError reports that a ledger other than the requested one was
// returned. It is treated as a chain integrity failure.
type UnexpectedIndexError struct {
	Requested uint64
	Got       uint64
}

func (e *UnexpectedIndexError) Error() string {
	return fmt.Sprintf("unexpected ledger index: requested %d, got %d", e.Requested, e.Got)
}

func (e *UnexpectedIndexError) Is(target error) bool {
	return target == ErrChainIntegrity
}

// IsChainIntegrity reports whether err is a chain integrity failure.
func IsChainIntegrity(err error) bool {
	return errors.Is(err, ErrChainIntegrity)
}

// IsMissing reports whether err means the ledger or one of its transactions is
// absent and can be recovered by re-importing it.
func IsMissing(err error) bool {
	return errors.Is(err, ErrMissing) || errors.Is(err, ErrMissingTransaction) || errors.Is(err, ErrNotFound)
}
