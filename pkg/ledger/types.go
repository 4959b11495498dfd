package ledger

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// rippleEpochOffset is the number of seconds between the Unix epoch and the
// ripple epoch (2000-01-01T00:00:00Z). Ledger close times are expressed in
// ripple-epoch seconds.
const rippleEpochOffset = 946684800

// Hash is a 256-bit ledger, transaction or tree hash.
type Hash [32]byte

// ZeroHash is the all-zero hash. An empty transaction tree hashes to ZeroHash.
var ZeroHash Hash

// ParseHash decodes a 64 character hex string (case-insensitive).
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("invalid hash %q: expected %d bytes, got %d", s, len(h), len(b))
	}
	copy(h[:], b)
	return h, nil
}

// MustParseHash is like ParseHash but panics on error. Intended for tests and constants.
func MustParseHash(s string) Hash {
	h, err := ParseHash(s)
	if err != nil {
		panic(err)
	}
	return h
}

// String returns the upper-case hex encoding used by rippled.
func (h Hash) String() string {
	return strings.ToUpper(hex.EncodeToString(h[:]))
}

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool {
	return h == ZeroHash
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*h = ZeroHash
		return nil
	}
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Transaction is a transaction as it appears in a closed ledger: the canonical
// binary transaction, its metadata, and the transaction hash used as the key in
// the ledger's transaction tree.
type Transaction struct {
	Hash  Hash   `json:"hash"`
	Blob  []byte `json:"tx_blob"`
	Meta  []byte `json:"meta"`
	Index uint32 `json:"transaction_index"`
}

// Header is a closed ledger header together with (optionally) its transactions.
//
// Hash is a pure function of the other header fields (see ComputeHash), and
// TransactionHash is the root of the transaction tree built from Transactions.
type Header struct {
	Index               uint64        `json:"ledger_index"`
	Hash                Hash          `json:"ledger_hash"`
	ParentHash          Hash          `json:"parent_hash"`
	AccountHash         Hash          `json:"account_hash"`
	TransactionHash     Hash          `json:"transaction_hash"`
	CloseTime           uint32        `json:"close_time"`
	ParentCloseTime     uint32        `json:"parent_close_time"`
	CloseTimeResolution uint8         `json:"close_time_resolution"`
	CloseFlags          uint8         `json:"close_flags"`
	TotalCoins          uint64        `json:"total_coins"`
	Closed              bool          `json:"closed"`
	Transactions        []Transaction `json:"transactions,omitempty"`
}

// CloseTimeUTC converts the ripple-epoch close time to wall-clock time.
func (h *Header) CloseTimeUTC() time.Time {
	return RippleTime(h.CloseTime)
}

// Checkpoint returns the checkpoint that records h as the last validated ledger.
func (h *Header) Checkpoint() Checkpoint {
	return Checkpoint{
		LedgerIndex: h.Index,
		LedgerHash:  h.Hash,
		ParentHash:  h.ParentHash,
		CloseTime:   h.CloseTime,
	}
}

// Checkpoint is the durable pointer to the last validated ledger.
type Checkpoint struct {
	LedgerIndex uint64 `json:"ledger_index"`
	LedgerHash  Hash   `json:"ledger_hash"`
	ParentHash  Hash   `json:"parent_hash"`
	CloseTime   uint32 `json:"close_time"`
}

// HasHash reports whether the checkpoint carries a recorded ledger hash. A
// checkpoint synthesized for a fresh start (genesis-1) has none.
func (c Checkpoint) HasHash() bool {
	return !c.LedgerHash.IsZero()
}

// GenesisCheckpoint returns the starting checkpoint for a store that has never
// been validated: the ledger immediately preceding genesis, without a hash.
func GenesisCheckpoint(genesis uint64) Checkpoint {
	if genesis == 0 {
		return Checkpoint{}
	}
	return Checkpoint{LedgerIndex: genesis - 1}
}

// RippleTime converts ripple-epoch seconds to UTC time.
func RippleTime(seconds uint32) time.Time {
	return time.Unix(int64(seconds)+rippleEpochOffset, 0).UTC()
}

// Selector identifies the ledger requested from a source: either a concrete
// index or the most recent validated ledger.
type Selector struct {
	Index     uint64
	Validated bool
}

// AtIndex selects a ledger by index.
func AtIndex(index uint64) Selector {
	return Selector{Index: index}
}

// LatestValidated selects the most recent validated ledger.
func LatestValidated() Selector {
	return Selector{Validated: true}
}

func (s Selector) String() string {
	if s.Validated {
		return "validated"
	}
	return fmt.Sprintf("%d", s.Index)
}
