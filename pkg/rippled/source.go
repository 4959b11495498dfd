package rippled

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/xrpl-data/ledger-importer/pkg/ledger"
)

const methodLedger = "ledger"

// Source fetches single ledgers from rippled and self-checks them before
// returning. Each call is one attempt; callers own the retry policy.
//
// Validated ledgers are immutable, so successful fetches by index are cached
// when a cache is configured. Cached headers are shared and must not be
// modified by callers.
type Source struct {
	client *Client
	cache  *lru.Cache // nil when caching is disabled
	log    *zap.SugaredLogger
}

// SourceOption configures the Source.
type SourceOption func(*sourceConfig)

type sourceConfig struct {
	cacheSize int
}

// WithCacheSize enables an LRU cache holding up to size validated headers.
func WithCacheSize(size int) SourceOption {
	return func(c *sourceConfig) {
		c.cacheSize = size
	}
}

// NewSource creates a ledger source on top of client.
func NewSource(client *Client, log *zap.SugaredLogger, opts ...SourceOption) (*Source, error) {
	cfg := sourceConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Source{client: client, log: log}
	if cfg.cacheSize > 0 {
		cache, err := lru.New(cfg.cacheSize)
		if err != nil {
			return nil, fmt.Errorf("create ledger cache: %w", err)
		}
		s.cache = cache
	}
	return s, nil
}

type cacheKey struct {
	index        uint64
	transactions bool
}

// FetchLedger fetches the ledger identified by sel. The returned header is
// closed and its hash has been recomputed from its fields; with
// includeTransactions the transaction tree hash has been recomputed too.
func (s *Source) FetchLedger(ctx context.Context, sel ledger.Selector, includeTransactions bool) (*ledger.Header, error) {
	key := cacheKey{index: sel.Index, transactions: includeTransactions}
	if s.cache != nil && !sel.Validated {
		if v, ok := s.cache.Get(key); ok {
			return v.(*ledger.Header), nil
		}
	}

	params := map[string]any{
		"transactions": includeTransactions,
		"expand":       includeTransactions,
		"binary":       true,
	}
	if sel.Validated {
		params["ledger_index"] = "validated"
	} else {
		params["ledger_index"] = sel.Index
	}

	var res ledgerResult
	if err := s.client.Call(ctx, methodLedger, params, &res); err != nil {
		return nil, fmt.Errorf("fetch ledger %s: %w", sel, err)
	}
	if !res.Validated {
		return nil, fmt.Errorf("fetch ledger %s: %w", sel, ledger.ErrNotValidated)
	}

	h, err := res.header(includeTransactions)
	if err != nil {
		return nil, fmt.Errorf("fetch ledger %s: %w", sel, err)
	}
	if err := h.Verify(includeTransactions); err != nil {
		return nil, err
	}

	if s.cache != nil {
		s.cache.Add(cacheKey{index: h.Index, transactions: includeTransactions}, h)
	}
	s.log.Debugw("fetched ledger",
		"index", h.Index,
		"hash", h.Hash,
		"transactions", len(h.Transactions),
	)
	return h, nil
}

// LatestValidatedIndex returns the index of the most recent validated ledger.
func (s *Source) LatestValidatedIndex(ctx context.Context) (uint64, error) {
	h, err := s.FetchLedger(ctx, ledger.LatestValidated(), false)
	if err != nil {
		return 0, err
	}
	return h.Index, nil
}

type ledgerResult struct {
	Ledger      wireLedger  `json:"ledger"`
	LedgerHash  ledger.Hash `json:"ledger_hash"`
	LedgerIndex flexUint    `json:"ledger_index"`
	Validated   bool        `json:"validated"`
}

// wireLedger accepts both the binary form (ledger_data) and the JSON form of
// a ledger header.
type wireLedger struct {
	LedgerData          hexBytes          `json:"ledger_data"`
	Closed              bool              `json:"closed"`
	LedgerIndex         flexUint          `json:"ledger_index"`
	LedgerHash          ledger.Hash       `json:"ledger_hash"`
	ParentHash          ledger.Hash       `json:"parent_hash"`
	AccountHash         ledger.Hash       `json:"account_hash"`
	TransactionHash     ledger.Hash       `json:"transaction_hash"`
	CloseTime           uint32            `json:"close_time"`
	ParentCloseTime     uint32            `json:"parent_close_time"`
	CloseTimeResolution uint8             `json:"close_time_resolution"`
	CloseFlags          uint8             `json:"close_flags"`
	TotalCoins          flexUint          `json:"total_coins"`
	Transactions        []wireTransaction `json:"transactions"`
}

type wireTransaction struct {
	TxBlob hexBytes `json:"tx_blob"`
	Meta   hexBytes `json:"meta"`
}

func (r *ledgerResult) header(includeTransactions bool) (*ledger.Header, error) {
	w := r.Ledger
	h := &ledger.Header{Closed: w.Closed}

	if len(w.LedgerData) > 0 {
		if err := h.UnmarshalBinary(w.LedgerData); err != nil {
			return nil, err
		}
	} else {
		h.Index = uint64(w.LedgerIndex)
		h.ParentHash = w.ParentHash
		h.AccountHash = w.AccountHash
		h.TransactionHash = w.TransactionHash
		h.CloseTime = w.CloseTime
		h.ParentCloseTime = w.ParentCloseTime
		h.CloseTimeResolution = w.CloseTimeResolution
		h.CloseFlags = w.CloseFlags
		h.TotalCoins = uint64(w.TotalCoins)
	}

	h.Hash = r.LedgerHash
	if h.Hash.IsZero() {
		h.Hash = w.LedgerHash
	}

	if !includeTransactions {
		return h, nil
	}
	h.Transactions = make([]ledger.Transaction, 0, len(w.Transactions))
	for i, tx := range w.Transactions {
		if len(tx.TxBlob) == 0 {
			return nil, fmt.Errorf("transaction %d of ledger %d: expected binary transaction", i, h.Index)
		}
		h.Transactions = append(h.Transactions, ledger.Transaction{
			Hash:  ledger.TransactionID(tx.TxBlob),
			Blob:  tx.TxBlob,
			Meta:  tx.Meta,
			Index: uint32(i),
		})
	}
	return h, nil
}

// flexUint decodes an unsigned integer sent either as a JSON number or as a
// decimal string.
type flexUint uint64

func (f *flexUint) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid unsigned integer %s: %w", b, err)
	}
	*f = flexUint(v)
	return nil
}

type hexBytes []byte

func (h *hexBytes) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("invalid hex: %w", err)
	}
	*h = b
	return nil
}

func (h hexBytes) MarshalText() ([]byte, error) {
	return []byte(strings.ToUpper(hex.EncodeToString(h))), nil
}

var _ json.Unmarshaler = (*flexUint)(nil)
