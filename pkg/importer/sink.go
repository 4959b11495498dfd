package importer

import (
	"context"
	"fmt"

	"github.com/xrpl-data/ledger-importer/pkg/ledger"
)

// LedgerWriter persists a ledger with its transactions. Writes are idempotent
// by ledger index.
type LedgerWriter interface {
	WriteLedger(ctx context.Context, h *ledger.Header) error
}

// StoreSink returns a Handler that writes every emitted ledger to w.
func StoreSink(w LedgerWriter) Handler {
	return func(ctx context.Context, h *ledger.Header) error {
		if err := w.WriteLedger(ctx, h); err != nil {
			return fmt.Errorf("write ledger %d: %w", h.Index, err)
		}
		return nil
	}
}
