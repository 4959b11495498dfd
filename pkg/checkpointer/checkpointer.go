package checkpointer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xrpl-data/ledger-importer/pkg/ledger"
)

// Checkpointer abstracts persistence of the validator's last-validated
// checkpoint across data stores. There is one checkpoint per store.
type Checkpointer interface {
	// Initialize ensures the underlying storage is ready (creates tables,
	// schemas, etc.). It is idempotent.
	Initialize(ctx context.Context) error

	// Write atomically replaces the checkpoint.
	Write(ctx context.Context, cp ledger.Checkpoint) error

	// Read returns the current checkpoint, or nil if none was ever written.
	Read(ctx context.Context) (*ledger.Checkpoint, error)

	// Delete removes the checkpoint so the next validation starts at genesis.
	Delete(ctx context.Context) error
}

// Retrying retries failed checkpoint writes with a fixed backoff.
type Retrying struct {
	Checkpointer

	cfg Config
	log *zap.SugaredLogger
}

// NewRetrying wraps inner.
func NewRetrying(inner Checkpointer, cfg Config, log *zap.SugaredLogger) *Retrying {
	return &Retrying{Checkpointer: inner, cfg: cfg, log: log}
}

// Write persists cp, retrying up to MaxRetries times. Returns an error if
// every attempt failed or ctx was cancelled.
func (r *Retrying) Write(ctx context.Context, cp ledger.Checkpoint) error {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		writeCtx, cancel := context.WithTimeout(ctx, r.cfg.WriteTimeout)
		lastErr = r.Checkpointer.Write(writeCtx, cp)
		cancel()
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		r.log.Warnw("checkpoint write failed",
			"index", cp.LedgerIndex,
			"attempt", attempt+1,
			"error", lastErr,
		)
		// Don't sleep after the last attempt
		if attempt < r.cfg.MaxRetries {
			select {
			case <-time.After(r.cfg.RetryBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("write checkpoint %d after %d attempts: %w",
		cp.LedgerIndex, r.cfg.MaxRetries+1, lastErr)
}

// LedgerReader loads stored ledgers with their transactions.
type LedgerReader interface {
	GetLedger(ctx context.Context, index uint64) (*ledger.Header, error)
}

// Store joins a ledger reader and a checkpointer into the storage view the
// validator works against.
type Store struct {
	LedgerReader

	checkpoints Checkpointer
}

// NewStore creates a Store.
func NewStore(ledgers LedgerReader, checkpoints Checkpointer) *Store {
	return &Store{LedgerReader: ledgers, checkpoints: checkpoints}
}

func (s *Store) GetLastValidated(ctx context.Context) (*ledger.Checkpoint, error) {
	return s.checkpoints.Read(ctx)
}

func (s *Store) SetLastValidated(ctx context.Context, cp ledger.Checkpoint) error {
	return s.checkpoints.Write(ctx, cp)
}
