package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/xrpl-data/ledger-importer/pkg/checkpointer"
	"github.com/xrpl-data/ledger-importer/pkg/clickhouse"
	"github.com/xrpl-data/ledger-importer/pkg/ledger"
)

// checkpointID keys the single checkpoint row.
const checkpointID uint8 = 1

const (
	createTableQuery = `CREATE TABLE IF NOT EXISTS %s.%s (
	id UInt8,
	ledger_index UInt64,
	ledger_hash String,
	parent_hash String,
	close_time UInt32,
	updated_at Int64
) ENGINE = ReplacingMergeTree(updated_at)
ORDER BY id`

	writeCheckpointQuery = `INSERT INTO %s.%s (id, ledger_index, ledger_hash, parent_hash, close_time, updated_at) VALUES (?, ?, ?, ?, ?, ?)`

	readCheckpointQuery = `SELECT ledger_index, ledger_hash, parent_hash, close_time FROM %s.%s FINAL WHERE id = ? LIMIT 1`

	deleteCheckpointQuery = `DELETE FROM %s.%s WHERE id = ?`
)

var _ checkpointer.Checkpointer = (*Repository)(nil)

// Repository stores the validator checkpoint as a single ReplacingMergeTree
// row. Later writes supersede earlier ones by updated_at.
type Repository struct {
	client    clickhouse.Client
	database  string
	tableName string
	now       func() time.Time
}

// NewRepository creates a Repository for database.tableName.
func NewRepository(client clickhouse.Client, database, tableName string) *Repository {
	return &Repository{
		client:    client,
		database:  database,
		tableName: tableName,
		now:       time.Now,
	}
}

// Initialize ensures the checkpoint table exists.
func (r *Repository) Initialize(ctx context.Context) error {
	query := fmt.Sprintf(createTableQuery, r.database, r.tableName)
	if err := r.client.Conn().Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create checkpoint table: %w", err)
	}
	return nil
}

// Write persists cp.
func (r *Repository) Write(ctx context.Context, cp ledger.Checkpoint) error {
	query := fmt.Sprintf(writeCheckpointQuery, r.database, r.tableName)
	err := r.client.Conn().Exec(ctx, query,
		checkpointID,
		cp.LedgerIndex,
		hashString(cp.LedgerHash),
		hashString(cp.ParentHash),
		cp.CloseTime,
		r.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}

// Read returns the stored checkpoint, or nil if there is none.
func (r *Repository) Read(ctx context.Context) (*ledger.Checkpoint, error) {
	var (
		cp                     ledger.Checkpoint
		ledgerHash, parentHash string
	)
	query := fmt.Sprintf(readCheckpointQuery, r.database, r.tableName)
	err := r.client.Conn().
		QueryRow(ctx, query, checkpointID).
		Scan(&cp.LedgerIndex, &ledgerHash, &parentHash, &cp.CloseTime)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	if cp.LedgerHash, err = parseHash(ledgerHash); err != nil {
		return nil, fmt.Errorf("checkpoint ledger hash: %w", err)
	}
	if cp.ParentHash, err = parseHash(parentHash); err != nil {
		return nil, fmt.Errorf("checkpoint parent hash: %w", err)
	}
	return &cp, nil
}

// Delete removes the checkpoint.
func (r *Repository) Delete(ctx context.Context) error {
	query := fmt.Sprintf(deleteCheckpointQuery, r.database, r.tableName)
	if err := r.client.Conn().Exec(ctx, query, checkpointID); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// A checkpoint synthesized before genesis has no hash; it is stored empty.
func hashString(h ledger.Hash) string {
	if h.IsZero() {
		return ""
	}
	return h.String()
}

func parseHash(s string) (ledger.Hash, error) {
	if s == "" {
		return ledger.ZeroHash, nil
	}
	return ledger.ParseHash(s)
}
