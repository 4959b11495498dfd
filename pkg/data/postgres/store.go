// Package postgres stores ledgers and the validator checkpoint in PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xrpl-data/ledger-importer/pkg/checkpointer"
	"github.com/xrpl-data/ledger-importer/pkg/ledger"
)

// checkpointID keys the single checkpoint row.
const checkpointID = 1

const schema = `
CREATE TABLE IF NOT EXISTS ledgers (
	ledger_index BIGINT PRIMARY KEY,
	ledger_hash BYTEA NOT NULL,
	parent_hash BYTEA NOT NULL,
	account_hash BYTEA NOT NULL,
	transaction_hash BYTEA NOT NULL,
	close_time BIGINT NOT NULL,
	parent_close_time BIGINT NOT NULL,
	close_time_resolution SMALLINT NOT NULL,
	close_flags SMALLINT NOT NULL,
	total_coins BIGINT NOT NULL,
	tx_count INTEGER NOT NULL,
	inserted_at TIMESTAMPTZ DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS transactions (
	ledger_index BIGINT NOT NULL,
	tx_index BIGINT NOT NULL,
	tx_hash BYTEA NOT NULL,
	tx_blob BYTEA NOT NULL,
	tx_meta BYTEA NOT NULL,
	PRIMARY KEY (ledger_index, tx_index)
);
CREATE TABLE IF NOT EXISTS validator_checkpoint (
	id SMALLINT PRIMARY KEY,
	ledger_index BIGINT NOT NULL,
	ledger_hash BYTEA,
	parent_hash BYTEA,
	close_time BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`

const (
	insertTransactionsQuery = `
		INSERT INTO transactions (ledger_index, tx_index, tx_hash, tx_blob, tx_meta)
		SELECT $1, t.tx_index, t.tx_hash, t.tx_blob, t.tx_meta
		FROM unnest($2::BIGINT[], $3::BYTEA[], $4::BYTEA[], $5::BYTEA[]) AS t(tx_index, tx_hash, tx_blob, tx_meta)
		ON CONFLICT (ledger_index, tx_index) DO UPDATE
		SET tx_hash = EXCLUDED.tx_hash, tx_blob = EXCLUDED.tx_blob, tx_meta = EXCLUDED.tx_meta`

	deleteStrayTransactionsQuery = `DELETE FROM transactions WHERE ledger_index = $1 AND tx_index >= $2`

	insertLedgerQuery = `
		INSERT INTO ledgers (
			ledger_index, ledger_hash, parent_hash, account_hash, transaction_hash,
			close_time, parent_close_time, close_time_resolution, close_flags, total_coins, tx_count
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (ledger_index) DO UPDATE SET
			ledger_hash = EXCLUDED.ledger_hash,
			parent_hash = EXCLUDED.parent_hash,
			account_hash = EXCLUDED.account_hash,
			transaction_hash = EXCLUDED.transaction_hash,
			close_time = EXCLUDED.close_time,
			parent_close_time = EXCLUDED.parent_close_time,
			close_time_resolution = EXCLUDED.close_time_resolution,
			close_flags = EXCLUDED.close_flags,
			total_coins = EXCLUDED.total_coins,
			tx_count = EXCLUDED.tx_count,
			inserted_at = NOW()`

	selectLedgerQuery = `
		SELECT ledger_index, ledger_hash, parent_hash, account_hash, transaction_hash,
			close_time, parent_close_time, close_time_resolution, close_flags, total_coins, tx_count
		FROM ledgers
		WHERE ledger_index = $1`

	selectTransactionsQuery = `
		SELECT tx_index, tx_hash, tx_blob, tx_meta
		FROM transactions
		WHERE ledger_index = $1
		ORDER BY tx_index`

	upsertCheckpointQuery = `
		INSERT INTO validator_checkpoint (id, ledger_index, ledger_hash, parent_hash, close_time, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			ledger_index = EXCLUDED.ledger_index,
			ledger_hash = EXCLUDED.ledger_hash,
			parent_hash = EXCLUDED.parent_hash,
			close_time = EXCLUDED.close_time,
			updated_at = EXCLUDED.updated_at`

	selectCheckpointQuery = `
		SELECT ledger_index, ledger_hash, parent_hash, close_time
		FROM validator_checkpoint
		WHERE id = $1`

	deleteCheckpointQuery = `DELETE FROM validator_checkpoint WHERE id = $1`
)

// DBTX is the subset of *pgxpool.Pool the store uses.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

var _ checkpointer.Checkpointer = (*Store)(nil)

// Store implements ledger persistence and the checkpointer on PostgreSQL.
type Store struct {
	db    DBTX
	pool  *pgxpool.Pool // nil when built from a DBTX
	log   *zap.SugaredLogger
	clock func() time.Time
}

// New connects to databaseURL and ensures the schema exists.
func New(ctx context.Context, databaseURL string, log *zap.SugaredLogger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := NewWithDB(pool, log)
	s.pool = pool
	if err := s.Initialize(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	log.Infow("connected to postgres", "host", cfg.ConnConfig.Host, "database", cfg.ConnConfig.Database)
	return s, nil
}

// NewWithDB creates a Store on an existing connection. The schema is not
// created.
func NewWithDB(db DBTX, log *zap.SugaredLogger) *Store {
	return &Store{db: db, log: log, clock: time.Now}
}

// Close releases the pool if the Store owns one.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Initialize creates the tables. It is idempotent.
func (s *Store) Initialize(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// WriteLedger upserts h and its transactions, transactions first. Rows left
// above the new transaction count by an earlier write are deleted.
func (s *Store) WriteLedger(ctx context.Context, h *ledger.Header) error {
	if n := len(h.Transactions); n > 0 {
		indexes := make([]int64, n)
		hashes := make([][]byte, n)
		blobs := make([][]byte, n)
		metas := make([][]byte, n)
		for i, tx := range h.Transactions {
			indexes[i] = int64(tx.Index)
			hashes[i] = tx.Hash[:]
			blobs[i] = tx.Blob
			metas[i] = tx.Meta
		}
		if _, err := s.db.Exec(ctx, insertTransactionsQuery, int64(h.Index), indexes, hashes, blobs, metas); err != nil {
			return fmt.Errorf("failed to save transactions of ledger %d: %w", h.Index, err)
		}
	}
	if _, err := s.db.Exec(ctx, deleteStrayTransactionsQuery, int64(h.Index), int64(len(h.Transactions))); err != nil {
		return fmt.Errorf("failed to delete stray transactions of ledger %d: %w", h.Index, err)
	}

	_, err := s.db.Exec(ctx, insertLedgerQuery,
		int64(h.Index),
		h.Hash[:],
		h.ParentHash[:],
		h.AccountHash[:],
		h.TransactionHash[:],
		int64(h.CloseTime),
		int64(h.ParentCloseTime),
		int16(h.CloseTimeResolution),
		int16(h.CloseFlags),
		int64(h.TotalCoins),
		int32(len(h.Transactions)),
	)
	if err != nil {
		return fmt.Errorf("failed to save ledger %d: %w", h.Index, err)
	}
	return nil
}

// GetLedger loads ledger index with its transactions.
func (s *Store) GetLedger(ctx context.Context, index uint64) (*ledger.Header, error) {
	var (
		idx, closeTime, parentCloseTime, totalCoins int64
		resolution, flags                           int16
		txCount                                     int32
		hash, parent, account, txHash               []byte
	)
	err := s.db.QueryRow(ctx, selectLedgerQuery, int64(index)).Scan(
		&idx, &hash, &parent, &account, &txHash,
		&closeTime, &parentCloseTime, &resolution, &flags, &totalCoins, &txCount,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("ledger %d: %w", index, ledger.ErrMissing)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger %d: %w", index, err)
	}

	h := &ledger.Header{
		Index:               uint64(idx),
		CloseTime:           uint32(closeTime),
		ParentCloseTime:     uint32(parentCloseTime),
		CloseTimeResolution: uint8(resolution),
		CloseFlags:          uint8(flags),
		TotalCoins:          uint64(totalCoins),
		Closed:              true,
	}
	for _, f := range []struct {
		dst *ledger.Hash
		src []byte
	}{
		{&h.Hash, hash},
		{&h.ParentHash, parent},
		{&h.AccountHash, account},
		{&h.TransactionHash, txHash},
	} {
		if *f.dst, err = hashFromBytes(f.src); err != nil {
			return nil, fmt.Errorf("ledger %d: %w", index, err)
		}
	}

	if h.Transactions, err = s.transactions(ctx, index); err != nil {
		return nil, err
	}
	// Surplus rows are kept so the content hash check rejects the ledger.
	if len(h.Transactions) < int(txCount) {
		return nil, fmt.Errorf("ledger %d has %d of %d transactions: %w",
			index, len(h.Transactions), txCount, ledger.ErrMissingTransaction)
	}
	return h, nil
}

func (s *Store) transactions(ctx context.Context, index uint64) ([]ledger.Transaction, error) {
	rows, err := s.db.Query(ctx, selectTransactionsQuery, int64(index))
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions of ledger %d: %w", index, err)
	}
	defer rows.Close()

	var txs []ledger.Transaction
	for rows.Next() {
		var (
			txIndex          int64
			hash, blob, meta []byte
		)
		if err := rows.Scan(&txIndex, &hash, &blob, &meta); err != nil {
			return nil, fmt.Errorf("failed to scan transaction of ledger %d: %w", index, err)
		}
		txHash, err := hashFromBytes(hash)
		if err != nil {
			return nil, fmt.Errorf("ledger %d transaction %d: %w", index, txIndex, err)
		}
		txs = append(txs, ledger.Transaction{
			Hash:  txHash,
			Blob:  blob,
			Meta:  meta,
			Index: uint32(txIndex),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions of ledger %d: %w", index, err)
	}
	return txs, nil
}

// Write replaces the validator checkpoint.
func (s *Store) Write(ctx context.Context, cp ledger.Checkpoint) error {
	_, err := s.db.Exec(ctx, upsertCheckpointQuery,
		checkpointID,
		int64(cp.LedgerIndex),
		nullableHash(cp.LedgerHash),
		nullableHash(cp.ParentHash),
		int64(cp.CloseTime),
		s.clock().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Read returns the validator checkpoint, or nil if none was written.
func (s *Store) Read(ctx context.Context) (*ledger.Checkpoint, error) {
	var (
		idx, closeTime int64
		hash, parent   []byte
	)
	err := s.db.QueryRow(ctx, selectCheckpointQuery, checkpointID).Scan(&idx, &hash, &parent, &closeTime)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	cp := &ledger.Checkpoint{LedgerIndex: uint64(idx), CloseTime: uint32(closeTime)}
	if cp.LedgerHash, err = hashFromBytes(hash); err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	if cp.ParentHash, err = hashFromBytes(parent); err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	return cp, nil
}

// Delete removes the validator checkpoint.
func (s *Store) Delete(ctx context.Context) error {
	tag, err := s.db.Exec(ctx, deleteCheckpointQuery, checkpointID)
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	s.log.Infow("checkpoint deleted", "rows", tag.RowsAffected())
	return nil
}

func nullableHash(h ledger.Hash) []byte {
	if h.IsZero() {
		return nil
	}
	return h[:]
}

// NULL and empty columns decode to the zero hash.
func hashFromBytes(b []byte) (ledger.Hash, error) {
	var h ledger.Hash
	if len(b) == 0 {
		return h, nil
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("invalid hash length %d", len(b))
	}
	copy(h[:], b)
	return h, nil
}
