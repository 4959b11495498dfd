package ledgerrepo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/xrpl-data/ledger-importer/pkg/clickhouse"
	"github.com/xrpl-data/ledger-importer/pkg/ledger"
)

// Repository stores ledger headers and their transactions in two tables.
type Repository struct {
	client   clickhouse.Client
	database string
	ledgers  string
	txs      string
}

// New creates a Repository and ensures its tables exist.
func New(ctx context.Context, client clickhouse.Client, database, ledgersTable, txsTable string) (*Repository, error) {
	r := &Repository{
		client:   client,
		database: database,
		ledgers:  ledgersTable,
		txs:      txsTable,
	}
	if err := r.CreateTablesIfNotExist(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// CreateTablesIfNotExist creates the ledger and transaction tables.
func (r *Repository) CreateTablesIfNotExist(ctx context.Context) error {
	if err := r.client.Conn().Exec(ctx, CreateLedgersTableQuery(r.database, r.ledgers)); err != nil {
		return fmt.Errorf("failed to create ledgers table: %w", err)
	}
	if err := r.client.Conn().Exec(ctx, CreateTransactionsTableQuery(r.database, r.txs)); err != nil {
		return fmt.Errorf("failed to create transactions table: %w", err)
	}
	return nil
}

// WriteLedger stores h and its transactions. Transactions are written first
// so a visible header always has its transactions. Rewriting an index
// replaces the previous rows, including transactions beyond the new count.
func (r *Repository) WriteLedger(ctx context.Context, h *ledger.Header) error {
	if len(h.Transactions) > 0 {
		batch, err := r.client.Conn().PrepareBatch(ctx, insertTransactionsQuery(r.database, r.txs))
		if err != nil {
			return fmt.Errorf("failed to prepare transactions batch: %w", err)
		}
		for _, tx := range h.Transactions {
			if err := batch.Append(h.Index, tx.Index, tx.Hash.String(), string(tx.Blob), string(tx.Meta)); err != nil {
				_ = batch.Abort()
				return fmt.Errorf("failed to append transaction %s: %w", tx.Hash, err)
			}
		}
		if err := batch.Send(); err != nil {
			return fmt.Errorf("failed to send transactions batch: %w", err)
		}
	}
	if err := r.deleteStrayTransactions(ctx, h.Index, uint32(len(h.Transactions))); err != nil {
		return err
	}

	err := r.client.Conn().Exec(ctx, insertLedgerQuery(r.database, r.ledgers),
		h.Index,
		h.Hash.String(),
		h.ParentHash.String(),
		h.AccountHash.String(),
		h.TransactionHash.String(),
		h.CloseTime,
		h.ParentCloseTime,
		h.CloseTimeResolution,
		h.CloseFlags,
		h.TotalCoins,
		uint32(len(h.Transactions)),
	)
	if err != nil {
		return fmt.Errorf("failed to insert ledger %d: %w", h.Index, err)
	}
	return nil
}

// deleteStrayTransactions removes transactions of index at or above count.
// The lightweight delete is only issued when such rows exist.
func (r *Repository) deleteStrayTransactions(ctx context.Context, index uint64, count uint32) error {
	var stray uint64
	err := r.client.Conn().
		QueryRow(ctx, countStrayTransactionsQuery(r.database, r.txs), index, count).
		Scan(&stray)
	if err != nil {
		return fmt.Errorf("failed to count stray transactions of ledger %d: %w", index, err)
	}
	if stray == 0 {
		return nil
	}
	if err := r.client.Conn().Exec(ctx, deleteStrayTransactionsQuery(r.database, r.txs), index, count); err != nil {
		return fmt.Errorf("failed to delete stray transactions of ledger %d: %w", index, err)
	}
	return nil
}

// GetLedger loads ledger index with its transactions. It returns
// ledger.ErrMissing when the header is absent and ledger.ErrMissingTransaction
// when fewer transactions are stored than the header records. Surplus rows
// are returned with the header so the content hash check rejects it.
func (r *Repository) GetLedger(ctx context.Context, index uint64) (*ledger.Header, error) {
	var (
		h                                   ledger.Header
		hash, parent, account, transactions string
		txCount                             uint32
	)
	err := r.client.Conn().
		QueryRow(ctx, selectLedgerQuery(r.database, r.ledgers), index).
		Scan(&h.Index, &hash, &parent, &account, &transactions,
			&h.CloseTime, &h.ParentCloseTime, &h.CloseTimeResolution, &h.CloseFlags,
			&h.TotalCoins, &txCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("ledger %d: %w", index, ledger.ErrMissing)
		}
		return nil, fmt.Errorf("failed to read ledger %d: %w", index, err)
	}
	for _, f := range []struct {
		dst *ledger.Hash
		src string
	}{
		{&h.Hash, hash},
		{&h.ParentHash, parent},
		{&h.AccountHash, account},
		{&h.TransactionHash, transactions},
	} {
		if *f.dst, err = ledger.ParseHash(f.src); err != nil {
			return nil, fmt.Errorf("ledger %d: %w", index, err)
		}
	}
	h.Closed = true

	h.Transactions, err = r.transactions(ctx, index)
	if err != nil {
		return nil, err
	}
	if len(h.Transactions) < int(txCount) {
		return nil, fmt.Errorf("ledger %d has %d of %d transactions: %w",
			index, len(h.Transactions), txCount, ledger.ErrMissingTransaction)
	}
	return &h, nil
}

func (r *Repository) transactions(ctx context.Context, index uint64) ([]ledger.Transaction, error) {
	rows, err := r.client.Conn().Query(ctx, selectTransactionsQuery(r.database, r.txs), index)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions of ledger %d: %w", index, err)
	}
	defer rows.Close()

	var txs []ledger.Transaction
	for rows.Next() {
		var (
			tx               ledger.Transaction
			hash, blob, meta string
		)
		if err := rows.Scan(&tx.Index, &hash, &blob, &meta); err != nil {
			return nil, fmt.Errorf("failed to scan transaction of ledger %d: %w", index, err)
		}
		if tx.Hash, err = ledger.ParseHash(hash); err != nil {
			return nil, fmt.Errorf("ledger %d transaction %d: %w", index, tx.Index, err)
		}
		tx.Blob = []byte(blob)
		tx.Meta = []byte(meta)
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transactions of ledger %d: %w", index, err)
	}
	return txs, nil
}
