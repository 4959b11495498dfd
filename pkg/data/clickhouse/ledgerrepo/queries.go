package ledgerrepo

import "fmt"

// CreateLedgersTableQuery returns the DDL for the ledger header table.
// ReplacingMergeTree makes re-imports of the same index idempotent.
func CreateLedgersTableQuery(database, table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (
	ledger_index UInt64,
	ledger_hash String,
	parent_hash String,
	account_hash String,
	transaction_hash String,
	close_time UInt32,
	parent_close_time UInt32,
	close_time_resolution UInt8,
	close_flags UInt8,
	total_coins UInt64,
	tx_count UInt32,
	inserted_at DateTime64(3) DEFAULT now64(3)
) ENGINE = ReplacingMergeTree(inserted_at)
ORDER BY ledger_index`, database, table)
}

// CreateTransactionsTableQuery returns the DDL for the transaction table.
func CreateTransactionsTableQuery(database, table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (
	ledger_index UInt64,
	tx_index UInt32,
	tx_hash String,
	tx_blob String,
	tx_meta String,
	inserted_at DateTime64(3) DEFAULT now64(3)
) ENGINE = ReplacingMergeTree(inserted_at)
ORDER BY (ledger_index, tx_index)`, database, table)
}

func insertLedgerQuery(database, table string) string {
	return fmt.Sprintf(`INSERT INTO %s.%s (ledger_index, ledger_hash, parent_hash, account_hash, transaction_hash, close_time, parent_close_time, close_time_resolution, close_flags, total_coins, tx_count) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		database, table)
}

func insertTransactionsQuery(database, table string) string {
	return fmt.Sprintf(`INSERT INTO %s.%s (ledger_index, tx_index, tx_hash, tx_blob, tx_meta)`, database, table)
}

// countStrayTransactionsQuery counts rows left above a ledger's current
// transaction count by an earlier, longer write of the same index.
func countStrayTransactionsQuery(database, table string) string {
	return fmt.Sprintf(`SELECT count() FROM %s.%s FINAL WHERE ledger_index = ? AND tx_index >= ?`, database, table)
}

func deleteStrayTransactionsQuery(database, table string) string {
	return fmt.Sprintf(`DELETE FROM %s.%s WHERE ledger_index = ? AND tx_index >= ?`, database, table)
}

func selectLedgerQuery(database, table string) string {
	return fmt.Sprintf(`SELECT ledger_index, ledger_hash, parent_hash, account_hash, transaction_hash, close_time, parent_close_time, close_time_resolution, close_flags, total_coins, tx_count FROM %s.%s FINAL WHERE ledger_index = ? LIMIT 1`,
		database, table)
}

func selectTransactionsQuery(database, table string) string {
	return fmt.Sprintf(`SELECT tx_index, tx_hash, tx_blob, tx_meta FROM %s.%s FINAL WHERE ledger_index = ? ORDER BY tx_index`,
		database, table)
}
