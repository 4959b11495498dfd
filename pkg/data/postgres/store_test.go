package postgres

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xrpl-data/ledger-importer/pkg/ledger"
	"github.com/xrpl-data/ledger-importer/pkg/ledger/testutils"
)

type execCall struct {
	sql  string
	args []any
}

// fakeDB records writes and serves reads from canned rows keyed by query.
type fakeDB struct {
	mu      sync.Mutex
	execs   []execCall
	execErr error
	rows    map[string][][]any
	rowErr  error
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.execErr != nil {
		return pgconn.CommandTag{}, f.execErr
	}
	f.execs = append(f.execs, execCall{sql: sql, args: args})
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rowErr != nil {
		return fakeRow{err: f.rowErr}
	}
	data := f.rows[sql]
	if len(data) == 0 {
		return fakeRow{err: pgx.ErrNoRows}
	}
	return fakeRow{values: data[0]}
}

func (f *fakeDB) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &fakeRows{data: f.rows[sql]}, nil
}

func (f *fakeDB) lastExec(sql string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.execs) - 1; i >= 0; i-- {
		if f.execs[i].sql == sql {
			return f.execs[i].args
		}
	}
	return nil
}

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assign(r.values, dest)
}

type fakeRows struct {
	pgx.Rows
	data    [][]any
	pos     int
	current []any
}

func (r *fakeRows) Next() bool {
	if r.pos >= len(r.data) {
		return false
	}
	r.current = r.data[r.pos]
	r.pos++
	return true
}

func (r *fakeRows) Scan(dest ...any) error { return assign(r.current, dest) }
func (r *fakeRows) Err() error             { return nil }
func (r *fakeRows) Close()                 {}

func assign(values, dest []any) error {
	if len(values) != len(dest) {
		return fmt.Errorf("scan %d values into %d destinations", len(values), len(dest))
	}
	for i, d := range dest {
		v := reflect.ValueOf(values[i])
		if !v.IsValid() {
			continue // NULL
		}
		reflect.ValueOf(d).Elem().Set(v)
	}
	return nil
}

func newTestStore(db *fakeDB) *Store {
	s := NewWithDB(db, zap.NewNop().Sugar())
	s.clock = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return s
}

func TestStore_WriteThenGetLedger(t *testing.T) {
	t.Parallel()
	h := testutils.NewHeader(321, ledger.TransactionID([]byte("p")), 4)
	db := &fakeDB{}
	s := newTestStore(db)

	require.NoError(t, s.WriteLedger(t.Context(), h))
	require.Len(t, db.execs, 3)
	// Transactions land before the header.
	assert.Equal(t, insertTransactionsQuery, db.execs[0].sql)
	assert.Equal(t, deleteStrayTransactionsQuery, db.execs[1].sql)
	assert.Equal(t, []any{int64(321), int64(4)}, db.execs[1].args)
	assert.Equal(t, insertLedgerQuery, db.execs[2].sql)

	txArgs := db.lastExec(insertTransactionsQuery)
	indexes, hashes := txArgs[1].([]int64), txArgs[2].([][]byte)
	blobs, metas := txArgs[3].([][]byte), txArgs[4].([][]byte)
	var txRows [][]any
	for i := range indexes {
		txRows = append(txRows, []any{indexes[i], hashes[i], blobs[i], metas[i]})
	}
	db.rows = map[string][][]any{
		selectLedgerQuery:       {db.lastExec(insertLedgerQuery)},
		selectTransactionsQuery: txRows,
	}

	got, err := s.GetLedger(t.Context(), 321)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestStore_GetLedger_Missing(t *testing.T) {
	t.Parallel()
	h := testutils.NewHeader(9, ledger.ZeroHash, 2)

	t.Run("header", func(t *testing.T) {
		t.Parallel()
		s := newTestStore(&fakeDB{})
		_, err := s.GetLedger(t.Context(), 9)
		require.ErrorIs(t, err, ledger.ErrMissing)
	})

	t.Run("transaction", func(t *testing.T) {
		t.Parallel()
		db := &fakeDB{}
		s := newTestStore(db)
		require.NoError(t, s.WriteLedger(t.Context(), h))
		db.rows = map[string][][]any{
			selectLedgerQuery: {db.lastExec(insertLedgerQuery)},
		}
		_, err := s.GetLedger(t.Context(), 9)
		require.ErrorIs(t, err, ledger.ErrMissingTransaction)
	})

	t.Run("query failure", func(t *testing.T) {
		t.Parallel()
		queryErr := errors.New("conn reset")
		s := newTestStore(&fakeDB{rowErr: queryErr})
		_, err := s.GetLedger(t.Context(), 9)
		require.ErrorIs(t, err, queryErr)
		assert.False(t, ledger.IsMissing(err))
	})
}

func TestStore_GetLedger_SurplusTransactions(t *testing.T) {
	t.Parallel()
	h := testutils.NewHeader(321, ledger.TransactionID([]byte("p")), 2)
	stray := testutils.NewTransaction(999, 2)
	db := &fakeDB{}
	s := newTestStore(db)
	require.NoError(t, s.WriteLedger(t.Context(), h))

	var txRows [][]any
	for _, tx := range append(append([]ledger.Transaction(nil), h.Transactions...), stray) {
		txRows = append(txRows, []any{int64(tx.Index), tx.Hash[:], tx.Blob, tx.Meta})
	}
	db.rows = map[string][][]any{
		selectLedgerQuery:       {db.lastExec(insertLedgerQuery)},
		selectTransactionsQuery: txRows,
	}

	got, err := s.GetLedger(t.Context(), 321)
	require.NoError(t, err)
	require.Len(t, got.Transactions, 3)
	// The stored transaction root no longer matches, so verification fails.
	require.Error(t, got.Verify(true))
}

func TestStore_WriteLedger_DeletesStrayTransactions(t *testing.T) {
	t.Parallel()
	db := &fakeDB{}
	s := newTestStore(db)
	require.NoError(t, s.WriteLedger(t.Context(), testutils.NewHeader(40, ledger.ZeroHash, 0)))

	require.Len(t, db.execs, 2)
	assert.Equal(t, deleteStrayTransactionsQuery, db.execs[0].sql)
	assert.Equal(t, []any{int64(40), int64(0)}, db.execs[0].args)
	assert.Equal(t, insertLedgerQuery, db.execs[1].sql)
}

func TestStore_WriteLedger_Error(t *testing.T) {
	t.Parallel()
	execErr := errors.New("disk full")
	s := newTestStore(&fakeDB{execErr: execErr})
	err := s.WriteLedger(t.Context(), testutils.NewHeader(3, ledger.ZeroHash, 1))
	require.ErrorIs(t, err, execErr)
	assert.Contains(t, err.Error(), "ledger 3")
}

func TestStore_Checkpoint(t *testing.T) {
	t.Parallel()
	db := &fakeDB{}
	s := newTestStore(db)

	cp, err := s.Read(t.Context())
	require.NoError(t, err)
	assert.Nil(t, cp)

	want := testutils.NewHeader(50, ledger.TransactionID([]byte("p")), 1).Checkpoint()
	require.NoError(t, s.Write(t.Context(), want))
	args := db.lastExec(upsertCheckpointQuery)
	require.Len(t, args, 6)
	assert.Equal(t, time.Unix(1_700_000_000, 0).UTC(), args[5])

	db.rows = map[string][][]any{
		selectCheckpointQuery: {{args[1], args[2], args[3], args[4]}},
	}
	got, err := s.Read(t.Context())
	require.NoError(t, err)
	assert.Equal(t, &want, got)

	require.NoError(t, s.Delete(t.Context()))
	assert.Equal(t, []any{checkpointID}, db.lastExec(deleteCheckpointQuery))
}

func TestStore_CheckpointWithoutHash(t *testing.T) {
	t.Parallel()
	db := &fakeDB{}
	s := newTestStore(db)
	require.NoError(t, s.Write(t.Context(), ledger.GenesisCheckpoint(32570)))

	args := db.lastExec(upsertCheckpointQuery)
	assert.Nil(t, args[2])
	db.rows = map[string][][]any{
		selectCheckpointQuery: {{args[1], nil, nil, args[4]}},
	}
	got, err := s.Read(t.Context())
	require.NoError(t, err)
	assert.Equal(t, uint64(32569), got.LedgerIndex)
	assert.False(t, got.HasHash())
}

func TestStore_Initialize(t *testing.T) {
	t.Parallel()
	db := &fakeDB{}
	require.NoError(t, newTestStore(db).Initialize(t.Context()))
	require.Len(t, db.execs, 1)
	assert.Contains(t, db.execs[0].sql, "CREATE TABLE IF NOT EXISTS validator_checkpoint")

	initErr := errors.New("permission denied")
	require.ErrorIs(t, newTestStore(&fakeDB{execErr: initErr}).Initialize(t.Context()), initErr)
}

func TestHashFromBytes(t *testing.T) {
	t.Parallel()
	_, err := hashFromBytes([]byte{1, 2, 3})
	require.Error(t, err)
	h, err := hashFromBytes(nil)
	require.NoError(t, err)
	assert.True(t, h.IsZero())
}
