package checkpoint

import (
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xrpl-data/ledger-importer/pkg/clickhouse"
	"github.com/xrpl-data/ledger-importer/pkg/clickhouse/testutils"
	"github.com/xrpl-data/ledger-importer/pkg/ledger"
	ledgertest "github.com/xrpl-data/ledger-importer/pkg/ledger/testutils"
)

func newTestRepo(conn *testutils.MockConn) *Repository {
	repo := NewRepository(clickhouse.NewWithConn(conn, zap.NewNop().Sugar()), "xrpl", "validator_checkpoints")
	repo.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }
	return repo
}

func TestRepository_Initialize(t *testing.T) {
	t.Parallel()
	conn := &testutils.MockConn{}
	conn.On("Exec", mock.Anything, mock.MatchedBy(func(q string) bool {
		return strings.Contains(q, "CREATE TABLE IF NOT EXISTS xrpl.validator_checkpoints") &&
			strings.Contains(q, "ReplacingMergeTree(updated_at)")
	})).Return(nil).Once()

	require.NoError(t, newTestRepo(conn).Initialize(t.Context()))
	conn.AssertExpectations(t)
}

func TestRepository_Initialize_Error(t *testing.T) {
	t.Parallel()
	conn := &testutils.MockConn{}
	createErr := errors.New("table creation failed")
	conn.On("Exec", mock.Anything, mock.Anything).Return(createErr).Once()

	require.ErrorIs(t, newTestRepo(conn).Initialize(t.Context()), createErr)
}

func TestRepository_Write(t *testing.T) {
	t.Parallel()
	h := ledgertest.NewHeader(50, ledger.TransactionID([]byte("p")), 1)
	cp := h.Checkpoint()

	conn := &testutils.MockConn{}
	conn.On("Exec", mock.Anything,
		"INSERT INTO xrpl.validator_checkpoints (id, ledger_index, ledger_hash, parent_hash, close_time, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
		checkpointID, uint64(50), h.Hash.String(), h.ParentHash.String(), h.CloseTime, int64(1_700_000_000_000),
	).Return(nil).Once()

	require.NoError(t, newTestRepo(conn).Write(t.Context(), cp))
	conn.AssertExpectations(t)
}

func TestRepository_Write_Error(t *testing.T) {
	t.Parallel()
	conn := &testutils.MockConn{}
	execErr := errors.New("exec failed")
	conn.On("Exec", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything,
		mock.Anything, mock.Anything, mock.Anything).Return(execErr).Once()

	err := newTestRepo(conn).Write(t.Context(), ledger.Checkpoint{LedgerIndex: 1})
	require.ErrorIs(t, err, execErr)
}

func TestRepository_Read(t *testing.T) {
	t.Parallel()
	h := ledgertest.NewHeader(77, ledger.TransactionID([]byte("p")), 1)
	readQuery := "SELECT ledger_index, ledger_hash, parent_hash, close_time FROM xrpl.validator_checkpoints FINAL WHERE id = ? LIMIT 1"
	scanErr := errors.New("scan failed")

	tests := []struct {
		name    string
		row     testutils.Row
		want    *ledger.Checkpoint
		wantErr error
	}{
		{
			name: "stored checkpoint",
			row:  testutils.Row{Values: []any{uint64(77), h.Hash.String(), h.ParentHash.String(), h.CloseTime}},
			want: func() *ledger.Checkpoint { cp := h.Checkpoint(); return &cp }(),
		},
		{
			name: "checkpoint without hash",
			row:  testutils.Row{Values: []any{uint64(31), "", "", uint32(0)}},
			want: &ledger.Checkpoint{LedgerIndex: 31},
		},
		{
			name: "no row",
			row:  testutils.Row{Error: sql.ErrNoRows},
		},
		{
			name:    "scan error",
			row:     testutils.Row{Error: scanErr},
			wantErr: scanErr,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			conn := &testutils.MockConn{}
			conn.On("QueryRow", mock.Anything, readQuery, checkpointID).Return(tt.row).Once()

			got, err := newTestRepo(conn).Read(t.Context())
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			conn.AssertExpectations(t)
		})
	}
}

func TestRepository_Read_BadHash(t *testing.T) {
	t.Parallel()
	conn := &testutils.MockConn{}
	conn.On("QueryRow", mock.Anything, mock.Anything, checkpointID).
		Return(testutils.Row{Values: []any{uint64(1), "zz", "", uint32(0)}}).Once()

	_, err := newTestRepo(conn).Read(t.Context())
	require.ErrorContains(t, err, "checkpoint ledger hash")
}

func TestRepository_Delete(t *testing.T) {
	t.Parallel()
	conn := &testutils.MockConn{}
	conn.On("Exec", mock.Anything, "DELETE FROM xrpl.validator_checkpoints WHERE id = ?", checkpointID).
		Return(nil).Once()

	require.NoError(t, newTestRepo(conn).Delete(t.Context()))
	conn.AssertExpectations(t)
}
