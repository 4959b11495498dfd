// Package testutils provides in-memory stand-ins for the ClickHouse driver so
// repositories can be tested without a server.
package testutils

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/stretchr/testify/mock"
)

// MockConn mocks the subset of driver.Conn the repositories use. Calling any
// other method panics on the nil embedded interface.
type MockConn struct {
	driver.Conn
	mock.Mock
}

func (m *MockConn) Exec(ctx context.Context, query string, args ...any) error {
	callArgs := append([]any{ctx, query}, args...)
	return m.Called(callArgs...).Error(0)
}

func (m *MockConn) QueryRow(ctx context.Context, query string, args ...any) driver.Row {
	callArgs := append([]any{ctx, query}, args...)
	res := m.Called(callArgs...)
	row, _ := res.Get(0).(driver.Row)
	return row
}

func (m *MockConn) Query(ctx context.Context, query string, args ...any) (driver.Rows, error) {
	callArgs := append([]any{ctx, query}, args...)
	res := m.Called(callArgs...)
	rows, _ := res.Get(0).(driver.Rows)
	return rows, res.Error(1)
}

func (m *MockConn) PrepareBatch(ctx context.Context, query string, _ ...driver.PrepareBatchOption) (driver.Batch, error) {
	res := m.Called(ctx, query)
	batch, _ := res.Get(0).(driver.Batch)
	return batch, res.Error(1)
}

func (m *MockConn) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockConn) Close() error {
	return m.Called().Error(0)
}

// MockBatch records appended rows. Send and Abort are mocked.
type MockBatch struct {
	driver.Batch
	mock.Mock

	Appended [][]any
}

func (b *MockBatch) Append(v ...any) error {
	b.Appended = append(b.Appended, v)
	return nil
}

func (b *MockBatch) Send() error {
	return b.Called().Error(0)
}

func (b *MockBatch) Abort() error {
	return b.Called().Error(0)
}

// Row is a driver.Row holding one fixed set of column values.
type Row struct {
	Values []any
	Error  error
}

func (r Row) Err() error {
	return r.Error
}

func (r Row) Scan(dest ...any) error {
	if r.Error != nil {
		return r.Error
	}
	return assign(r.Values, dest)
}

func (r Row) ScanStruct(any) error {
	return errors.New("ScanStruct not supported")
}

// Rows is a driver.Rows over fixed column values.
type Rows struct {
	driver.Rows

	Data    [][]any
	Error   error
	pos     int
	closed  bool
	current []any
}

func (r *Rows) Next() bool {
	if r.pos >= len(r.Data) {
		return false
	}
	r.current = r.Data[r.pos]
	r.pos++
	return true
}

func (r *Rows) Scan(dest ...any) error {
	return assign(r.current, dest)
}

func (r *Rows) Err() error {
	return r.Error
}

func (r *Rows) Close() error {
	r.closed = true
	return nil
}

// Closed reports whether Close was called.
func (r *Rows) Closed() bool {
	return r.closed
}

func assign(values, dest []any) error {
	if len(values) != len(dest) {
		return fmt.Errorf("scan: %d values into %d destinations", len(values), len(dest))
	}
	for i, d := range dest {
		dv := reflect.ValueOf(d)
		if dv.Kind() != reflect.Pointer || dv.IsNil() {
			return fmt.Errorf("scan: destination %d is not a pointer", i)
		}
		v := reflect.ValueOf(values[i])
		if !v.Type().AssignableTo(dv.Elem().Type()) {
			return fmt.Errorf("scan: column %d: cannot assign %s to %s", i, v.Type(), dv.Elem().Type())
		}
		dv.Elem().Set(v)
	}
	return nil
}
