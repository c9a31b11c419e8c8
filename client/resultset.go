package client

import (
	"errors"

	"github.com/resql/resql-go/param"
	"github.com/resql/resql-go/protocol"
)

var (
	// ErrResultSetInvalidated is reported once a later Exec superseded the result set.
	ErrResultSetInvalidated = errors.New("result set invalidated by a later exec")

	// ErrRowInvalidated is reported when a row is used after the result set moved on.
	ErrRowInvalidated = errors.New("row invalidated by a later iteration call")

	// ErrColumnIndex is reported for a column index outside the row.
	ErrColumnIndex = errors.New("column index out of range")

	// ErrNoSuchColumn is reported by ValueByName for an unknown column name.
	ErrNoSuchColumn = errors.New("no such column")

	// ErrTypeMismatch is reported by Scan when a value cannot be stored in the destination.
	ErrTypeMismatch = errors.New("column type does not match destination")
)

// ResultSet iterates the statements of an executed batch, and the rows of
// each query statement. Statement results are visited with Next, rows with
// Row. A ResultSet is valid until the next Exec on its session.
type ResultSet struct {
	session *Session
	epoch   uint64

	body  []byte
	stmts []protocol.StatementHeader

	stmt   int // -1 before the first Next
	row    int // rows handed out for the current statement
	offset int // body offset of the next row
	gen    uint64
	values []param.Value
}

func newResultSet(s *Session, epoch uint64, body []byte, stmts []protocol.StatementHeader) *ResultSet {
	return &ResultSet{
		session: s,
		epoch:   epoch,
		body:    body,
		stmts:   stmts,
		stmt:    -1,
	}
}

func (rs *ResultSet) valid() bool {
	return rs.session == nil || rs.session.epoch.Load() == rs.epoch
}

// current returns the statement the cursor is on, or nil.
func (rs *ResultSet) current() *protocol.StatementHeader {
	if !rs.valid() || rs.stmt < 0 || rs.stmt >= len(rs.stmts) {
		return nil
	}
	return &rs.stmts[rs.stmt]
}

// Err returns ErrResultSetInvalidated once a later Exec superseded rs.
func (rs *ResultSet) Err() error {
	if !rs.valid() {
		return ErrResultSetInvalidated
	}
	return nil
}

// StatementCount returns the number of statement results in the set.
func (rs *ResultSet) StatementCount() int {
	return len(rs.stmts)
}

// Next advances to the next statement result and rewinds the row cursor.
// It returns false once every statement has been visited.
func (rs *ResultSet) Next() bool {
	if !rs.valid() || rs.stmt >= len(rs.stmts) {
		return false
	}

	rs.gen++
	rs.stmt++
	if rs.stmt >= len(rs.stmts) {
		return false
	}
	rs.rewind()
	return true
}

func (rs *ResultSet) rewind() {
	rs.row = 0
	rs.offset = rs.stmts[rs.stmt].RowsOffset
	if n := len(rs.stmts[rs.stmt].Columns); cap(rs.values) < n {
		rs.values = make([]param.Value, n)
	}
}

// Row advances the row cursor of the current statement and returns the
// row, or nil when no rows remain. The returned Row is invalidated by the
// next call to Next, Row or ResetRows.
func (rs *ResultSet) Row() *Row {
	h := rs.current()
	if h == nil {
		return nil
	}

	rs.gen++
	if !h.Query || rs.row >= h.RowCount {
		rs.row = h.RowCount
		return nil
	}

	values := rs.values[:len(h.Columns)]
	next, err := protocol.DecodeRow(rs.body, rs.offset, values)
	if err != nil {
		// Unreachable for a body accepted by DecodeResults.
		return nil
	}
	rs.offset = next
	rs.row++

	return &Row{rs: rs, gen: rs.gen, columns: h.Columns, values: values}
}

// ResetRows rewinds the row cursor of the current statement. It is a no-op
// before the first Next.
func (rs *ResultSet) ResetRows() {
	if rs.current() == nil {
		return
	}
	rs.gen++
	rs.rewind()
}

// RowCount returns the number of rows of the current statement if it is a
// query, and -1 otherwise or when not positioned on a statement.
func (rs *ResultSet) RowCount() int {
	h := rs.current()
	if h == nil || !h.Query {
		return -1
	}
	return h.RowCount
}

// Changes returns the number of rows changed by the current statement, or
// -1 when not positioned on a statement.
func (rs *ResultSet) Changes() int {
	h := rs.current()
	if h == nil {
		return -1
	}
	return h.Changes
}

// ColumnCount returns the schema width of the current statement, zero for
// mutating statements, or -1 when not positioned on a statement.
func (rs *ResultSet) ColumnCount() int {
	h := rs.current()
	if h == nil {
		return -1
	}
	return len(h.Columns)
}

// ColumnName returns the name of column i of the current statement, or ""
// when out of range.
func (rs *ResultSet) ColumnName(i int) string {
	h := rs.current()
	if h == nil || i < 0 || i >= len(h.Columns) {
		return ""
	}
	return h.Columns[i]
}

// LastRowID returns the rowid of the last row inserted by the current
// statement, or -1 when not positioned on a statement.
func (rs *ResultSet) LastRowID() int64 {
	h := rs.current()
	if h == nil {
		return -1
	}
	return h.LastRowID
}
