package client

import (
	"bytes"
	"database/sql"
	"fmt"

	"github.com/resql/resql-go/param"
)

// Column is one value of a row together with its schema information.
// Len is the byte length of Text and Blob values and -1 otherwise.
type Column struct {
	Name  string
	Type  param.Type
	Len   int
	Value param.Value
}

// Row is a borrowed view of the current row of a ResultSet. Every accessor
// returns ErrRowInvalidated once the result set has moved on.
type Row struct {
	rs      *ResultSet
	gen     uint64
	columns []string
	values  []param.Value
}

func (r *Row) check() error {
	if !r.rs.valid() || r.rs.gen != r.gen {
		return ErrRowInvalidated
	}
	return nil
}

func (r *Row) checkIndex(i int) error {
	if err := r.check(); err != nil {
		return err
	}
	if i < 0 || i >= len(r.values) {
		return fmt.Errorf("%w: %d of %d", ErrColumnIndex, i, len(r.values))
	}
	return nil
}

// ColumnCount returns the number of columns, or -1 for an invalidated row.
func (r *Row) ColumnCount() int {
	if r.check() != nil {
		return -1
	}
	return len(r.values)
}

// Column returns column i.
func (r *Row) Column(i int) (Column, error) {
	if err := r.checkIndex(i); err != nil {
		return Column{}, err
	}
	v := r.values[i]
	return Column{Name: r.columns[i], Type: v.Type(), Len: v.Len(), Value: v}, nil
}

// ColumnName returns the name of column i.
func (r *Row) ColumnName(i int) (string, error) {
	if err := r.checkIndex(i); err != nil {
		return "", err
	}
	return r.columns[i], nil
}

// Value returns the value of column i. Blob bytes stay valid after the row
// is invalidated but must not be modified.
func (r *Row) Value(i int) (param.Value, error) {
	if err := r.checkIndex(i); err != nil {
		return param.Value{}, err
	}
	return r.values[i], nil
}

// ValueByName returns the value of the first column called name.
func (r *Row) ValueByName(name string) (param.Value, error) {
	if err := r.check(); err != nil {
		return param.Value{}, err
	}
	for i, c := range r.columns {
		if c == name {
			return r.values[i], nil
		}
	}
	return param.Value{}, fmt.Errorf("%w: %q", ErrNoSuchColumn, name)
}

// Values returns a detached copy of every value in the row.
func (r *Row) Values() ([]param.Value, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	out := make([]param.Value, len(r.values))
	for i, v := range r.values {
		out[i] = v.Clone()
	}
	return out, nil
}

// Scan copies the row into dest, one destination per column. Supported
// destinations are *int64, *int, *float64, *string, *[]byte, *bool,
// *param.Value, *any and any sql.Scanner such as sql.NullString.
func (r *Row) Scan(dest ...any) error {
	if err := r.check(); err != nil {
		return err
	}
	if len(dest) != len(r.values) {
		return fmt.Errorf("expected %d destinations, got %d", len(r.values), len(dest))
	}

	for i, d := range dest {
		if err := scanValue(r.values[i], d); err != nil {
			return fmt.Errorf("column %d (%s): %w", i, r.columns[i], err)
		}
	}
	return nil
}

func scanValue(v param.Value, dest any) error {
	mismatch := func() error {
		return fmt.Errorf("%w: %s into %T", ErrTypeMismatch, v.Type(), dest)
	}

	switch d := dest.(type) {
	case *param.Value:
		*d = v.Clone()
	case *any:
		*d = v.Clone().Interface()
	case *int64:
		if v.Type() != param.TypeInteger {
			return mismatch()
		}
		*d = v.Int64()
	case *int:
		if v.Type() != param.TypeInteger {
			return mismatch()
		}
		*d = int(v.Int64())
	case *bool:
		if v.Type() != param.TypeInteger {
			return mismatch()
		}
		*d = v.Int64() != 0
	case *float64:
		switch v.Type() {
		case param.TypeFloat:
			*d = v.Float64()
		case param.TypeInteger:
			*d = float64(v.Int64())
		default:
			return mismatch()
		}
	case *string:
		switch v.Type() {
		case param.TypeText, param.TypeBlob:
			*d = string(v.Bytes())
		default:
			return mismatch()
		}
	case *[]byte:
		switch v.Type() {
		case param.TypeBlob, param.TypeText:
			*d = bytes.Clone(v.Bytes())
		case param.TypeNull:
			*d = nil
		default:
			return mismatch()
		}
	case sql.Scanner:
		if err := d.Scan(v.Clone().Interface()); err != nil {
			return fmt.Errorf("%w: %v", ErrTypeMismatch, err)
		}
	default:
		return fmt.Errorf("%w: unsupported destination %T", ErrTypeMismatch, dest)
	}
	return nil
}
