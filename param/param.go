// Package param defines the tagged parameter and column values exchanged
// with a resql cluster.
package param

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// Type is the tag carried by every bound parameter and result column.
type Type uint8

const (
	TypeInteger Type = 0
	TypeFloat   Type = 1
	TypeText    Type = 2
	TypeBlob    Type = 3
	TypeNull    Type = 4
)

// String returns the string representation of the type tag.
func (t Type) String() string {
	switch t {
	case TypeInteger:
		return "INTEGER"
	case TypeFloat:
		return "FLOAT"
	case TypeText:
		return "TEXT"
	case TypeBlob:
		return "BLOB"
	case TypeNull:
		return "NULL"
	default:
		return "UNKNOWN(" + strconv.Itoa(int(t)) + ")"
	}
}

// Valid reports whether t is one of the five known tags.
func (t Type) Valid() bool {
	return t <= TypeNull
}

// ErrUnsupportedType is returned by FromAny for Go types with no tag.
var ErrUnsupportedType = errors.New("param: unsupported type for bind")

// Value is a tagged parameter value. The zero Value is Null.
type Value struct {
	typ   Type
	i     int64
	f     float64
	text  string
	bytes []byte
	set   bool
}

// Int returns an Integer value.
func Int(v int64) Value { return Value{typ: TypeInteger, i: v, set: true} }

// Float returns a Float value.
func Float(v float64) Value { return Value{typ: TypeFloat, f: v, set: true} }

// Text returns a Text value.
func Text(v string) Value { return Value{typ: TypeText, text: v, set: true} }

// Blob returns a Blob value referencing b. Use Clone to detach it from b.
func Blob(b []byte) Value {
	if b == nil {
		b = []byte{}
	}
	return Value{typ: TypeBlob, bytes: b, set: true}
}

// Null returns the Null value.
func Null() Value { return Value{typ: TypeNull, set: true} }

// Type returns the value's tag.
func (v Value) Type() Type {
	if !v.set {
		return TypeNull
	}
	return v.typ
}

// IsNull reports whether the value is Null.
func (v Value) IsNull() bool { return v.Type() == TypeNull }

// Len returns the byte length of Text and Blob values, -1 otherwise.
func (v Value) Len() int {
	switch v.Type() {
	case TypeText:
		return len(v.text)
	case TypeBlob:
		return len(v.bytes)
	default:
		return -1
	}
}

// Int64 returns the integer payload; zero for other types.
func (v Value) Int64() int64 { return v.i }

// Float64 returns the float payload; zero for other types.
func (v Value) Float64() float64 { return v.f }

// String returns the text payload for Text values and a printable
// rendering otherwise.
func (v Value) String() string {
	switch v.Type() {
	case TypeInteger:
		return strconv.FormatInt(v.i, 10)
	case TypeFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case TypeText:
		return v.text
	case TypeBlob:
		return fmt.Sprintf("x'%x'", v.bytes)
	default:
		return "NULL"
	}
}

// Bytes returns the blob payload, or the text bytes for Text values.
func (v Value) Bytes() []byte {
	switch v.Type() {
	case TypeBlob:
		return v.bytes
	case TypeText:
		return []byte(v.text)
	default:
		return nil
	}
}

// Clone returns a copy that shares no memory with the original.
func (v Value) Clone() Value {
	if v.Type() == TypeBlob {
		v.bytes = bytes.Clone(v.bytes)
		if v.bytes == nil {
			v.bytes = []byte{}
		}
	}
	return v
}

// Equal reports whether two values carry the same tag and payload.
func (v Value) Equal(o Value) bool {
	if v.Type() != o.Type() {
		return false
	}
	switch v.Type() {
	case TypeInteger:
		return v.i == o.i
	case TypeFloat:
		return v.f == o.f || (math.IsNaN(v.f) && math.IsNaN(o.f))
	case TypeText:
		return v.text == o.text
	case TypeBlob:
		return bytes.Equal(v.bytes, o.bytes)
	default:
		return true
	}
}

// Interface returns the payload as int64, float64, string, []byte or nil.
func (v Value) Interface() any {
	switch v.Type() {
	case TypeInteger:
		return v.i
	case TypeFloat:
		return v.f
	case TypeText:
		return v.text
	case TypeBlob:
		return v.bytes
	default:
		return nil
	}
}

// FromAny converts common Go values into a Value.
func FromAny(x any) (Value, error) {
	switch val := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return val, nil
	case int:
		return Int(int64(val)), nil
	case int8:
		return Int(int64(val)), nil
	case int16:
		return Int(int64(val)), nil
	case int32:
		return Int(int64(val)), nil
	case int64:
		return Int(val), nil
	case uint8:
		return Int(int64(val)), nil
	case uint16:
		return Int(int64(val)), nil
	case uint32:
		return Int(int64(val)), nil
	case bool:
		if val {
			return Int(1), nil
		}
		return Int(0), nil
	case float32:
		return Float(float64(val)), nil
	case float64:
		return Float(val), nil
	case string:
		return Text(val), nil
	case []byte:
		return Blob(val), nil
	default:
		return Value{}, fmt.Errorf("%w: %T", ErrUnsupportedType, x)
	}
}
