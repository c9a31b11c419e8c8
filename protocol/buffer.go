package protocol

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"

	"github.com/resql/resql-go/param"
)

const (
	// MaxMessageSize bounds a single frame in either direction.
	MaxMessageSize = 2 * 1000 * 1000 * 1000

	// nilStringLen marks an absent string on the wire.
	nilStringLen = math.MaxUint32
)

// Writer appends little-endian protocol fields to a growable buffer.
type Writer struct {
	buf []byte
}

// NewWriter returns a Writer with the given initial capacity.
func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

func (w *Writer) Len() int      { return len(w.buf) }
func (w *Writer) Bytes() []byte { return w.buf }
func (w *Writer) Reset()        { w.buf = w.buf[:0] }

func (w *Writer) PutUint8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *Writer) PutBool(v bool) {
	if v {
		w.PutUint8(1)
		return
	}
	w.PutUint8(0)
}

func (w *Writer) PutUint32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *Writer) PutUint64(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

func (w *Writer) PutFloat64(v float64) {
	w.PutUint64(math.Float64bits(v))
}

// PutString writes a length-prefixed, NUL-terminated string.
func (w *Writer) PutString(s string) {
	w.PutUint32(uint32(len(s)))
	w.buf = append(w.buf, s...)
	w.buf = append(w.buf, 0)
}

// PutNilString writes the absent-string marker.
func (w *Writer) PutNilString() {
	w.PutUint32(nilStringLen)
}

// PutBlob writes a length-prefixed byte slice.
func (w *Writer) PutBlob(b []byte) {
	w.PutUint32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// PutValue writes a type tag followed by the value payload.
func (w *Writer) PutValue(v param.Value) {
	w.PutUint8(uint8(v.Type()))

	switch v.Type() {
	case param.TypeInteger:
		w.PutUint64(uint64(v.Int64()))
	case param.TypeFloat:
		w.PutFloat64(v.Float64())
	case param.TypeText:
		w.PutString(v.String())
	case param.TypeBlob:
		w.PutBlob(v.Bytes())
	}
}

// setUint32 overwrites four bytes at off; used to patch length prefixes.
func (w *Writer) setUint32(off int, v uint32) {
	binary.LittleEndian.PutUint32(w.buf[off:], v)
}

// Reader decodes protocol fields. The first failure is sticky: later reads
// return zero values and Err reports the original problem.
type Reader struct {
	buf []byte
	off int
	err error
}

// NewReader returns a Reader over b. b is not copied.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

func (r *Reader) Err() error     { return r.err }
func (r *Reader) Offset() int    { return r.off }
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

// SetOffset repositions the reader and clears no error.
func (r *Reader) SetOffset(off int) {
	if off < 0 || off > len(r.buf) {
		r.fail(errors.Wrapf(ErrShortBuffer, "offset %d outside %d byte message", off, len(r.buf)))
		return
	}
	r.off = off
}

func (r *Reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *Reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || r.Remaining() < n {
		r.fail(errors.Wrapf(ErrShortBuffer, "need %d bytes at offset %d, have %d", n, r.off, r.Remaining()))
		return false
	}
	return true
}

func (r *Reader) Uint8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *Reader) Bool() bool {
	return r.Uint8() != 0
}

func (r *Reader) Uint32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *Reader) Uint64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

func (r *Reader) Float64() float64 {
	return math.Float64frombits(r.Uint64())
}

// String reads a string written by PutString. An absent string reads as "".
func (r *Reader) String() string {
	n := r.Uint32()
	if r.err != nil || n == nilStringLen {
		return ""
	}
	if !r.need(int(n) + 1) {
		return ""
	}
	if r.buf[r.off+int(n)] != 0 {
		r.fail(errors.Wrapf(ErrMalformed, "string at offset %d is not terminated", r.off))
		return ""
	}
	s := string(r.buf[r.off : r.off+int(n)])
	r.off += int(n) + 1
	return s
}

// Blob reads a length-prefixed byte slice. The result aliases the message.
func (r *Reader) Blob() []byte {
	n := r.Uint32()
	if !r.need(int(n)) {
		return nil
	}
	b := r.buf[r.off : r.off+int(n) : r.off+int(n)]
	r.off += int(n)
	return b
}

// Value reads a tagged value written by PutValue.
func (r *Reader) Value() param.Value {
	tag := param.Type(r.Uint8())
	if r.err != nil {
		return param.Value{}
	}

	switch tag {
	case param.TypeInteger:
		return param.Int(int64(r.Uint64()))
	case param.TypeFloat:
		return param.Float(r.Float64())
	case param.TypeText:
		return param.Text(r.String())
	case param.TypeBlob:
		return param.Blob(r.Blob())
	case param.TypeNull:
		return param.Null()
	default:
		r.fail(errors.Wrapf(ErrMalformed, "unknown value tag %d at offset %d", tag, r.off-1))
		return param.Value{}
	}
}

// skipValue advances past a tagged value without materialising it.
func (r *Reader) skipValue() {
	tag := param.Type(r.Uint8())
	if r.err != nil {
		return
	}

	switch tag {
	case param.TypeInteger, param.TypeFloat:
		if r.need(8) {
			r.off += 8
		}
	case param.TypeText:
		n := r.Uint32()
		if r.err == nil && n != nilStringLen && r.need(int(n)+1) {
			r.off += int(n) + 1
		}
	case param.TypeBlob:
		n := r.Uint32()
		if r.need(int(n)) {
			r.off += int(n)
		}
	case param.TypeNull:
	default:
		r.fail(errors.Wrapf(ErrMalformed, "unknown value tag %d at offset %d", tag, r.off-1))
	}
}
