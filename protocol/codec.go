package protocol

import (
	"bytes"
	"sync"

	"github.com/pkg/errors"

	"github.com/resql/resql-go/param"
)

const (
	// ProtocolName is sent in every connect request.
	ProtocolName = "resql"

	// FrameHeaderLen is the length prefix plus the message type byte.
	FrameHeaderLen = 5

	// remoteClient identifies the peer as a client rather than a cluster node.
	remoteClient = 0
)

// Message types.
const (
	MsgConnectReq     byte = 0x00
	MsgConnectResp    byte = 0x01
	MsgDisconnectReq  byte = 0x02
	MsgDisconnectResp byte = 0x03
	MsgClientReq      byte = 0x04
	MsgClientResp     byte = 0x05
)

// Task and response flags.
const (
	FlagOK              byte = 0
	FlagError           byte = 1
	FlagDone            byte = 2
	FlagStmt            byte = 3
	FlagStmtID          byte = 4
	FlagStmtPrepare     byte = 5
	FlagStmtDelPrepared byte = 6
	FlagRow             byte = 7
	FlagEnd             byte = 8
)

// Parameter addressing tags. Value tags 0-4 are param.Type.
const (
	paramName  byte = 5
	paramIndex byte = 6
)

// Connect response codes.
const (
	RCOk                  byte = 0
	RCError               byte = 1
	RCClusterNameMismatch byte = 2
)

var writerPool = sync.Pool{
	New: func() interface{} {
		return NewWriter(4096)
	},
}

func beginFrame(typ byte) *Writer {
	w := writerPool.Get().(*Writer)
	w.Reset()
	w.PutUint32(0)
	w.PutUint8(typ)
	return w
}

// finishFrame patches the length prefix and returns a copy the caller owns.
func finishFrame(w *Writer) []byte {
	w.setUint32(0, uint32(w.Len()))
	out := bytes.Clone(w.Bytes())
	if cap(w.buf) <= 1<<20 {
		writerPool.Put(w)
	}
	return out
}

// FrameLength validates a frame header and returns the total frame size.
func FrameLength(header []byte) (int, error) {
	if len(header) < 4 {
		return 0, errors.Wrap(ErrShortBuffer, "frame header")
	}
	n := NewReader(header).Uint32()
	if n < FrameHeaderLen {
		return 0, errors.Wrapf(ErrMalformed, "frame length %d below header size", n)
	}
	if n > MaxMessageSize {
		return 0, errors.Wrapf(ErrTooLarge, "frame length %d", n)
	}
	return int(n), nil
}

// ParseFrame splits a complete frame into its type and payload.
func ParseFrame(frame []byte) (byte, []byte, error) {
	n, err := FrameLength(frame)
	if err != nil {
		return 0, nil, err
	}
	if n != len(frame) {
		return 0, nil, errors.Wrapf(ErrMalformed, "frame length %d does not match %d bytes read", n, len(frame))
	}
	return frame[4], frame[FrameHeaderLen:], nil
}

// ConnectRequest opens or resumes a session.
type ConnectRequest struct {
	ClusterName string
	ClientName  string
}

func (m *ConnectRequest) Encode() []byte {
	w := beginFrame(MsgConnectReq)
	w.PutString(ProtocolName)
	w.PutUint8(remoteClient)
	w.PutString(m.ClusterName)
	w.PutString(m.ClientName)
	return finishFrame(w)
}

// DecodeConnectRequest parses a connect request payload.
func DecodeConnectRequest(payload []byte) (*ConnectRequest, error) {
	r := NewReader(payload)
	proto := r.String()
	remote := r.Uint8()
	m := &ConnectRequest{
		ClusterName: r.String(),
		ClientName:  r.String(),
	}
	if err := r.Err(); err != nil {
		return nil, errors.Wrap(err, "connect request")
	}
	if proto != ProtocolName {
		return nil, errors.Wrapf(ErrMalformed, "unknown protocol %q", proto)
	}
	if remote != remoteClient {
		return nil, errors.Wrapf(ErrMalformed, "unexpected remote type %d", remote)
	}
	return m, nil
}

// ConnectResponse carries the session sequence and the cluster topology.
type ConnectResponse struct {
	RC       byte
	Sequence uint64
	Term     uint64
	Nodes    string
}

func (m *ConnectResponse) Encode() []byte {
	w := beginFrame(MsgConnectResp)
	w.PutUint8(m.RC)
	w.PutUint64(m.Sequence)
	w.PutUint64(m.Term)
	w.PutString(m.Nodes)
	return finishFrame(w)
}

// DecodeConnectResponse parses a connect response payload.
func DecodeConnectResponse(payload []byte) (*ConnectResponse, error) {
	r := NewReader(payload)
	m := &ConnectResponse{
		RC:       r.Uint8(),
		Sequence: r.Uint64(),
		Term:     r.Uint64(),
		Nodes:    r.String(),
	}
	if err := r.Err(); err != nil {
		return nil, errors.Wrap(err, "connect response")
	}
	return m, nil
}

// DisconnectRequest ends a session. Flags is reserved and sent as zero.
type DisconnectRequest struct {
	RC    byte
	Flags uint32
}

func (m *DisconnectRequest) Encode() []byte {
	w := beginFrame(MsgDisconnectReq)
	w.PutUint8(m.RC)
	w.PutUint32(m.Flags)
	return finishFrame(w)
}

// DecodeDisconnectRequest parses a disconnect request payload.
func DecodeDisconnectRequest(payload []byte) (*DisconnectRequest, error) {
	r := NewReader(payload)
	m := &DisconnectRequest{RC: r.Uint8(), Flags: r.Uint32()}
	if err := r.Err(); err != nil {
		return nil, errors.Wrap(err, "disconnect request")
	}
	return m, nil
}

// TaskKind selects what a Task asks the server to do.
type TaskKind uint8

const (
	TaskStatement TaskKind = iota
	TaskPrepared
	TaskPrepare
	TaskDeletePrepared
)

// Binding is one bound parameter, addressed by name or by zero-based index.
type Binding struct {
	Named bool
	Name  string
	Index uint32
	Value param.Value
}

// Task is one unit of a client request.
type Task struct {
	Kind     TaskKind
	SQL      string
	Handle   uint64
	Bindings []Binding
}

// ClientRequest is a sequenced batch sent to the server.
type ClientRequest struct {
	Readonly bool
	Sequence uint64
	Tasks    []Task
}

// Encode serialises the request. Every task is closed by FlagEnd.
func (m *ClientRequest) Encode() []byte {
	w := beginFrame(MsgClientReq)
	w.PutBool(m.Readonly)
	w.PutUint64(m.Sequence)

	for i := range m.Tasks {
		t := &m.Tasks[i]
		switch t.Kind {
		case TaskStatement:
			w.PutUint8(FlagStmt)
			w.PutString(t.SQL)
		case TaskPrepared:
			w.PutUint8(FlagStmtID)
			w.PutUint64(t.Handle)
		case TaskPrepare:
			w.PutUint8(FlagStmtPrepare)
			w.PutString(t.SQL)
		case TaskDeletePrepared:
			w.PutUint8(FlagStmtDelPrepared)
			w.PutUint64(t.Handle)
		}

		for _, b := range t.Bindings {
			if b.Named {
				w.PutUint8(paramName)
				w.PutString(b.Name)
			} else {
				w.PutUint8(paramIndex)
				w.PutUint32(b.Index)
			}
			w.PutValue(b.Value)
		}
		w.PutUint8(FlagEnd)
	}

	return finishFrame(w)
}

// DecodeClientRequest parses a client request payload.
func DecodeClientRequest(payload []byte) (*ClientRequest, error) {
	r := NewReader(payload)
	m := &ClientRequest{
		Readonly: r.Bool(),
		Sequence: r.Uint64(),
	}

	for r.Err() == nil && r.Remaining() > 0 {
		var t Task
		switch flag := r.Uint8(); flag {
		case FlagStmt:
			t.Kind = TaskStatement
			t.SQL = r.String()
		case FlagStmtID:
			t.Kind = TaskPrepared
			t.Handle = r.Uint64()
		case FlagStmtPrepare:
			t.Kind = TaskPrepare
			t.SQL = r.String()
		case FlagStmtDelPrepared:
			t.Kind = TaskDeletePrepared
			t.Handle = r.Uint64()
		default:
			return nil, errors.Wrapf(ErrMalformed, "task %d: unexpected flag %d", len(m.Tasks), flag)
		}

		for r.Err() == nil {
			tag := r.Uint8()
			if tag == FlagEnd {
				break
			}

			var b Binding
			switch tag {
			case paramName:
				b.Named = true
				b.Name = r.String()
			case paramIndex:
				b.Index = r.Uint32()
			default:
				return nil, errors.Wrapf(ErrMalformed, "task %d: unexpected parameter tag %d", len(m.Tasks), tag)
			}
			b.Value = r.Value()
			t.Bindings = append(t.Bindings, b)
		}
		m.Tasks = append(m.Tasks, t)
	}

	if err := r.Err(); err != nil {
		return nil, errors.Wrap(err, "client request")
	}
	return m, nil
}

// StatementResult is the server-side description of one executed statement.
type StatementResult struct {
	Changes   int64
	LastRowID int64
	Query     bool
	Columns   []string
	Rows      [][]param.Value
}

// EncodeResults builds a successful client response for a statement batch.
func EncodeResults(results []StatementResult) []byte {
	w := beginFrame(MsgClientResp)
	w.PutUint8(FlagOK)

	for _, res := range results {
		w.PutUint8(FlagStmt)
		start := w.Len()
		w.PutUint32(0)
		w.PutUint32(uint32(res.Changes))
		w.PutUint64(uint64(res.LastRowID))

		if res.Query {
			w.PutUint8(FlagRow)
			w.PutUint32(uint32(len(res.Columns)))
			for _, c := range res.Columns {
				w.PutString(c)
			}
			w.PutUint32(uint32(len(res.Rows)))
			for _, row := range res.Rows {
				for _, v := range row {
					w.PutValue(v)
				}
			}
		} else {
			w.PutUint8(FlagDone)
		}
		w.setUint32(start, uint32(w.Len()-start))
	}

	w.PutUint8(FlagEnd)
	return finishFrame(w)
}

// EncodeError builds a failed client response.
func EncodeError(msg string) []byte {
	w := beginFrame(MsgClientResp)
	w.PutUint8(FlagError)
	w.PutString(msg)
	return finishFrame(w)
}

// EncodePrepared builds the response to a prepare task.
func EncodePrepared(handle uint64) []byte {
	w := beginFrame(MsgClientResp)
	w.PutUint8(FlagOK)
	w.PutUint64(handle)
	return finishFrame(w)
}

// EncodeOK builds an empty successful client response.
func EncodeOK() []byte {
	w := beginFrame(MsgClientResp)
	w.PutUint8(FlagOK)
	return finishFrame(w)
}

// EncodeDisconnectResponse acknowledges a disconnect request.
func EncodeDisconnectResponse() []byte {
	w := beginFrame(MsgDisconnectResp)
	w.PutUint8(RCOk)
	w.PutUint32(0)
	return finishFrame(w)
}

// ClientResponse is the decoded status of a client response. Body holds the
// bytes after the status flag when OK is set, and aliases the payload.
type ClientResponse struct {
	OK      bool
	Message string
	Body    []byte
}

// DecodeClientResponse parses the status flag of a client response payload.
func DecodeClientResponse(payload []byte) (*ClientResponse, error) {
	r := NewReader(payload)
	switch flag := r.Uint8(); flag {
	case FlagOK:
		return &ClientResponse{OK: true, Body: payload[r.Offset():]}, nil
	case FlagError:
		msg := r.String()
		if err := r.Err(); err != nil {
			return nil, errors.Wrap(err, "client response error message")
		}
		return &ClientResponse{Message: msg}, nil
	default:
		if err := r.Err(); err != nil {
			return nil, errors.Wrap(err, "client response")
		}
		return nil, errors.Wrapf(ErrMalformed, "client response: unexpected flag %d", flag)
	}
}

// DecodePrepared reads the handle from a prepare response body.
func DecodePrepared(body []byte) (uint64, error) {
	r := NewReader(body)
	id := r.Uint64()
	if err := r.Err(); err != nil {
		return 0, errors.Wrap(err, "prepare response")
	}
	if r.Remaining() != 0 {
		return 0, errors.Wrapf(ErrMalformed, "prepare response: %d trailing bytes", r.Remaining())
	}
	return id, nil
}

// StatementHeader locates one statement result inside a response body.
// Row values start at RowsOffset and are decoded on demand with DecodeRow.
type StatementHeader struct {
	Changes    int
	LastRowID  int64
	Query      bool
	Columns    []string
	RowCount   int
	RowsOffset int
}

// DecodeResults validates a whole response body and returns one header per
// statement. A body that is not fully consumed is malformed.
func DecodeResults(body []byte) ([]StatementHeader, error) {
	var (
		r       = NewReader(body)
		headers []StatementHeader
	)

	for {
		idx := len(headers)
		flag := r.Uint8()
		if err := r.Err(); err != nil {
			return nil, errors.Wrap(err, "results: missing end marker")
		}
		if flag == FlagEnd {
			break
		}
		if flag != FlagStmt {
			return nil, errors.Wrapf(ErrMalformed, "statement %d: unexpected flag %d", idx, flag)
		}

		start := r.Offset()
		size := int(r.Uint32())
		end := start + size
		if r.Err() == nil && (size < 4 || end > len(body)) {
			return nil, errors.Wrapf(ErrMalformed, "statement %d: size %d out of bounds", idx, size)
		}

		h := StatementHeader{
			Changes:   int(r.Uint32()),
			LastRowID: int64(r.Uint64()),
		}

		switch kind := r.Uint8(); kind {
		case FlagDone:
		case FlagRow:
			h.Query = true
			cols := int(r.Uint32())
			if r.Err() == nil && cols > r.Remaining() {
				return nil, errors.Wrapf(ErrMalformed, "statement %d: column count %d out of bounds", idx, cols)
			}
			h.Columns = make([]string, cols)
			for i := range h.Columns {
				h.Columns[i] = r.String()
			}
			h.RowCount = int(r.Uint32())
			if r.Err() == nil && cols == 0 && h.RowCount > 0 {
				return nil, errors.Wrapf(ErrMalformed, "statement %d: rows without columns", idx)
			}
			h.RowsOffset = r.Offset()
			for i := 0; i < h.RowCount*cols && r.Err() == nil; i++ {
				r.skipValue()
			}
		default:
			if r.Err() == nil {
				return nil, errors.Wrapf(ErrMalformed, "statement %d: unexpected result kind %d", idx, kind)
			}
		}

		if err := r.Err(); err != nil {
			return nil, errors.Wrapf(err, "statement %d", idx)
		}
		if r.Offset() != end {
			return nil, errors.Wrapf(ErrMalformed, "statement %d: declared %d bytes, consumed %d", idx, size, r.Offset()-start)
		}
		headers = append(headers, h)
	}

	if r.Remaining() != 0 {
		return nil, errors.Wrapf(ErrMalformed, "results: %d trailing bytes", r.Remaining())
	}
	return headers, nil
}

// DecodeRow reads len(dst) values starting at off and returns the offset of
// the next row. Blob values alias body.
func DecodeRow(body []byte, off int, dst []param.Value) (int, error) {
	r := NewReader(body)
	r.SetOffset(off)
	for i := range dst {
		dst[i] = r.Value()
	}
	if err := r.Err(); err != nil {
		return 0, errors.Wrap(err, "row")
	}
	return r.Offset(), nil
}
