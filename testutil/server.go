// Package testutil runs an in-process single-node resql server for tests.
package testutil

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/resql/resql-go/param"
	"github.com/resql/resql-go/protocol"
	"github.com/resql/resql-go/transport"
	"github.com/resql/resql-go/transport/tcp"
)

// Options configures a Server.
type Options struct {
	// ClusterName clients must present. Default: "cluster".
	ClusterName string

	// Network is "tcp" (default) or "unix".
	Network string

	// Address to listen on. Default: 127.0.0.1:0 for tcp.
	Address string

	Logger kitlog.Logger
}

// Server speaks the resql wire protocol on top of an in-memory SQLite
// database. Each batch runs inside a savepoint, so it commits or rolls back
// as a unit.
type Server struct {
	opts     Options
	endpoint transport.Endpoint
	listener net.Listener
	logger   kitlog.Logger

	mu       sync.Mutex
	db       *sqlite.Conn
	sessions map[string]*session
	conns    map[net.Conn]string
	nextID   uint64
	term     uint64
	nodes    string
	drop     int
	closed   bool

	wg sync.WaitGroup
}

type session struct {
	name     string
	seq      uint64
	lastResp []byte
	prepared map[uint64]*sqlite.Stmt
}

// Start opens the database and starts accepting connections.
func Start(opts Options) (*Server, error) {
	if opts.ClusterName == "" {
		opts.ClusterName = "cluster"
	}
	if opts.Network == "" {
		opts.Network = transport.SchemeTCP
	}
	if opts.Address == "" && opts.Network == transport.SchemeTCP {
		opts.Address = "127.0.0.1:0"
	}
	if opts.Logger == nil {
		opts.Logger = kitlog.NewNopLogger()
	}

	db, err := sqlite.OpenConn(":memory:", sqlite.OpenReadWrite|sqlite.OpenCreate)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	l, err := net.Listen(opts.Network, opts.Address)
	if err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "listen on %s", opts.Address)
	}

	s := &Server{
		opts:     opts,
		endpoint: transport.Endpoint{Scheme: opts.Network, Address: l.Addr().String()},
		listener: l,
		logger:   kitlog.With(opts.Logger, "component", "testserver"),
		db:       db,
		sessions: make(map[string]*session),
		conns:    make(map[net.Conn]string),
	}

	s.wg.Add(1)
	go s.acceptLoop()

	level.Info(s.logger).Log("msg", "server started", "endpoint", s.endpoint.String())
	return s, nil
}

// Endpoint returns the address clients should connect to.
func (s *Server) Endpoint() string {
	return s.endpoint.String()
}

// SetTopology changes the term and node list sent in connect responses.
func (s *Server) SetTopology(term uint64, nodes string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.term, s.nodes = term, nodes
}

// DropResponses makes the server execute the next n client requests but
// close the connection instead of replying.
func (s *Server) DropResponses(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drop = n
}

// DropConnections closes every client connection. Sessions survive.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

// ExpireSession forgets the server-side state of a client, closing its
// connections.
func (s *Server) ExpireSession(client string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[client]; ok {
		s.dropSession(sess)
	}
	for c, name := range s.conns {
		if name == client {
			c.Close()
		}
	}
}

// Sessions returns the number of live client sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Query runs sql directly against the database and returns the first column
// of the first row as text. It is meant for test assertions.
func (s *Server) Query(sql string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out string
	err := sqlitex.ExecuteTransient(s.db, sql, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			out = stmt.ColumnText(0)
			return nil
		},
	})
	return out, err
}

// Close stops the server and waits for its goroutines.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	err := s.listener.Close()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		s.dropSession(sess)
	}
	if cerr := s.db.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = ""
		s.wg.Add(1)
		s.mu.Unlock()

		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()

	t := tcp.NewTransport(conn, s.endpoint)
	defer func() {
		t.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	ctx := context.Background()
	sess, err := s.handshake(ctx, t, conn)
	if err != nil {
		level.Debug(s.logger).Log("msg", "handshake failed", "err", err)
		return
	}

	for {
		frame, err := t.Receive(ctx)
		if err != nil {
			return
		}
		typ, payload, err := protocol.ParseFrame(frame)
		if err != nil {
			return
		}

		switch typ {
		case protocol.MsgClientReq:
			resp, drop := s.handle(sess, payload)
			if drop {
				level.Debug(s.logger).Log("msg", "dropping response", "client", sess.name)
				return
			}
			if err := t.Send(ctx, resp); err != nil {
				return
			}

		case protocol.MsgDisconnectReq:
			s.mu.Lock()
			if s.sessions[sess.name] == sess {
				s.dropSession(sess)
			}
			s.mu.Unlock()
			t.Send(ctx, protocol.EncodeDisconnectResponse())
			return

		default:
			level.Warn(s.logger).Log("msg", "unexpected message", "type", typ)
			return
		}
	}
}

func (s *Server) handshake(ctx context.Context, t *tcp.TCPTransport, conn net.Conn) (*session, error) {
	frame, err := t.Receive(ctx)
	if err != nil {
		return nil, err
	}
	typ, payload, err := protocol.ParseFrame(frame)
	if err != nil {
		return nil, err
	}
	if typ != protocol.MsgConnectReq {
		return nil, fmt.Errorf("expected connect request, got type %d", typ)
	}
	req, err := protocol.DecodeConnectRequest(payload)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	resp := &protocol.ConnectResponse{RC: protocol.RCOk, Term: s.term, Nodes: s.nodes}
	var sess *session
	if req.ClusterName != s.opts.ClusterName {
		resp.RC = protocol.RCClusterNameMismatch
	} else {
		sess = s.sessions[req.ClientName]
		if sess == nil {
			sess = &session{name: req.ClientName, prepared: make(map[uint64]*sqlite.Stmt)}
			s.sessions[req.ClientName] = sess
		}
		s.conns[conn] = req.ClientName
		resp.Sequence = sess.seq
	}
	s.mu.Unlock()

	if err := t.Send(ctx, resp.Encode()); err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("cluster name mismatch: %q", req.ClusterName)
	}

	level.Debug(s.logger).Log("msg", "client connected", "client", sess.name, "seq", sess.seq)
	return sess, nil
}

func (s *Server) dropSession(sess *session) {
	for id, stmt := range sess.prepared {
		stmt.Finalize()
		delete(sess.prepared, id)
	}
	delete(s.sessions, sess.name)
}

// handle executes one client request and returns the response frame.
func (s *Server) handle(sess *session, payload []byte) ([]byte, bool) {
	req, err := protocol.DecodeClientRequest(payload)
	if err != nil {
		return protocol.EncodeError("malformed request: " + err.Error()), false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sessions[sess.name] != sess {
		return nil, true
	}

	if !req.Readonly {
		if req.Sequence == sess.seq && sess.lastResp != nil {
			level.Debug(s.logger).Log("msg", "duplicate request", "client", sess.name, "seq", req.Sequence)
			return sess.lastResp, false
		}
		if req.Sequence <= sess.seq {
			return protocol.EncodeError(fmt.Sprintf("stale sequence %d, session is at %d", req.Sequence, sess.seq)), false
		}
	}

	resp := s.execute(sess, req)
	if !req.Readonly {
		sess.seq = req.Sequence
		sess.lastResp = resp
	}

	if s.drop > 0 {
		s.drop--
		return nil, true
	}
	return resp, false
}

func (s *Server) execute(sess *session, req *protocol.ClientRequest) []byte {
	if len(req.Tasks) == 1 {
		switch t := req.Tasks[0]; t.Kind {
		case protocol.TaskPrepare:
			return s.prepare(sess, t.SQL)
		case protocol.TaskDeletePrepared:
			stmt, ok := sess.prepared[t.Handle]
			if !ok {
				return protocol.EncodeError(fmt.Sprintf("unknown prepared statement %d", t.Handle))
			}
			stmt.Finalize()
			delete(sess.prepared, t.Handle)
			return protocol.EncodeOK()
		}
	}

	results, err := s.runBatch(sess, req)
	if err != nil {
		return protocol.EncodeError(err.Error())
	}
	return protocol.EncodeResults(results)
}

func (s *Server) prepare(sess *session, sql string) []byte {
	stmt, err := prepareSingle(s.db, sql)
	if err != nil {
		return protocol.EncodeError(err.Error())
	}
	s.nextID++
	sess.prepared[s.nextID] = stmt
	return protocol.EncodePrepared(s.nextID)
}

// prepareSingle compiles exactly one statement from sql.
func prepareSingle(db *sqlite.Conn, sql string) (*sqlite.Stmt, error) {
	stmt, trailing, err := db.PrepareTransient(sql)
	if err != nil {
		return nil, err
	}
	if stmt == nil {
		return nil, errors.New("empty statement")
	}
	if rest := strings.TrimSpace(sql[len(sql)-trailing:]); strings.Trim(rest, ";") != "" {
		stmt.Finalize()
		return nil, errors.New("only one statement per entry is allowed")
	}
	return stmt, nil
}

func (s *Server) runBatch(sess *session, req *protocol.ClientRequest) (results []protocol.StatementResult, err error) {
	if req.Readonly {
		if err := sqlitex.ExecuteTransient(s.db, "PRAGMA query_only = ON", nil); err != nil {
			return nil, err
		}
		defer sqlitex.ExecuteTransient(s.db, "PRAGMA query_only = OFF", nil)
	}

	defer sqlitex.Save(s.db)(&err)

	results = make([]protocol.StatementResult, 0, len(req.Tasks))
	for i, t := range req.Tasks {
		res, err := s.runTask(sess, t)
		if err != nil {
			return nil, errors.Wrapf(err, "statement %d", i)
		}
		results = append(results, res)
	}
	return results, nil
}

func (s *Server) runTask(sess *session, t protocol.Task) (protocol.StatementResult, error) {
	var stmt *sqlite.Stmt
	switch t.Kind {
	case protocol.TaskStatement:
		var err error
		if stmt, err = prepareSingle(s.db, t.SQL); err != nil {
			return protocol.StatementResult{}, err
		}
		defer stmt.Finalize()
	case protocol.TaskPrepared:
		stmt = sess.prepared[t.Handle]
		if stmt == nil {
			return protocol.StatementResult{}, fmt.Errorf("unknown prepared statement %d", t.Handle)
		}
		defer func() {
			stmt.Reset()
			stmt.ClearBindings()
		}()
	default:
		return protocol.StatementResult{}, errors.New("prepare and delete must be sent alone")
	}

	if err := bind(stmt, t.Bindings); err != nil {
		return protocol.StatementResult{}, err
	}

	var res protocol.StatementResult
	cols := stmt.ColumnCount()
	if cols > 0 {
		res.Query = true
		res.Columns = make([]string, cols)
		for i := range res.Columns {
			res.Columns[i] = stmt.ColumnName(i)
		}
	}

	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return protocol.StatementResult{}, err
		}
		if !hasRow {
			break
		}
		row := make([]param.Value, cols)
		for i := range row {
			row[i] = column(stmt, i)
		}
		res.Rows = append(res.Rows, row)
	}

	if !res.Query {
		res.Changes = int64(s.db.Changes())
	}
	res.LastRowID = s.db.LastInsertRowID()
	return res, nil
}

func bind(stmt *sqlite.Stmt, bindings []protocol.Binding) error {
	n := stmt.BindParamCount()
	for _, b := range bindings {
		idx := int(b.Index) + 1
		if b.Named {
			idx = 0
			for i := 1; i <= n; i++ {
				if stmt.BindParamName(i) == b.Name {
					idx = i
					break
				}
			}
			if idx == 0 {
				return fmt.Errorf("unknown parameter %s", b.Name)
			}
		} else if idx > n {
			return fmt.Errorf("parameter index %d out of range", b.Index)
		}

		v := b.Value
		switch v.Type() {
		case param.TypeInteger:
			stmt.BindInt64(idx, v.Int64())
		case param.TypeFloat:
			stmt.BindFloat(idx, v.Float64())
		case param.TypeText:
			stmt.BindText(idx, v.String())
		case param.TypeBlob:
			stmt.BindBytes(idx, v.Bytes())
		default:
			stmt.BindNull(idx)
		}
	}
	return nil
}

func column(stmt *sqlite.Stmt, i int) param.Value {
	switch stmt.ColumnType(i) {
	case sqlite.TypeInteger:
		return param.Int(stmt.ColumnInt64(i))
	case sqlite.TypeFloat:
		return param.Float(stmt.ColumnFloat(i))
	case sqlite.TypeText:
		return param.Text(stmt.ColumnText(i))
	case sqlite.TypeBlob:
		buf := make([]byte, stmt.ColumnLen(i))
		stmt.ColumnBytes(i, buf)
		return param.Blob(buf)
	default:
		return param.Null()
	}
}
