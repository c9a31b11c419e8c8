package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/grafana/dskit/backoff"

	"github.com/resql/resql-go/param"
	"github.com/resql/resql-go/protocol"
	"github.com/resql/resql-go/transport"
)

// Session is a client session with a resql cluster. It stages a batch of
// statements, executes it atomically and hands back a ResultSet.
//
// A Session performs one operation at a time; overlapping Exec, Prepare,
// Delete or Shutdown calls are rejected with a StateError. Independent
// sessions share no state.
type Session struct {
	cfg       Config
	id        uuid.UUID
	logger    Logger
	stateMgr  *StateManager
	metrics   *sessionMetrics
	batch     batch
	registry  *preparedRegistry
	hooks     hookChain
	epoch     atomic.Uint64
	busy      atomic.Bool
	endpoints []transport.Endpoint
	next      int
	term      uint64
	conn      transport.Transport

	// seq is the sequence of the last mutating request sent, acked the last
	// one the server answered.
	seq   uint64
	acked uint64

	errMu   sync.Mutex
	lastErr string
}

// Create validates cfg and connects to the cluster within cfg.Timeout.
// Configuration problems, including a cluster name mismatch, are reported
// as *ConfigError.
func Create(ctx context.Context, cfg Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	endpoints, err := cfg.ParseEndpoints()
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	s := &Session{
		cfg:       cfg,
		id:        id,
		logger:    cfg.Logger.WithFields(String("client", cfg.ClientName), String("session", id.String())),
		stateMgr:  NewStateManager(),
		metrics:   newSessionMetrics(cfg.ClientName),
		registry:  newPreparedRegistry(id),
		endpoints: endpoints,
	}

	if err := s.metrics.register(cfg.Registerer); err != nil {
		s.metrics.unregister(cfg.Registerer)
		return nil, newConfigError("Registerer", "failed to register metrics", err)
	}
	if cfg.OnStateChange != nil {
		s.stateMgr.OnStateChange(cfg.OnStateChange)
	}
	for _, h := range cfg.Hooks {
		s.RegisterHook(h)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	if err := s.connect(ctx, true); err != nil {
		s.metrics.unregister(cfg.Registerer)
		return nil, err
	}
	return s, nil
}

// ClientName returns the name the session identifies itself with.
func (s *Session) ClientName() string {
	return s.cfg.ClientName
}

// State returns the current connection state.
func (s *Session) State() ConnectionState {
	return s.stateMgr.GetState()
}

// OnStateChange registers a handler to be called on state transitions.
func (s *Session) OnStateChange(handler StateChangeHandler) {
	s.stateMgr.OnStateChange(handler)
}

// LastError returns the message of the last failed call, or "" if the last
// call succeeded.
func (s *Session) LastError() string {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.lastErr
}

func (s *Session) setLastError(err error) {
	msg := ""
	if err != nil {
		if s.cfg.DebugMode {
			msg = FormatError(err, true)
		} else {
			msg = errorMessage(err)
		}
	}
	s.errMu.Lock()
	s.lastErr = msg
	s.errMu.Unlock()
}

// fail records err as the last error and returns it.
func (s *Session) fail(op string, err error) error {
	s.setLastError(err)
	s.logger.Debug("operation failed", String("op", op), Error("error", err))
	return err
}

// PutSQL stages a raw SQL statement and makes it the target of later binds.
func (s *Session) PutSQL(sql string) {
	s.batch.putSQL(sql)
}

// PutPrepared stages a prepared statement and makes it the target of later
// binds.
func (s *Session) PutPrepared(h PreparedHandle) {
	s.batch.putPrepared(h)
}

// BindIndex binds v to the zero-based parameter i of the last staged
// statement. Binding the same index again replaces the value. Blob bytes
// are copied, so the caller may reuse its buffer immediately.
func (s *Session) BindIndex(i int, v param.Value) {
	s.batch.bind(binding{index: i, value: v})
}

// BindParam binds v to the named parameter of the last staged statement,
// including its prefix, e.g. ":id".
func (s *Session) BindParam(name string, v param.Value) {
	s.batch.bind(binding{named: true, name: name, value: v})
}

// Clear discards every staged statement and binding.
func (s *Session) Clear() {
	s.batch.clear()
}

// Pending returns the number of staged statements.
func (s *Session) Pending() int {
	return s.batch.len()
}

// PreparedCount returns the number of prepared statements the session holds.
func (s *Session) PreparedCount() int {
	return s.registry.len()
}

func (s *Session) acquire(op string) error {
	if !s.busy.CompareAndSwap(false, true) {
		return ErrConcurrentUse(op)
	}
	return nil
}

func (s *Session) release() {
	s.busy.Store(false)
}

// usable rejects calls on a closed or broken session.
func (s *Session) usable(op string) error {
	switch st := s.stateMgr.GetState(); st {
	case CLOSED, BROKEN:
		return ErrInvalidState(op, st)
	default:
		return nil
	}
}

// Exec sends the staged batch as one atomic request and returns its
// results. The batch is consumed whatever the outcome, and any ResultSet
// returned earlier is invalidated.
//
// With readonly set any node may serve the batch and mutating statements
// are rejected. A *TransportError with Indeterminate set means a mutating
// batch may or may not have been applied; it is never resent.
func (s *Session) Exec(ctx context.Context, readonly bool) (*ResultSet, error) {
	if err := s.acquire("Exec"); err != nil {
		return nil, err
	}
	defer s.release()

	entries, misuse := s.batch.take()
	epoch := s.epoch.Add(1)

	if err := s.usable("Exec"); err != nil {
		return nil, s.fail("Exec", err)
	}
	if misuse != nil {
		return nil, s.fail("Exec", misuse)
	}
	if len(entries) == 0 {
		s.setLastError(nil)
		return newResultSet(s, epoch, nil, nil), nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	start := time.Now()
	traceID := uuid.New().String()
	logger := s.logger.WithFields(String("trace_id", traceID))

	hc := &HookContext{Op: "Exec", TraceID: traceID, Readonly: readonly, Statements: statementsOf(entries)}
	var rs *ResultSet
	err := s.runHooked(ctx, hc, func(ctx context.Context) (err error) {
		rs, err = s.exec(ctx, epoch, entries, readonly)
		return err
	})
	s.metrics.observeExec(readonly, len(entries), start, err)
	if err != nil {
		logger.Debug("exec failed",
			Int("statements", len(entries)),
			Bool("readonly", readonly),
			Duration("elapsed", time.Since(start)),
			Error("error", err))
		return nil, s.fail("Exec", err)
	}

	logger.Debug("exec",
		Int("statements", len(entries)),
		Bool("readonly", readonly),
		Duration("elapsed", time.Since(start)))
	s.setLastError(nil)
	return rs, nil
}

func (s *Session) exec(ctx context.Context, epoch uint64, entries []entry, readonly bool) (*ResultSet, error) {
	if err := s.ensureConnected(ctx); err != nil {
		return nil, err
	}

	// Checked after connecting: an expired server-side session drops every handle.
	for _, e := range entries {
		if !e.prepared {
			continue
		}
		if err := s.registry.check(e.handle); err != nil {
			return nil, err
		}
	}

	seq := s.seq
	if !readonly {
		seq++
	}

	req := &protocol.ClientRequest{
		Readonly: readonly,
		Sequence: seq,
		Tasks:    tasks(entries),
	}
	frame := req.Encode()
	if len(frame) > protocol.MaxMessageSize {
		return nil, errRequestTooLarge(len(frame))
	}
	s.seq = seq

	resp, err := s.roundTrip(ctx, frame, !readonly)
	if err != nil {
		return nil, err
	}
	s.ack(seq)

	if !resp.OK {
		return nil, errServerRejected(resp.Message, len(entries))
	}

	headers, err := protocol.DecodeResults(resp.Body)
	if err != nil {
		return nil, s.breakSession(newProtocolError("malformed result", err))
	}
	if len(headers) != len(entries) {
		perr := newProtocolError("result count does not match batch", nil)
		perr.Details = map[string]interface{}{
			"statements": len(entries),
			"results":    len(headers),
		}
		return nil, s.breakSession(perr)
	}

	return newResultSet(s, epoch, resp.Body, headers), nil
}

// Prepare compiles sql on the server and returns a handle for PutPrepared.
// It fails with a *SQLError while statements are staged, and clears them.
func (s *Session) Prepare(ctx context.Context, sql string) (PreparedHandle, error) {
	if err := s.acquire("Prepare"); err != nil {
		return PreparedHandle{}, err
	}
	defer s.release()

	if err := s.preparedPrecheck("Prepare"); err != nil {
		return PreparedHandle{}, s.fail("Prepare", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	h, err := s.prepare(ctx, sql)
	if err != nil {
		return PreparedHandle{}, s.fail("Prepare", err)
	}
	s.setLastError(nil)
	return h, nil
}

// PrepareCached returns an open handle for identical sql if the session has
// one, and prepares it otherwise.
func (s *Session) PrepareCached(ctx context.Context, sql string) (PreparedHandle, error) {
	if err := s.acquire("PrepareCached"); err != nil {
		return PreparedHandle{}, err
	}
	defer s.release()

	if err := s.preparedPrecheck("PrepareCached"); err != nil {
		return PreparedHandle{}, s.fail("PrepareCached", err)
	}

	if h, ok := s.registry.cached(sql); ok {
		s.setLastError(nil)
		return h, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	h, err := s.prepare(ctx, sql)
	if err != nil {
		return PreparedHandle{}, s.fail("PrepareCached", err)
	}
	s.setLastError(nil)
	return h, nil
}

// preparedPrecheck enforces that Prepare and Delete never interleave with a
// staged batch.
func (s *Session) preparedPrecheck(op string) error {
	if err := s.usable(op); err != nil {
		return err
	}
	if n := s.batch.len(); n > 0 {
		s.batch.clear()
		return errBatchPending(op, n)
	}
	return nil
}

func (s *Session) prepare(ctx context.Context, sql string) (h PreparedHandle, err error) {
	hc := &HookContext{Op: "Prepare", TraceID: uuid.NewString(), Statements: []string{sql}}
	err = s.runHooked(ctx, hc, func(ctx context.Context) (err error) {
		h, err = s.sendPrepare(ctx, sql)
		return err
	})
	return h, err
}

func (s *Session) sendPrepare(ctx context.Context, sql string) (PreparedHandle, error) {
	if len(sql) > protocol.MaxMessageSize {
		return PreparedHandle{}, errStatementTooLarge(len(sql))
	}

	resp, seq, err := s.mutate(ctx, protocol.Task{Kind: protocol.TaskPrepare, SQL: sql})
	if err != nil {
		s.metrics.observePrepared("prepare", err, s.registry.len())
		return PreparedHandle{}, err
	}

	if !resp.OK {
		serr := errServerRejected(resp.Message, 1)
		serr.Query = sql
		s.metrics.observePrepared("prepare", serr, s.registry.len())
		return PreparedHandle{}, serr
	}

	id, err := protocol.DecodePrepared(resp.Body)
	if err != nil {
		perr := s.breakSession(newProtocolError("malformed prepare response", err))
		s.metrics.observePrepared("prepare", perr, s.registry.len())
		return PreparedHandle{}, perr
	}

	h := s.registry.add(id, sql)
	s.metrics.observePrepared("prepare", nil, s.registry.len())
	s.logger.Debug("prepared statement", Uint64("id", id), Uint64("seq", seq))
	return h, nil
}

// Delete releases a prepared statement on the server.
func (s *Session) Delete(ctx context.Context, h PreparedHandle) error {
	if err := s.acquire("Delete"); err != nil {
		return err
	}
	defer s.release()

	if err := s.preparedPrecheck("Delete"); err != nil {
		return s.fail("Delete", err)
	}
	if err := s.registry.check(h); err != nil {
		return s.fail("Delete", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	hc := &HookContext{Op: "Delete", TraceID: uuid.NewString(), Statements: []string{h.sql}}
	if err := s.runHooked(ctx, hc, func(ctx context.Context) error { return s.delete(ctx, h) }); err != nil {
		return s.fail("Delete", err)
	}
	s.setLastError(nil)
	return nil
}

func (s *Session) delete(ctx context.Context, h PreparedHandle) error {
	resp, _, err := s.mutate(ctx, protocol.Task{Kind: protocol.TaskDeletePrepared, Handle: h.id})
	if err != nil {
		s.metrics.observePrepared("delete", err, s.registry.len())
		return err
	}

	// Either way the server no longer knows the handle.
	s.registry.remove(h)

	if !resp.OK {
		serr := &StatementError{SQLError: *errServerRejected(resp.Message, 1), Handle: h.id}
		s.metrics.observePrepared("delete", serr, s.registry.len())
		return serr
	}
	if len(resp.Body) != 0 {
		perr := s.breakSession(newProtocolError("malformed delete response", nil))
		s.metrics.observePrepared("delete", perr, s.registry.len())
		return perr
	}

	s.metrics.observePrepared("delete", nil, s.registry.len())
	return nil
}

// mutate sends a single sequenced task and returns the decoded status.
func (s *Session) mutate(ctx context.Context, task protocol.Task) (*protocol.ClientResponse, uint64, error) {
	if err := s.ensureConnected(ctx); err != nil {
		return nil, 0, err
	}

	s.seq++
	seq := s.seq
	req := &protocol.ClientRequest{Sequence: seq, Tasks: []protocol.Task{task}}

	resp, err := s.roundTrip(ctx, req.Encode(), true)
	if err != nil {
		return nil, seq, err
	}
	s.ack(seq)
	return resp, seq, nil
}

func (s *Session) ack(seq uint64) {
	if seq > s.acked {
		s.acked = seq
	}
}

// roundTrip sends one client request frame and decodes the response status.
// Transport failures drop the connection; malformed replies break the session.
func (s *Session) roundTrip(ctx context.Context, frame []byte, mutating bool) (*protocol.ClientResponse, error) {
	if err := s.conn.Send(ctx, frame); err != nil {
		return nil, s.dropConnection(ctx, "send failed", err, mutating)
	}

	raw, err := s.conn.Receive(ctx)
	if err != nil {
		if protocol.IsMalformed(err) {
			return nil, s.breakSession(newProtocolError("malformed frame", err))
		}
		return nil, s.dropConnection(ctx, "receive failed", err, mutating)
	}

	typ, payload, err := protocol.ParseFrame(raw)
	if err != nil {
		return nil, s.breakSession(newProtocolError("malformed frame", err))
	}
	if typ != protocol.MsgClientResp {
		perr := newProtocolError("unexpected message type", nil)
		perr.Details = map[string]interface{}{"type": int(typ)}
		return nil, s.breakSession(perr)
	}

	resp, err := protocol.DecodeClientResponse(payload)
	if err != nil {
		return nil, s.breakSession(newProtocolError("malformed client response", err))
	}
	return resp, nil
}

// ensureConnected reconnects a DISCONNECTED session. Reconnection only ever
// happens here, on the caller's goroutine.
func (s *Session) ensureConnected(ctx context.Context) error {
	switch st := s.stateMgr.GetState(); st {
	case CONNECTED:
		return nil
	case DISCONNECTED:
		return s.connect(ctx, false)
	default:
		return ErrInvalidState("connect", st)
	}
}

// connect tries every endpoint in turn, pausing between rounds, until one
// accepts the session or ctx expires.
func (s *Session) connect(ctx context.Context, initial bool) error {
	reason := "reconnect"
	if initial {
		reason = "user_initiated"
	}
	if err := s.stateMgr.TransitionTo(CONNECTING, nil, map[string]interface{}{"reason": reason}); err != nil {
		return err
	}

	b := backoff.New(ctx, backoff.Config{
		MinBackoff: 50 * time.Millisecond,
		MaxBackoff: time.Second,
	})

	var (
		lastErr error
		attempt int
	)
	for b.Ongoing() {
		for i := 0; i < len(s.endpoints) && ctx.Err() == nil; i++ {
			ep := s.endpoints[s.next%len(s.endpoints)]
			s.next++
			attempt++

			status, err := s.attempt(ctx, ep)
			switch status {
			case StatusOK:
				s.logger.Info("connected",
					String("endpoint", ep.String()),
					Int("attempt", attempt),
					Uint64("seq", s.seq))
				return s.stateMgr.TransitionTo(CONNECTED, nil, map[string]interface{}{
					"reason":   reason,
					"endpoint": ep.String(),
					"attempt":  attempt,
				})

			case statusFatal:
				s.stateMgr.TransitionTo(DISCONNECTED, err, map[string]interface{}{
					"reason":   "error",
					"endpoint": ep.String(),
				})
				if initial {
					return newConfigError("ClusterName", "cluster name mismatch", err)
				}
				return newTransportError("E_CLUSTER_MISMATCH", "cluster name mismatch", err, map[string]interface{}{
					"endpoint": ep.String(),
				})

			default:
				lastErr = err
				s.logger.Debug("connect attempt failed",
					String("endpoint", ep.String()),
					Int("attempt", attempt),
					Error("error", err))
			}
		}
		b.Wait()
	}

	terr := newTransportError("E_TIMEOUT", "could not connect to any endpoint", lastErr, map[string]interface{}{
		"attempts":  attempt,
		"endpoints": len(s.endpoints),
	})
	s.logger.Warn("connect failed", Int("attempts", attempt), Error("error", lastErr))
	s.stateMgr.TransitionTo(DISCONNECTED, terr, map[string]interface{}{"reason": "timeout"})
	return terr
}

// attempt performs one connect handshake. The returned status is one of
// StatusOK, statusPartial (try the next endpoint), statusInvalid (the
// endpoint replied with garbage) or statusFatal (stop trying).
func (s *Session) attempt(ctx context.Context, ep transport.Endpoint) (Status, error) {
	conn, err := s.cfg.Dialer.Dial(ctx, ep)
	if err != nil {
		s.metrics.connects.WithLabelValues("dial_error").Inc()
		return statusPartial, err
	}

	req := &protocol.ConnectRequest{ClusterName: s.cfg.ClusterName, ClientName: s.cfg.ClientName}
	if err := conn.Send(ctx, req.Encode()); err != nil {
		conn.Close()
		s.metrics.connects.WithLabelValues("io_error").Inc()
		return statusPartial, err
	}

	raw, err := conn.Receive(ctx)
	if err != nil {
		conn.Close()
		s.metrics.connects.WithLabelValues("io_error").Inc()
		return statusPartial, err
	}

	resp, err := decodeConnectResponse(raw)
	if err != nil {
		conn.Close()
		s.metrics.connects.WithLabelValues("invalid").Inc()
		return statusInvalid, err
	}

	s.updateTopology(resp.Term, resp.Nodes)

	switch resp.RC {
	case protocol.RCOk:
	case protocol.RCClusterNameMismatch:
		conn.Close()
		s.metrics.connects.WithLabelValues("cluster_mismatch").Inc()
		return statusFatal, protocol.ClusterNameMismatchError(s.cfg.ClusterName)
	default:
		conn.Close()
		s.metrics.connects.WithLabelValues("rejected").Inc()
		return statusPartial, protocol.ConnectRejectedError(resp.RC)
	}

	if resp.Sequence < s.acked {
		dropped := s.registry.reset()
		s.metrics.sessionExpiry.Inc()
		s.metrics.setPrepared(0)
		s.logger.Warn("server-side session expired",
			Uint64("server_seq", resp.Sequence),
			Uint64("acked_seq", s.acked),
			Int("dropped_prepared", dropped))
		s.seq, s.acked = resp.Sequence, resp.Sequence
	} else if resp.Sequence > s.seq {
		s.seq = resp.Sequence
	}

	s.conn = conn
	s.metrics.connects.WithLabelValues("success").Inc()
	return StatusOK, nil
}

func decodeConnectResponse(raw []byte) (*protocol.ConnectResponse, error) {
	typ, payload, err := protocol.ParseFrame(raw)
	if err != nil {
		return nil, err
	}
	if typ != protocol.MsgConnectResp {
		return nil, protocol.NewTransportError(protocol.ErrorCodeProtocolError, "unexpected message type", map[string]interface{}{
			"type": int(typ),
		})
	}
	return protocol.DecodeConnectResponse(payload)
}

// updateTopology adopts the node list of a newer cluster term.
func (s *Session) updateTopology(term uint64, nodes string) {
	if term <= s.term || nodes == "" {
		return
	}

	eps, err := transport.ParseEndpoints(nodes)
	if err != nil || len(eps) == 0 {
		s.logger.Warn("ignoring unusable node list", String("nodes", nodes), Error("error", err))
		return
	}

	s.term = term
	s.endpoints = eps
	s.next = 0
	s.logger.Debug("cluster topology updated", Uint64("term", term), Int("nodes", len(eps)))
}

// dropConnection closes the connection after an I/O failure. The next call
// reconnects.
func (s *Session) dropConnection(ctx context.Context, msg string, cause error, mutating bool) error {
	s.closeConn()

	code, reason := "E_TRANSPORT", "error"
	var te *protocol.TransportError
	if ctx.Err() != nil || errors.Is(cause, context.DeadlineExceeded) || (errors.As(cause, &te) && te.Code == protocol.ErrorCodeTimeout) {
		code, reason = "E_TIMEOUT", "timeout"
	}

	terr := newTransportError(code, msg, cause, nil)
	terr.Indeterminate = mutating

	s.logger.Warn("connection lost", String("reason", reason), Bool("indeterminate", mutating), Error("error", cause))
	s.stateMgr.TransitionTo(DISCONNECTED, terr, map[string]interface{}{"reason": reason})
	return terr
}

// breakSession marks the session unusable after a malformed response.
func (s *Session) breakSession(perr *ProtocolError) error {
	s.closeConn()
	s.logger.Error("malformed response from server", Error("error", perr))
	s.stateMgr.TransitionTo(BROKEN, perr, map[string]interface{}{"reason": "malformed_response"})
	return perr
}

func (s *Session) closeConn() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

// Shutdown ends the session. A connected session tells the server to drop
// its state, prepared statements included. The session is closed locally
// even when that request fails; the returned TransportError then means the
// server keeps the session until its own timeout. Calling Shutdown again is
// a no-op.
func (s *Session) Shutdown(ctx context.Context) error {
	if err := s.acquire("Shutdown"); err != nil {
		return err
	}
	defer s.release()

	st := s.stateMgr.GetState()
	if st == CLOSED {
		return nil
	}

	s.batch.clear()
	s.epoch.Add(1)

	var derr error
	if st == CONNECTED {
		s.stateMgr.TransitionTo(DISCONNECTING, nil, map[string]interface{}{"reason": "user_initiated"})

		ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()

		if err := s.disconnect(ctx); err != nil {
			s.logger.Warn("graceful disconnect failed", Error("error", err))
			derr = newTransportError("E_DISCONNECT", "graceful disconnect failed", err, nil)
		}
	}

	s.closeConn()
	s.registry.reset()
	s.metrics.unregister(s.cfg.Registerer)
	s.stateMgr.TransitionTo(CLOSED, nil, map[string]interface{}{"reason": "user_initiated"})
	s.logger.Info("session closed")
	if derr != nil {
		return s.fail("Shutdown", derr)
	}
	return nil
}

func (s *Session) disconnect(ctx context.Context) error {
	req := &protocol.DisconnectRequest{RC: protocol.RCOk}
	if err := s.conn.Send(ctx, req.Encode()); err != nil {
		return err
	}

	raw, err := s.conn.Receive(ctx)
	if err != nil {
		return err
	}
	typ, _, err := protocol.ParseFrame(raw)
	if err != nil {
		return err
	}
	if typ != protocol.MsgDisconnectResp {
		return protocol.NewTransportError(protocol.ErrorCodeProtocolError, "unexpected message type", map[string]interface{}{
			"type": int(typ),
		})
	}
	return nil
}
