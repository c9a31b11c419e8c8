// Package tcp implements transport.Transport over TCP and unix domain sockets.
package tcp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/resql/resql-go/protocol"
	"github.com/resql/resql-go/transport"
)

const (
	bufferSize = 32 * 1024

	// readChunk is the initial receive buffer for a frame.
	readChunk = 64 * 1024
)

// Options configures the dialer
type Options struct {
	// OutgoingAddr binds the local side of TCP connections when set
	OutgoingAddr string

	// OutgoingPort binds the local port of TCP connections when non-zero
	OutgoingPort int

	// KeepAlive is passed to net.Dialer; zero uses the net default
	KeepAlive time.Duration
}

// Dialer creates TCPTransport connections.
type Dialer struct {
	opts Options
}

// NewDialer returns a Dialer for the given options.
func NewDialer(opts Options) *Dialer {
	return &Dialer{opts: opts}
}

// Dial implements transport.Dialer
func (d *Dialer) Dial(ctx context.Context, ep transport.Endpoint) (transport.Transport, error) {
	nd := &net.Dialer{KeepAlive: d.opts.KeepAlive}

	if ep.Scheme == transport.SchemeTCP && (d.opts.OutgoingAddr != "" || d.opts.OutgoingPort != 0) {
		local, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(d.opts.OutgoingAddr, strconv.Itoa(d.opts.OutgoingPort)))
		if err != nil {
			return nil, protocol.ConnectionError("invalid outgoing address", map[string]interface{}{
				"outgoingAddr": d.opts.OutgoingAddr,
				"outgoingPort": d.opts.OutgoingPort,
			}).WithCause(err)
		}
		nd.LocalAddr = local
	}

	conn, err := nd.DialContext(ctx, ep.Network(), ep.Address)
	if err != nil {
		if ctx.Err() != nil {
			return nil, protocol.TimeoutError(fmt.Sprintf("timed out connecting to %s", ep), map[string]interface{}{
				"endpoint": ep.String(),
			}).WithCause(err)
		}
		return nil, protocol.ConnectionError(fmt.Sprintf("failed to connect to %s", ep), map[string]interface{}{
			"endpoint": ep.String(),
		}).WithCause(err)
	}

	return newTransport(conn, ep), nil
}

// TCPTransport is a single framed connection to a node
type TCPTransport struct {
	conn     net.Conn
	endpoint transport.Endpoint
	reader   *bufio.Reader
	writer   *bufio.Writer
	alive    atomic.Bool
	closed   atomic.Bool
	metrics  transportMetrics
}

// transportMetrics tracks transport performance
type transportMetrics struct {
	totalRequests atomic.Int64
	totalErrors   atomic.Int64
	bytesSent     atomic.Int64
	bytesReceived atomic.Int64
	operations    atomic.Int64
	latencySum    atomic.Int64 // nanoseconds
	lastError     error
	lastErrorTime time.Time
	mu            sync.RWMutex
}

// NewTransport wraps an established connection, such as one returned by
// net.Listener.Accept. ep is only used in error details.
func NewTransport(conn net.Conn, ep transport.Endpoint) *TCPTransport {
	return newTransport(conn, ep)
}

func newTransport(conn net.Conn, ep transport.Endpoint) *TCPTransport {
	t := &TCPTransport{
		conn:     conn,
		endpoint: ep,
		reader:   bufio.NewReaderSize(conn, bufferSize),
		writer:   bufio.NewWriterSize(conn, bufferSize),
	}
	t.alive.Store(true)
	return t
}

// Endpoint returns the endpoint this transport is connected to.
func (t *TCPTransport) Endpoint() transport.Endpoint {
	return t.endpoint
}

// Send implements transport.Transport
func (t *TCPTransport) Send(ctx context.Context, frame []byte) error {
	start := time.Now()
	t.metrics.totalRequests.Add(1)

	if err := t.setDeadline(ctx); err != nil {
		return t.fail(err)
	}

	if _, err := t.writer.Write(frame); err != nil {
		return t.fail(t.wrap(ctx, "write", err))
	}
	if err := t.writer.Flush(); err != nil {
		return t.fail(t.wrap(ctx, "write", err))
	}

	t.metrics.bytesSent.Add(int64(len(frame)))
	t.recordLatency(time.Since(start))
	return nil
}

// Receive implements transport.Transport. The returned frame includes its
// header and is owned by the caller.
func (t *TCPTransport) Receive(ctx context.Context) ([]byte, error) {
	start := time.Now()

	if err := t.setDeadline(ctx); err != nil {
		return nil, t.fail(err)
	}

	var header [4]byte
	if _, err := io.ReadFull(t.reader, header[:]); err != nil {
		return nil, t.fail(t.wrap(ctx, "read", err))
	}

	n, err := protocol.FrameLength(header[:])
	if err != nil {
		return nil, t.fail(err)
	}

	// The buffer grows with the bytes that actually arrive, so a peer
	// declaring a huge frame cannot force the allocation up front.
	var frame bytes.Buffer
	frame.Grow(min(n, readChunk))
	frame.Write(header[:])
	if _, err := io.CopyN(&frame, t.reader, int64(n-len(header))); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, t.fail(t.wrap(ctx, "read", err))
	}

	t.metrics.bytesReceived.Add(int64(n))
	t.recordLatency(time.Since(start))
	return frame.Bytes(), nil
}

// Close implements transport.Transport
func (t *TCPTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.alive.Store(false)
	return t.conn.Close()
}

// IsHealthy implements transport.Transport
func (t *TCPTransport) IsHealthy() bool {
	return t.alive.Load()
}

// GetMetrics implements transport.Transport
func (t *TCPTransport) GetMetrics() transport.TransportMetrics {
	t.metrics.mu.RLock()
	lastErr := t.metrics.lastError
	lastErrTime := t.metrics.lastErrorTime
	t.metrics.mu.RUnlock()

	ops := t.metrics.operations.Load()
	avgLatency := time.Duration(0)
	if ops > 0 {
		avgLatency = time.Duration(t.metrics.latencySum.Load() / ops)
	}

	return transport.TransportMetrics{
		TotalRequests:  t.metrics.totalRequests.Load(),
		TotalErrors:    t.metrics.totalErrors.Load(),
		AverageLatency: avgLatency,
		LastError:      lastErr,
		LastErrorTime:  lastErrTime,
		BytesSent:      t.metrics.bytesSent.Load(),
		BytesReceived:  t.metrics.bytesReceived.Load(),
	}
}

func (t *TCPTransport) setDeadline(ctx context.Context) error {
	if t.closed.Load() {
		return protocol.ClosedError("transport is closed", nil)
	}
	deadline, _ := ctx.Deadline()
	return t.conn.SetDeadline(deadline)
}

func (t *TCPTransport) wrap(ctx context.Context, op string, err error) error {
	details := map[string]interface{}{
		"endpoint": t.endpoint.String(),
		"op":       op,
	}

	var ne net.Error
	if ctx.Err() != nil || (errors.As(err, &ne) && ne.Timeout()) {
		return protocol.TimeoutError(op+" timed out", details).WithCause(err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return protocol.ClosedError("connection closed by peer", details).WithCause(err)
	}
	return protocol.ConnectionError(op+" failed", details).WithCause(err)
}

// fail records err and marks the connection dead; a framed stream cannot be
// resynchronised after a partial read or write.
func (t *TCPTransport) fail(err error) error {
	t.alive.Store(false)
	t.metrics.totalErrors.Add(1)
	t.metrics.mu.Lock()
	t.metrics.lastError = err
	t.metrics.lastErrorTime = time.Now()
	t.metrics.mu.Unlock()
	return err
}

// recordLatency records latency in metrics
func (t *TCPTransport) recordLatency(latency time.Duration) {
	t.metrics.operations.Add(1)
	t.metrics.latencySum.Add(int64(latency))
}
