// Package mock provides a scriptable transport.Transport for client tests.
package mock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/resql/resql-go/protocol"
	"github.com/resql/resql-go/transport"
)

// Responder computes the reply to a sent frame. Returning nil queues nothing.
type Responder func(frame []byte) ([]byte, error)

// MockTransport implements transport.Transport for testing
type MockTransport struct {
	// Behavior configuration
	sendErr    error
	receiveErr error
	queue      [][]byte
	responder  Responder
	healthy    bool

	// Call tracking
	sendCalls    atomic.Int32
	receiveCalls atomic.Int32
	closeCalls   atomic.Int32

	// Metrics
	metrics     mockMetrics
	mu          sync.RWMutex
	closed      bool
	sendDelay   time.Duration
	recvDelay   time.Duration
	sendHistory [][]byte
	recvHistory [][]byte
}

type mockMetrics struct {
	totalRequests atomic.Int64
	totalErrors   atomic.Int64
	bytesSent     atomic.Int64
	bytesReceived atomic.Int64
}

// NewMockTransport creates a new mock transport
func NewMockTransport() *MockTransport {
	return &MockTransport{
		healthy:     true,
		sendHistory: make([][]byte, 0),
		recvHistory: make([][]byte, 0),
	}
}

// WithSendError configures the transport to return an error on Send
func (m *MockTransport) WithSendError(err error) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
	return m
}

// WithReceiveError configures the transport to return an error on Receive
func (m *MockTransport) WithReceiveError(err error) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receiveErr = err
	return m
}

// WithReceiveData queues frames returned by subsequent Receive calls, in order
func (m *MockTransport) WithReceiveData(frames ...[]byte) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, frames...)
	return m
}

// WithResponder makes every successful Send queue the responder's reply
func (m *MockTransport) WithResponder(r Responder) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responder = r
	return m
}

// WithSendDelay adds a delay to Send operations
func (m *MockTransport) WithSendDelay(delay time.Duration) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendDelay = delay
	return m
}

// WithReceiveDelay adds a delay to Receive operations
func (m *MockTransport) WithReceiveDelay(delay time.Duration) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recvDelay = delay
	return m
}

// Send implements transport.Transport
func (m *MockTransport) Send(ctx context.Context, data []byte) error {
	m.sendCalls.Add(1)
	m.metrics.totalRequests.Add(1)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return protocol.ClosedError("transport is closed", nil)
	}

	// Apply delay if configured
	delay := m.sendDelay
	sendErr := m.sendErr
	responder := m.responder
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	if sendErr != nil {
		m.metrics.totalErrors.Add(1)
		m.markUnhealthy()
		return sendErr
	}

	sent := append([]byte(nil), data...)

	var reply []byte
	if responder != nil {
		var err error
		if reply, err = responder(sent); err != nil {
			m.metrics.totalErrors.Add(1)
			m.markUnhealthy()
			return err
		}
	}

	// Record send
	m.mu.Lock()
	m.sendHistory = append(m.sendHistory, sent)
	if reply != nil {
		m.queue = append(m.queue, reply)
	}
	m.mu.Unlock()

	m.metrics.bytesSent.Add(int64(len(data)))
	return nil
}

// Receive implements transport.Transport
func (m *MockTransport) Receive(ctx context.Context) ([]byte, error) {
	m.receiveCalls.Add(1)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, protocol.ClosedError("transport is closed", nil)
	}

	// Apply delay if configured
	delay := m.recvDelay
	receiveErr := m.receiveErr
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	if receiveErr != nil {
		m.metrics.totalErrors.Add(1)
		m.markUnhealthy()
		return nil, receiveErr
	}

	m.mu.Lock()
	if len(m.queue) == 0 {
		m.mu.Unlock()
		m.metrics.totalErrors.Add(1)
		return nil, protocol.TimeoutError("no data available", nil)
	}
	data := m.queue[0]
	m.queue = m.queue[1:]
	m.recvHistory = append(m.recvHistory, data)
	m.mu.Unlock()

	m.metrics.bytesReceived.Add(int64(len(data)))
	return data, nil
}

// Close implements transport.Transport
func (m *MockTransport) Close() error {
	m.closeCalls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.healthy = false
	return nil
}

// IsHealthy implements transport.Transport
func (m *MockTransport) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthy
}

// GetMetrics implements transport.Transport
func (m *MockTransport) GetMetrics() transport.TransportMetrics {
	return transport.TransportMetrics{
		TotalRequests: m.metrics.totalRequests.Load(),
		TotalErrors:   m.metrics.totalErrors.Load(),
		BytesSent:     m.metrics.bytesSent.Load(),
		BytesReceived: m.metrics.bytesReceived.Load(),
	}
}

func (m *MockTransport) markUnhealthy() {
	m.mu.Lock()
	m.healthy = false
	m.mu.Unlock()
}

// GetSendCallCount returns the number of times Send was called
func (m *MockTransport) GetSendCallCount() int {
	return int(m.sendCalls.Load())
}

// GetReceiveCallCount returns the number of times Receive was called
func (m *MockTransport) GetReceiveCallCount() int {
	return int(m.receiveCalls.Load())
}

// GetCloseCallCount returns the number of times Close was called
func (m *MockTransport) GetCloseCallCount() int {
	return int(m.closeCalls.Load())
}

// GetSendHistory returns all data sent through this transport
func (m *MockTransport) GetSendHistory() [][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Return a copy to prevent external modifications
	history := make([][]byte, len(m.sendHistory))
	copy(history, m.sendHistory)
	return history
}

// GetReceiveHistory returns all data received through this transport
func (m *MockTransport) GetReceiveHistory() [][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()

	history := make([][]byte, len(m.recvHistory))
	copy(history, m.recvHistory)
	return history
}

// IsClosed returns whether the transport has been closed
func (m *MockTransport) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// Dialer hands out transports from a factory and records every dial.
type Dialer struct {
	mu        sync.Mutex
	factory   func(ep transport.Endpoint) (*MockTransport, error)
	dials     []transport.Endpoint
	transport []*MockTransport
}

// NewDialer returns a Dialer that calls factory on each Dial.
func NewDialer(factory func(ep transport.Endpoint) (*MockTransport, error)) *Dialer {
	return &Dialer{factory: factory}
}

// Dial implements transport.Dialer
func (d *Dialer) Dial(ctx context.Context, ep transport.Endpoint) (transport.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.dials = append(d.dials, ep)
	d.mu.Unlock()

	t, err := d.factory(ep)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.transport = append(d.transport, t)
	d.mu.Unlock()
	return t, nil
}

// Dials returns the endpoints passed to Dial, in call order.
func (d *Dialer) Dials() []transport.Endpoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]transport.Endpoint(nil), d.dials...)
}

// Last returns the most recently created transport, or nil.
func (d *Dialer) Last() *MockTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transport) == 0 {
		return nil
	}
	return d.transport[len(d.transport)-1]
}
