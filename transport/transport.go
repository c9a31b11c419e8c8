// Package transport defines the framed connection used to talk to a resql node.
package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Transport defines the interface for sending and receiving frames
type Transport interface {
	// Send transmits one complete frame to the server
	Send(ctx context.Context, frame []byte) error

	// Receive reads one complete frame from the server
	Receive(ctx context.Context) ([]byte, error)

	// Close closes the transport connection
	Close() error

	// IsHealthy returns false once an I/O error has been observed
	IsHealthy() bool

	// GetMetrics returns transport performance metrics
	GetMetrics() TransportMetrics
}

// TransportMetrics contains performance and health metrics
type TransportMetrics struct {
	// TotalRequests is the total number of frames sent
	TotalRequests int64

	// TotalErrors is the total number of errors encountered
	TotalErrors int64

	// AverageLatency is the average time spent in Send and Receive
	AverageLatency time.Duration

	// LastError is the most recent error encountered
	LastError error

	// LastErrorTime is when the last error occurred
	LastErrorTime time.Time

	// BytesSent is the total bytes sent
	BytesSent int64

	// BytesReceived is the total bytes received
	BytesReceived int64
}

// Dialer opens transports to endpoints.
type Dialer interface {
	Dial(ctx context.Context, ep Endpoint) (Transport, error)
}

// DialFunc adapts a function to the Dialer interface.
type DialFunc func(ctx context.Context, ep Endpoint) (Transport, error)

func (f DialFunc) Dial(ctx context.Context, ep Endpoint) (Transport, error) {
	return f(ctx, ep)
}

// Supported endpoint schemes.
const (
	SchemeTCP  = "tcp"
	SchemeUnix = "unix"
)

// Endpoint is a parsed node address such as tcp://127.0.0.1:7600 or
// unix:///tmp/resql.sock.
type Endpoint struct {
	Scheme  string
	Address string
}

func (e Endpoint) String() string {
	return e.Scheme + "://" + e.Address
}

// Network returns the net package network name for the endpoint.
func (e Endpoint) Network() string {
	return e.Scheme
}

// ParseEndpoint parses a single scheme://address string.
func ParseEndpoint(s string) (Endpoint, error) {
	scheme, addr, ok := strings.Cut(strings.TrimSpace(s), "://")
	if !ok {
		return Endpoint{}, fmt.Errorf("endpoint %q: missing scheme", s)
	}

	switch scheme {
	case SchemeTCP:
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return Endpoint{}, fmt.Errorf("endpoint %q: %w", s, err)
		}
		if host == "" {
			return Endpoint{}, fmt.Errorf("endpoint %q: missing host", s)
		}
		if p, err := strconv.Atoi(port); err != nil || p <= 0 || p > 65535 {
			return Endpoint{}, fmt.Errorf("endpoint %q: invalid port %q", s, port)
		}
	case SchemeUnix:
		if addr == "" {
			return Endpoint{}, fmt.Errorf("endpoint %q: missing socket path", s)
		}
	default:
		return Endpoint{}, fmt.Errorf("endpoint %q: unsupported scheme %q", s, scheme)
	}

	return Endpoint{Scheme: scheme, Address: addr}, nil
}

// ParseEndpoints parses a space separated list of endpoints, the format
// nodes announce their addresses in.
func ParseEndpoints(list string) ([]Endpoint, error) {
	var eps []Endpoint
	for _, f := range strings.Fields(list) {
		ep, err := ParseEndpoint(f)
		if err != nil {
			return nil, err
		}
		eps = append(eps, ep)
	}
	return eps, nil
}
