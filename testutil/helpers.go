package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/resql/resql-go/client"
)

// DefaultTimeout is the session timeout used by NewSession.
const DefaultTimeout = 5 * time.Second

// StartServer starts a Server and stops it when the test ends.
func StartServer(tb testing.TB, opts Options) *Server {
	tb.Helper()

	s, err := Start(opts)
	if err != nil {
		tb.Fatalf("failed to start test server: %v", err)
	}
	tb.Cleanup(func() { s.Close() })
	return s
}

// NewSession connects a session to s and shuts it down when the test ends.
// Options run on the config before Create.
func NewSession(tb testing.TB, s *Server, opts ...func(*client.Config)) *client.Session {
	tb.Helper()

	cfg := client.DefaultConfig()
	cfg.ClusterName = s.opts.ClusterName
	cfg.Endpoints = []string{s.Endpoint()}
	cfg.Timeout = DefaultTimeout
	cfg.Logger = client.NewNoopLogger()
	for _, o := range opts {
		o(&cfg)
	}

	sess, err := client.Create(context.Background(), cfg)
	if err != nil {
		tb.Fatalf("failed to connect to test server: %v", err)
	}
	tb.Cleanup(func() { sess.Shutdown(context.Background()) })
	return sess
}

// WithClientName sets the client name of a session.
func WithClientName(name string) func(*client.Config) {
	return func(c *client.Config) { c.ClientName = name }
}

// MustExec runs the staged batch and fails the test on error.
func MustExec(tb testing.TB, sess *client.Session, readonly bool) *client.ResultSet {
	tb.Helper()

	rs, err := sess.Exec(context.Background(), readonly)
	if err != nil {
		tb.Fatalf("exec failed: %v (last error: %s)", err, sess.LastError())
	}
	return rs
}

// MustRun stages each statement, runs them as one mutating batch and fails
// the test on error.
func MustRun(tb testing.TB, sess *client.Session, sql ...string) *client.ResultSet {
	tb.Helper()

	for _, q := range sql {
		sess.PutSQL(q)
	}
	return MustExec(tb, sess, false)
}

// WaitFor polls condition until it returns true or timeout elapses.
func WaitFor(tb testing.TB, timeout, interval time.Duration, condition func() bool) bool {
	tb.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(interval)
	}
	return condition()
}

// Eventually fails the test unless condition becomes true within timeout.
func Eventually(tb testing.TB, timeout, interval time.Duration, condition func() bool) {
	tb.Helper()

	if !WaitFor(tb, timeout, interval, condition) {
		tb.Fatalf("condition not met within %v", timeout)
	}
}
