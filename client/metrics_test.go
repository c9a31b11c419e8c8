package client

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSessionMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newSessionMetrics("app")
	if err := m.register(reg); err != nil {
		t.Fatal(err)
	}

	m.observeExec(false, 3, time.Now(), nil)
	m.observeExec(true, 1, time.Now(), errServerRejected("nope", 1))
	m.observePrepared("prepare", nil, 2)

	if got := testutil.ToFloat64(m.execs.WithLabelValues("readwrite", "success")); got != 1 {
		t.Errorf("expected 1 readwrite success, got %v", got)
	}
	if got := testutil.ToFloat64(m.execs.WithLabelValues("readonly", "sql_error")); got != 1 {
		t.Errorf("expected 1 readonly sql_error, got %v", got)
	}
	if got := testutil.ToFloat64(m.statements); got != 4 {
		t.Errorf("expected 4 statements, got %v", got)
	}
	if got := testutil.ToFloat64(m.preparedLive); got != 2 {
		t.Errorf("expected 2 live prepared statements, got %v", got)
	}

	// A second session with the same client name shares the collectors.
	other := newSessionMetrics("app")
	if err := other.register(reg); err != nil {
		t.Errorf("expected duplicate registration to be tolerated, got %v", err)
	}
	other.observeExec(false, 1, time.Time{}, nil)
	if got := testutil.ToFloat64(m.execs.WithLabelValues("readwrite", "success")); got != 2 {
		t.Errorf("expected shared counter to reach 2, got %v", got)
	}

	// Releasing one holder keeps the series for the other.
	m.unregister(reg)
	if n, err := testutil.GatherAndCount(reg, "resql_client_exec_total"); err != nil || n != 1 {
		t.Errorf("expected shared metrics to stay registered, got %d %v", n, err)
	}

	other.unregister(reg)
	if n, err := testutil.GatherAndCount(reg, "resql_client_exec_total"); err != nil || n != 0 {
		t.Errorf("expected metrics to be unregistered, got %d %v", n, err)
	}
}

func TestSharedPreparedGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := newSessionMetrics("app")
	b := newSessionMetrics("app")
	for _, m := range []*sessionMetrics{a, b} {
		if err := m.register(reg); err != nil {
			t.Fatal(err)
		}
	}

	a.observePrepared("prepare", nil, 2)
	b.observePrepared("prepare", nil, 3)
	if got := testutil.ToFloat64(a.preparedLive); got != 5 {
		t.Errorf("expected 5 live prepared statements, got %v", got)
	}

	a.observePrepared("delete", nil, 1)
	if got := testutil.ToFloat64(b.preparedLive); got != 4 {
		t.Errorf("expected 4 after a delete, got %v", got)
	}

	a.unregister(reg)
	if got := testutil.ToFloat64(b.preparedLive); got != 3 {
		t.Errorf("expected only the remaining session's 3, got %v", got)
	}
	b.unregister(reg)
}

func TestSessionMetricsNilRegisterer(t *testing.T) {
	m := newSessionMetrics("app")
	if err := m.register(nil); err != nil {
		t.Fatal(err)
	}
	m.unregister(nil)
}

func TestOutcomeOf(t *testing.T) {
	tests := []struct {
		err  error
		want outcome
	}{
		{nil, outcomeSuccess},
		{newProtocolError("bad", nil), outcomeProtocol},
		{newTransportError("E_TRANSPORT", "down", nil, nil), outcomeTransport},
		{ErrStatementNotFound(PreparedHandle{}), outcomeSQLError},
		{ErrConcurrentUse("Exec"), outcomeOther},
	}
	for _, tt := range tests {
		if got := outcomeOf(tt.err); got != tt.want {
			t.Errorf("outcomeOf(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
