package client

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type outcome string

const (
	outcomeSuccess   outcome = "success"
	outcomeSQLError  outcome = "sql_error"
	outcomeTransport outcome = "transport_error"
	outcomeProtocol  outcome = "protocol_error"
	outcomeOther     outcome = "error"
)

func outcomeOf(err error) outcome {
	if err == nil {
		return outcomeSuccess
	}
	switch err.(type) {
	case *ProtocolError:
		return outcomeProtocol
	case *TransportError:
		return outcomeTransport
	case *SQLError, *StatementError:
		return outcomeSQLError
	default:
		return outcomeOther
	}
}

// sessionMetrics are labelled with the client name so that several sessions
// can share one registry.
type sessionMetrics struct {
	execs         *prometheus.CounterVec
	execDuration  *prometheus.HistogramVec
	statements    prometheus.Counter
	preparedOps   *prometheus.CounterVec
	preparedLive  prometheus.Gauge
	connects      *prometheus.CounterVec
	sessionExpiry prometheus.Counter

	// live is this session's share of preparedLive.
	live int
	held []sharedKey
}

// sharedKey identifies a collector on one registerer. Sessions with the same
// client name adopt each other's collectors, so a collector leaves the
// registerer only when its last holder releases it.
type sharedKey struct {
	reg prometheus.Registerer
	c   prometheus.Collector
}

var shared = struct {
	sync.Mutex
	refs map[sharedKey]int
}{refs: make(map[sharedKey]int)}

func newSessionMetrics(clientName string) *sessionMetrics {
	labels := prometheus.Labels{"client": clientName}

	return &sessionMetrics{
		execs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "resql_client_exec_total",
			Help:        "Total number of batch executions by mode and outcome.",
			ConstLabels: labels,
		}, []string{"mode", "outcome"}),
		execDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:                            "resql_client_exec_duration_seconds",
			Help:                            "Round-trip time of batch executions in seconds.",
			ConstLabels:                     labels,
			Buckets:                         prometheus.DefBuckets,
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"mode"}),
		statements: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "resql_client_statements_total",
			Help:        "Total number of statements sent in batches.",
			ConstLabels: labels,
		}),
		preparedOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "resql_client_prepared_operations_total",
			Help:        "Total number of prepare and delete calls by outcome.",
			ConstLabels: labels,
		}, []string{"op", "outcome"}),
		preparedLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "resql_client_prepared_statements",
			Help:        "Number of prepared statements currently held by the session.",
			ConstLabels: labels,
		}),
		connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "resql_client_connect_attempts_total",
			Help:        "Total number of connect attempts by result.",
			ConstLabels: labels,
		}, []string{"result"}),
		sessionExpiry: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "resql_client_session_expired_total",
			Help:        "Number of reconnects that found the server-side session gone.",
			ConstLabels: labels,
		}),
	}
}

// register adds the collectors to reg. Collectors already registered by a
// session with the same client name are adopted, so both feed one series.
func (m *sessionMetrics) register(reg prometheus.Registerer) error {
	if reg == nil {
		return nil
	}

	shared.Lock()
	defer shared.Unlock()

	return errors.Join(
		acquire(m, reg, &m.execs),
		acquire(m, reg, &m.execDuration),
		acquire(m, reg, &m.statements),
		acquire(m, reg, &m.preparedOps),
		acquire(m, reg, &m.preparedLive),
		acquire(m, reg, &m.connects),
		acquire(m, reg, &m.sessionExpiry),
	)
}

// acquire registers or adopts *c and records the hold. Callers hold shared.
func acquire[T prometheus.Collector](m *sessionMetrics, reg prometheus.Registerer, c *T) error {
	if err := registerOrAdopt(reg, c); err != nil {
		return err
	}
	k := sharedKey{reg: reg, c: *c}
	shared.refs[k]++
	m.held = append(m.held, k)
	return nil
}

func registerOrAdopt[T prometheus.Collector](reg prometheus.Registerer, c *T) error {
	err := reg.Register(*c)
	if err == nil {
		return nil
	}
	var are prometheus.AlreadyRegisteredError
	if !errors.As(err, &are) {
		return err
	}
	existing, ok := are.ExistingCollector.(T)
	if !ok {
		return err
	}
	*c = existing
	return nil
}

// unregister withdraws this session's prepared-statement count and releases
// its hold on the collectors. Collectors still held by another session stay
// registered.
func (m *sessionMetrics) unregister(reg prometheus.Registerer) {
	m.setPrepared(0)
	if reg == nil {
		return
	}

	shared.Lock()
	defer shared.Unlock()

	for _, k := range m.held {
		shared.refs[k]--
		if shared.refs[k] > 0 {
			continue
		}
		delete(shared.refs, k)
		k.reg.Unregister(k.c)
	}
	m.held = nil
}

func modeLabel(readonly bool) string {
	if readonly {
		return "readonly"
	}
	return "readwrite"
}

func (m *sessionMetrics) observeExec(readonly bool, statements int, start time.Time, err error) {
	mode := modeLabel(readonly)
	m.execs.WithLabelValues(mode, string(outcomeOf(err))).Inc()
	m.statements.Add(float64(statements))
	if !start.IsZero() {
		m.execDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	}
}

func (m *sessionMetrics) observePrepared(op string, err error, live int) {
	m.preparedOps.WithLabelValues(op, string(outcomeOf(err))).Inc()
	m.setPrepared(live)
}

// setPrepared moves the shared gauge by the change in this session's count.
func (m *sessionMetrics) setPrepared(live int) {
	if d := live - m.live; d != 0 {
		m.preparedLive.Add(float64(d))
		m.live = live
	}
}
