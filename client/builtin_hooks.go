package client

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// ============================================================================
// LoggingHook - Logs call details
// ============================================================================

// LoggingHook logs every call with configurable detail levels.
type LoggingHook struct {
	logger       Logger
	logSQL       bool // Log statement text
	logDurations bool // Log execution times
}

// NewLoggingHook creates a new logging hook with the given logger.
func NewLoggingHook(logger Logger, logSQL, logDurations bool) *LoggingHook {
	return &LoggingHook{
		logger:       logger,
		logSQL:       logSQL,
		logDurations: logDurations,
	}
}

func (h *LoggingHook) Name() string {
	return "logging"
}

func (h *LoggingHook) Before(ctx context.Context, hookCtx *HookContext) error {
	fields := []Field{
		String("op", hookCtx.Op),
		String("trace_id", hookCtx.TraceID),
		Int("statements", len(hookCtx.Statements)),
	}
	if h.logSQL {
		for i, sql := range hookCtx.Statements {
			fields = append(fields, String("sql_"+strconv.Itoa(i), sql))
		}
	}
	h.logger.Debug("executing", fields...)
	return nil
}

func (h *LoggingHook) After(ctx context.Context, hookCtx *HookContext) error {
	fields := []Field{
		String("op", hookCtx.Op),
		String("trace_id", hookCtx.TraceID),
	}

	if h.logDurations {
		fields = append(fields, Duration("duration", hookCtx.Duration))
	}

	if hookCtx.Error != nil {
		fields = append(fields, String("status", StatusOf(hookCtx.Error).String()), Error("error", hookCtx.Error))
		h.logger.Error("call failed", fields...)
	} else {
		h.logger.Debug("call completed", fields...)
	}

	return nil
}

// ============================================================================
// SlowExecHook - Reports slow calls
// ============================================================================

// SlowExecHook logs a warning for calls slower than a threshold and counts
// them.
type SlowExecHook struct {
	logger    Logger
	threshold time.Duration

	Slow atomic.Uint64
}

// NewSlowExecHook creates a hook warning about calls slower than threshold.
func NewSlowExecHook(logger Logger, threshold time.Duration) *SlowExecHook {
	return &SlowExecHook{logger: logger, threshold: threshold}
}

func (h *SlowExecHook) Name() string {
	return "slow_exec"
}

func (h *SlowExecHook) Before(ctx context.Context, hookCtx *HookContext) error {
	return nil
}

func (h *SlowExecHook) After(ctx context.Context, hookCtx *HookContext) error {
	if hookCtx.Duration < h.threshold {
		return nil
	}
	h.Slow.Add(1)
	h.logger.Warn("slow call",
		String("op", hookCtx.Op),
		String("trace_id", hookCtx.TraceID),
		Int("statements", len(hookCtx.Statements)),
		Duration("duration", hookCtx.Duration),
		Duration("threshold", h.threshold))
	return nil
}

// ============================================================================
// GuardHook - Rejects batches before they are sent
// ============================================================================

// GuardHook aborts calls that a predicate rejects, such as mutating
// batches from a reporting job.
type GuardHook struct {
	name  string
	check func(*HookContext) error

	mu       sync.Mutex
	rejected int
}

// NewGuardHook creates a hook that aborts a call when check returns an error.
func NewGuardHook(name string, check func(*HookContext) error) *GuardHook {
	return &GuardHook{name: name, check: check}
}

func (h *GuardHook) Name() string {
	return h.name
}

func (h *GuardHook) Before(ctx context.Context, hookCtx *HookContext) error {
	if err := h.check(hookCtx); err != nil {
		h.mu.Lock()
		h.rejected++
		h.mu.Unlock()
		return err
	}
	return nil
}

func (h *GuardHook) After(ctx context.Context, hookCtx *HookContext) error {
	return nil
}

// Rejected returns how many calls the guard aborted.
func (h *GuardHook) Rejected() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rejected
}
