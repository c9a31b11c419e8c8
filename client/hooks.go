package client

import (
	"context"
	"sync"
	"time"
)

// HookContext describes one Exec, Prepare or Delete call.
// This is passed to hooks to allow inspection.
type HookContext struct {
	// Op is "Exec", "Prepare" or "Delete".
	Op string

	// Statements holds the SQL of each entry, in batch order. Prepared
	// entries carry the SQL they were prepared from.
	Statements []string

	// Readonly is set for readonly batches.
	Readonly bool

	// StartTime is when the call began
	StartTime time.Time

	// Metadata allows hooks to store arbitrary data for passing between Before/After
	Metadata map[string]interface{}

	// TraceID is the unique identifier for this call, also logged as trace_id
	TraceID string

	// Error stores any error that occurred (available in After hook)
	Error error

	// Duration is the execution time (available in After hook)
	Duration time.Duration
}

// Hook is the interface that all hooks must implement.
type Hook interface {
	// Name returns the unique name of this hook
	Name() string

	// Before is called before the request is sent.
	// Returning an error aborts the call and returns the error. A batch
	// aborted this way is still consumed.
	Before(ctx context.Context, hookCtx *HookContext) error

	// After is called after the call completed, even if it failed. Errors
	// are logged and never replace the outcome of the call.
	After(ctx context.Context, hookCtx *HookContext) error
}

type hookChain struct {
	mu    sync.RWMutex
	hooks []Hook
}

// RegisterHook adds a hook to the session's hook chain.
// Hooks are executed in FIFO order (first registered, first executed).
// If a hook with the same name already exists, it is replaced in place.
func (s *Session) RegisterHook(hook Hook) {
	s.hooks.mu.Lock()
	defer s.hooks.mu.Unlock()

	for i, h := range s.hooks.hooks {
		if h.Name() == hook.Name() {
			s.hooks.hooks[i] = hook
			s.logger.Debug("hook replaced", String("hook", hook.Name()))
			return
		}
	}

	s.hooks.hooks = append(s.hooks.hooks, hook)
	s.logger.Debug("hook registered", String("hook", hook.Name()), Int("order", len(s.hooks.hooks)-1))
}

// UnregisterHook removes a hook by name.
// Returns true if the hook was found and removed, false otherwise.
func (s *Session) UnregisterHook(name string) bool {
	s.hooks.mu.Lock()
	defer s.hooks.mu.Unlock()

	for i, h := range s.hooks.hooks {
		if h.Name() == name {
			s.hooks.hooks = append(s.hooks.hooks[:i], s.hooks.hooks[i+1:]...)
			s.logger.Debug("hook unregistered", String("hook", name))
			return true
		}
	}
	return false
}

// Hooks returns the names of all registered hooks in execution order.
func (s *Session) Hooks() []string {
	s.hooks.mu.RLock()
	defer s.hooks.mu.RUnlock()

	names := make([]string, len(s.hooks.hooks))
	for i, h := range s.hooks.hooks {
		names[i] = h.Name()
	}
	return names
}

func (c *hookChain) snapshot() []Hook {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Hook(nil), c.hooks...)
}

// runHooked wraps fn with the Before and After hooks. With no hooks
// registered it only calls fn.
func (s *Session) runHooked(ctx context.Context, hc *HookContext, fn func(context.Context) error) error {
	hooks := s.hooks.snapshot()
	if len(hooks) == 0 {
		return fn(ctx)
	}

	hc.StartTime = time.Now()
	hc.Metadata = make(map[string]interface{})

	for _, h := range hooks {
		if err := h.Before(ctx, hc); err != nil {
			s.logger.Debug("hook aborted call",
				String("hook", h.Name()),
				String("op", hc.Op),
				Error("error", err))
			return err
		}
	}

	err := fn(ctx)

	hc.Duration = time.Since(hc.StartTime)
	hc.Error = err
	for _, h := range hooks {
		if herr := h.After(ctx, hc); herr != nil {
			s.logger.Debug("hook returned error in After",
				String("hook", h.Name()),
				String("op", hc.Op),
				Error("error", herr))
		}
	}
	return err
}

func statementsOf(entries []entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		if e.prepared {
			out[i] = e.handle.sql
		} else {
			out[i] = e.sql
		}
	}
	return out
}
