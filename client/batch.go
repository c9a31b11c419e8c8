package client

import (
	"sync"

	"github.com/resql/resql-go/param"
	"github.com/resql/resql-go/protocol"
)

// binding is one bound parameter slot of an entry.
type binding struct {
	named bool
	name  string
	index int
	value param.Value
}

// entry is one staged statement: raw SQL or a prepared handle.
type entry struct {
	prepared bool
	sql      string
	handle   PreparedHandle
	params   []binding
}

// set stores v in the slot, replacing any earlier value for the same slot.
func (e *entry) set(b binding) {
	for i := range e.params {
		p := &e.params[i]
		if p.named == b.named && p.index == b.index && p.name == b.name {
			p.value = b.value
			return
		}
	}
	e.params = append(e.params, b)
}

// batch is the ordered list of statements staged for the next Exec. The
// last entry is the binder's target.
type batch struct {
	mu      sync.Mutex
	entries []entry
	misuse  *SQLError
}

func (b *batch) putSQL(sql string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, entry{sql: sql})
}

func (b *batch) putPrepared(h PreparedHandle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, entry{prepared: true, handle: h})
}

func (b *batch) bind(p binding) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) == 0 {
		if b.misuse == nil {
			b.misuse = errMissingStatement()
		}
		return
	}
	if !p.named && p.index < 0 {
		if b.misuse == nil {
			b.misuse = newSQLError("E_BIND_INDEX", "parameter index must not be negative", map[string]interface{}{
				"index": p.index,
			})
		}
		return
	}

	p.value = p.value.Clone()
	b.entries[len(b.entries)-1].set(p)
}

func (b *batch) clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = nil
	b.misuse = nil
}

func (b *batch) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// take empties the batch and returns what was staged.
func (b *batch) take() ([]entry, *SQLError) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries, misuse := b.entries, b.misuse
	b.entries, b.misuse = nil, nil
	return entries, misuse
}

// tasks converts staged entries into wire tasks.
func tasks(entries []entry) []protocol.Task {
	out := make([]protocol.Task, len(entries))
	for i, e := range entries {
		t := protocol.Task{Kind: protocol.TaskStatement, SQL: e.sql}
		if e.prepared {
			t = protocol.Task{Kind: protocol.TaskPrepared, Handle: e.handle.id}
		}

		if len(e.params) > 0 {
			t.Bindings = make([]protocol.Binding, len(e.params))
			for j, p := range e.params {
				t.Bindings[j] = protocol.Binding{
					Named: p.named,
					Name:  p.name,
					Index: uint32(p.index),
					Value: p.value,
				}
			}
		}
		out[i] = t
	}
	return out
}
