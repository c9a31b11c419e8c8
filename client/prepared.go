package client

import (
	"sync"

	"github.com/cespare/xxhash"
	"github.com/google/uuid"
)

// PreparedHandle refers to a statement compiled on the server. It is only
// valid for the session that created it, until Delete or Shutdown.
type PreparedHandle struct {
	id    uint64
	owner uuid.UUID
	sql   string
}

// ID returns the server-assigned statement id.
func (h PreparedHandle) ID() uint64 { return h.id }

// SQL returns the statement text the handle was prepared from.
func (h PreparedHandle) SQL() string { return h.sql }

// IsZero reports whether h was never returned by Prepare.
func (h PreparedHandle) IsZero() bool { return h.owner == uuid.Nil }

// preparedRegistry tracks the handles a session holds. Lookups by SQL text
// go through an xxhash fingerprint so PrepareCached avoids a round trip.
type preparedRegistry struct {
	owner uuid.UUID

	mu      sync.Mutex
	handles map[uint64]PreparedHandle
	bySQL   map[uint64][]uint64
}

func newPreparedRegistry(owner uuid.UUID) *preparedRegistry {
	return &preparedRegistry{
		owner:   owner,
		handles: make(map[uint64]PreparedHandle),
		bySQL:   make(map[uint64][]uint64),
	}
}

func fingerprint(sql string) uint64 {
	return xxhash.Sum64([]byte(sql))
}

func (r *preparedRegistry) add(id uint64, sql string) PreparedHandle {
	h := PreparedHandle{id: id, owner: r.owner, sql: sql}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[id] = h
	fp := fingerprint(sql)
	r.bySQL[fp] = append(r.bySQL[fp], id)
	return h
}

// check validates that h belongs to this session and is still open.
func (r *preparedRegistry) check(h PreparedHandle) error {
	if h.owner != r.owner {
		return ErrForeignHandle(h)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handles[h.id]; !ok {
		return ErrStatementNotFound(h)
	}
	return nil
}

func (r *preparedRegistry) remove(h PreparedHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handles[h.id]; !ok {
		return
	}
	delete(r.handles, h.id)

	fp := fingerprint(h.sql)
	ids := r.bySQL[fp]
	for i, id := range ids {
		if id == h.id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(r.bySQL, fp)
	} else {
		r.bySQL[fp] = ids
	}
}

// cached returns an open handle prepared from exactly sql.
func (r *preparedRegistry) cached(sql string) (PreparedHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.bySQL[fingerprint(sql)] {
		if h := r.handles[id]; h.sql == sql {
			return h, true
		}
	}
	return PreparedHandle{}, false
}

// reset forgets every handle and returns how many were dropped.
func (r *preparedRegistry) reset() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.handles)
	r.handles = make(map[uint64]PreparedHandle)
	r.bySQL = make(map[uint64][]uint64)
	return n
}

func (r *preparedRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}
