package rpc

import (
	"sync"
	"time"

	"github.com/isometry/icf-remote/internal/wire"
)

// pendingShards is the stripe count of a pendingTable.
const pendingShards = 32

// pendingEntry is the type-erased view of an OperationRequest held by the table.
type pendingEntry interface {
	ID() int64
	Kind() wire.OperationKind
	handle(env *wire.Envelope)
	abort(err error)
	check(now time.Time)
	reconcile(known bool)
	settled() bool
}

type pendingShard struct {
	mu      sync.Mutex
	entries map[int64]pendingEntry
}

// pendingTable maps request ids to in-flight requests for one connection.
// Entries are striped across shards so unrelated ids never contend.
type pendingTable struct {
	shards [pendingShards]pendingShard
}

func newPendingTable() *pendingTable {
	t := &pendingTable{}
	for i := range t.shards {
		t.shards[i].entries = make(map[int64]pendingEntry)
	}
	return t
}

func (t *pendingTable) shard(id int64) *pendingShard {
	return &t.shards[uint64(id)%pendingShards]
}

// insert registers e unless its id is taken.
func (t *pendingTable) insert(e pendingEntry) bool {
	s := t.shard(e.ID())
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[e.ID()]; exists {
		return false
	}
	s.entries[e.ID()] = e
	return true
}

func (t *pendingTable) get(id int64) (pendingEntry, bool) {
	s := t.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	return e, ok
}

// remove deletes e if it is still the entry registered under its id and
// reports whether this call removed it.
func (t *pendingTable) remove(e pendingEntry) bool {
	s := t.shard(e.ID())
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.entries[e.ID()]; !ok || cur != e {
		return false
	}
	delete(s.entries, e.ID())
	return true
}

// drain removes and returns every entry.
func (t *pendingTable) drain() []pendingEntry {
	var out []pendingEntry
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for id, e := range s.entries {
			out = append(out, e)
			delete(s.entries, id)
		}
		s.mu.Unlock()
	}
	return out
}

// snapshot returns the current entries without removing them.
func (t *pendingTable) snapshot() []pendingEntry {
	var out []pendingEntry
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for _, e := range s.entries {
			out = append(out, e)
		}
		s.mu.Unlock()
	}
	return out
}

func (t *pendingTable) len() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}
