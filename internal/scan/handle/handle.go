// Package handle is the stable job-handle table spec.md §9's "cyclic
// references" note asks for: background jobs reference themselves in
// submitted sub-transactions by handle, not by pointer, so a
// completion callback arriving after the job has been finalized finds
// nothing rather than touching freed state.
package handle

import (
	"sync"

	"github.com/user/kvscan/internal/txqueue"
)

// Completer receives a sub-transaction's outcome.
type Completer interface {
	OnTxComplete(result txqueue.Result)
}

// Table maps stable uint64 handles to live Completers.
type Table struct {
	mu   sync.Mutex
	next uint64
	m    map[uint64]Completer
}

// NewTable returns an empty handle table.
func NewTable() *Table {
	return &Table{m: make(map[uint64]Completer)}
}

// Register allocates a fresh handle for c.
func (t *Table) Register(c Completer) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	h := t.next
	t.m[h] = c
	return h
}

// Remove retires a handle; subsequent completions for it are no-ops.
func (t *Table) Remove(h uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.m, h)
}

// Dispatch is the CompletionFunc wired into a txqueue.Queue: it looks
// up the handle and forwards the result, or drops it silently if the
// job has already been finalized.
func (t *Table) Dispatch(h uint64, result txqueue.Result) {
	t.mu.Lock()
	c, ok := t.m[h]
	t.mu.Unlock()
	if ok {
		c.OnTxComplete(result)
	}
}
