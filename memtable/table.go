package memtable

import (
	"strings"
	"sync"

	"github.com/INLOpen/skiplist"
)

// Table is the in-memory, key-ordered state of a store. Keys are compared
// byte-wise. It is safe for concurrent use; readers share a lock and writers
// take it exclusively.
type Table[D any] struct {
	mu   sync.RWMutex
	data *skiplist.SkipList[string, D]
}

// New creates an empty table.
func New[D any]() *Table[D] {
	return &Table[D]{
		data: skiplist.NewWithComparator[string, D](strings.Compare),
	}
}

// Put stores doc under key and returns the document it replaced, if any.
func (t *Table[D]) Put(key string, doc D) (prev D, existed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Insert updates an existing node in place, so read the old value first.
	if node, ok := t.data.Search(key); ok {
		prev, existed = node.Value(), true
	}
	t.data.Insert(key, doc)
	return prev, existed
}

// Delete removes key and returns the document it held, if any.
// Deleting an absent key is a no-op.
func (t *Table[D]) Delete(key string) (prev D, existed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	node, ok := t.data.Search(key)
	if !ok {
		return prev, false
	}
	// The node goes back to the skiplist's pool on delete.
	prev = node.Value()
	t.data.Delete(key)
	return prev, true
}

// Get returns the document stored under key.
func (t *Table[D]) Get(key string) (doc D, found bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	node, ok := t.data.Search(key)
	if !ok {
		return doc, false
	}
	return node.Value(), true
}

// Len returns the number of keys.
func (t *Table[D]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.data.Len()
}

// Range calls fn for every key in ascending order until fn returns false.
// The table is read-locked for the duration, so fn must not modify it.
func (t *Table[D]) Range(fn func(key string, doc D) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	t.data.Range(fn)
}

// Keys returns the keys in ascending order.
func (t *Table[D]) Keys() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	keys := make([]string, 0, t.data.Len())
	t.data.Range(func(key string, _ D) bool {
		keys = append(keys, key)
		return true
	})
	return keys
}
