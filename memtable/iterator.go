package memtable

import (
	"sync"

	"github.com/INLOpen/skiplist"
)

// IteratorOptions bounds an iteration. Start is inclusive and End exclusive;
// an empty End means no upper bound.
type IteratorOptions struct {
	Start   string
	End     string
	Reverse bool
}

// Iterator walks the keys of a Table in order.
// It is not safe for concurrent use by multiple goroutines.
type Iterator[D any] struct {
	mu      *sync.RWMutex // The lock from the parent table. MUST be released by Close().
	iter    *skiplist.Iterator[string, D]
	opts    IteratorOptions
	started bool
	valid   bool
}

// NewIterator creates an iterator over the table. The iterator holds a read
// lock on the table for its lifetime; the caller MUST call Close.
func (t *Table[D]) NewIterator(opts IteratorOptions) *Iterator[D] {
	t.mu.RLock()
	var iterOpts []skiplist.IteratorOption[string, D]
	if opts.Reverse {
		iterOpts = append(iterOpts, skiplist.WithReverse[string, D]())
	}
	return &Iterator[D]{
		mu:   &t.mu,
		iter: t.data.NewIterator(iterOpts...),
		opts: opts,
	}
}

// Next moves to the next key within bounds.
func (it *Iterator[D]) Next() bool {
	if it.mu == nil {
		return false
	}
	var ok bool
	if !it.started {
		it.started = true
		switch {
		case it.opts.Reverse:
			ok = it.iter.Last()
		case it.opts.Start != "":
			ok = it.iter.Seek(it.opts.Start)
		default:
			ok = it.iter.First()
		}
	} else {
		ok = it.iter.Next()
	}

	for ; ok; ok = it.iter.Next() {
		key := it.iter.Key()
		if it.opts.Reverse {
			if key < it.opts.Start {
				break
			}
			if it.opts.End != "" && key >= it.opts.End {
				continue
			}
		} else if it.opts.End != "" && key >= it.opts.End {
			break
		}
		it.valid = true
		return true
	}
	it.valid = false
	return false
}

// Key returns the current key.
func (it *Iterator[D]) Key() string {
	if !it.valid {
		return ""
	}
	return it.iter.Key()
}

// Value returns the current document.
func (it *Iterator[D]) Value() D {
	if !it.valid {
		var zero D
		return zero
	}
	return it.iter.Value()
}

// Close releases the read lock on the table. It is safe to call Close multiple times.
func (it *Iterator[D]) Close() error {
	if it.mu == nil {
		return nil
	}
	it.valid = false
	it.mu.RUnlock()
	it.mu = nil
	return nil
}
