package store

import (
	"errors"
	"expvar"
	"fmt"
	"sync"
	"time"

	"github.com/caio/go-tdigest/v4"
)

// ErrMetricsInUse is returned when opening a store with MetricsEnabled while
// another open store of the process already publishes metrics for the same
// table name.
var ErrMetricsInUse = errors.New("table metrics already published by an open store")

var (
	publishedMu sync.Mutex
	// published maps a table name to the metrics of the open store that owns
	// its expvar names.
	published = make(map[string]*metrics)
)

// publishExpvarInt publishes an expvar.Int, or resets and reuses the one left
// behind by a closed store.
func publishExpvarInt(name string) *expvar.Int {
	v := expvar.Get(name)
	if v == nil {
		return expvar.NewInt(name)
	}
	if iv, ok := v.(*expvar.Int); ok {
		iv.Set(0)
		return iv
	}
	panic(fmt.Sprintf("expvar: trying to publish Int %s but variable already exists with different type %T", name, v))
}

// publishExpvarFunc publishes f unless name is already taken.
func publishExpvarFunc(name string, f func() any) {
	if expvar.Get(name) == nil {
		expvar.Publish(name, expvar.Func(f))
	}
}

// metrics holds the counters of one store. Unpublished counters are used when
// expvar publication is disabled, so the write path never checks for nil.
type metrics struct {
	table     string
	published bool

	RecordsWritten  *expvar.Int
	BytesWritten    *expvar.Int
	Rollovers       *expvar.Int
	DroppedWrites   *expvar.Int
	RestoredRecords *expvar.Int

	latencyMu sync.Mutex
	latency   *tdigest.TDigest
}

func newMetrics(table string, publish bool) (*metrics, error) {
	td, err := tdigest.New()
	if err != nil {
		return nil, fmt.Errorf("tdigest.New failed: %w", err)
	}
	m := &metrics{table: table, latency: td}
	if !publish {
		m.RecordsWritten = new(expvar.Int)
		m.BytesWritten = new(expvar.Int)
		m.Rollovers = new(expvar.Int)
		m.DroppedWrites = new(expvar.Int)
		m.RestoredRecords = new(expvar.Int)
		return m, nil
	}

	publishedMu.Lock()
	defer publishedMu.Unlock()
	if published[table] != nil {
		return nil, fmt.Errorf("%w: %q", ErrMetricsInUse, table)
	}
	published[table] = m
	m.published = true

	counter := func(name string) *expvar.Int {
		return publishExpvarInt(fmt.Sprintf("nexuskv_%s_%s", table, name))
	}
	m.RecordsWritten = counter("records_written_total")
	m.BytesWritten = counter("bytes_written_total")
	m.Rollovers = counter("segment_rollovers_total")
	m.DroppedWrites = counter("dropped_writes_total")
	m.RestoredRecords = counter("restored_records_total")
	publishExpvarFunc(fmt.Sprintf("nexuskv_%s_write_latency_us", table), func() any {
		publishedMu.Lock()
		owner := published[table]
		publishedMu.Unlock()
		if owner == nil {
			return nil
		}
		p50, p99 := owner.latencyQuantiles()
		return map[string]float64{
			"p50": float64(p50.Microseconds()),
			"p99": float64(p99.Microseconds()),
		}
	})
	return m, nil
}

// release gives up the table's expvar names so a later store can take them.
func (m *metrics) release() {
	if !m.published {
		return
	}
	publishedMu.Lock()
	defer publishedMu.Unlock()
	if published[m.table] == m {
		delete(published, m.table)
	}
	m.published = false
}

func (m *metrics) observeLatency(d time.Duration) {
	m.latencyMu.Lock()
	defer m.latencyMu.Unlock()
	// Add only fails for NaN or infinite values.
	_ = m.latency.Add(float64(d))
}

func (m *metrics) latencyQuantiles() (p50, p99 time.Duration) {
	m.latencyMu.Lock()
	defer m.latencyMu.Unlock()
	if m.latency.Count() == 0 {
		return 0, 0
	}
	return time.Duration(m.latency.Quantile(0.5)), time.Duration(m.latency.Quantile(0.99))
}
