package store

import (
	"log/slog"
	"time"

	"github.com/INLOpen/nexuskv/core"
	"github.com/INLOpen/nexuskv/hooks"
	"github.com/INLOpen/nexuskv/wal"
	"go.opentelemetry.io/otel/trace"
)

// Options configures a Store.
type Options struct {
	RootPath  string
	TableName string
	// SegmentCapacity is the number of records per segment. Values below
	// core.MinSegmentCapacity are raised to it; zero selects the default.
	SegmentCapacity uint64
	InboxSize       int
	SyncMode        wal.SyncMode
	SyncInterval    time.Duration
	Compression     core.CompressionType
	// DocumentCodec names the document encoding ("json" or "go-json").
	// It is ignored by OpenWithCodec.
	DocumentCodec string

	Logger         *slog.Logger
	HookManager    hooks.HookManager
	TracerProvider trace.TracerProvider
	// MetricsEnabled publishes the store counters under expvar as
	// nexuskv_{TableName}_*. Only one open store per table name may publish.
	MetricsEnabled bool
}

// TableDir returns {RootPath}/{TableName}.
func (o Options) TableDir() string {
	return core.TableDir(o.RootPath, o.TableName)
}

func (o Options) withDefaults() Options {
	if o.SegmentCapacity == 0 {
		o.SegmentCapacity = core.DefaultSegmentCapacity
	}
	o.SegmentCapacity = core.ClampSegmentCapacity(o.SegmentCapacity)
	if o.InboxSize <= 0 {
		o.InboxSize = core.DefaultInboxSize
	}
	if o.SyncMode == "" {
		o.SyncMode = wal.SyncInterval
	}
	if o.SyncInterval <= 0 {
		o.SyncInterval = time.Second
	}
	return o
}
