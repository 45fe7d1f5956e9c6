package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/INLOpen/nexuskv/codec"
	"github.com/INLOpen/nexuskv/core"
	"github.com/INLOpen/nexuskv/hooks"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// RestoreStats summarizes a Restore run.
type RestoreStats struct {
	Segments int
	Records  int
	Inserts  int
	Removes  int
	// Keys is the number of live keys once replay finished.
	Keys     int
	Duration time.Duration
}

// Restore rebuilds the table by replaying the log from segment 1 until the
// first missing segment. Records are applied in log order, so the last write
// to a key wins. On error the table keeps whatever was replayed so far.
//
// Restore must finish before the first write; it may only be called once.
func (s *Store[D]) Restore(ctx context.Context) (stats RestoreStats, err error) {
	if !s.restored.CompareAndSwap(false, true) {
		return stats, ErrAlreadyRestored
	}
	ctx, span := s.tracer.Start(ctx, "Store.Restore")
	defer span.End()

	start := time.Now()
	defer func() {
		stats.Keys = s.table.Len()
		stats.Duration = time.Since(start)
		span.SetAttributes(
			attribute.Int("restore.segments", stats.Segments),
			attribute.Int("restore.records", stats.Records),
			attribute.Int("restore.keys", stats.Keys),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "restore_failed")
			s.logger.Error("Restore failed", "segments", stats.Segments, "records", stats.Records, "error", err)
		} else {
			s.logger.Info("Restore complete", "segments", stats.Segments, "records", stats.Records,
				"keys", stats.Keys, "duration", stats.Duration)
		}
		_ = s.hooks.Trigger(ctx, hooks.NewPostWALRecoveryEvent(hooks.PostWALRecoveryPayload{
			Table:                 s.opts.TableName,
			SegmentsRead:          stats.Segments,
			RecoveredEntriesCount: stats.Records,
			Duration:              stats.Duration,
			Error:                 err,
		}))
	}()

	for index := uint64(1); ; index++ {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		n, err := s.restoreSegment(ctx, index, &stats)
		if err != nil {
			if core.IsSegmentNotFound(err) {
				s.logger.Debug("No more segments", "next_index", index)
				return stats, nil
			}
			return stats, err
		}
		stats.Segments++
		s.logger.Debug("Segment replayed", "index", index, "records", n)
	}
}

// restoreSegment replays one segment and returns the number of records read.
func (s *Store[D]) restoreSegment(ctx context.Context, index uint64, stats *RestoreStats) (int, error) {
	sr, err := s.actor.GetSegment(ctx, index)
	if err != nil {
		return 0, err
	}
	defer sr.Close()

	_, span := s.tracer.Start(ctx, "Store.RestoreSegment")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("segment.index", int64(index)),
		attribute.String("segment.path", sr.Path()),
	)

	n := 0
	for {
		data, err := sr.ReadRecord()
		if errors.Is(err, io.EOF) {
			span.SetAttributes(attribute.Int("segment.records", n))
			return n, nil
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "read_failed")
			return n, fmt.Errorf("replay segment %d at offset %d: %w", index, sr.Offset(), err)
		}
		rec, err := s.records.Decode(data)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "decode_failed")
			return n, fmt.Errorf("replay segment %d at offset %d: %w", index, sr.Offset(), err)
		}
		s.apply(rec)
		n++
		stats.Records++
		if rec.Kind == codec.KindInsert {
			stats.Inserts++
		} else {
			stats.Removes++
		}
		s.metrics.RestoredRecords.Add(1)
	}
}

func (s *Store[D]) apply(rec codec.Record[D]) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	switch rec.Kind {
	case codec.KindInsert:
		s.table.Put(rec.Key, rec.Doc)
	case codec.KindRemove:
		s.table.Delete(rec.Key)
	}
}
