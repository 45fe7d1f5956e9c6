package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"github.com/INLOpen/nexuskv/core"
	"github.com/INLOpen/nexuskv/wal"
	"golang.org/x/sync/errgroup"
)

type segmentReport struct {
	name   string
	index  uint64
	result wal.ScanResult
}

// cmdSegments scans every segment file of the table without opening the
// store, so it never truncates or creates anything.
func cmdSegments(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("segments", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	workers := fs.Int("workers", runtime.GOMAXPROCS(0), "Segments scanned in parallel")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	dir := core.TableDir(a.cfg.Store.RootPath, a.cfg.Store.TableName)
	capacity := core.ClampSegmentCapacity(a.cfg.Store.SegmentCapacity)
	reports, err := scanSegments(ctx, dir, capacity, *workers)
	if err != nil {
		return err
	}

	var records uint64
	for _, r := range reports {
		state := "ok"
		if r.result.Torn() {
			state = fmt.Sprintf("torn at %d: %v", r.result.ValidSize, r.result.TailErr)
		}
		fmt.Fprintf(a.out, "%d\t%s\t%d records\t%d bytes\t%s\n", r.index, r.name, r.result.Records, r.result.FileSize, state)
		records += r.result.Records
	}
	fmt.Fprintf(a.out, "%d segments, %d records\n", len(reports), records)
	return nil
}

// scanSegments scans the segments of dir that belong to capacity, in index
// order. Files of another capacity are reported as an error.
func scanSegments(ctx context.Context, dir string, capacity uint64, workers int) ([]segmentReport, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &core.IOError{Op: "readdir", Path: dir, Err: err}
	}
	var reports []segmentReport
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		product, err := core.ParseSegmentFileName(e.Name())
		if err != nil {
			continue
		}
		if product%capacity != 0 {
			return nil, fmt.Errorf("%w: %s does not belong to capacity %d", core.ErrCapacityMismatch, e.Name(), capacity)
		}
		reports = append(reports, segmentReport{name: e.Name(), index: product / capacity})
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].index < reports[j].index })

	g, gctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for i := range reports {
		r := &reports[i]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := wal.ScanSegment(filepath.Join(dir, r.name))
			if err != nil {
				return fmt.Errorf("scan %s: %w", r.name, err)
			}
			r.result = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}
