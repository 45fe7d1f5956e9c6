package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/INLOpen/nexuskv/config"
	"github.com/INLOpen/nexuskv/hooks"
	"github.com/INLOpen/nexuskv/hooks/listeners"
	"github.com/INLOpen/nexuskv/memtable"
	"github.com/INLOpen/nexuskv/store"
	"github.com/INLOpen/nexuskv/sys"
	gojson "github.com/goccy/go-json"
	"go.opentelemetry.io/otel/trace"
)

// errUsage is returned for malformed command lines.
var errUsage = errors.New("usage: nexuskv [-config path] [-root dir] [-table name] <put|get|del|list|stats|segments|export> [args]")

type app struct {
	cfg    *config.Config
	logger *slog.Logger
	tp     trace.TracerProvider
	out    io.Writer
}

type command func(ctx context.Context, a *app, args []string) error

var commands = map[string]command{
	"put":      cmdPut,
	"get":      cmdGet,
	"del":      cmdDel,
	"list":     cmdList,
	"stats":    cmdStats,
	"segments": cmdSegments,
	"export":   cmdExport,
}

func run(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("nexuskv", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "config.yaml", "Path to the configuration file")
	root := fs.String("root", "", "Override store.root_path")
	table := fs.String("table", "", "Override store.table_name")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() == 0 {
		return errUsage
	}
	cmd, ok := commands[fs.Arg(0)]
	if !ok {
		return fmt.Errorf("%w: unknown command %q", errUsage, fs.Arg(0))
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if *root != "" {
		cfg.Store.RootPath = *root
	}
	if *table != "" {
		cfg.Store.TableName = *table
	}

	logger, logCloser, err := createLogger(cfg.Logging)
	if err != nil {
		return err
	}
	if logCloser != nil {
		defer logCloser.Close()
	}
	if cfg.Debug.TrackFiles {
		sys.SetDebugLogger(logger)
		sys.SetDebugMode(true)
	}

	tp, tracerCleanup, err := initTracerProvider(cfg.Tracing, logger)
	if err != nil {
		return err
	}
	defer tracerCleanup()

	a := &app{cfg: cfg, logger: logger, tp: tp, out: out}
	return cmd(ctx, a, fs.Args()[1:])
}

// newHookManager registers the bundled listeners the configuration enables.
func (a *app) newHookManager() hooks.HookManager {
	hm := hooks.NewHookManager(a.logger)
	hc := a.cfg.Hooks
	if hc.KeyMaxLength > 0 || len(hc.KeyPrefixes) > 0 || hc.KeyRequireUTF8 {
		listeners.NewKeyPolicyListener(a.logger, listeners.KeyPolicy{
			MaxLength:       hc.KeyMaxLength,
			AllowedPrefixes: hc.KeyPrefixes,
			RequireUTF8:     hc.KeyRequireUTF8,
		}).Register(hm)
	}
	if hc.TrackRotations {
		hm.Register(hooks.EventPostWALRotate, listeners.NewRotationTracker(a.logger))
	}
	if hc.AlertDropped {
		hm.Register(hooks.EventPostWriteDropped, listeners.NewDroppedWriteAlerter(a.logger))
	}
	return hm
}

// openStore opens and restores the configured table. Documents are kept as
// raw JSON.
func (a *app) openStore(ctx context.Context) (*store.Store[json.RawMessage], error) {
	opts, err := a.cfg.StoreOptions(a.logger)
	if err != nil {
		return nil, err
	}
	opts.HookManager = a.newHookManager()
	opts.TracerProvider = a.tp

	s, err := store.Open[json.RawMessage](ctx, opts)
	if err != nil {
		return nil, err
	}
	if _, err := s.Restore(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("restore %s: %w", s.Dir(), err)
	}
	return s, nil
}

func cmdPut(ctx context.Context, a *app, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("%w: put <key> <json>", errUsage)
	}
	doc := json.RawMessage(args[1])
	if !gojson.Valid(doc) {
		return fmt.Errorf("document for %q is not valid JSON", args[0])
	}
	s, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	_, existed, err := s.InsertDurable(ctx, args[0], doc)
	if err != nil {
		return err
	}
	if existed {
		fmt.Fprintf(a.out, "replaced %s\n", args[0])
	} else {
		fmt.Fprintf(a.out, "inserted %s\n", args[0])
	}
	return nil
}

func cmdGet(ctx context.Context, a *app, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: get <key>", errUsage)
	}
	s, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	doc, ok := s.Get(args[0])
	if !ok {
		return fmt.Errorf("key %q not found", args[0])
	}
	fmt.Fprintf(a.out, "%s\n", doc)
	return nil
}

func cmdDel(ctx context.Context, a *app, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: del <key>", errUsage)
	}
	s, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	if _, ok := s.Get(args[0]); !ok {
		fmt.Fprintf(a.out, "absent %s\n", args[0])
		return nil
	}
	if err := s.RemoveDurable(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "removed %s\n", args[0])
	return nil
}

func cmdList(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	start := fs.String("start", "", "First key (inclusive)")
	end := fs.String("end", "", "Upper bound (exclusive)")
	reverse := fs.Bool("reverse", false, "Descending order")
	limit := fs.Int("limit", 0, "Maximum number of keys; 0 means no limit")
	values := fs.Bool("values", false, "Print documents next to keys")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	s, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	it := s.Scan(memtable.IteratorOptions{Start: *start, End: *end, Reverse: *reverse})
	defer it.Close()
	n := 0
	for it.Next() {
		if *limit > 0 && n >= *limit {
			break
		}
		if *values {
			fmt.Fprintf(a.out, "%s\t%s\n", it.Key(), it.Value())
		} else {
			fmt.Fprintln(a.out, it.Key())
		}
		n++
	}
	return nil
}

func cmdStats(ctx context.Context, a *app, args []string) error {
	s, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	st, err := s.Stats(ctx)
	if err != nil {
		return err
	}
	rows := map[string]any{
		"dir":            s.Dir(),
		"capacity":       st.Capacity,
		"active_segment": st.ActiveSegment,
		"fill":           st.Fill,
		"keys":           st.Keys,
	}
	names := make([]string, 0, len(rows))
	for name := range rows {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(a.out, "%s\t%v\n", name, rows[name])
	}
	return nil
}
