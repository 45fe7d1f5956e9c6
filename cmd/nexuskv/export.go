package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/INLOpen/nexuskv/store"
	_ "modernc.org/sqlite"
)

// cmdExport copies the restored table into a SQLite database.
func cmdExport(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	out := fs.String("out", "", "Path of the SQLite database to write (required)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if *out == "" {
		return fmt.Errorf("%w: export -out <file.db>", errUsage)
	}

	s, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	n, err := exportSQLite(ctx, s, *out)
	if err != nil {
		return err
	}
	a.logger.Info("Export complete", "path", *out, "documents", n)
	fmt.Fprintf(a.out, "exported %d documents to %s\n", n, *out)
	return nil
}

// exportSQLite writes every document of s into the documents table of the
// database at path, replacing rows with the same key.
func exportSQLite(ctx context.Context, s *store.Store[json.RawMessage], path string) (int, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return 0, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS documents (
		key TEXT PRIMARY KEY,
		doc TEXT NOT NULL
	);`); err != nil {
		return 0, fmt.Errorf("create documents table: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	stmt, err := tx.PrepareContext(ctx, "INSERT OR REPLACE INTO documents (key, doc) VALUES (?, ?)")
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	defer stmt.Close()

	n := 0
	s.Range(func(key string, doc json.RawMessage) bool {
		if _, err = stmt.ExecContext(ctx, key, string(doc)); err != nil {
			return false
		}
		n++
		return true
	})
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("insert document: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}
