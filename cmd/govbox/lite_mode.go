package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Mindburn-Labs/govbox/pkg/store"

	_ "modernc.org/sqlite"
)

func setupLiteMode(ctx context.Context, dataDir string, logger *slog.Logger) (*sql.DB, *store.SQLStore, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "govbox.db")
	logger.Info("lite mode: using sqlite", "path", dbPath)

	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// SQLite allows one writer.
	db.SetMaxOpenConns(1)

	st := store.NewSQLStore(db, store.DialectSQLite)
	if err := st.Init(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to init sqlite store: %w", err)
	}
	return db, st, nil
}
