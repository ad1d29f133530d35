// Package storage opens the node's sqlite database and applies migrations.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	"corral/internal/config"

	_ "modernc.org/sqlite"
)

func Open(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	dsn := "file:" + filepath.ToSlash(cfg.Database.Path) +
		"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxConnections)
	db.SetMaxIdleConns(cfg.Database.MaxConnections)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	pragmas := []string{"PRAGMA foreign_keys=ON;"}
	if cfg.Database.WALMode {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL;")
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}
	return db, nil
}
