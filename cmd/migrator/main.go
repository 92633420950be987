package main

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"shiftflow/migrations"
	"shiftflow/pkg/config"
	"shiftflow/pkg/logging"
	"shiftflow/pkg/store"
)

type migrationDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type migratorDBCloser interface {
	migrationDB
	Close()
}

// Testable variables for main()
var (
	logFatalf = log.Fatalf
	openDBFn  = func(ctx context.Context, opts store.PostgresOptions) (migratorDBCloser, error) {
		pool, err := store.NewPostgresPool(ctx, opts)
		if err != nil {
			return nil, err
		}
		return pool, nil
	}
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		logFatalf("migrator: %v", err)
	}
}

func run(args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := openDBFn(ctx, store.PostgresOptions{
		URL:             cfg.DatabaseURL,
		RequireTLS:      cfg.DatabaseRequireTLS,
		MaxConns:        2,
		ApplicationName: "shiftflow-migrator",
	})
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	if err := runMigrations(ctx, pool, migrations.FS, logger.Sugar().Infof); err != nil {
		return fmt.Errorf("migration: %w", err)
	}
	return nil
}

// validateMigrationName accepts only *.sql files at the root of the source.
func validateMigrationName(name string) error {
	if !fs.ValidPath(name) || path.Dir(name) != "." || path.Ext(name) != ".sql" {
		return fmt.Errorf("migration %q is not a top-level .sql file", name)
	}
	return nil
}

// runMigrations applies every unapplied *.sql file in src in lexical order,
// each in its own transaction together with its schema_migrations row.
func runMigrations(
	ctx context.Context,
	db migrationDB,
	src fs.FS,
	logf func(format string, args ...any),
) error {
	if db == nil {
		return fmt.Errorf("db required")
	}
	if src == nil {
		src = migrations.FS
	}
	if logf == nil {
		logf = log.Printf
	}

	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	files, err := fs.Glob(src, "*.sql")
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	applied := 0
	for _, name := range files {
		if err := validateMigrationName(name); err != nil {
			return fmt.Errorf("invalid migration path: %w", err)
		}
		var exists bool
		if err := db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE filename=$1)`, name).Scan(&exists); err != nil {
			return fmt.Errorf("migration lookup: %w", err)
		}
		if exists {
			continue
		}
		sqlBytes, err := fs.ReadFile(src, name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		tx, err := db.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin migration tx: %w", err)
		}
		if _, err := tx.Exec(ctx, string(sqlBytes)); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(filename) VALUES($1)`, name); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("mark migration %s: %w", name, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
		applied++
		logf("applied migration %s", name)
	}

	logf("migrations up to date: %d applied, %d total", applied, len(files))
	return nil
}
