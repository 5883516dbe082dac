// Command migrator applies the SQL files under MIGRATIONS_DIR to the order
// database, once each, in filename order.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"refit/pkg/config"
	"refit/pkg/logging"
	"refit/pkg/store"
)

// migrationLockKey serializes concurrent migrators (for example several
// replicas starting at once) on pg_advisory_xact_lock.
const migrationLockKey int64 = 0x72656669745f6d67

type migrationDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

type migratorDBCloser interface {
	migrationDB
	Close()
}

// Testable variables for main()
var (
	logFatalf = log.Fatalf
	openDBFn  = func(ctx context.Context) (migratorDBCloser, error) {
		return store.NewPostgresPool(ctx, store.PostgresConfig{
			URL:             config.Env("DATABASE_URL", ""),
			RequireTLS:      config.EnvBool("DATABASE_REQUIRE_TLS", false),
			MaxConns:        2,
			ApplicationName: "migrator",
		})
	}
)

func main() {
	logging.Setup("migrator", config.Env("ENVIRONMENT", "development"))
	ctx, cancel := context.WithTimeout(context.Background(), config.EnvDuration("MIGRATE_TIMEOUT", 60*time.Second))
	defer cancel()

	pool, err := openDBFn(ctx)
	if err != nil {
		logFatalf("db: %v", err)
		return
	}
	defer pool.Close()

	sum, err := runMigrations(ctx, pool, migrationOptions{Dir: config.Env("MIGRATIONS_DIR", "migrations")})
	if err != nil {
		logFatalf("migration: %v", err)
		return
	}
	slog.Info("migrations complete", "applied", len(sum.Applied), "skipped", len(sum.Skipped))
}

type migrationOptions struct {
	Dir      string
	ReadFile func(name string) ([]byte, error)
	Glob     func(pattern string) ([]string, error)
}

type migrationSummary struct {
	Applied []string
	Skipped []string
}

func validateMigrationPath(migrationsDir, file string) (string, error) {
	cleanDir := filepath.Clean(migrationsDir)
	cleanFile := filepath.Clean(file)
	prefix := cleanDir + string(os.PathSeparator)
	if !strings.HasPrefix(cleanFile, prefix) {
		return "", fmt.Errorf("path %q is outside migrations dir %q", file, migrationsDir)
	}
	return cleanFile, nil
}

func checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// runMigrations applies every unapplied file. An applied file whose contents
// changed since it ran is an error: the history table and its trigger must
// not drift silently from what the repository ships.
func runMigrations(ctx context.Context, db migrationDB, opts migrationOptions) (migrationSummary, error) {
	var sum migrationSummary
	if db == nil {
		return sum, fmt.Errorf("db required")
	}
	readFile := opts.ReadFile
	if readFile == nil {
		// #nosec G304 -- migration file path is validated by validateMigrationPath before read.
		readFile = os.ReadFile
	}
	glob := opts.Glob
	if glob == nil {
		glob = filepath.Glob
	}

	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			checksum TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return sum, fmt.Errorf("create schema_migrations: %w", err)
	}

	dir := filepath.Clean(opts.Dir)
	files, err := glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return sum, fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	for _, file := range files {
		cleanFile, err := validateMigrationPath(dir, file)
		if err != nil {
			return sum, fmt.Errorf("invalid migration path: %s", file)
		}
		name := filepath.Base(cleanFile)
		sqlBytes, err := readFile(cleanFile)
		if err != nil {
			return sum, fmt.Errorf("read migration %s: %w", name, err)
		}
		applied, err := applyOne(ctx, db, name, sqlBytes)
		if err != nil {
			return sum, err
		}
		if applied {
			sum.Applied = append(sum.Applied, name)
			slog.Info("applied migration", "file", name)
		} else {
			sum.Skipped = append(sum.Skipped, name)
		}
	}
	return sum, nil
}

// applyOne runs a single file in its own transaction under the advisory
// lock, re-checking schema_migrations once the lock is held.
func applyOne(ctx context.Context, db migrationDB, name string, sqlBytes []byte) (bool, error) {
	sum := checksum(sqlBytes)
	tx, err := db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
		return false, fmt.Errorf("migration lock: %w", err)
	}
	var recorded string
	err = tx.QueryRow(ctx, `SELECT checksum FROM schema_migrations WHERE filename=$1`, name).Scan(&recorded)
	switch {
	case err == nil:
		if recorded != "" && recorded != sum {
			return false, fmt.Errorf("migration %s changed after it was applied", name)
		}
		return false, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return false, fmt.Errorf("migration lookup: %w", err)
	}

	if _, err := tx.Exec(ctx, string(sqlBytes)); err != nil {
		return false, fmt.Errorf("apply migration %s: %w", name, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(filename, checksum) VALUES($1, $2)`, name, sum); err != nil {
		return false, fmt.Errorf("mark migration %s: %w", name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit migration %s: %w", name, err)
	}
	return true, nil
}
