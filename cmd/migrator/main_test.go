package main

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeMigratorDB struct {
	execFn  func(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	beginFn func(ctx context.Context) (pgx.Tx, error)
	closed  bool
}

func (f *fakeMigratorDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	if f.execFn != nil {
		return f.execFn(ctx, sql, arguments...)
	}
	return pgconn.NewCommandTag("CREATE TABLE"), nil
}

func (f *fakeMigratorDB) Begin(ctx context.Context) (pgx.Tx, error) {
	if f.beginFn != nil {
		return f.beginFn(ctx)
	}
	return &fakeMigratorTx{}, nil
}

func (f *fakeMigratorDB) Close() { f.closed = true }

type fakeMigratorRow struct {
	checksum string
	err      error
}

func (r fakeMigratorRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != 1 {
		return errors.New("scan arity mismatch")
	}
	s, ok := dest[0].(*string)
	if !ok {
		return errors.New("expected *string")
	}
	*s = r.checksum
	return nil
}

// fakeMigratorTx records statements; recorded maps filename to checksum for
// rows already in schema_migrations.
type fakeMigratorTx struct {
	recorded  map[string]string
	lookupErr error
	failOn    string
	commitErr error
	stmts     []string
	committed bool
}

func (t *fakeMigratorTx) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }
func (t *fakeMigratorTx) Commit(ctx context.Context) error {
	if t.commitErr != nil {
		return t.commitErr
	}
	t.committed = true
	return nil
}
func (t *fakeMigratorTx) Rollback(ctx context.Context) error { return nil }
func (t *fakeMigratorTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not implemented")
}
func (t *fakeMigratorTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }
func (t *fakeMigratorTx) LargeObjects() pgx.LargeObjects                               { return pgx.LargeObjects{} }
func (t *fakeMigratorTx) Prepare(ctx context.Context, name string, sql string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not implemented")
}
func (t *fakeMigratorTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.stmts = append(t.stmts, sql)
	if t.failOn != "" && strings.Contains(sql, t.failOn) {
		return pgconn.CommandTag{}, errors.New("exec fail: " + t.failOn)
	}
	return pgconn.NewCommandTag("OK"), nil
}
func (t *fakeMigratorTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}
func (t *fakeMigratorTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if t.lookupErr != nil {
		return fakeMigratorRow{err: t.lookupErr}
	}
	sum, ok := t.recorded[args[0].(string)]
	if !ok {
		return fakeMigratorRow{err: pgx.ErrNoRows}
	}
	return fakeMigratorRow{checksum: sum}
}
func (t *fakeMigratorTx) Conn() *pgx.Conn { return nil }

func files(names ...string) func(string) ([]string, error) {
	return func(string) ([]string, error) { return names, nil }
}

func readSQL(name string) ([]byte, error) {
	return []byte("-- " + filepath.Base(name) + "\nSELECT 1;"), nil
}

func TestValidateMigrationPath(t *testing.T) {
	t.Parallel()

	clean, err := validateMigrationPath("migrations", "migrations/001_orders.sql")
	if err != nil {
		t.Fatalf("expected valid migration path, got error: %v", err)
	}
	if clean != filepath.Clean("migrations/001_orders.sql") {
		t.Fatalf("unexpected clean path: %s", clean)
	}
	if _, err := validateMigrationPath("migrations", "../outside.sql"); err == nil {
		t.Fatal("expected rejection for outside migration path")
	}
	if _, err := validateMigrationPath("migrations", "other/001_orders.sql"); err == nil {
		t.Fatal("expected rejection for different directory")
	}
}

func TestRunMigrationsAppliesInOrderAndSkipsApplied(t *testing.T) {
	applied, _ := readSQL("migrations/001_orders.sql")
	var txs []*fakeMigratorTx
	db := &fakeMigratorDB{beginFn: func(context.Context) (pgx.Tx, error) {
		tx := &fakeMigratorTx{recorded: map[string]string{"001_orders.sql": checksum(applied)}}
		txs = append(txs, tx)
		return tx, nil
	}}

	sum, err := runMigrations(context.Background(), db, migrationOptions{
		Dir:      "migrations",
		ReadFile: readSQL,
		Glob:     files("migrations/003_inventory_items.sql", "migrations/001_orders.sql", "migrations/002_order_status_history.sql"),
	})
	if err != nil {
		t.Fatalf("runMigrations failed: %v", err)
	}
	if strings.Join(sum.Skipped, ",") != "001_orders.sql" {
		t.Fatalf("unexpected skipped %v", sum.Skipped)
	}
	if strings.Join(sum.Applied, ",") != "002_order_status_history.sql,003_inventory_items.sql" {
		t.Fatalf("unexpected applied order %v", sum.Applied)
	}
	if txs[0].committed || !txs[1].committed || !txs[2].committed {
		t.Fatal("expected only unapplied migrations to commit")
	}
	if !strings.Contains(txs[1].stmts[0], "pg_advisory_xact_lock") {
		t.Fatalf("expected advisory lock first, got %v", txs[1].stmts)
	}
}

func TestRunMigrationsDetectsEditedMigration(t *testing.T) {
	db := &fakeMigratorDB{beginFn: func(context.Context) (pgx.Tx, error) {
		return &fakeMigratorTx{recorded: map[string]string{"001_orders.sql": "deadbeef"}}, nil
	}}
	_, err := runMigrations(context.Background(), db, migrationOptions{Dir: "migrations", ReadFile: readSQL, Glob: files("migrations/001_orders.sql")})
	if err == nil || !strings.Contains(err.Error(), "changed after it was applied") {
		t.Fatalf("expected drift error, got %v", err)
	}
}

func TestRunMigrationsAcceptsLegacyRowsWithoutChecksum(t *testing.T) {
	db := &fakeMigratorDB{beginFn: func(context.Context) (pgx.Tx, error) {
		return &fakeMigratorTx{recorded: map[string]string{"001_orders.sql": ""}}, nil
	}}
	sum, err := runMigrations(context.Background(), db, migrationOptions{Dir: "migrations", ReadFile: readSQL, Glob: files("migrations/001_orders.sql")})
	if err != nil || len(sum.Skipped) != 1 {
		t.Fatalf("expected skip, got %+v err=%v", sum, err)
	}
}

func TestRunMigrationsErrorBranches(t *testing.T) {
	one := files("migrations/001_orders.sql")
	txWith := func(tx *fakeMigratorTx) *fakeMigratorDB {
		return &fakeMigratorDB{beginFn: func(context.Context) (pgx.Tx, error) { return tx, nil }}
	}
	cases := []struct {
		name string
		db   migrationDB
		opts migrationOptions
		want string
	}{
		{"db required", nil, migrationOptions{}, "db required"},
		{"create table failure", &fakeMigratorDB{execFn: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
			return pgconn.CommandTag{}, errors.New("create fail")
		}}, migrationOptions{Dir: "migrations"}, "create schema_migrations"},
		{"glob failure", &fakeMigratorDB{}, migrationOptions{Dir: "migrations", Glob: func(string) ([]string, error) {
			return nil, errors.New("glob fail")
		}}, "glob migrations"},
		{"invalid path", &fakeMigratorDB{}, migrationOptions{Dir: "migrations", Glob: files("../evil.sql")}, "invalid migration path"},
		{"read failure", &fakeMigratorDB{}, migrationOptions{Dir: "migrations", Glob: one, ReadFile: func(string) ([]byte, error) {
			return nil, errors.New("read fail")
		}}, "read migration"},
		{"begin failure", &fakeMigratorDB{beginFn: func(context.Context) (pgx.Tx, error) {
			return nil, errors.New("begin fail")
		}}, migrationOptions{Dir: "migrations", Glob: one, ReadFile: readSQL}, "begin migration tx"},
		{"lock failure", txWith(&fakeMigratorTx{failOn: "pg_advisory_xact_lock"}), migrationOptions{Dir: "migrations", Glob: one, ReadFile: readSQL}, "migration lock"},
		{"lookup failure", txWith(&fakeMigratorTx{lookupErr: errors.New("lookup fail")}), migrationOptions{Dir: "migrations", Glob: one, ReadFile: readSQL}, "migration lookup"},
		{"apply failure", txWith(&fakeMigratorTx{failOn: "SELECT 1"}), migrationOptions{Dir: "migrations", Glob: one, ReadFile: readSQL}, "apply migration"},
		{"mark failure", txWith(&fakeMigratorTx{failOn: "INSERT INTO schema_migrations"}), migrationOptions{Dir: "migrations", Glob: one, ReadFile: readSQL}, "mark migration"},
		{"commit failure", txWith(&fakeMigratorTx{commitErr: errors.New("commit fail")}), migrationOptions{Dir: "migrations", Glob: one, ReadFile: readSQL}, "commit migration"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := runMigrations(context.Background(), tc.db, tc.opts)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q error, got %v", tc.want, err)
			}
		})
	}
}

func TestMainDirectMigrator(t *testing.T) {
	origLogFatalf := logFatalf
	origOpenDB := openDBFn
	defer func() {
		logFatalf = origLogFatalf
		openDBFn = origOpenDB
	}()
	t.Setenv("MIGRATIONS_DIR", t.TempDir())

	t.Run("success closes pool", func(t *testing.T) {
		fatalCalled := false
		logFatalf = func(string, ...any) { fatalCalled = true }
		db := &fakeMigratorDB{}
		openDBFn = func(context.Context) (migratorDBCloser, error) { return db, nil }
		main()
		if fatalCalled || !db.closed {
			t.Fatalf("expected clean run, fatal=%v closed=%v", fatalCalled, db.closed)
		}
	})

	t.Run("db error", func(t *testing.T) {
		fatalCalled := false
		logFatalf = func(string, ...any) { fatalCalled = true }
		openDBFn = func(context.Context) (migratorDBCloser, error) { return nil, errors.New("refused") }
		main()
		if !fatalCalled {
			t.Fatal("logFatalf should be called on db error")
		}
	})

	t.Run("migration error", func(t *testing.T) {
		fatalCalled := false
		logFatalf = func(string, ...any) { fatalCalled = true }
		openDBFn = func(context.Context) (migratorDBCloser, error) {
			return &fakeMigratorDB{execFn: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
				return pgconn.CommandTag{}, errors.New("exec failed")
			}}, nil
		}
		main()
		if !fatalCalled {
			t.Fatal("logFatalf should be called on migration error")
		}
	})
}
