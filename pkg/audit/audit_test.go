package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeAuditDB struct {
	execErr  error
	queryErr error
	execSQL  string
	execArgs []any
	rows     [][]any
}

func (f *fakeAuditDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execSQL = sql
	f.execArgs = append([]any(nil), args...)
	return pgconn.NewCommandTag("INSERT 0 1"), f.execErr
}

func (f *fakeAuditDB) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return &fakeRows{rows: f.rows, idx: -1}, nil
}

type fakeRows struct {
	pgx.Rows
	rows [][]any
	idx  int
}

func (r *fakeRows) Next() bool { r.idx++; return r.idx < len(r.rows) }
func (r *fakeRows) Err() error { return nil }
func (r *fakeRows) Close()     {}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.rows[r.idx]
	if len(dest) != len(row) {
		return fmt.Errorf("scan arity mismatch: got=%d want=%d", len(dest), len(row))
	}
	for i := range dest {
		switch d := dest[i].(type) {
		case *string:
			*d = row[i].(string)
		case *time.Time:
			*d = row[i].(time.Time)
		default:
			return fmt.Errorf("unsupported dest %T", dest[i])
		}
	}
	return nil
}

func TestAppendInsertsOnly(t *testing.T) {
	db := &fakeAuditDB{}
	w := &Writer{DB: db}
	ts := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	err := w.Append(context.Background(), Entry{OrderID: "o-1", Status: "shipped", Actor: "shipping", ActorAddr: "10.0.0.1", Notes: "label 1Z", Timestamp: ts})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if !strings.Contains(db.execSQL, "INSERT INTO order_status_history") {
		t.Fatalf("expected insert, got %s", db.execSQL)
	}
	if db.execArgs[0] != "o-1" || db.execArgs[1] != "shipped" || db.execArgs[3] != "10.0.0.1" || db.execArgs[5] != ts {
		t.Fatalf("unexpected args %#v", db.execArgs)
	}
}

func TestAppendDefaultsTimestamp(t *testing.T) {
	db := &fakeAuditDB{}
	w := &Writer{DB: db}
	if err := w.Append(context.Background(), Entry{OrderID: "o-1", Status: "created"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if ts, ok := db.execArgs[5].(time.Time); !ok || ts.IsZero() {
		t.Fatalf("expected timestamp filled, got %#v", db.execArgs[5])
	}
}

func TestAppendRedactsAddress(t *testing.T) {
	db := &fakeAuditDB{}
	w := &Writer{DB: db, Redact: true, HashSalt: []byte("pepper")}
	_ = w.Append(context.Background(), Entry{OrderID: "o-1", Status: "received", Actor: "admin", ActorAddr: "203.0.113.4"})
	got := db.execArgs[3].(string)
	if got == "203.0.113.4" || len(got) != 64 {
		t.Fatalf("expected hashed address, got %q", got)
	}
	if got != hashString("203.0.113.4", []byte("pepper")) {
		t.Fatal("expected salted hash")
	}
	if db.execArgs[2] != "admin" {
		t.Fatalf("expected actor role kept, got %#v", db.execArgs[2])
	}
}

func TestAppendError(t *testing.T) {
	w := &Writer{DB: &fakeAuditDB{execErr: errors.New("conn reset")}}
	if err := w.Append(context.Background(), Entry{OrderID: "o-9"}); err == nil || !strings.Contains(err.Error(), "o-9") {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestList(t *testing.T) {
	ts := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	db := &fakeAuditDB{rows: [][]any{
		{"o-1", "created", "wallet", "", "", ts},
		{"o-1", "shipped", "shipping", "", "label", ts.Add(time.Hour)},
	}}
	w := &Writer{DB: db}
	got, err := w.List(context.Background(), "o-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[1].Status != "shipped" || got[1].Notes != "label" {
		t.Fatalf("unexpected entries %+v", got)
	}
	if _, err := (&Writer{DB: &fakeAuditDB{queryErr: errors.New("down")}}).List(context.Background(), "o-1"); err == nil {
		t.Fatal("expected query error surfaced")
	}
}

func TestWithTxDoesNotMutateParent(t *testing.T) {
	parent := &fakeAuditDB{}
	tx := &fakeAuditDB{}
	w := &Writer{DB: parent, Redact: true}
	bound := w.WithTx(tx)
	_ = bound.Append(context.Background(), Entry{OrderID: "o-1"})
	if parent.execSQL != "" || tx.execSQL == "" {
		t.Fatal("expected append to go through tx only")
	}
	if !bound.Redact {
		t.Fatal("expected settings preserved")
	}
}
