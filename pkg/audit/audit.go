// Package audit persists the append-only order status history.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Entry is one history row. Rows are only ever inserted.
type Entry struct {
	OrderID string `json:"-"`
	Status  string `json:"status"`
	Actor   string `json:"actor"`
	// ActorAddr is the client address behind Actor; hashed when redacting.
	ActorAddr string    `json:"actorAddr,omitempty"`
	Notes     string    `json:"notes,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

// WithTx returns a writer bound to tx so history rows commit together with
// the order mutation that produced them.
func (w *Writer) WithTx(tx auditDB) *Writer {
	cp := *w
	cp.DB = tx
	return &cp
}

func (w *Writer) Append(ctx context.Context, e Entry) error {
	if w.Redact {
		e = redactEntry(e, w.HashSalt)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO order_status_history (order_id, status, actor, actor_addr, notes, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, e.OrderID, e.Status, e.Actor, e.ActorAddr, e.Notes, e.Timestamp)
	if err != nil {
		return fmt.Errorf("append history for %s: %w", e.OrderID, err)
	}
	return nil
}

func (w *Writer) List(ctx context.Context, orderID string) ([]Entry, error) {
	rows, err := w.DB.Query(ctx, `
		SELECT order_id, status, actor, actor_addr, notes, created_at
		FROM order_status_history WHERE order_id=$1 ORDER BY id ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list history for %s: %w", orderID, err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.OrderID, &e.Status, &e.Actor, &e.ActorAddr, &e.Notes, &e.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
