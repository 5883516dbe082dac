// Package inventory records devices acquired through completed payouts.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"refit/pkg/eventbus"
	"refit/pkg/order"
)

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Recorder writes one inventory row per settled order. Replays of the same
// order are ignored.
type Recorder struct {
	DB execer
}

func (r *Recorder) Record(ctx context.Context, s order.Settled) (bool, error) {
	if s.OrderID == "" || s.TxSignature == "" {
		return false, fmt.Errorf("inventory: order id and payout signature required")
	}
	at := s.SettledAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	tag, err := r.DB.Exec(ctx, `
		INSERT INTO inventory_items (order_id, model_id, storage_tier, carrier_tier,
			condition_grade, acquired_price, payout_tx_signature, acquired_at)
		VALUES ($1,$2,$3,$4,$5,$6::numeric,$7,$8)
		ON CONFLICT (order_id) DO NOTHING
	`, s.OrderID, s.Device.ModelID, s.Device.StorageTier, s.Device.CarrierTier,
		s.ConditionGrade, s.Amount.String(), s.TxSignature, at)
	if err != nil {
		return false, fmt.Errorf("inventory insert %s: %w", s.OrderID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Worker drains settled events from the bus into the recorder until ctx is
// done. Undecodable messages are logged and skipped.
type Worker struct {
	Consumer eventbus.Consumer
	Recorder *Recorder
	Backoff  time.Duration
}

func (w *Worker) Run(ctx context.Context) error {
	backoff := w.Backoff
	if backoff <= 0 {
		backoff = time.Second
	}
	for {
		msg, err := w.Consumer.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			slog.Warn("inventory read failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			continue
		}
		if err := w.handle(ctx, msg); err != nil {
			slog.Error("inventory record failed", "key", string(msg.Key), "error", err)
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg eventbus.Message) error {
	s, err := eventbus.DecodeSettled(msg)
	if err != nil {
		return err
	}
	inserted, err := w.Recorder.Record(ctx, s)
	if err != nil {
		return err
	}
	slog.Info("inventory item recorded", "order_id", s.OrderID, "tx_signature", s.TxSignature, "new", inserted)
	return nil
}
