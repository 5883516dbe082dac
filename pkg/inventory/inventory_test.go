package inventory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"refit/pkg/eventbus"
	"refit/pkg/order"
)

type fakeDB struct {
	mu   sync.Mutex
	seen map[string]bool
	args [][]any
	err  error
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return pgconn.CommandTag{}, f.err
	}
	if !strings.Contains(sql, "ON CONFLICT (order_id) DO NOTHING") {
		return pgconn.CommandTag{}, errors.New("insert must be idempotent")
	}
	f.args = append(f.args, args)
	id := args[0].(string)
	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	if f.seen[id] {
		return pgconn.NewCommandTag("INSERT 0 0"), nil
	}
	f.seen[id] = true
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func settled(id string) order.Settled {
	return order.Settled{
		OrderID:        id,
		WalletAddress:  "wallet",
		Device:         order.Device{ModelID: "pixel-8", StorageTier: "256gb", CarrierTier: "unlocked"},
		ConditionGrade: "good",
		Amount:         decimal.RequireFromString("312.5"),
		TxSignature:    "sig-" + id,
		SettledAt:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestRecordIsIdempotent(t *testing.T) {
	db := &fakeDB{}
	r := &Recorder{DB: db}

	inserted, err := r.Record(context.Background(), settled("o-1"))
	if err != nil || !inserted {
		t.Fatalf("first record: inserted=%v err=%v", inserted, err)
	}
	inserted, err = r.Record(context.Background(), settled("o-1"))
	if err != nil || inserted {
		t.Fatalf("replay should be ignored: inserted=%v err=%v", inserted, err)
	}
	if got := db.args[0][5]; got != "312.5" {
		t.Fatalf("expected decimal price passed as text, got %v", got)
	}
}

func TestRecordValidatesAndWrapsErrors(t *testing.T) {
	r := &Recorder{DB: &fakeDB{}}
	if _, err := r.Record(context.Background(), order.Settled{OrderID: "o-1"}); err == nil {
		t.Fatal("expected missing signature error")
	}
	r = &Recorder{DB: &fakeDB{err: errors.New("conn reset")}}
	if _, err := r.Record(context.Background(), settled("o-2")); err == nil || !strings.Contains(err.Error(), "o-2") {
		t.Fatalf("expected wrapped error naming the order, got %v", err)
	}
}

type scriptedConsumer struct {
	msgs   []eventbus.Message
	errs   []error
	cancel context.CancelFunc
}

func (c *scriptedConsumer) ReadMessage(ctx context.Context) (eventbus.Message, error) {
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		return eventbus.Message{}, err
	}
	if len(c.msgs) == 0 {
		c.cancel()
		<-ctx.Done()
		return eventbus.Message{}, ctx.Err()
	}
	m := c.msgs[0]
	c.msgs = c.msgs[1:]
	return m, nil
}

func (c *scriptedConsumer) Close() error { return nil }

func TestWorkerDrainsBusAndSkipsGarbage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	good, err := eventbus.SettledMessage(settled("o-7"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	consumer := &scriptedConsumer{
		errs:   []error{errors.New("broker hiccup")},
		msgs:   []eventbus.Message{{Key: []byte("x"), Value: []byte("{")}, good, good},
		cancel: cancel,
	}
	db := &fakeDB{}
	w := &Worker{Consumer: consumer, Recorder: &Recorder{DB: db}, Backoff: time.Millisecond}

	if err := w.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(db.args) != 2 {
		t.Fatalf("expected two insert attempts for the duplicated event, got %d", len(db.args))
	}
	if !db.seen["o-7"] {
		t.Fatal("expected o-7 recorded")
	}
}
