package order

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"refit/pkg/audit"
	"refit/pkg/orderfsm"
)

type orderDB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresDB is the pool surface shared by the repository and the history
// writer. *pgxpool.Pool satisfies it.
type PostgresDB interface {
	orderDB
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresRepository stores orders in the orders table. Each mutation runs
// the conditional UPDATE and the history INSERT in one transaction.
type PostgresRepository struct {
	DB      orderDB
	History *audit.Writer
}

func NewPostgresRepository(db orderDB, history *audit.Writer) *PostgresRepository {
	return &PostgresRepository{DB: db, History: history}
}

const uniqueViolation = "23505"

func (r *PostgresRepository) Insert(ctx context.Context, o *Order, entry audit.Entry) error {
	tx, err := r.DB.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin insert order: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var sol *string
	if o.Quote.SOLPrice != nil {
		s := o.Quote.SOLPrice.String()
		sol = &s
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO orders (id, wallet_address, model_id, storage_tier, carrier_tier,
			quote_id, condition_grade, usd_price, sol_price, status, payment_status,
			deposit_verified, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8::numeric,$9::numeric,$10,$11,false,$12,$12)
	`, o.ID, o.WalletAddress, o.Device.ModelID, o.Device.StorageTier, o.Device.CarrierTier,
		o.Quote.QuoteID, o.Quote.ConditionGrade, o.Quote.USDPrice.String(), sol,
		string(o.Status), string(o.PaymentStatus), o.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert order %s: %w", o.ID, err)
	}
	if err := r.History.WithTx(tx).Append(ctx, entry); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*Order, error) {
	var (
		o                          Order
		status, payment            string
		usd                        string
		sol, paidAmount            *string
		condition, txHash, deposit *string
	)
	err := r.DB.QueryRow(ctx, `
		SELECT id, wallet_address, model_id, storage_tier, carrier_tier, quote_id,
			condition_grade, usd_price::text, sol_price::text, status, inspection_condition,
			inspection_approved, payment_status, payment_tx_hash, payment_amount::text,
			deposit_tx_signature, deposit_verified, created_at, updated_at
		FROM orders WHERE id=$1
	`, id).Scan(&o.ID, &o.WalletAddress, &o.Device.ModelID, &o.Device.StorageTier, &o.Device.CarrierTier,
		&o.Quote.QuoteID, &o.Quote.ConditionGrade, &usd, &sol, &status, &condition,
		&o.InspectionApproved, &payment, &txHash, &paidAmount,
		&deposit, &o.DepositVerified, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load order %s: %w", id, err)
	}
	o.Status = orderfsm.Status(status)
	o.PaymentStatus = orderfsm.PaymentStatus(payment)
	if o.Quote.USDPrice, err = decimal.NewFromString(usd); err != nil {
		return nil, fmt.Errorf("order %s usd price: %w", id, err)
	}
	if o.Quote.SOLPrice, err = optionalDecimal(sol); err != nil {
		return nil, fmt.Errorf("order %s sol price: %w", id, err)
	}
	if o.PaymentAmount, err = optionalDecimal(paidAmount); err != nil {
		return nil, fmt.Errorf("order %s payment amount: %w", id, err)
	}
	o.InspectionCondition = deref(condition)
	o.PaymentTxHash = deref(txHash)
	o.DepositTxSignature = deref(deposit)

	if o.History, err = r.History.List(ctx, id); err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *PostgresRepository) Update(ctx context.Context, id string, expect Expect, patch Patch, entry *audit.Entry) (bool, error) {
	query, args := updateSQL(id, expect, patch, time.Now().UTC())
	tx, err := r.DB.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin update order: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return false, ErrDepositReused
		}
		return false, fmt.Errorf("update order %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id=$1)`, id).Scan(&exists); err != nil {
			return false, fmt.Errorf("lookup order %s: %w", id, err)
		}
		if !exists {
			return false, ErrNotFound
		}
		return false, nil
	}
	if entry != nil {
		if err := r.History.WithTx(tx).Append(ctx, *entry); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit order %s: %w", id, err)
	}
	return true, nil
}

// updateSQL renders the conditional UPDATE for a patch. $1 is always the
// order id.
func updateSQL(id string, expect Expect, patch Patch, now time.Time) (string, []any) {
	args := []any{id}
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	set := []string{"updated_at=" + arg(now)}
	if patch.Status != nil {
		set = append(set, "status="+arg(string(*patch.Status)))
	}
	if patch.PaymentStatus != nil {
		set = append(set, "payment_status="+arg(string(*patch.PaymentStatus)))
	}
	if patch.InspectionCondition != nil {
		set = append(set, "inspection_condition="+arg(*patch.InspectionCondition))
	}
	if patch.InspectionApproved != nil {
		set = append(set, "inspection_approved="+arg(*patch.InspectionApproved))
	}
	if patch.PaymentTxHash != nil {
		set = append(set, "payment_tx_hash="+arg(*patch.PaymentTxHash))
	}
	if patch.PaymentAmount != nil {
		set = append(set, "payment_amount="+arg(patch.PaymentAmount.String())+"::numeric")
	}
	if patch.DepositTxSignature != nil {
		set = append(set, "deposit_tx_signature="+arg(*patch.DepositTxSignature))
	}
	if patch.DepositVerified != nil {
		set = append(set, "deposit_verified="+arg(*patch.DepositVerified))
	}

	where := []string{"id=$1"}
	if len(expect.Status) > 0 {
		vals := make([]string, len(expect.Status))
		for i, s := range expect.Status {
			vals[i] = string(s)
		}
		where = append(where, "status = ANY("+arg(vals)+")")
	}
	if len(expect.PaymentStatus) > 0 {
		vals := make([]string, len(expect.PaymentStatus))
		for i, s := range expect.PaymentStatus {
			vals[i] = string(s)
		}
		where = append(where, "payment_status = ANY("+arg(vals)+")")
	}
	if expect.Approved {
		where = append(where, "inspection_approved IS TRUE")
	}
	return "UPDATE orders SET " + strings.Join(set, ", ") + " WHERE " + strings.Join(where, " AND "), args
}

func optionalDecimal(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
