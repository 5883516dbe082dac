package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"refit/pkg/apperr"
	"refit/pkg/audit"
	"refit/pkg/chain"
	"refit/pkg/orderfsm"
	"refit/pkg/payout"
	"refit/pkg/quote"
	"refit/pkg/telemetry"
)

type QuoteVerifier interface {
	VerifyComplete(q quote.Quote, signature string) error
}

type DepositVerifier interface {
	VerifyDeposit(ctx context.Context, d chain.Deposit) (chain.Result, error)
}

type Payer interface {
	Payout(ctx context.Context, req payout.Request) (payout.Result, error)
}

type Service struct {
	Repo     Repository
	Quotes   QuoteVerifier
	Deposits DepositVerifier
	Payouts  Payer
	// Policy decides whether an inspected grade honors the quote.
	Policy orderfsm.ConditionPolicy
	// DepositInSOL makes deposits expected in the quote's SOL price rather
	// than its USD price.
	DepositInSOL bool

	OnEvent   func(Event)
	OnSettled func(Settled)

	now func() time.Time
}

type CreateRequest struct {
	Quote         quote.Quote
	Signature     string
	WalletAddress string
	Actor         Actor
}

type DepositClaim struct {
	TxSignature   string
	ClaimedAmount decimal.Decimal
	SenderWallet  string
}

func (s *Service) clock() time.Time {
	if s.now != nil {
		return s.now().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) entry(id string, status orderfsm.Status, actor Actor, notes string) audit.Entry {
	return audit.Entry{OrderID: id, Status: string(status), Actor: actor.ID, ActorAddr: actor.Addr, Notes: notes, Timestamp: s.clock()}
}

func (s *Service) Create(ctx context.Context, req CreateRequest) (*Order, error) {
	if err := s.Quotes.VerifyComplete(req.Quote, req.Signature); err != nil {
		return nil, err
	}
	wallet := strings.TrimSpace(req.WalletAddress)
	if wallet != "" {
		if _, err := solana.PublicKeyFromBase58(wallet); err != nil {
			return nil, apperr.Validation("invalid_wallet", "wallet address is not valid")
		}
	}
	now := s.clock()
	q := req.Quote
	o := &Order{
		ID:            uuid.NewString(),
		WalletAddress: wallet,
		Device:        Device{ModelID: q.ModelID, StorageTier: q.StorageTier, CarrierTier: q.CarrierTier},
		Quote:         QuoteRef{QuoteID: q.QuoteID, ConditionGrade: q.ConditionGrade, USDPrice: q.USDPrice, SOLPrice: q.SOLPrice},
		Status:        orderfsm.Created,
		PaymentStatus: orderfsm.PaymentNone,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	e := s.entry(o.ID, orderfsm.Created, req.Actor, "order created from quote "+q.QuoteID)
	if err := s.Repo.Insert(ctx, o, e); err != nil {
		return nil, apperr.Upstream("store order", err)
	}
	o.History = []audit.Entry{e}
	slog.Info("order created", "order_id", o.ID, "quote_id", q.QuoteID)
	s.publish(Event{OrderID: o.ID, To: orderfsm.Created, Actor: req.Actor.ID, Notes: e.Notes, At: now})
	return o, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	o, err := s.Repo.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.NotFound("order not found")
	}
	if err != nil {
		return nil, apperr.Upstream("load order", err)
	}
	return o, nil
}

// AdmitDeposit binds a verified on-chain deposit to the order. A rejected
// deposit is written to history before the verification error is
// returned; an accepted one only sets the deposit fields.
func (s *Service) AdmitDeposit(ctx context.Context, id string, claim DepositClaim, actor Actor) (*Order, chain.Result, error) {
	if strings.TrimSpace(claim.TxSignature) == "" || strings.TrimSpace(claim.SenderWallet) == "" {
		return nil, chain.Result{}, apperr.Validation("invalid_request", "txSignature and senderWallet are required")
	}
	if claim.ClaimedAmount.IsNegative() {
		return nil, chain.Result{}, apperr.Validation("invalid_request", "claimedAmount must not be negative")
	}
	o, err := s.Get(ctx, id)
	if err != nil {
		return nil, chain.Result{}, err
	}
	if orderfsm.IsTerminal(o.Status) {
		return nil, chain.Result{}, apperr.StateConflict("order is " + string(o.Status))
	}
	if o.DepositVerified {
		if o.DepositTxSignature == claim.TxSignature {
			return o, chain.Result{TxSignature: claim.TxSignature, Verified: true, SenderWallet: claim.SenderWallet}, nil
		}
		return nil, chain.Result{}, apperr.StateConflict("order already has a verified deposit")
	}

	expected := o.Quote.USDPrice
	if s.DepositInSOL {
		if o.Quote.SOLPrice == nil {
			return nil, chain.Result{}, apperr.Validation("invalid_request", "quote carries no SOL price")
		}
		expected = *o.Quote.SOLPrice
	}
	// The deposit must come from the wallet the order pays out to, so a
	// third party cannot credit (or squat on) someone else's order.
	sender := claim.SenderWallet
	if o.WalletAddress != "" {
		sender = o.WalletAddress
	}
	var (
		res  chain.Result
		verr error
	)
	if sender != claim.SenderWallet {
		res = chain.Result{TxSignature: claim.TxSignature, SenderWallet: claim.SenderWallet, Reason: chain.ReasonUnauthorizedSender}
		verr = apperr.Verification(chain.ReasonUnauthorizedSender, "deposit sender is not the order wallet")
	} else {
		res, verr = s.Deposits.VerifyDeposit(ctx, chain.Deposit{TxSignature: claim.TxSignature, ExpectedAmount: expected, SenderWallet: sender})
	}
	if verr != nil {
		if apperr.IsKind(verr, apperr.KindVerification) {
			e := s.entry(id, o.Status, actor, fmt.Sprintf("deposit %s rejected: %s", claim.TxSignature, res.Reason))
			if _, err := s.Repo.Update(ctx, id, Expect{}, Patch{}, &e); err != nil {
				return nil, res, errors.Join(verr, apperr.Upstream("record deposit failure", err))
			}
			slog.Warn("deposit rejected", "order_id", id, "tx_signature", claim.TxSignature, "reason", res.Reason)
			s.publish(Event{OrderID: id, From: o.Status, To: o.Status, Actor: actor.ID, Notes: e.Notes, At: e.Timestamp})
		}
		return nil, res, verr
	}

	sig, verified := claim.TxSignature, true
	ok, err := s.Repo.Update(ctx, id, Expect{Status: nonTerminal()}, Patch{DepositTxSignature: &sig, DepositVerified: &verified}, nil)
	if errors.Is(err, ErrDepositReused) {
		return nil, res, apperr.StateConflict(err.Error())
	}
	if err != nil {
		return nil, res, apperr.Upstream("record deposit", err)
	}
	if !ok {
		return nil, res, apperr.StateConflict("order changed while verifying deposit")
	}
	slog.Info("deposit verified", "order_id", id, "tx_signature", sig, "amount", res.Amount.String())
	o, err = s.Get(ctx, id)
	return o, res, err
}

func (s *Service) MarkPendingShipment(ctx context.Context, id string, actor Actor, notes string) (*Order, error) {
	return s.advance(ctx, id, orderfsm.EventAwaitShipment, Expect{}, Patch{}, actor, notes)
}

func (s *Service) MarkShipped(ctx context.Context, id string, actor Actor, notes string) (*Order, error) {
	return s.advance(ctx, id, orderfsm.EventShip, Expect{}, Patch{}, actor, notes)
}

func (s *Service) MarkReceived(ctx context.Context, id string, actor Actor, notes string) (*Order, error) {
	return s.advance(ctx, id, orderfsm.EventReceive, Expect{}, Patch{}, actor, notes)
}

// MarkInspected records the inspected grade; the order is auto-approved
// when the grade satisfies the policy against the quoted grade.
func (s *Service) MarkInspected(ctx context.Context, id, condition string, actor Actor, notes string) (*Order, error) {
	condition = strings.ToLower(strings.TrimSpace(condition))
	if quote.GradeRank(condition) == 0 {
		return nil, apperr.Validation("invalid_condition", "unknown condition grade")
	}
	o, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	policy := s.Policy
	if policy == "" {
		policy = orderfsm.PolicyExact
	}
	approved := policy.Approves(o.Quote.ConditionGrade, condition)
	note := fmt.Sprintf("condition %s (quoted %s), approved=%t", condition, o.Quote.ConditionGrade, approved)
	if notes != "" {
		note += ": " + notes
	}
	return s.advanceFrom(ctx, o, orderfsm.EventInspect, Expect{}, Patch{InspectionCondition: &condition, InspectionApproved: &approved}, actor, note)
}

// ApprovePayment is the manual override for an inspection that did not
// auto-approve.
func (s *Service) ApprovePayment(ctx context.Context, id string, actor Actor, notes string) (*Order, error) {
	o, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Status != orderfsm.Inspected {
		return nil, apperr.StateConflict("order must be inspected before approval, is " + string(o.Status))
	}
	if o.PaymentStatus == orderfsm.PaymentProcessing || o.PaymentStatus == orderfsm.PaymentCompleted {
		return nil, apperr.StateConflict("payment already " + string(o.PaymentStatus))
	}
	approved := true
	note := "payment approved"
	if notes != "" {
		note += ": " + notes
	}
	e := s.entry(id, orderfsm.Inspected, actor, note)
	ok, err := s.Repo.Update(ctx, id,
		Expect{Status: []orderfsm.Status{orderfsm.Inspected}, PaymentStatus: retryable()},
		Patch{InspectionApproved: &approved}, &e)
	if err != nil {
		return nil, apperr.Upstream("approve payment", err)
	}
	if !ok {
		return nil, apperr.StateConflict("order changed concurrently")
	}
	s.publish(Event{OrderID: id, From: o.Status, To: o.Status, Actor: actor.ID, Notes: note, At: e.Timestamp})
	return s.Get(ctx, id)
}

// Reject is terminal. It is refused while a payout is in flight.
func (s *Service) Reject(ctx context.Context, id string, actor Actor, reason string) (*Order, error) {
	o, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.PaymentStatus == orderfsm.PaymentProcessing {
		return nil, apperr.StateConflict("payment is processing")
	}
	note := "rejected"
	if reason != "" {
		note += ": " + reason
	}
	return s.advanceFrom(ctx, o, orderfsm.EventReject, Expect{PaymentStatus: retryable()}, Patch{}, actor, note)
}

// Pay claims the order for payout, sends it, and records the outcome. Only
// one caller can hold the claim; the rest get a state conflict.
func (s *Service) Pay(ctx context.Context, id string, actor Actor) (o *Order, res payout.Result, err error) {
	ctx, span := telemetry.Start(ctx, "order.pay", attribute.String("order.id", id))
	defer func() {
		span.SetAttributes(attribute.String("payout.signature", res.Signature))
		telemetry.End(span, err)
	}()
	return s.pay(ctx, id, actor)
}

func (s *Service) pay(ctx context.Context, id string, actor Actor) (*Order, payout.Result, error) {
	o, err := s.Get(ctx, id)
	if err != nil {
		return nil, payout.Result{}, err
	}
	if o.WalletAddress == "" {
		return nil, payout.Result{}, apperr.Validation("wallet_missing", "order has no payout wallet")
	}
	if !orderfsm.Payable(o.Status, o.Approved(), o.PaymentStatus) {
		return nil, payout.Result{}, apperr.StateConflict(fmt.Sprintf("order not payable (status=%s approved=%t payment=%q)", o.Status, o.Approved(), o.PaymentStatus))
	}
	// Resolved before the claim so no funds move for a transition the table
	// would refuse.
	completed, err := orderfsm.Next(o.Status, orderfsm.EventPay)
	if err != nil {
		return nil, payout.Result{}, apperr.StateConflict(fmt.Sprintf("cannot pay order in status %s", o.Status))
	}
	processing := orderfsm.PaymentProcessing
	claimed, err := s.Repo.Update(ctx, id,
		Expect{Status: []orderfsm.Status{o.Status}, PaymentStatus: retryable(), Approved: true},
		Patch{PaymentStatus: &processing}, nil)
	if err != nil {
		return nil, payout.Result{}, apperr.Upstream("claim payout", err)
	}
	if !claimed {
		return nil, payout.Result{}, apperr.StateConflict("payout already claimed")
	}

	var res payout.Result
	execute := func(ctx context.Context) error {
		var err error
		res, err = s.Payouts.Payout(ctx, payout.Request{OrderID: id, Destination: o.WalletAddress, AmountUSD: o.Quote.USDPrice})
		return err
	}
	compensate := func(ctx context.Context, cause error) error {
		return s.recordPayoutFailure(ctx, o, actor, res, cause)
	}
	if err := orderfsm.ExecuteWithCompensation(ctx, execute, compensate); err != nil {
		return nil, res, err
	}

	paid := orderfsm.PaymentCompleted
	amount := res.Amount
	note := "payout " + res.Signature
	e := s.entry(id, completed, actor, note)
	ok, err := s.Repo.Update(ctx, id,
		Expect{Status: []orderfsm.Status{o.Status}, PaymentStatus: []orderfsm.PaymentStatus{orderfsm.PaymentProcessing}},
		Patch{Status: &completed, PaymentStatus: &paid, PaymentTxHash: &res.Signature, PaymentAmount: &amount}, &e)
	if err != nil || !ok {
		// Funds moved; the order stays processing for reconciliation.
		slog.Error("payout sent but not recorded", "order_id", id, "tx_signature", res.Signature, "err", err)
		if err == nil {
			err = errors.New("order changed during payout")
		}
		return nil, res, apperr.Upstream("record payout "+res.Signature, err)
	}
	slog.Info("order paid", "order_id", id, "tx_signature", res.Signature, "amount", amount.String())
	s.publish(Event{OrderID: id, From: o.Status, To: completed, Actor: actor.ID, Notes: note, At: e.Timestamp})
	if s.OnSettled != nil {
		settled := Settled{
			OrderID:        id,
			WalletAddress:  o.WalletAddress,
			Device:         o.Device,
			ConditionGrade: o.InspectionCondition,
			Amount:         amount,
			TxSignature:    res.Signature,
			SettledAt:      e.Timestamp,
		}
		go s.OnSettled(settled)
	}
	final, err := s.Get(ctx, id)
	return final, res, err
}

// recordPayoutFailure decides what a failed payout leaves behind. A
// definite failure makes the order payable again; an unknown outcome keeps
// it processing so it is never paid twice.
func (s *Service) recordPayoutFailure(ctx context.Context, o *Order, actor Actor, res payout.Result, cause error) error {
	// Detached from the request so a cancelled caller cannot leave the
	// order stuck in processing.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	processingOnly := Expect{Status: []orderfsm.Status{orderfsm.Inspected}, PaymentStatus: []orderfsm.PaymentStatus{orderfsm.PaymentProcessing}}

	switch {
	case res.Pending:
		e := s.entry(o.ID, orderfsm.Inspected, actor, "payout outcome unknown, reconcile "+res.Signature+": "+cause.Error())
		slog.Error("payout outcome unknown", "order_id", o.ID, "tx_signature", res.Signature, "err", cause)
		_, err := s.Repo.Update(ctx, o.ID, processingOnly, Patch{}, &e)
		return err
	case apperr.IsKind(cause, apperr.KindUpstreamUnavailable) && res.Signature == "":
		// Nothing was submitted; release the claim without a history entry.
		prev := o.PaymentStatus
		_, err := s.Repo.Update(ctx, o.ID, processingOnly, Patch{PaymentStatus: &prev}, nil)
		return err
	default:
		failed := orderfsm.PaymentFailedSt
		e := s.entry(o.ID, orderfsm.PaymentFailed, actor, "payout failed: "+cause.Error())
		slog.Warn("payout failed", "order_id", o.ID, "tx_signature", res.Signature, "err", cause)
		_, err := s.Repo.Update(ctx, o.ID, processingOnly, Patch{PaymentStatus: &failed}, &e)
		if err == nil {
			s.publish(Event{OrderID: o.ID, From: orderfsm.Inspected, To: orderfsm.PaymentFailed, Actor: actor.ID, Notes: e.Notes, At: e.Timestamp})
		}
		return err
	}
}

func (s *Service) advance(ctx context.Context, id string, ev orderfsm.Event, expect Expect, patch Patch, actor Actor, notes string) (*Order, error) {
	o, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.advanceFrom(ctx, o, ev, expect, patch, actor, notes)
}

// advanceFrom moves o by ev. The update is conditioned on the status o was
// read in, so a concurrent transition makes this one fail.
func (s *Service) advanceFrom(ctx context.Context, o *Order, ev orderfsm.Event, expect Expect, patch Patch, actor Actor, notes string) (*Order, error) {
	to, err := orderfsm.Next(o.Status, ev)
	if err != nil {
		return nil, apperr.StateConflict(fmt.Sprintf("cannot %s an order that is %s", ev, o.Status))
	}
	expect.Status = []orderfsm.Status{o.Status}
	patch.Status = &to
	if notes == "" {
		notes = string(o.Status) + " -> " + string(to)
	}
	e := s.entry(o.ID, to, actor, notes)
	ok, err := s.Repo.Update(ctx, o.ID, expect, patch, &e)
	if err != nil {
		return nil, apperr.Upstream("update order", err)
	}
	if !ok {
		return nil, apperr.StateConflict("order changed concurrently")
	}
	slog.Info("order transitioned", "order_id", o.ID, "from", string(o.Status), "to", string(to), "actor", actor.ID)
	s.publish(Event{OrderID: o.ID, From: o.Status, To: to, Actor: actor.ID, Notes: notes, At: e.Timestamp})
	return s.Get(ctx, o.ID)
}

func (s *Service) publish(ev Event) {
	if s.OnEvent != nil {
		s.OnEvent(ev)
	}
}

func nonTerminal() []orderfsm.Status {
	return []orderfsm.Status{orderfsm.Created, orderfsm.PendingShipment, orderfsm.Shipped, orderfsm.Received, orderfsm.Inspected}
}

func retryable() []orderfsm.PaymentStatus {
	return []orderfsm.PaymentStatus{orderfsm.PaymentNone, orderfsm.PaymentFailedSt}
}
