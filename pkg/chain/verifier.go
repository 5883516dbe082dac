package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"refit/pkg/apperr"
	"refit/pkg/telemetry"
)

// Verification failure reasons, surfaced as apperr codes.
const (
	ReasonInvalidRequest     = "invalid_request"
	ReasonNotFound           = "not_found"
	ReasonTransactionFailed  = "transaction_failed"
	ReasonNotConfirmed       = "not_confirmed"
	ReasonNoCustodyTransfer  = "no_custody_transfer"
	ReasonWrongAsset         = "wrong_asset"
	ReasonAmountMismatch     = "amount_mismatch"
	ReasonUnauthorizedSender = "unauthorized_sender"
)

// Asset identifies what a deposit must be paid in. A zero Mint means native
// SOL.
type Asset struct {
	Symbol   string
	Mint     solana.PublicKey
	Decimals uint8
}

func (a Asset) Native() bool { return a.Mint.IsZero() }

var SOL = Asset{Symbol: "SOL", Decimals: 9}

// FromUnits converts a raw ledger amount to a decimal in asset units.
func (a Asset) FromUnits(raw uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(raw), -int32(a.Decimals))
}

type Deposit struct {
	TxSignature    string
	ExpectedAmount decimal.Decimal
	SenderWallet   string
}

type Result struct {
	TxSignature  string          `json:"txSignature"`
	Verified     bool            `json:"verified"`
	Amount       decimal.Decimal `json:"amount"`
	VaultAddress string          `json:"vaultAddress"`
	SenderWallet string          `json:"senderWallet"`
	Reason       string          `json:"reason,omitempty"`
}

// Verifier checks deposits against a fixed custody address and asset; the
// caller never chooses where funds should have gone.
type Verifier struct {
	Ledger    Ledger
	Custody   solana.PublicKey
	Asset     Asset
	Tolerance decimal.Decimal
	Timeout   time.Duration
	// OnResult observes every outcome ("verified" or a reason code).
	OnResult func(outcome string)
}

func DefaultTolerance() decimal.Decimal { return decimal.RequireFromString("0.01") }

func (v *Verifier) VerifyDeposit(ctx context.Context, d Deposit) (Result, error) {
	res := Result{TxSignature: d.TxSignature, VaultAddress: v.Custody.String(), SenderWallet: d.SenderWallet}
	ctx, span := telemetry.Start(ctx, "chain.verify_deposit", attribute.String("tx.signature", d.TxSignature))
	amount, err := v.verify(ctx, d)
	telemetry.End(span, err)
	outcome := "verified"
	if err != nil {
		if e, ok := apperr.As(err); ok && e.Kind == apperr.KindVerification {
			res.Reason = e.Code
			outcome = e.Code
		} else {
			outcome = "error"
		}
	} else {
		res.Verified = true
		res.Amount = amount
	}
	if v.OnResult != nil {
		v.OnResult(outcome)
	}
	return res, err
}

func (v *Verifier) verify(ctx context.Context, d Deposit) (decimal.Decimal, error) {
	sig, err := solana.SignatureFromBase58(d.TxSignature)
	if err != nil {
		return decimal.Zero, apperr.Verification(ReasonInvalidRequest, "transaction signature is not valid base58")
	}
	sender, err := solana.PublicKeyFromBase58(d.SenderWallet)
	if err != nil {
		return decimal.Zero, apperr.Verification(ReasonInvalidRequest, "sender wallet is not a valid address")
	}
	if !d.ExpectedAmount.IsPositive() {
		return decimal.Zero, apperr.Verification(ReasonInvalidRequest, "expected amount must be positive")
	}
	if v.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.Timeout)
		defer cancel()
	}

	tx, err := v.Ledger.Transaction(ctx, sig)
	if err != nil {
		return decimal.Zero, ledgerError(err, ReasonNotFound, "transaction not found on ledger")
	}
	if tx.Failed {
		return decimal.Zero, apperr.Verification(ReasonTransactionFailed, "transaction failed on ledger: "+tx.FailReason)
	}
	status, err := v.Ledger.SignatureStatus(ctx, sig)
	if err != nil {
		return decimal.Zero, ledgerError(err, ReasonNotConfirmed, "transaction status unavailable")
	}
	if status.Err != "" {
		return decimal.Zero, apperr.Verification(ReasonTransactionFailed, "transaction failed on ledger: "+status.Err)
	}
	if !status.Found || status.Commitment != CommitmentFinalized {
		return decimal.Zero, apperr.Verification(ReasonNotConfirmed, "transaction is not finalized yet")
	}

	var custodyTransfers, matching []Transfer
	for _, t := range ExtractTransfers(tx) {
		if v.toCustody(t) {
			custodyTransfers = append(custodyTransfers, t)
			if v.rightAsset(t) {
				matching = append(matching, t)
			}
		}
	}
	if len(custodyTransfers) == 0 {
		return decimal.Zero, apperr.Verification(ReasonNoCustodyTransfer, "no transfer to the custody address")
	}
	if len(matching) == 0 {
		return decimal.Zero, apperr.Verification(ReasonWrongAsset, "transfer to custody used a different asset")
	}

	// Summed as decimals: several large transfers can exceed uint64.
	got := decimal.Zero
	for _, t := range matching {
		got = got.Add(v.Asset.FromUnits(t.Amount))
	}
	if !WithinTolerance(got, d.ExpectedAmount, v.tolerance()) {
		return got, apperr.Verification(ReasonAmountMismatch,
			fmt.Sprintf("deposited %s %s, expected %s", got.String(), v.Asset.Symbol, d.ExpectedAmount.String()))
	}
	if !tx.SignedBy(sender) {
		return got, apperr.Verification(ReasonUnauthorizedSender, "claimed sender did not sign the transaction")
	}
	return got, nil
}

func (v *Verifier) tolerance() decimal.Decimal {
	if v.Tolerance.IsNegative() || v.Tolerance.IsZero() {
		return DefaultTolerance()
	}
	return v.Tolerance
}

func (v *Verifier) toCustody(t Transfer) bool {
	if t.Native() {
		return t.Destination.Equals(v.Custody)
	}
	if t.Destination.Equals(v.Custody) || t.DestinationOwner.Equals(v.Custody) {
		return true
	}
	if t.Mint.IsZero() {
		return false
	}
	ata, _, err := solana.FindAssociatedTokenAddress(v.Custody, t.Mint)
	return err == nil && t.Destination.Equals(ata)
}

func (v *Verifier) rightAsset(t Transfer) bool {
	if v.Asset.Native() {
		return t.Native()
	}
	return !t.Native() && t.Mint.Equals(v.Asset.Mint)
}

// WithinTolerance reports |got-want| <= want*tol.
func WithinTolerance(got, want, tol decimal.Decimal) bool {
	return got.Sub(want).Abs().LessThanOrEqual(want.Mul(tol))
}

// ledgerError maps ledger failures. Absence maps to reason; a caller
// deadline maps to not_confirmed; anything else is a retryable upstream
// failure. None of them is ever a success.
func ledgerError(err error, reason, msg string) error {
	switch {
	case errors.Is(err, ErrTxNotFound):
		return apperr.Verification(reason, msg)
	case errors.Is(err, context.DeadlineExceeded):
		return apperr.Verification(ReasonNotConfirmed, "ledger did not answer before the deadline")
	}
	return apperr.Upstream("ledger unavailable", err)
}
