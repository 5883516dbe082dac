// Package payout sends the outbound token transfer for an approved order.
package payout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/shopspring/decimal"

	"refit/pkg/apperr"
	"refit/pkg/chain"
)

const (
	DefaultTimeout   = 90 * time.Second
	DefaultPollEvery = 2 * time.Second
)

// Ledger is the write surface a payout needs. chain.RPCLedger satisfies it.
type Ledger interface {
	chain.StatusReader
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
	AccountExists(ctx context.Context, account solana.PublicKey) (bool, error)
	MintDecimals(ctx context.Context, mint solana.PublicKey) (uint8, error)
	Send(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
}

type Request struct {
	OrderID     string
	Destination string
	AmountUSD   decimal.Decimal
}

// Result describes a submitted payout. Pending is set when the transfer was
// submitted but finality was not observed before the deadline; the outcome
// is then unknown and Signature is what to reconcile against.
type Result struct {
	Signature   string          `json:"signature"`
	ExplorerURL string          `json:"explorerUrl"`
	Amount      decimal.Decimal `json:"amount"`
	Units       uint64          `json:"-"`
	Failed      bool            `json:"-"`
	Pending     bool            `json:"-"`
}

type Executor struct {
	Ledger  Ledger
	Custody solana.PrivateKey
	Mint    solana.PublicKey
	// Decimals is what the operator expects the mint to use. The payout is
	// refused when the ledger disagrees.
	Decimals uint8
	Cluster  string
	// PriorityFee in micro-lamports per compute unit; zero adds no budget
	// instructions.
	PriorityFee  uint64
	ComputeUnits uint32
	Timeout      time.Duration
	PollEvery    time.Duration
	OnResult     func(outcome string)
}

// ToUnits converts a USD amount to the mint's smallest unit, truncating
// anything below one unit.
func ToUnits(amount decimal.Decimal, decimals uint8) (uint64, error) {
	units := amount.Shift(int32(decimals)).Truncate(0)
	if !units.IsPositive() {
		return 0, fmt.Errorf("amount %s is below one unit", amount)
	}
	bi := units.BigInt()
	if !bi.IsUint64() {
		return 0, fmt.Errorf("amount %s overflows", amount)
	}
	return bi.Uint64(), nil
}

func (e *Executor) Payout(ctx context.Context, req Request) (Result, error) {
	res, err := e.payout(ctx, req)
	if e.OnResult != nil {
		switch {
		case err == nil:
			e.OnResult("completed")
		case res.Pending:
			e.OnResult("pending")
		case res.Failed:
			e.OnResult("failed")
		default:
			e.OnResult("error")
		}
	}
	return res, err
}

func (e *Executor) payout(ctx context.Context, req Request) (Result, error) {
	dest, err := solana.PublicKeyFromBase58(req.Destination)
	if err != nil {
		return Result{}, apperr.Validation("invalid_wallet", "destination wallet is not a valid address")
	}
	units, err := ToUnits(req.AmountUSD, e.Decimals)
	if err != nil {
		return Result{}, apperr.Validation("invalid_amount", err.Error())
	}
	res := Result{Amount: req.AmountUSD.Truncate(int32(e.Decimals)), Units: units}

	timeout := e.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	onChain, err := e.Ledger.MintDecimals(ctx, e.Mint)
	if err != nil {
		return res, apperr.Upstream("read payout mint", err)
	}
	if onChain != e.Decimals {
		return res, apperr.Settlement(fmt.Sprintf("mint uses %d decimals, configured %d", onChain, e.Decimals), nil)
	}

	tx, err := e.build(ctx, dest, units)
	if err != nil {
		return res, err
	}
	// The first signature is the transaction id; it is known before
	// submission so an ambiguous send can still be reconciled.
	sig := tx.Signatures[0]
	res.Signature = sig.String()
	res.ExplorerURL = chain.ExplorerURL(e.Cluster, res.Signature)

	if _, err := e.Ledger.Send(ctx, tx); err != nil {
		if errors.Is(err, chain.ErrNotSent) {
			return Result{Amount: res.Amount, Units: units}, apperr.Upstream("payout not submitted", err)
		}
		if errors.Is(err, chain.ErrRejected) {
			res.Failed = true
			return res, apperr.Settlement("payout rejected by ledger", err)
		}
		res.Pending = true
		return res, apperr.Upstream("payout submitted, outcome unknown: "+res.Signature, err)
	}

	st, err := chain.WaitFinalized(ctx, e.Ledger, sig, e.PollEvery)
	if err != nil {
		res.Pending = true
		return res, apperr.Upstream("payout not finalized before deadline: "+res.Signature, err)
	}
	if st.Err != "" {
		res.Failed = true
		return res, apperr.Settlement("payout failed on ledger: "+st.Err, nil)
	}
	return res, nil
}

func (e *Executor) build(ctx context.Context, dest solana.PublicKey, units uint64) (*solana.Transaction, error) {
	payer := e.Custody.PublicKey()
	srcATA, _, err := solana.FindAssociatedTokenAddress(payer, e.Mint)
	if err != nil {
		return nil, fmt.Errorf("derive custody token account: %w", err)
	}
	dstATA, _, err := solana.FindAssociatedTokenAddress(dest, e.Mint)
	if err != nil {
		return nil, apperr.Validation("invalid_wallet", "cannot derive destination token account")
	}

	var ixs []solana.Instruction
	if e.PriorityFee > 0 {
		cu := e.ComputeUnits
		if cu == 0 {
			cu = 40_000
		}
		limit, err := computebudget.NewSetComputeUnitLimitInstructionBuilder().SetUnits(cu).ValidateAndBuild()
		if err != nil {
			return nil, fmt.Errorf("build compute limit: %w", err)
		}
		price, err := computebudget.NewSetComputeUnitPriceInstructionBuilder().SetMicroLamports(e.PriorityFee).ValidateAndBuild()
		if err != nil {
			return nil, fmt.Errorf("build compute price: %w", err)
		}
		ixs = append(ixs, limit, price)
	}

	exists, err := e.Ledger.AccountExists(ctx, dstATA)
	if err != nil {
		return nil, apperr.Upstream("check destination token account", err)
	}
	if !exists {
		ixs = append(ixs, associatedtokenaccount.NewCreateInstruction(payer, dest, e.Mint).Build())
	}

	transfer, err := token.NewTransferCheckedInstructionBuilder().
		SetAmount(units).
		SetDecimals(e.Decimals).
		SetSourceAccount(srcATA).
		SetMintAccount(e.Mint).
		SetDestinationAccount(dstATA).
		SetOwnerAccount(payer).
		ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("build transfer: %w", err)
	}
	ixs = append(ixs, transfer)

	blockhash, err := e.Ledger.LatestBlockhash(ctx)
	if err != nil {
		return nil, apperr.Upstream("fetch blockhash", err)
	}
	tb := solana.NewTransactionBuilder().SetRecentBlockHash(blockhash).SetFeePayer(payer)
	for _, ix := range ixs {
		tb = tb.AddInstruction(ix)
	}
	tx, err := tb.Build()
	if err != nil {
		return nil, fmt.Errorf("build transaction: %w", err)
	}
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(payer) {
			return &e.Custody
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	return tx, nil
}
