// Package chain reads Solana transactions and decides whether a claimed
// deposit actually reached custody.
package chain

import (
	"context"
	"errors"

	"github.com/gagliardetto/solana-go"
)

var (
	ErrTxNotFound = errors.New("chain: transaction not found")
	// ErrRejected marks a submission the node refused outright, so the
	// transaction cannot have executed.
	ErrRejected = errors.New("chain: transaction rejected")
	// ErrNotSent marks a submission abandoned before it left the process.
	ErrNotSent = errors.New("chain: transaction not sent")
)

// Instruction is a resolved instruction: program and accounts are keys, not
// indexes into the message.
type Instruction struct {
	ProgramID solana.PublicKey
	Accounts  []solana.PublicKey
	Data      []byte
}

// TokenBalance is the post-transaction view of one token account.
type TokenBalance struct {
	Account  solana.PublicKey
	Owner    solana.PublicKey
	Mint     solana.PublicKey
	Decimals uint8
}

// Transaction is the ledger-neutral subset the verifier inspects. Inner
// instructions are flattened after the outer ones.
type Transaction struct {
	Signature     solana.Signature
	Signers       []solana.PublicKey
	Instructions  []Instruction
	TokenAccounts map[solana.PublicKey]TokenBalance
	Failed        bool
	FailReason    string
}

func (t *Transaction) SignedBy(key solana.PublicKey) bool {
	for _, s := range t.Signers {
		if s.Equals(key) {
			return true
		}
	}
	return false
}

type Commitment string

const (
	CommitmentUnknown   Commitment = ""
	CommitmentProcessed Commitment = "processed"
	CommitmentConfirmed Commitment = "confirmed"
	CommitmentFinalized Commitment = "finalized"
)

type SignatureStatus struct {
	Found      bool
	Commitment Commitment
	Err        string
}

type StatusReader interface {
	SignatureStatus(ctx context.Context, sig solana.Signature) (SignatureStatus, error)
}

// Ledger is the read surface the deposit verifier needs.
type Ledger interface {
	StatusReader
	Transaction(ctx context.Context, sig solana.Signature) (*Transaction, error)
}
