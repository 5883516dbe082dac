package payout

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"refit/pkg/apperr"
	"refit/pkg/chain"
)

type fakeLedger struct {
	mu          sync.Mutex
	decimals    uint8
	ataExists   bool
	sendErr     error
	status      chain.SignatureStatus
	statusAfter int
	polls       int
	sent        []*solana.Transaction
}

func (f *fakeLedger) LatestBlockhash(context.Context) (solana.Hash, error) {
	return solana.Hash{1, 2, 3}, nil
}

func (f *fakeLedger) AccountExists(context.Context, solana.PublicKey) (bool, error) {
	return f.ataExists, nil
}

func (f *fakeLedger) MintDecimals(context.Context, solana.PublicKey) (uint8, error) {
	return f.decimals, nil
}

func (f *fakeLedger) Send(_ context.Context, tx *solana.Transaction) (solana.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return solana.Signature{}, f.sendErr
	}
	f.sent = append(f.sent, tx)
	return tx.Signatures[0], nil
}

func (f *fakeLedger) SignatureStatus(context.Context, solana.Signature) (chain.SignatureStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.polls <= f.statusAfter {
		return chain.SignatureStatus{Found: true, Commitment: chain.CommitmentConfirmed}, nil
	}
	return f.status, nil
}

func newExecutor(t *testing.T, l *fakeLedger) *Executor {
	t.Helper()
	custody, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	mint, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	return &Executor{
		Ledger:    l,
		Custody:   custody,
		Mint:      mint.PublicKey(),
		Decimals:  6,
		Cluster:   "devnet",
		PollEvery: time.Millisecond,
		Timeout:   time.Second,
	}
}

func finalized() chain.SignatureStatus {
	return chain.SignatureStatus{Found: true, Commitment: chain.CommitmentFinalized}
}

func wallet(t *testing.T) string {
	k, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	return k.PublicKey().String()
}

// programs lists each compiled instruction's program id.
func programs(t *testing.T, tx *solana.Transaction) []solana.PublicKey {
	var out []solana.PublicKey
	for _, ci := range tx.Message.Instructions {
		require.Less(t, int(ci.ProgramIDIndex), len(tx.Message.AccountKeys))
		out = append(out, tx.Message.AccountKeys[ci.ProgramIDIndex])
	}
	return out
}

func TestToUnitsTruncates(t *testing.T) {
	u, err := ToUnits(decimal.RequireFromString("12.3456789"), 6)
	require.NoError(t, err)
	assert.Equal(t, uint64(12_345_678), u)

	_, err = ToUnits(decimal.RequireFromString("0.0000001"), 6)
	assert.Error(t, err)
	_, err = ToUnits(decimal.NewFromInt(-1), 6)
	assert.Error(t, err)
}

func TestPayoutCreatesDestinationAccount(t *testing.T) {
	l := &fakeLedger{decimals: 6, status: finalized(), statusAfter: 2}
	e := newExecutor(t, l)
	var outcomes []string
	e.OnResult = func(o string) { outcomes = append(outcomes, o) }

	res, err := e.Payout(context.Background(), Request{OrderID: "o1", Destination: wallet(t), AmountUSD: decimal.RequireFromString("250.129")})
	require.NoError(t, err)
	require.Len(t, l.sent, 1)
	assert.Equal(t, uint64(250_129_000), res.Units)
	assert.Equal(t, l.sent[0].Signatures[0].String(), res.Signature)
	assert.Contains(t, res.ExplorerURL, "cluster=devnet")
	assert.Equal(t, []string{"completed"}, outcomes)

	tx := l.sent[0]
	require.NoError(t, tx.VerifySignatures())
	progs := programs(t, tx)
	require.Len(t, progs, 2)
	assert.Equal(t, solana.SPLAssociatedTokenAccountProgramID, progs[0])
	assert.Equal(t, solana.TokenProgramID, progs[1])

	data := []byte(tx.Message.Instructions[1].Data)
	require.Len(t, data, 10)
	assert.Equal(t, byte(12), data[0])
	assert.Equal(t, uint64(250_129_000), binary.LittleEndian.Uint64(data[1:9]))
	assert.Equal(t, byte(6), data[9])
}

func TestPayoutExistingAccountWithPriorityFee(t *testing.T) {
	l := &fakeLedger{decimals: 6, ataExists: true, status: finalized()}
	e := newExecutor(t, l)
	e.PriorityFee = 5000
	_, err := e.Payout(context.Background(), Request{Destination: wallet(t), AmountUSD: decimal.NewFromInt(1)})
	require.NoError(t, err)
	progs := programs(t, l.sent[0])
	require.Len(t, progs, 3)
	assert.Equal(t, solana.TokenProgramID, progs[2])
}

func TestPayoutLedgerFailureIsSettlement(t *testing.T) {
	l := &fakeLedger{decimals: 6, ataExists: true, status: chain.SignatureStatus{Found: true, Err: "InsufficientFunds"}}
	e := newExecutor(t, l)
	res, err := e.Payout(context.Background(), Request{Destination: wallet(t), AmountUSD: decimal.NewFromInt(5)})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindSettlement))
	assert.True(t, res.Failed)
	assert.False(t, res.Pending)
}

func TestPayoutRejectedSubmission(t *testing.T) {
	l := &fakeLedger{decimals: 6, ataExists: true, sendErr: errors.Join(chain.ErrRejected, errors.New("blockhash not found"))}
	e := newExecutor(t, l)
	res, err := e.Payout(context.Background(), Request{Destination: wallet(t), AmountUSD: decimal.NewFromInt(5)})
	assert.True(t, apperr.IsKind(err, apperr.KindSettlement))
	assert.True(t, res.Failed)
}

func TestPayoutTimeoutKeepsSignature(t *testing.T) {
	l := &fakeLedger{decimals: 6, ataExists: true, statusAfter: 1 << 30}
	e := newExecutor(t, l)
	e.Timeout = 20 * time.Millisecond
	res, err := e.Payout(context.Background(), Request{Destination: wallet(t), AmountUSD: decimal.NewFromInt(5)})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindUpstreamUnavailable))
	assert.True(t, res.Pending)
	assert.NotEmpty(t, res.Signature)
	assert.Contains(t, err.Error(), res.Signature)
}

func TestPayoutAmbiguousSendIsPending(t *testing.T) {
	l := &fakeLedger{decimals: 6, ataExists: true, sendErr: errors.New("connection reset")}
	e := newExecutor(t, l)
	res, err := e.Payout(context.Background(), Request{Destination: wallet(t), AmountUSD: decimal.NewFromInt(5)})
	assert.True(t, apperr.IsKind(err, apperr.KindUpstreamUnavailable))
	assert.True(t, res.Pending)
}

func TestPayoutUnsentSubmissionReleasesSignature(t *testing.T) {
	l := &fakeLedger{decimals: 6, ataExists: true, sendErr: fmt.Errorf("%w: rate limited", chain.ErrNotSent)}
	e := newExecutor(t, l)
	res, err := e.Payout(context.Background(), Request{Destination: wallet(t), AmountUSD: decimal.NewFromInt(5)})
	assert.True(t, apperr.IsKind(err, apperr.KindUpstreamUnavailable))
	assert.False(t, res.Pending)
	assert.Empty(t, res.Signature)
}

func TestPayoutRefusesDecimalsDrift(t *testing.T) {
	l := &fakeLedger{decimals: 9, status: finalized()}
	e := newExecutor(t, l)
	_, err := e.Payout(context.Background(), Request{Destination: wallet(t), AmountUSD: decimal.NewFromInt(5)})
	assert.True(t, apperr.IsKind(err, apperr.KindSettlement))
	assert.Empty(t, l.sent)
}

func TestPayoutValidatesInput(t *testing.T) {
	e := newExecutor(t, &fakeLedger{decimals: 6})
	_, err := e.Payout(context.Background(), Request{Destination: "not-a-key", AmountUSD: decimal.NewFromInt(5)})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	_, err = e.Payout(context.Background(), Request{Destination: wallet(t), AmountUSD: decimal.Zero})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}
