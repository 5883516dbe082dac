package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"golang.org/x/time/rate"
)

// RPCLedger adapts a Solana JSON-RPC endpoint to Ledger and to the write
// surface used by payouts.
type RPCLedger struct {
	Client *rpc.Client
	// Limiter paces outbound calls to stay under the provider's request
	// quota. Nil means unpaced.
	Limiter *rate.Limiter
}

// NewRPCLedger paces calls at rps requests per second when rps > 0.
func NewRPCLedger(endpoint string, rps int) *RPCLedger {
	l := &RPCLedger{Client: rpc.New(endpoint)}
	if rps > 0 {
		l.Limiter = rate.NewLimiter(rate.Limit(rps), rps)
	}
	return l
}

// pace blocks until the limiter admits a call or ctx ends.
func (l *RPCLedger) pace(ctx context.Context) error {
	if l.Limiter == nil {
		return nil
	}
	if err := l.Limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rpc pacing: %w", err)
	}
	return nil
}

func (l *RPCLedger) Transaction(ctx context.Context, sig solana.Signature) (*Transaction, error) {
	if err := l.pace(ctx); err != nil {
		return nil, err
	}
	maxVersion := uint64(0)
	res, err := l.Client.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, ErrTxNotFound
		}
		return nil, err
	}
	if res == nil || res.Transaction == nil {
		return nil, ErrTxNotFound
	}
	parsed, err := res.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("decode transaction %s: %w", sig, err)
	}
	return fromRPC(sig, parsed, res.Meta)
}

func fromRPC(sig solana.Signature, tx *solana.Transaction, meta *rpc.TransactionMeta) (*Transaction, error) {
	keys := append(solana.PublicKeySlice{}, tx.Message.AccountKeys...)
	if meta != nil {
		keys = append(keys, meta.LoadedAddresses.Writable...)
		keys = append(keys, meta.LoadedAddresses.ReadOnly...)
	}
	key := func(i uint16) (solana.PublicKey, bool) {
		if int(i) >= len(keys) {
			return solana.PublicKey{}, false
		}
		return keys[i], true
	}
	resolve := func(programIdx uint16, accounts []uint16, data []byte) (Instruction, bool) {
		prog, ok := key(programIdx)
		if !ok {
			return Instruction{}, false
		}
		ix := Instruction{ProgramID: prog, Data: data}
		for _, a := range accounts {
			k, ok := key(a)
			if !ok {
				return Instruction{}, false
			}
			ix.Accounts = append(ix.Accounts, k)
		}
		return ix, true
	}

	out := &Transaction{Signature: sig, TokenAccounts: map[solana.PublicKey]TokenBalance{}}
	nSigners := int(tx.Message.Header.NumRequiredSignatures)
	for i := 0; i < nSigners && i < len(tx.Message.AccountKeys); i++ {
		out.Signers = append(out.Signers, tx.Message.AccountKeys[i])
	}
	for _, ci := range tx.Message.Instructions {
		if ix, ok := resolve(ci.ProgramIDIndex, ci.Accounts, ci.Data); ok {
			out.Instructions = append(out.Instructions, ix)
		}
	}
	if meta == nil {
		return out, nil
	}
	if meta.Err != nil {
		out.Failed = true
		out.FailReason = fmt.Sprint(meta.Err)
	}
	for _, inner := range meta.InnerInstructions {
		for _, ci := range inner.Instructions {
			if ix, ok := resolve(ci.ProgramIDIndex, ci.Accounts, ci.Data); ok {
				out.Instructions = append(out.Instructions, ix)
			}
		}
	}
	addBalances := func(balances []rpc.TokenBalance) {
		for _, b := range balances {
			acct, ok := key(b.AccountIndex)
			if !ok {
				continue
			}
			tb := TokenBalance{Account: acct, Mint: b.Mint}
			if b.Owner != nil {
				tb.Owner = *b.Owner
			}
			if b.UiTokenAmount != nil {
				tb.Decimals = b.UiTokenAmount.Decimals
			}
			out.TokenAccounts[acct] = tb
		}
	}
	addBalances(meta.PreTokenBalances)
	addBalances(meta.PostTokenBalances)
	return out, nil
}

func (l *RPCLedger) SignatureStatus(ctx context.Context, sig solana.Signature) (SignatureStatus, error) {
	if err := l.pace(ctx); err != nil {
		return SignatureStatus{}, err
	}
	res, err := l.Client.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return SignatureStatus{}, err
	}
	if res == nil || len(res.Value) == 0 || res.Value[0] == nil {
		return SignatureStatus{}, nil
	}
	st := res.Value[0]
	out := SignatureStatus{Found: true, Commitment: Commitment(st.ConfirmationStatus)}
	if st.Err != nil {
		out.Err = fmt.Sprint(st.Err)
	}
	return out, nil
}

func (l *RPCLedger) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	if err := l.pace(ctx); err != nil {
		return solana.Hash{}, err
	}
	res, err := l.Client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return solana.Hash{}, err
	}
	return res.Value.Blockhash, nil
}

func (l *RPCLedger) AccountExists(ctx context.Context, account solana.PublicKey) (bool, error) {
	if err := l.pace(ctx); err != nil {
		return false, err
	}
	res, err := l.Client.GetAccountInfo(ctx, account)
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return res != nil && res.Value != nil, nil
}

// MintDecimals reads the mint account so payouts never trust a configured
// decimals value that disagrees with the ledger.
func (l *RPCLedger) MintDecimals(ctx context.Context, mint solana.PublicKey) (uint8, error) {
	if err := l.pace(ctx); err != nil {
		return 0, err
	}
	res, err := l.Client.GetAccountInfo(ctx, mint)
	if err != nil {
		return 0, err
	}
	if res == nil || res.Value == nil {
		return 0, fmt.Errorf("mint %s not found", mint)
	}
	var m token.Mint
	if err := bin.NewBinDecoder(res.Value.Data.GetBinary()).Decode(&m); err != nil {
		return 0, fmt.Errorf("decode mint %s: %w", mint, err)
	}
	return m.Decimals, nil
}

// Send submits tx. A JSON-RPC error from the node (failed preflight, bad
// blockhash) is reported as ErrRejected; transport failures are returned
// as-is because the transaction may still have landed.
func (l *RPCLedger) Send(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	if err := l.pace(ctx); err != nil {
		return solana.Signature{}, fmt.Errorf("%w: %w", ErrNotSent, err)
	}
	sig, err := l.Client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: rpc.CommitmentFinalized,
	})
	if err != nil {
		var rpcErr *jsonrpc.RPCError
		if errors.As(err, &rpcErr) {
			return solana.Signature{}, fmt.Errorf("%w: %s", ErrRejected, rpcErr.Message)
		}
		return solana.Signature{}, err
	}
	return sig, nil
}

// WaitFinalized polls until sig is finalized, fails on-ledger, or ctx ends.
func WaitFinalized(ctx context.Context, l StatusReader, sig solana.Signature, every time.Duration) (SignatureStatus, error) {
	if every <= 0 {
		every = 2 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		st, err := l.SignatureStatus(ctx, sig)
		if err == nil && (st.Err != "" || st.Commitment == CommitmentFinalized) {
			return st, nil
		}
		select {
		case <-ctx.Done():
			if err != nil {
				return st, errors.Join(ctx.Err(), err)
			}
			return st, ctx.Err()
		case <-ticker.C:
		}
	}
}
