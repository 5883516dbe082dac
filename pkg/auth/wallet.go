package auth

import (
	"context"
	"strings"

	"refit/pkg/apperr"
	"refit/pkg/lockout"
)

type VerifyRequest struct {
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
	Message   string `json:"message"`
	Nonce     string `json:"nonce"`
}

// WalletAuth proves wallet ownership against an issued challenge. Failures
// count toward the actor's lockout.
type WalletAuth struct {
	Nonces *NonceStore
	Guard  lockout.Guard
}

func (a *WalletAuth) Verify(ctx context.Context, actor string, req VerifyRequest) (Principal, error) {
	if st, err := a.Guard.Status(ctx, actor); err != nil {
		return Principal{}, err
	} else if st.Locked {
		return Principal{}, apperr.Locked(st.RetryAfter)
	}
	if err := a.check(ctx, req); err != nil {
		return Principal{}, a.fail(ctx, actor, err)
	}
	if err := a.Guard.RecordSuccess(ctx, actor); err != nil {
		return Principal{}, err
	}
	return Principal{Subject: req.PublicKey, Role: RoleWallet, Actor: actor}, nil
}

// check runs every non-mutating test before consuming the nonce so a forged
// signature cannot burn a legitimate challenge.
func (a *WalletAuth) check(ctx context.Context, req VerifyRequest) error {
	live, err := a.Nonces.Live(ctx, req.Nonce)
	if err != nil {
		return err
	}
	if !live {
		return apperr.Auth("nonce_invalid")
	}
	if !strings.Contains(req.Message, req.Nonce) {
		return apperr.Auth("nonce_not_in_message")
	}
	if err := VerifyWalletSignature(req.PublicKey, req.Signature, req.Message); err != nil {
		return err
	}
	return a.Nonces.Consume(ctx, req.Nonce)
}

func (a *WalletAuth) fail(ctx context.Context, actor string, cause error) error {
	if apperr.IsKind(cause, apperr.KindUpstreamUnavailable) {
		return cause
	}
	st, err := a.Guard.RecordFailure(ctx, actor)
	if err != nil {
		return err
	}
	if st.Locked {
		return apperr.Locked(st.RetryAfter)
	}
	e, ok := apperr.As(cause)
	if !ok {
		e = apperr.Auth("auth_failed")
	}
	out := *e
	out.AttemptsRemaining = st.AttemptsRemaining
	return &out
}
