package auth

import "context"

const (
	RoleWallet = "wallet"
	RoleAdmin  = "admin"
)

// Principal identifies who performed an operation. Actor is the client
// identity (usually an address) used for throttling and history entries.
type Principal struct {
	Subject string
	Role    string
	Actor   string
}

type contextKey string

const principalContextKey contextKey = "refit.principal"

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(Principal)
	return p, ok
}
