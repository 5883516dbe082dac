package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"refit/pkg/apperr"
	"refit/pkg/httpx"
	"refit/pkg/lockout"
	"refit/pkg/ratelimit"
)

// AdminGate protects privileged routes with, in order: an origin allow-list,
// the per-address lockout, the admin rate budget, and a shared secret.
type AdminGate struct {
	Secret         string
	AllowedOrigins httpx.Origins
	// AllowMissingOrigin admits requests that carry neither Origin nor
	// Referer (server-to-server callers such as the shipping webhook).
	AllowMissingOrigin bool
	Guard              lockout.Guard
	Limits             *ratelimit.Policy
	Identity           *ratelimit.IdentityResolver
	// OnFailure observes every rejected credential, typically for metrics.
	OnFailure func(locked bool)
}

func (g *AdminGate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := g.Identity.Resolve(r)
		p, err := g.authorize(r, actor)
		if err != nil {
			httpx.WriteError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

func (g *AdminGate) authorize(r *http.Request, actor string) (Principal, error) {
	ctx := r.Context()
	if !g.originAllowed(r) {
		return Principal{}, apperr.E(apperr.KindAuth, "origin_not_allowed", "origin not allowed")
	}
	st, err := g.Guard.Status(ctx, actor)
	if err != nil {
		return Principal{}, err
	}
	if st.Locked {
		return Principal{}, apperr.Locked(st.RetryAfter)
	}
	if g.Limits != nil {
		if _, err := g.Limits.Check(ctx, ratelimit.ClassAdmin, actor); err != nil {
			return Principal{}, err
		}
	}
	if !g.secretMatches(adminToken(r)) {
		st, err := g.Guard.RecordFailure(ctx, actor)
		if err != nil {
			return Principal{}, err
		}
		if g.OnFailure != nil {
			g.OnFailure(st.Locked)
		}
		slog.Warn("admin credential rejected", "locked", st.Locked, "attempts_remaining", st.AttemptsRemaining)
		if st.Locked {
			return Principal{}, apperr.Locked(st.RetryAfter)
		}
		e := apperr.Auth("bad_credentials")
		e.AttemptsRemaining = st.AttemptsRemaining
		return Principal{}, e
	}
	if err := g.Guard.RecordSuccess(ctx, actor); err != nil {
		return Principal{}, err
	}
	return Principal{Subject: "admin", Role: RoleAdmin, Actor: actor}, nil
}

func (g *AdminGate) secretMatches(token string) bool {
	if g.Secret == "" || token == "" {
		return false
	}
	a := sha256.Sum256([]byte(token))
	b := sha256.Sum256([]byte(g.Secret))
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

func (g *AdminGate) originAllowed(r *http.Request) bool {
	origin, ok := httpx.RequestOrigin(r)
	switch {
	case !ok:
		return false
	case origin == "":
		return g.AllowMissingOrigin
	}
	return g.AllowedOrigins.Allows(origin)
}

func adminToken(r *http.Request) string {
	if tok := strings.TrimSpace(r.Header.Get("X-Admin-Token")); tok != "" {
		return tok
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
