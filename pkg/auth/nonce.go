package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"refit/pkg/apperr"
	"refit/pkg/store"
)

const DefaultNonceTTL = 5 * time.Minute

type Challenge struct {
	Nonce     string    `json:"nonce"`
	Message   string    `json:"message"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// NonceStore issues single-use challenge nonces into the shared cache.
type NonceStore struct {
	Cache  store.Cache
	TTL    time.Duration
	Prefix string
	// Domain is embedded in the challenge message shown to the wallet.
	Domain string
	now    func() time.Time
}

func NewNonceStore(cache store.Cache, ttl time.Duration) *NonceStore {
	if ttl <= 0 {
		ttl = DefaultNonceTTL
	}
	return &NonceStore{Cache: cache, TTL: ttl, Prefix: "nonce:", Domain: "refit", now: time.Now}
}

func (s *NonceStore) Issue(ctx context.Context) (Challenge, error) {
	now := s.now().UTC()
	nonce := uuid.NewString()
	expires := now.Add(s.TTL)
	ok, err := s.Cache.SetNX(ctx, s.Prefix+nonce, expires.Format(time.RFC3339Nano), s.TTL)
	if err != nil {
		return Challenge{}, apperr.Upstream("nonce store unavailable", err)
	}
	if !ok {
		return Challenge{}, apperr.Upstream("nonce collision", fmt.Errorf("nonce %s already present", nonce))
	}
	return Challenge{
		Nonce:     nonce,
		Message:   ChallengeMessage(s.Domain, nonce, now, expires),
		IssuedAt:  now,
		ExpiresAt: expires,
	}, nil
}

// ChallengeMessage is the exact text the wallet signs.
func ChallengeMessage(domain, nonce string, issued, expires time.Time) string {
	return fmt.Sprintf("Sign in to %s to verify wallet ownership.\n\nNonce: %s\nIssued At: %s\nExpires At: %s",
		domain, nonce, issued.Format(time.RFC3339), expires.Format(time.RFC3339))
}

// Live reports whether nonce is outstanding without consuming it.
func (s *NonceStore) Live(ctx context.Context, nonce string) (bool, error) {
	if nonce == "" {
		return false, nil
	}
	if _, err := s.Cache.Get(ctx, s.Prefix+nonce); err != nil {
		if errors.Is(err, store.ErrMiss) {
			return false, nil
		}
		return false, apperr.Upstream("nonce store unavailable", err)
	}
	return true, nil
}

// Consume atomically removes nonce. Only one caller can ever succeed.
func (s *NonceStore) Consume(ctx context.Context, nonce string) error {
	if nonce == "" {
		return apperr.Auth("nonce_invalid")
	}
	if _, err := s.Cache.Take(ctx, s.Prefix+nonce); err != nil {
		if errors.Is(err, store.ErrMiss) {
			return apperr.Auth("nonce_invalid")
		}
		return apperr.Upstream("nonce store unavailable", err)
	}
	return nil
}
