package quote

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"refit/pkg/apperr"
)

const minSecretLen = 16

type Signer struct {
	secret []byte
	now    func() time.Time
}

func NewSigner(secret string) (*Signer, error) {
	if len(secret) < minSecretLen {
		return nil, errors.New("quote: signing secret too short")
	}
	return &Signer{secret: []byte(secret), now: time.Now}, nil
}

// Sign returns the lowercase hex HMAC-SHA256 of the canonical encoding.
func (s *Signer) Sign(q Quote) string {
	return hex.EncodeToString(s.mac(q))
}

func (s *Signer) mac(q Quote) []byte {
	m := hmac.New(sha256.New, s.secret)
	m.Write([]byte(q.Canonical()))
	return m.Sum(nil)
}

// Verify compares in constant time. Undecodable signatures fail closed.
func (s *Signer) Verify(q Quote, signature string) bool {
	got, err := hex.DecodeString(signature)
	if err != nil || len(got) != sha256.Size {
		return false
	}
	return hmac.Equal(got, s.mac(q))
}

func (s *Signer) IsExpired(q Quote) bool {
	return s.now().After(q.ExpiresAt)
}

// VerifyComplete runs structure, expiry, then signature checks and reports
// the first failing stage.
func (s *Signer) VerifyComplete(q Quote, signature string) error {
	if err := q.validate(); err != nil {
		return apperr.Wrap(apperr.KindValidation, "quote_invalid", "quote is missing required fields", err)
	}
	if !s.now().Before(q.ExpiresAt) {
		return apperr.Wrap(apperr.KindValidation, "quote_expired", "quote has expired", ErrQuoteExpired)
	}
	if !s.Verify(q, signature) {
		return apperr.Wrap(apperr.KindAuth, "quote_signature_invalid", "authentication failed", ErrBadSignature)
	}
	return nil
}
