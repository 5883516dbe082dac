// Package quote issues and verifies tamper-evident, expiring device price
// quotes.
package quote

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidQuote = errors.New("quote: missing or malformed fields")
	ErrQuoteExpired = errors.New("quote: expired")
	ErrBadSignature = errors.New("quote: signature mismatch")
)

// Quote is immutable once signed. Any field change invalidates the signature.
type Quote struct {
	QuoteID        string           `json:"quoteId"`
	ModelID        string           `json:"modelId"`
	StorageTier    string           `json:"storageTier"`
	CarrierTier    string           `json:"carrierTier"`
	ConditionGrade string           `json:"conditionGrade"`
	USDPrice       decimal.Decimal  `json:"usdPrice"`
	SOLPrice       *decimal.Decimal `json:"solPrice,omitempty"`
	ExpiresAt      time.Time        `json:"expiresAt"`
}

type SignedQuote struct {
	Quote     Quote  `json:"quote"`
	Signature string `json:"signature"`
}

// Canonical is the byte string covered by the signature. Prices are rendered
// by value so "100.50" and "100.5" encode identically.
func (q Quote) Canonical() string {
	sol := ""
	if q.SOLPrice != nil {
		sol = q.SOLPrice.String()
	}
	return strings.Join([]string{
		q.QuoteID,
		q.ModelID,
		q.StorageTier,
		q.CarrierTier,
		q.ConditionGrade,
		q.USDPrice.String(),
		sol,
		q.ExpiresAt.UTC().Format(time.RFC3339Nano),
	}, "|")
}

func (q Quote) validate() error {
	for _, f := range []string{q.QuoteID, q.ModelID, q.StorageTier, q.CarrierTier, q.ConditionGrade} {
		if strings.TrimSpace(f) == "" || strings.Contains(f, "|") {
			return ErrInvalidQuote
		}
	}
	if !q.USDPrice.IsPositive() {
		return ErrInvalidQuote
	}
	if q.SOLPrice != nil && !q.SOLPrice.IsPositive() {
		return ErrInvalidQuote
	}
	if q.ExpiresAt.IsZero() {
		return ErrInvalidQuote
	}
	return nil
}
