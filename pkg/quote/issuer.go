package quote

import (
	"context"
	"time"

	"github.com/google/uuid"

	"refit/pkg/apperr"
)

const DefaultTTL = 10 * time.Minute

type Issued struct {
	SignedQuote
	Breakdown []Adjustment `json:"breakdown"`
}

type Issuer struct {
	Signer *Signer
	Pricer Pricer
	TTL    time.Duration
}

func (i *Issuer) Issue(ctx context.Context, req PriceRequest) (Issued, error) {
	if err := req.validate(); err != nil {
		return Issued{}, err
	}
	price, err := i.Pricer.Price(ctx, req)
	if err != nil {
		return Issued{}, err
	}
	usd := price.USD.Round(2)
	if !usd.IsPositive() {
		return Issued{}, apperr.Validation("unpriceable_device", "device has no trade-in value")
	}
	ttl := i.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	q := Quote{
		QuoteID:        uuid.NewString(),
		ModelID:        req.ModelID,
		StorageTier:    req.StorageTier,
		CarrierTier:    req.CarrierTier,
		ConditionGrade: req.ConditionGrade,
		USDPrice:       usd,
		ExpiresAt:      i.Signer.now().UTC().Add(ttl).Truncate(time.Millisecond),
	}
	if price.SOL != nil {
		sol := price.SOL.Round(9)
		if sol.IsPositive() {
			q.SOLPrice = &sol
		}
	}
	return Issued{
		SignedQuote: SignedQuote{Quote: q, Signature: i.Signer.Sign(q)},
		Breakdown:   price.Breakdown,
	}, nil
}
