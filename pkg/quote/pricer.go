package quote

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"refit/pkg/apperr"
	"refit/pkg/httpx"
)

type PriceRequest struct {
	ModelID        string   `json:"modelId"`
	StorageTier    string   `json:"storageTier"`
	CarrierTier    string   `json:"carrierTier"`
	ConditionGrade string   `json:"conditionGrade"`
	Issues         []string `json:"issues,omitempty"`
	Accessories    bool     `json:"accessories"`
}

func (r PriceRequest) validate() error {
	if strings.TrimSpace(r.ModelID) == "" || strings.TrimSpace(r.StorageTier) == "" ||
		strings.TrimSpace(r.CarrierTier) == "" || strings.TrimSpace(r.ConditionGrade) == "" {
		return apperr.Validation("quote_request_invalid", "modelId, storageTier, carrierTier and conditionGrade are required")
	}
	if _, ok := gradeRank[strings.ToLower(r.ConditionGrade)]; !ok {
		return apperr.Validation("quote_request_invalid", "unknown condition grade")
	}
	return nil
}

type Adjustment struct {
	Label  string          `json:"label"`
	Amount decimal.Decimal `json:"amount"`
}

type Price struct {
	USD       decimal.Decimal  `json:"usdPrice"`
	SOL       *decimal.Decimal `json:"solPrice,omitempty"`
	Breakdown []Adjustment     `json:"breakdown"`
}

// Pricer computes the offer for a device. It is an external collaborator;
// the issuer only signs what it returns.
type Pricer interface {
	Price(ctx context.Context, req PriceRequest) (Price, error)
}

var gradeRank = map[string]int{"new": 5, "excellent": 4, "good": 3, "fair": 2, "poor": 1}

// GradeRank orders condition grades; unknown grades rank zero.
func GradeRank(grade string) int { return gradeRank[strings.ToLower(strings.TrimSpace(grade))] }

// StaticPricer prices from an in-memory table. Used for local runs and tests.
type StaticPricer struct {
	// Base maps modelId then storageTier to the price of an excellent unit.
	Base            map[string]map[string]decimal.Decimal
	GradeFactor     map[string]decimal.Decimal
	CarrierDiscount map[string]decimal.Decimal
	IssueDeduction  decimal.Decimal
	AccessoryBonus  decimal.Decimal
	// SOLPerUSD, when set, adds a SOL-denominated price.
	SOLPerUSD *decimal.Decimal
}

func DefaultGradeFactors() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"new":       decimal.RequireFromString("1.10"),
		"excellent": decimal.NewFromInt(1),
		"good":      decimal.RequireFromString("0.85"),
		"fair":      decimal.RequireFromString("0.65"),
		"poor":      decimal.RequireFromString("0.40"),
	}
}

func (p *StaticPricer) Price(_ context.Context, req PriceRequest) (Price, error) {
	tiers, ok := p.Base[req.ModelID]
	if !ok {
		return Price{}, apperr.Validation("unknown_model", "model is not priced")
	}
	base, ok := tiers[req.StorageTier]
	if !ok {
		return Price{}, apperr.Validation("unknown_storage_tier", "storage tier is not priced for model")
	}
	factors := p.GradeFactor
	if factors == nil {
		factors = DefaultGradeFactors()
	}
	factor, ok := factors[strings.ToLower(req.ConditionGrade)]
	if !ok {
		return Price{}, apperr.Validation("quote_request_invalid", "unknown condition grade")
	}
	breakdown := []Adjustment{{Label: "base", Amount: base}}
	total := base.Mul(factor)
	breakdown = append(breakdown, Adjustment{Label: "condition:" + req.ConditionGrade, Amount: total.Sub(base)})
	if d, ok := p.CarrierDiscount[req.CarrierTier]; ok && !d.IsZero() {
		total = total.Sub(d)
		breakdown = append(breakdown, Adjustment{Label: "carrier:" + req.CarrierTier, Amount: d.Neg()})
	}
	if n := len(req.Issues); n > 0 && p.IssueDeduction.IsPositive() {
		d := p.IssueDeduction.Mul(decimal.NewFromInt(int64(n)))
		total = total.Sub(d)
		breakdown = append(breakdown, Adjustment{Label: "issues", Amount: d.Neg()})
	}
	if req.Accessories && p.AccessoryBonus.IsPositive() {
		total = total.Add(p.AccessoryBonus)
		breakdown = append(breakdown, Adjustment{Label: "accessories", Amount: p.AccessoryBonus})
	}
	out := Price{USD: total, Breakdown: breakdown}
	if p.SOLPerUSD != nil {
		sol := total.Mul(*p.SOLPerUSD)
		out.SOL = &sol
	}
	return out, nil
}

// HTTPPricer delegates to a remote pricing service.
type HTTPPricer struct {
	URL        string
	Client     *http.Client
	Retries    int
	RetryDelay time.Duration
}

func (p *HTTPPricer) Price(ctx context.Context, req PriceRequest) (Price, error) {
	retry := httpx.Retry{Retries: p.Retries, Delay: p.RetryDelay, MaxDelay: 2 * time.Second}
	resp, err := httpx.PostJSON(ctx, p.Client, p.URL, req, nil, retry)
	if err != nil {
		return Price{}, apperr.Upstream("pricing service unreachable", err)
	}
	switch {
	case resp.Status >= 500 || resp.Status == http.StatusTooManyRequests:
		return Price{}, apperr.Upstream("pricing service error", fmt.Errorf("status %d", resp.Status))
	case resp.Status >= 400:
		return Price{}, apperr.Validation("unpriceable_device", "device cannot be priced")
	}
	var out Price
	if err := resp.Decode(&out); err != nil {
		return Price{}, apperr.Upstream("pricing service returned malformed body", err)
	}
	return out, nil
}
