package quote

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// priceTable mirrors the YAML price table. Amounts are strings so they keep
// their exact decimal value.
type priceTable struct {
	Models          map[string]map[string]string `yaml:"models"`
	GradeFactors    map[string]string            `yaml:"grade_factors"`
	CarrierDiscount map[string]string            `yaml:"carrier_discount"`
	IssueDeduction  string                       `yaml:"issue_deduction"`
	AccessoryBonus  string                       `yaml:"accessory_bonus"`
	SOLPerUSD       string                       `yaml:"sol_per_usd"`
}

// LoadStaticPricer reads a price table for local and single-operator
// deployments without a pricing service.
func LoadStaticPricer(path string) (*StaticPricer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open price table: %w", err)
	}
	return ParseStaticPricer(raw)
}

func ParseStaticPricer(raw []byte) (*StaticPricer, error) {
	var t priceTable
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("decode price table: %w", err)
	}
	if len(t.Models) == 0 {
		return nil, fmt.Errorf("price table: no models")
	}
	var err error
	p := &StaticPricer{Base: map[string]map[string]decimal.Decimal{}}
	for model, tiers := range t.Models {
		p.Base[model] = map[string]decimal.Decimal{}
		for tier, v := range tiers {
			d, err := positive(v)
			if err != nil {
				return nil, fmt.Errorf("price table %s/%s: %w", model, tier, err)
			}
			p.Base[model][tier] = d
		}
	}
	if len(t.GradeFactors) > 0 {
		p.GradeFactor = map[string]decimal.Decimal{}
		for grade, v := range t.GradeFactors {
			if _, ok := gradeRank[strings.ToLower(grade)]; !ok {
				return nil, fmt.Errorf("price table: unknown grade %q", grade)
			}
			d, err := positive(v)
			if err != nil {
				return nil, fmt.Errorf("price table grade %s: %w", grade, err)
			}
			p.GradeFactor[strings.ToLower(grade)] = d
		}
	}
	p.CarrierDiscount = map[string]decimal.Decimal{}
	for carrier, v := range t.CarrierDiscount {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("price table carrier %s: %w", carrier, err)
		}
		p.CarrierDiscount[carrier] = d
	}
	if p.IssueDeduction, err = optional(t.IssueDeduction); err != nil {
		return nil, fmt.Errorf("price table issue_deduction: %w", err)
	}
	if p.AccessoryBonus, err = optional(t.AccessoryBonus); err != nil {
		return nil, fmt.Errorf("price table accessory_bonus: %w", err)
	}
	if t.SOLPerUSD != "" {
		rate, err := positive(t.SOLPerUSD)
		if err != nil {
			return nil, fmt.Errorf("price table sol_per_usd: %w", err)
		}
		p.SOLPerUSD = &rate
	}
	return p, nil
}

func positive(v string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(v))
	if err != nil {
		return d, err
	}
	if !d.IsPositive() {
		return d, fmt.Errorf("must be positive, got %s", v)
	}
	return d, nil
}

func optional(v string) (decimal.Decimal, error) {
	if strings.TrimSpace(v) == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(strings.TrimSpace(v))
}
