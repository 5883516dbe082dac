// Package hardening refuses to start a settlement service in a
// production-like environment with an unsafe configuration.
package hardening

import (
	"fmt"
	"net/url"
	"strings"
)

type EnvRequirement struct {
	Name  string
	Value string
}

// MinSecretLength applies to the admin bearer secret and the quote HMAC key.
const MinSecretLength = 32

type Options struct {
	Service            string
	Environment        string
	StrictProdSecurity string
	DatabaseRequireTLS string
	RedisAddr          string
	RedisRequireTLS    string
	RedisTLSInsecure   string
	// RateLimitFallback names a process-local limiter used during Redis
	// outages. Counters must be shared across instances in production.
	RateLimitFallback  string
	CORSAllowedOrigins string
	AdminOrigins       string
	SolanaRPCURL       string
	AdminSecret        string
	QuoteSecret        string
	// RequiredServiceSecrets must be non-empty.
	RequiredServiceSecrets []EnvRequirement
}

func ValidateProduction(o Options) error {
	if !isProductionLikeEnv(o.Environment) {
		return nil
	}
	if !isTrue(o.StrictProdSecurity, true) {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	if !isTrue(o.DatabaseRequireTLS, false) {
		return fmt.Errorf("%s: strict production hardening requires DATABASE_REQUIRE_TLS=true", service)
	}
	if strings.TrimSpace(o.RedisAddr) == "" {
		return fmt.Errorf("%s: strict production hardening requires REDIS_ADDR for shared rate limits and lockouts", service)
	}
	if !isTrue(o.RedisRequireTLS, false) {
		return fmt.Errorf("%s: strict production hardening requires REDIS_REQUIRE_TLS=true", service)
	}
	if isTrue(o.RedisTLSInsecure, false) {
		return fmt.Errorf("%s: strict production hardening forbids REDIS_TLS_INSECURE", service)
	}
	if f := strings.TrimSpace(o.RateLimitFallback); f != "" && !strings.EqualFold(f, "none") {
		return fmt.Errorf("%s: strict production hardening forbids RATE_LIMIT_FALLBACK=%s", service, f)
	}
	if err := validateOrigins("CORS_ALLOWED_ORIGINS", o.CORSAllowedOrigins, service); err != nil {
		return err
	}
	if err := validateOrigins("ADMIN_ALLOWED_ORIGINS", o.AdminOrigins, service); err != nil {
		return err
	}
	if err := validateRPC(o.SolanaRPCURL, service); err != nil {
		return err
	}
	if len(strings.TrimSpace(o.AdminSecret)) < MinSecretLength {
		return fmt.Errorf("%s: strict production hardening requires ADMIN_SECRET of at least %d characters", service, MinSecretLength)
	}
	if len(strings.TrimSpace(o.QuoteSecret)) < MinSecretLength {
		return fmt.Errorf("%s: strict production hardening requires QUOTE_SECRET of at least %d characters", service, MinSecretLength)
	}
	if strings.TrimSpace(o.AdminSecret) == strings.TrimSpace(o.QuoteSecret) {
		return fmt.Errorf("%s: ADMIN_SECRET and QUOTE_SECRET must differ", service)
	}
	for _, req := range o.RequiredServiceSecrets {
		if strings.TrimSpace(req.Name) == "" {
			continue
		}
		if strings.TrimSpace(req.Value) == "" {
			return fmt.Errorf("%s: strict production hardening requires %s", service, req.Name)
		}
	}
	return nil
}

// ValidateWorker applies the subset of checks that matter to background
// workers with no HTTP surface: database TLS and required settings.
func ValidateWorker(o Options) error {
	if !isProductionLikeEnv(o.Environment) || !isTrue(o.StrictProdSecurity, true) {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "worker"
	}
	if !isTrue(o.DatabaseRequireTLS, false) {
		return fmt.Errorf("%s: strict production hardening requires DATABASE_REQUIRE_TLS=true", service)
	}
	for _, req := range o.RequiredServiceSecrets {
		if strings.TrimSpace(req.Name) != "" && strings.TrimSpace(req.Value) == "" {
			return fmt.Errorf("%s: strict production hardening requires %s", service, req.Name)
		}
	}
	return nil
}

func validateRPC(raw, service string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return fmt.Errorf("%s: strict production hardening requires SOLANA_RPC_URL", service)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("%s: strict production hardening requires an https SOLANA_RPC_URL", service)
	}
	return nil
}

func validateOrigins(name, raw, service string) error {
	validCount := 0
	for _, origin := range strings.Split(raw, ",") {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		validCount++
		lower := strings.ToLower(o)
		if lower == "*" {
			return fmt.Errorf("%s: strict production hardening forbids wildcard %s", service, name)
		}
		if strings.HasPrefix(lower, "http://localhost") || strings.HasPrefix(lower, "https://localhost") || strings.HasPrefix(lower, "http://127.0.0.1") || strings.HasPrefix(lower, "https://127.0.0.1") {
			return fmt.Errorf("%s: strict production hardening forbids localhost origin %q in %s", service, o, name)
		}
		if !strings.HasPrefix(lower, "https://") {
			return fmt.Errorf("%s: strict production hardening requires HTTPS origins in %s, got %q", service, name, o)
		}
	}
	if validCount == 0 {
		return fmt.Errorf("%s: strict production hardening requires explicit %s", service, name)
	}
	return nil
}

func isTrue(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true")
}

func isProductionLikeEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage", "mainnet":
		return true
	default:
		return false
	}
}
