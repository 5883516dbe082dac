package hardening

import (
	"strings"
	"testing"
)

func TestValidateProduction(t *testing.T) {
	base := Options{
		Service:            "settled",
		Environment:        "production",
		StrictProdSecurity: "true",
		DatabaseRequireTLS: "true",
		RedisAddr:          "redis:6379",
		RedisRequireTLS:    "true",
		CORSAllowedOrigins: "https://shop.example.com",
		AdminOrigins:       "https://admin.example.com",
		SolanaRPCURL:       "https://rpc.example.com",
		AdminSecret:        strings.Repeat("a", MinSecretLength),
		QuoteSecret:        strings.Repeat("q", MinSecretLength),
		RequiredServiceSecrets: []EnvRequirement{
			{Name: "CUSTODY_PRIVATE_KEY", Value: "key"},
		},
	}

	t.Run("pass", func(t *testing.T) {
		if err := ValidateProduction(base); err != nil {
			t.Fatalf("expected pass, got %v", err)
		}
	})

	t.Run("non_prod_skip", func(t *testing.T) {
		o := base
		o.Environment = "development"
		o.DatabaseRequireTLS = "false"
		o.CORSAllowedOrigins = "*"
		o.AdminSecret = "short"
		if err := ValidateProduction(o); err != nil {
			t.Fatalf("expected skip in non-production, got %v", err)
		}
	})

	cases := map[string]func(*Options){
		"db_tls_required":         func(o *Options) { o.DatabaseRequireTLS = "false" },
		"redis_required":          func(o *Options) { o.RedisAddr = "" },
		"redis_tls_required":      func(o *Options) { o.RedisRequireTLS = "false" },
		"redis_insecure":          func(o *Options) { o.RedisTLSInsecure = "true" },
		"memory_fallback":         func(o *Options) { o.RateLimitFallback = "memory" },
		"cors_wildcard":           func(o *Options) { o.CORSAllowedOrigins = "*" },
		"cors_https":              func(o *Options) { o.CORSAllowedOrigins = "http://shop.example.com" },
		"admin_origins_required":  func(o *Options) { o.AdminOrigins = " , " },
		"admin_origin_localhost":  func(o *Options) { o.AdminOrigins = "https://localhost:3000" },
		"rpc_https":               func(o *Options) { o.SolanaRPCURL = "http://rpc.example.com" },
		"rpc_missing":             func(o *Options) { o.SolanaRPCURL = "" },
		"admin_secret_short":      func(o *Options) { o.AdminSecret = "hunter2" },
		"quote_secret_short":      func(o *Options) { o.QuoteSecret = "" },
		"secrets_must_differ":     func(o *Options) { o.QuoteSecret = o.AdminSecret },
		"required_service_secret": func(o *Options) { o.RequiredServiceSecrets[0].Value = " " },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			o := base
			o.RequiredServiceSecrets = append([]EnvRequirement(nil), base.RequiredServiceSecrets...)
			mutate(&o)
			if err := ValidateProduction(o); err == nil {
				t.Fatal("expected hardening error")
			}
		})
	}

	t.Run("fallback_none_allowed", func(t *testing.T) {
		o := base
		o.RateLimitFallback = "none"
		if err := ValidateProduction(o); err != nil {
			t.Fatalf("expected pass, got %v", err)
		}
	})

	t.Run("strict_can_be_disabled", func(t *testing.T) {
		o := base
		o.StrictProdSecurity = "false"
		o.DatabaseRequireTLS = "false"
		o.CORSAllowedOrigins = "*"
		if err := ValidateProduction(o); err != nil {
			t.Fatalf("expected strict disable skip, got %v", err)
		}
	})
}

func TestValidateWorker(t *testing.T) {
	o := Options{Service: "inventoryd", Environment: "production", DatabaseRequireTLS: "true",
		RequiredServiceSecrets: []EnvRequirement{{Name: "KAFKA_BROKERS", Value: "kafka:9092"}}}
	if err := ValidateWorker(o); err != nil {
		t.Fatalf("expected pass, got %v", err)
	}
	o.DatabaseRequireTLS = ""
	if err := ValidateWorker(o); err == nil {
		t.Fatal("expected DATABASE_REQUIRE_TLS enforcement error")
	}
	o.DatabaseRequireTLS = "true"
	o.RequiredServiceSecrets[0].Value = ""
	if err := ValidateWorker(o); err == nil {
		t.Fatal("expected required setting error")
	}
	o.Environment = "local"
	if err := ValidateWorker(o); err != nil {
		t.Fatalf("expected skip outside production, got %v", err)
	}
}
