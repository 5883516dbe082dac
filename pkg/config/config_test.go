package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"refit/pkg/lockout"
	"refit/pkg/ratelimit"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settle.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	f, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	budgets := f.Budgets()
	if budgets[ratelimit.ClassPayout] != (ratelimit.Budget{Limit: 3, Window: 15 * time.Minute}) {
		t.Fatalf("unexpected payout budget %+v", budgets[ratelimit.ClassPayout])
	}
	if f.LockoutPolicy() != lockout.DefaultPolicy() {
		t.Fatalf("unexpected lockout policy %+v", f.LockoutPolicy())
	}
}

func TestLoadFileOverridesSelectedClasses(t *testing.T) {
	path := writeFile(t, `
rate_limits:
  quote:
    limit: 60
  shipping-cost:
    window: 2m
lockout:
  threshold: 3
  lock_ttl: 30m
`)
	f, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b := f.Budgets()
	if b[ratelimit.ClassQuote].Limit != 60 || b[ratelimit.ClassQuote].Window != time.Minute {
		t.Fatalf("quote budget %+v", b[ratelimit.ClassQuote])
	}
	if b[ratelimit.ClassShipping].Limit != 20 || b[ratelimit.ClassShipping].Window != 2*time.Minute {
		t.Fatalf("shipping budget %+v", b[ratelimit.ClassShipping])
	}
	p := f.LockoutPolicy()
	if p.Threshold != 3 || p.LockTTL != 30*time.Minute || p.Window != 15*time.Minute {
		t.Fatalf("lockout policy %+v", p)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("RATE_LIMIT_SHIPPING_COST_LIMIT", "5")
	t.Setenv("RATE_LIMIT_AUTH_WINDOW", "600")
	t.Setenv("LOCKOUT_THRESHOLD", "10")

	f := File{RateLimits: map[string]BudgetConfig{"shipping-cost": {Limit: 50}}}
	b := f.Budgets()
	if b[ratelimit.ClassShipping].Limit != 5 {
		t.Fatalf("expected env limit to win, got %+v", b[ratelimit.ClassShipping])
	}
	if b[ratelimit.ClassAuth].Window != 10*time.Minute {
		t.Fatalf("expected bare seconds window, got %+v", b[ratelimit.ClassAuth])
	}
	if f.LockoutPolicy().Threshold != 10 {
		t.Fatalf("expected env lockout threshold")
	}
}

func TestLoadRejectsBadFiles(t *testing.T) {
	cases := map[string]string{
		"unknown_class": "rate_limits:\n  bulk:\n    limit: 1\n",
		"unknown_field": "lockouts:\n  threshold: 1\n",
		"bad_duration":  "lockout:\n  window: soon\n",
		"negative":      "rate_limits:\n  auth:\n    limit: -1\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeFile(t, body)); err == nil {
				t.Fatal("expected load error")
			}
		})
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected missing file error")
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("CFG_BOOL", "true")
	t.Setenv("CFG_INT", "nope")
	if !EnvBool("CFG_BOOL", false) {
		t.Fatal("expected bool parse")
	}
	if EnvInt("CFG_INT", 7) != 7 {
		t.Fatal("expected default on bad int")
	}
	if Env("CFG_MISSING", "x") != "x" {
		t.Fatal("expected default string")
	}
}

func TestEnvList(t *testing.T) {
	t.Setenv("CFG_BROKERS", " kafka-1:9092, ,kafka-2:9092 ")
	got := EnvList("CFG_BROKERS", "")
	if len(got) != 2 || got[0] != "kafka-1:9092" || got[1] != "kafka-2:9092" {
		t.Fatalf("unexpected list %#v", got)
	}
	if got := EnvList("CFG_BROKERS_MISSING", "localhost:9092"); len(got) != 1 || got[0] != "localhost:9092" {
		t.Fatalf("unexpected default list %#v", got)
	}
	if SplitList(" , ") != nil {
		t.Fatal("expected blank list to be nil")
	}
}
