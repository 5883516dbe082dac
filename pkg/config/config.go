// Package config reads service settings from the environment with an
// optional YAML file for throttling and lockout policy.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"refit/pkg/lockout"
	"refit/pkg/ratelimit"
)

// Duration wraps time.Duration so YAML can carry "15m" style values.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	if value.Value == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	d.Duration = parsed
	return nil
}

type BudgetConfig struct {
	Limit  int      `yaml:"limit"`
	Window Duration `yaml:"window"`
}

type LockoutConfig struct {
	Threshold int      `yaml:"threshold"`
	Window    Duration `yaml:"window"`
	LockTTL   Duration `yaml:"lock_ttl"`
}

// File is the YAML document named by SETTLE_CONFIG.
type File struct {
	RateLimits map[string]BudgetConfig `yaml:"rate_limits"`
	Lockout    LockoutConfig           `yaml:"lockout"`
}

// Load reads path. An empty path yields an empty File so callers fall back
// to defaults and environment overrides.
func Load(path string) (File, error) {
	var f File
	if strings.TrimSpace(path) == "" {
		return f, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return f, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return f, fmt.Errorf("decode config: %w", err)
	}
	return f, f.validate()
}

func (f File) validate() error {
	known := ratelimit.DefaultBudgets()
	for name, b := range f.RateLimits {
		if _, ok := known[ratelimit.Class(name)]; !ok {
			return fmt.Errorf("rate_limits: unknown class %q", name)
		}
		if b.Limit < 0 || b.Window.Duration < 0 {
			return fmt.Errorf("rate_limits.%s: limit and window must be non-negative", name)
		}
	}
	if f.Lockout.Threshold < 0 {
		return fmt.Errorf("lockout.threshold must be non-negative")
	}
	return nil
}

// Budgets merges the file over the defaults, then applies
// RATE_LIMIT_<CLASS>_LIMIT and RATE_LIMIT_<CLASS>_WINDOW from the environment.
func (f File) Budgets() map[ratelimit.Class]ratelimit.Budget {
	out := ratelimit.DefaultBudgets()
	for class, b := range out {
		if c, ok := f.RateLimits[string(class)]; ok {
			if c.Limit > 0 {
				b.Limit = c.Limit
			}
			if c.Window.Duration > 0 {
				b.Window = c.Window.Duration
			}
		}
		prefix := "RATE_LIMIT_" + envName(string(class))
		b.Limit = EnvInt(prefix+"_LIMIT", b.Limit)
		b.Window = EnvDuration(prefix+"_WINDOW", b.Window)
		out[class] = b
	}
	return out
}

// LockoutPolicy layers the file and LOCKOUT_* variables over the defaults.
func (f File) LockoutPolicy() lockout.Policy {
	p := lockout.DefaultPolicy()
	if f.Lockout.Threshold > 0 {
		p.Threshold = f.Lockout.Threshold
	}
	if f.Lockout.Window.Duration > 0 {
		p.Window = f.Lockout.Window.Duration
	}
	if f.Lockout.LockTTL.Duration > 0 {
		p.LockTTL = f.Lockout.LockTTL.Duration
	}
	p.Threshold = EnvInt("LOCKOUT_THRESHOLD", p.Threshold)
	p.Window = EnvDuration("LOCKOUT_WINDOW", p.Window)
	p.LockTTL = EnvDuration("LOCKOUT_TTL", p.LockTTL)
	return p
}

func envName(class string) string {
	return strings.ToUpper(strings.ReplaceAll(class, "-", "_"))
}

func Env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func EnvInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func EnvBool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// EnvDuration accepts Go durations ("90s") or bare seconds ("90").
func EnvDuration(k string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}

// SplitList splits a comma-separated value, dropping blanks.
func SplitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func EnvList(k, def string) []string {
	return SplitList(Env(k, def))
}
