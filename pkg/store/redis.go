package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig describes the shared store that holds nonces, attempt
// counters and lockouts. Every instance must point at the same server.
type RedisConfig struct {
	Addr          string
	Password      string
	DB            int
	TLS           bool
	TLSInsecure   bool
	AllowInsecure bool
	ServerName    string
	CACertFile    string
	CertFile      string
	KeyFile       string
	RequireTLS    bool
	PingTimeout   time.Duration
}

func NewRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 2 * time.Second
	}
	tlsConfig, err := cfg.tlsConfig()
	if err != nil {
		return nil, err
	}
	if cfg.RequireTLS && tlsConfig == nil {
		return nil, fmt.Errorf("redis: TLS required but not enabled")
	}
	client := redis.NewClient(&redis.Options{
		Addr:      cfg.Addr,
		Password:  cfg.Password,
		DB:        cfg.DB,
		TLSConfig: tlsConfig,
	})
	ctxPing, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := client.Ping(ctxPing).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return client, nil
}

func (cfg RedisConfig) tlsConfig() (*tls.Config, error) {
	if !cfg.TLS {
		return nil, nil
	}
	out := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.TLSInsecure {
		if !cfg.AllowInsecure {
			return nil, fmt.Errorf("redis: insecure TLS requires explicit allow flag")
		}
		out.InsecureSkipVerify = true
	}
	if name := strings.TrimSpace(cfg.ServerName); name != "" {
		out.ServerName = name
	}
	if caFile := strings.TrimSpace(cfg.CACertFile); caFile != "" {
		caBytes, err := os.ReadFile(filepath.Clean(caFile))
		if err != nil {
			return nil, fmt.Errorf("read redis CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, fmt.Errorf("parse redis CA file: no valid certificates")
		}
		out.RootCAs = pool
	}
	certFile := strings.TrimSpace(cfg.CertFile)
	keyFile := strings.TrimSpace(cfg.KeyFile)
	if certFile != "" || keyFile != "" {
		if certFile == "" || keyFile == "" {
			return nil, fmt.Errorf("redis: both cert and key files must be set")
		}
		cert, err := tls.LoadX509KeyPair(filepath.Clean(certFile), filepath.Clean(keyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis mTLS keypair: %w", err)
		}
		out.Certificates = []tls.Certificate{cert}
	}
	return out, nil
}
