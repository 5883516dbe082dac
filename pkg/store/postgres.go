package store

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	pgxPoolNewWithConfig = pgxpool.NewWithConfig
	postgresSleep        = time.Sleep
)

// PostgresConfig holds order persistence settings. URL wins over the
// discrete fields when set.
type PostgresConfig struct {
	URL             string
	User            string
	Password        string
	Host            string
	Port            int
	Name            string
	SSLMode         string
	RequireTLS      bool
	MaxConns        int32
	Retries         int
	RetryDelay      time.Duration
	PingTimeout     time.Duration
	ApplicationName string
}

func NewPostgresPool(ctx context.Context, pc PostgresConfig) (*pgxpool.Pool, error) {
	dsn := strings.TrimSpace(pc.URL)
	if dsn == "" {
		dsn = pc.DSN()
	}
	if pc.RequireTLS {
		if err := validatePostgresTLS(dsn); err != nil {
			return nil, err
		}
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if pc.ApplicationName != "" {
		if cfg.ConnConfig.RuntimeParams == nil {
			cfg.ConnConfig.RuntimeParams = map[string]string{}
		}
		cfg.ConnConfig.RuntimeParams["application_name"] = pc.ApplicationName
	}
	cfg.MaxConns = 10
	if pc.MaxConns > 0 {
		cfg.MaxConns = pc.MaxConns
	}
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute

	retries := pc.Retries
	if retries <= 0 {
		retries = 30
	}
	delay := pc.RetryDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}
	pingTimeout := pc.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 2 * time.Second
	}
	var lastErr error
	for i := 0; i < retries; i++ {
		pool, err := pgxPoolNewWithConfig(ctx, cfg)
		if err != nil {
			lastErr = err
			postgresSleep(delay)
			continue
		}
		ctxPing, cancel := context.WithTimeout(ctx, pingTimeout)
		err = pool.Ping(ctxPing)
		cancel()
		if err == nil {
			return pool, nil
		}
		lastErr = err
		pool.Close()
		if ctx.Err() != nil {
			break
		}
		postgresSleep(delay)
	}
	return nil, fmt.Errorf("db ping retries exhausted: %w", lastErr)
}

// DSN assembles a postgres URL from the discrete fields.
func (pc PostgresConfig) DSN() string {
	user := strings.TrimSpace(pc.User)
	if user == "" {
		user = "refit"
	}
	host := strings.TrimSpace(pc.Host)
	if host == "" {
		host = "localhost"
	}
	port := pc.Port
	if port <= 0 || port > 65535 {
		port = 5432
	}
	name := strings.TrimSpace(pc.Name)
	if name == "" {
		name = "refit"
	}
	sslmode := strings.TrimSpace(pc.SSLMode)
	if sslmode == "" {
		sslmode = "disable"
	}
	uri := &url.URL{
		Scheme: "postgres",
		Host:   host + ":" + strconv.Itoa(port),
		Path:   "/" + name,
	}
	if pc.Password != "" {
		uri.User = url.UserPassword(user, pc.Password)
	} else {
		uri.User = url.User(user)
	}
	q := uri.Query()
	q.Set("sslmode", sslmode)
	uri.RawQuery = q.Encode()
	return uri.String()
}

func validatePostgresTLS(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid database url: %w", err)
	}
	sslmode := strings.ToLower(strings.TrimSpace(parsed.Query().Get("sslmode")))
	switch sslmode {
	case "verify-full", "verify-ca", "require":
		return nil
	case "allow", "disable", "prefer":
		return fmt.Errorf("database TLS required but sslmode=%q is insecure", sslmode)
	default:
		return fmt.Errorf("database TLS required: set sslmode=require|verify-ca|verify-full")
	}
}
