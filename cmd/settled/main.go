// Command settled serves the trade-in settlement API: quotes, wallet
// challenges, deposit verification, the inspection lifecycle and payouts.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"refit/pkg/audit"
	"refit/pkg/auth"
	"refit/pkg/chain"
	"refit/pkg/config"
	"refit/pkg/eventbus"
	"refit/pkg/hardening"
	"refit/pkg/httpx"
	"refit/pkg/lockout"
	"refit/pkg/logging"
	"refit/pkg/metrics"
	"refit/pkg/order"
	"refit/pkg/orderfsm"
	"refit/pkg/payout"
	"refit/pkg/quote"
	"refit/pkg/ratelimit"
	"refit/pkg/store"
	"refit/pkg/stream"
	"refit/pkg/telemetry"
)

// USDC on mainnet; override with PAYOUT_MINT on other clusters.
const defaultUSDCMint = "EPjFWt5MhzVemAZvwjhPQjr9jKtTbGSqCMxbyZqQ3Uc2"

type settledInitTelemetryFunc func(ctx context.Context, cfg telemetry.Config) (func(context.Context) error, error)
type settledOpenDBFunc func(ctx context.Context, cfg store.PostgresConfig) (orderStore, error)
type settledOpenRedisFunc func(ctx context.Context, cfg store.RedisConfig) (*redis.Client, error)
type settledListenFunc func(ctx context.Context, server *http.Server) error

// orderStore is what the Postgres pool provides to the repository and
// history writer.
type orderStore interface {
	order.PostgresDB
	Close()
}

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context, cfg store.PostgresConfig) (orderStore, error) {
		return store.NewPostgresPool(ctx, cfg)
	}
	openRedisFnG = store.NewRedis
	listenFnG    = listenAndServe
)

func main() {
	_ = godotenv.Load()
	if err := runSettled(initTelemetryG, openDBFnG, openRedisFnG, listenFnG); err != nil {
		logFatalf("settled: %v", err)
	}
}

func runSettled(
	initTelemetry settledInitTelemetryFunc,
	openDB settledOpenDBFunc,
	openRedis settledOpenRedisFunc,
	listen settledListenFunc,
) error {
	runtimeEnv := config.Env("ENVIRONMENT", config.Env("APP_ENV", "development"))
	logging.Setup("settled", runtimeEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := initTelemetry(ctx, telemetry.ConfigFromEnv("settled"))
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if err := hardening.ValidateProduction(hardening.Options{
		Service:            "settled",
		Environment:        runtimeEnv,
		StrictProdSecurity: config.Env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS: config.Env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:          config.Env("REDIS_ADDR", ""),
		RedisRequireTLS:    config.Env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:   config.Env("REDIS_TLS_INSECURE", ""),
		RateLimitFallback:  config.Env("RATE_LIMIT_FALLBACK", ""),
		CORSAllowedOrigins: config.Env("CORS_ALLOWED_ORIGINS", ""),
		AdminOrigins:       config.Env("ADMIN_ALLOWED_ORIGINS", ""),
		SolanaRPCURL:       config.Env("SOLANA_RPC_URL", ""),
		AdminSecret:        config.Env("ADMIN_SECRET", ""),
		QuoteSecret:        config.Env("QUOTE_SECRET", ""),
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "CUSTODY_PRIVATE_KEY", Value: config.Env("CUSTODY_PRIVATE_KEY", "")},
			{Name: "AUDIT_HASH_SALT", Value: config.Env("AUDIT_HASH_SALT", "")},
		},
	}); err != nil {
		return err
	}

	file, err := config.Load(config.Env("SETTLE_CONFIG", ""))
	if err != nil {
		return err
	}

	pool, err := openDB(ctx, store.PostgresConfig{
		URL:             config.Env("DATABASE_URL", ""),
		RequireTLS:      config.EnvBool("DATABASE_REQUIRE_TLS", false),
		MaxConns:        int32(config.EnvInt("DATABASE_MAX_CONNS", 10)),
		ApplicationName: "settled",
	})
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	redisClient, err := openRedis(ctx, store.RedisConfig{
		Addr:        config.Env("REDIS_ADDR", ""),
		Password:    config.Env("REDIS_PASSWORD", ""),
		TLS:         config.EnvBool("REDIS_TLS", false),
		TLSInsecure: config.EnvBool("REDIS_TLS_INSECURE", false),
		RequireTLS:  config.EnvBool("REDIS_REQUIRE_TLS", false),
	})
	if err != nil {
		if config.Env("RATE_LIMIT_FALLBACK", "") != "memory" {
			return fmt.Errorf("redis: %w", err)
		}
		log.Printf("redis unavailable, falling back to in-memory nonces/limits/lockouts: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	s, err := buildServer(file, pool, redisClient)
	if err != nil {
		return err
	}
	if brokers := config.Env("KAFKA_BROKERS", ""); brokers != "" {
		pub, err := eventbus.NewKafkaPublisher(eventbus.KafkaConfig{
			Brokers: config.SplitList(brokers),
			Topic:   config.Env("KAFKA_SETTLED_TOPIC", "orders.settled"),
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer pub.Close()
		s.Bus = pub
	}

	server := &http.Server{
		Addr:              config.Env("ADDR", ":8090"),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		// Pay can wait up to the payout finality timeout.
		WriteTimeout: config.EnvDuration("PAYOUT_TIMEOUT", payout.DefaultTimeout) + 30*time.Second,
	}
	slog.Info("settled listening", "addr", server.Addr, "environment", runtimeEnv)
	return listen(ctx, server)
}

func buildServer(file config.File, db order.PostgresDB, redisClient *redis.Client) (*Server, error) {
	reg := metrics.NewRegistry()
	identity := &ratelimit.IdentityResolver{
		Trusted:        ratelimit.ParseCIDRs(config.Env("TRUSTED_PROXY_CIDRS", "")),
		TrustForwarded: config.EnvBool("TRUST_FORWARDED_HEADERS", false),
	}

	var (
		cache   store.Cache
		limiter ratelimit.Limiter
		guard   lockout.Guard
	)
	lockPolicy := file.LockoutPolicy()
	if redisClient != nil {
		cache = store.NewRedisCache(redisClient)
		limiter = ratelimit.NewRedis(redisClient)
		guard = lockout.NewRedis(redisClient, lockPolicy)
	} else {
		cache = store.NewMemoryCache()
		limiter = ratelimit.NewInMemory()
		guard = lockout.NewMemory(lockPolicy)
	}
	limits := &ratelimit.Policy{
		Limiter:  limiter,
		Budgets:  file.Budgets(),
		Identity: identity,
		OnReject: func(c ratelimit.Class) { reg.RateLimited(string(c)) },
	}

	signer, err := quote.NewSigner(config.Env("QUOTE_SECRET", ""))
	if err != nil {
		return nil, err
	}
	pricer, err := buildPricer()
	if err != nil {
		return nil, err
	}

	ledger := chain.NewRPCLedger(config.Env("SOLANA_RPC_URL", "https://api.devnet.solana.com"), config.EnvInt("SOLANA_RPC_RPS", 0))
	cluster := config.Env("SOLANA_CLUSTER", "devnet")
	custodyKey, custody, err := custodyFromEnv()
	if err != nil {
		return nil, err
	}
	mint, err := solana.PublicKeyFromBase58(config.Env("PAYOUT_MINT", defaultUSDCMint))
	if err != nil {
		return nil, fmt.Errorf("PAYOUT_MINT: %w", err)
	}
	decimals := uint8(config.EnvInt("PAYOUT_DECIMALS", 6))

	depositInSOL := strings.EqualFold(config.Env("DEPOSIT_ASSET", "USDC"), "SOL")
	asset := chain.Asset{Symbol: "USDC", Mint: mint, Decimals: decimals}
	if depositInSOL {
		asset = chain.SOL
	}
	tolerance := chain.DefaultTolerance()
	if raw := config.Env("DEPOSIT_TOLERANCE", ""); raw != "" {
		if tolerance, err = decimal.NewFromString(raw); err != nil {
			return nil, fmt.Errorf("DEPOSIT_TOLERANCE: %w", err)
		}
	}
	verifier := &chain.Verifier{
		Ledger:    ledger,
		Custody:   custody,
		Asset:     asset,
		Tolerance: tolerance,
		Timeout:   config.EnvDuration("DEPOSIT_VERIFY_TIMEOUT", 20*time.Second),
		OnResult:  reg.Deposit,
	}

	var payer order.Payer = payoutsDisabled{}
	if custodyKey != nil {
		payer = &payout.Executor{
			Ledger:       ledger,
			Custody:      custodyKey,
			Mint:         mint,
			Decimals:     decimals,
			Cluster:      cluster,
			PriorityFee:  uint64(config.EnvInt("PAYOUT_PRIORITY_FEE", 0)),
			ComputeUnits: uint32(config.EnvInt("PAYOUT_COMPUTE_UNITS", 0)),
			Timeout:      config.EnvDuration("PAYOUT_TIMEOUT", payout.DefaultTimeout),
			OnResult:     reg.Payout,
		}
	}

	history := &audit.Writer{
		DB:       db,
		HashSalt: []byte(config.Env("AUDIT_HASH_SALT", "")),
		Redact:   config.EnvBool("AUDIT_REDACT", true),
	}

	adminOrigins := httpx.ParseOrigins(config.Env("ADMIN_ALLOWED_ORIGINS", ""))
	s := &Server{
		Signer:              signer,
		Issuer:              &quote.Issuer{Signer: signer, Pricer: pricer, TTL: config.EnvDuration("QUOTE_TTL", quote.DefaultTTL)},
		Nonces:              auth.NewNonceStore(cache, auth.DefaultNonceTTL),
		Lockouts:            guard,
		Limits:              limits,
		Identity:            identity,
		Metrics:             reg,
		Events:              stream.NewHub(),
		CORSAllowedOrigins:  httpx.ParseOrigins(config.Env("CORS_ALLOWED_ORIGINS", "")),
		StreamOrigins:       adminOrigins.Hosts(),
		MaxRequestBodyBytes: int64(config.EnvInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
		IdentitySalt:        config.Env("AUDIT_HASH_SALT", ""),
	}
	reg.WatchStream(s.Events.Subscribers, s.Events.Dropped)
	s.Wallets = &auth.WalletAuth{Nonces: s.Nonces, Guard: guard}
	s.Admin = &auth.AdminGate{
		Secret:             config.Env("ADMIN_SECRET", ""),
		AllowedOrigins:     adminOrigins,
		AllowMissingOrigin: config.EnvBool("ADMIN_ALLOW_MISSING_ORIGIN", true),
		Guard:              guard,
		Limits:             limits,
		Identity:           identity,
		OnFailure: func(locked bool) {
			reg.AuthFailed("admin")
			if locked {
				reg.Locked("admin")
			}
		},
	}
	s.Orders = &order.Service{
		Repo:         order.NewPostgresRepository(db, history),
		Quotes:       signer,
		Deposits:     verifier,
		Payouts:      payer,
		Policy:       orderfsm.ConditionPolicy(config.Env("CONDITION_POLICY", string(orderfsm.PolicyExact))),
		DepositInSOL: depositInSOL,
		OnEvent:      s.publishEvent,
		OnSettled:    s.publishSettled,
	}
	return s, nil
}

func buildPricer() (quote.Pricer, error) {
	if url := config.Env("PRICING_URL", ""); url != "" {
		return &quote.HTTPPricer{
			URL:        url,
			Client:     telemetry.InstrumentClient(&http.Client{Timeout: config.EnvDuration("PRICING_TIMEOUT", 3*time.Second)}),
			Retries:    config.EnvInt("PRICING_RETRIES", 1),
			RetryDelay: config.EnvDuration("PRICING_RETRY_DELAY", 100*time.Millisecond),
		}, nil
	}
	path := config.Env("PRICE_TABLE", "")
	if path == "" {
		return nil, errors.New("PRICING_URL or PRICE_TABLE is required")
	}
	return quote.LoadStaticPricer(path)
}

// custodyFromEnv returns the payout key when configured and the custody
// address deposits must reach. The address is derived from the key when
// both are set and must agree.
func custodyFromEnv() (solana.PrivateKey, solana.PublicKey, error) {
	var key solana.PrivateKey
	if raw := strings.TrimSpace(config.Env("CUSTODY_PRIVATE_KEY", "")); raw != "" {
		k, err := solana.PrivateKeyFromBase58(raw)
		if err != nil {
			return nil, solana.PublicKey{}, fmt.Errorf("CUSTODY_PRIVATE_KEY: %w", err)
		}
		key = k
	}
	raw := strings.TrimSpace(config.Env("CUSTODY_ADDRESS", ""))
	if raw == "" {
		if key == nil {
			return nil, solana.PublicKey{}, errors.New("CUSTODY_ADDRESS or CUSTODY_PRIVATE_KEY is required")
		}
		return key, key.PublicKey(), nil
	}
	addr, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		return nil, solana.PublicKey{}, fmt.Errorf("CUSTODY_ADDRESS: %w", err)
	}
	if key != nil && !key.PublicKey().Equals(addr) {
		return nil, solana.PublicKey{}, errors.New("CUSTODY_ADDRESS does not match CUSTODY_PRIVATE_KEY")
	}
	return key, addr, nil
}

func listenAndServe(ctx context.Context, server *http.Server) error {
	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
