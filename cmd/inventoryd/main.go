// Command inventoryd records devices acquired by settled orders. It reads
// order-settled events from Kafka and writes one inventory row per order.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/joho/godotenv"

	"refit/pkg/config"
	"refit/pkg/eventbus"
	"refit/pkg/hardening"
	"refit/pkg/inventory"
	"refit/pkg/logging"
	"refit/pkg/store"
)

type inventoryStore interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

// Testable variables for main()
var (
	logFatalf  = log.Fatalf
	openDBFn   = openPostgres
	consumerFn = func(cfg eventbus.KafkaConfig) (eventbus.Consumer, error) { return eventbus.NewKafkaConsumer(cfg) }
)

func main() {
	_ = godotenv.Load()
	if err := run(); err != nil {
		logFatalf("inventoryd: %v", err)
	}
}

func run() error {
	runtimeEnv := config.Env("ENVIRONMENT", "development")
	logging.Setup("inventoryd", runtimeEnv)
	if err := hardening.ValidateWorker(hardening.Options{
		Service:            "inventoryd",
		Environment:        runtimeEnv,
		StrictProdSecurity: config.Env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS: config.Env("DATABASE_REQUIRE_TLS", ""),
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "KAFKA_BROKERS", Value: config.Env("KAFKA_BROKERS", "")},
		},
	}); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := openDBFn(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	consumer, err := consumerFn(eventbus.KafkaConfig{
		Brokers: config.EnvList("KAFKA_BROKERS", "localhost:9092"),
		Topic:   config.Env("KAFKA_SETTLED_TOPIC", "orders.settled"),
		GroupID: config.Env("KAFKA_GROUP_ID", "inventoryd"),
	})
	if err != nil {
		return fmt.Errorf("kafka: %w", err)
	}
	defer consumer.Close()

	slog.Info("inventoryd consuming settled orders")
	w := &inventory.Worker{
		Consumer: consumer,
		Recorder: &inventory.Recorder{DB: pool},
		Backoff:  config.EnvDuration("KAFKA_RETRY_BACKOFF", 0),
	}
	return w.Run(ctx)
}

func openPostgres(ctx context.Context) (inventoryStore, error) {
	return store.NewPostgresPool(ctx, store.PostgresConfig{
		URL:             config.Env("DATABASE_URL", ""),
		RequireTLS:      config.EnvBool("DATABASE_REQUIRE_TLS", false),
		MaxConns:        4,
		ApplicationName: "inventoryd",
	})
}
