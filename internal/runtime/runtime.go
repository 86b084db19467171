// Package runtime wires the infrastructure shared by the walletline service
// binaries: logging, metrics, database handles, Kafka clients and the context
// key that carries the business transaction between the stores.
package runtime

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	zl "github.com/rs/zerolog"
	tally "github.com/uber-go/tally/v4"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/walletline/walletline/config"
	"github.com/walletline/walletline/dedup"
	dedupredis "github.com/walletline/walletline/dedup/redis"
	"github.com/walletline/walletline/logger"
	"github.com/walletline/walletline/logger/zerolog"
	"github.com/walletline/walletline/outbox"
)

// txKeyType is unexported so no other package can collide with the key.
type txKeyType string

// TxKey carries the open business transaction in the context. The pgx-backed
// stores expect a pgx.Tx under it, the gorm-backed ones a *gorm.DB.
const TxKey txKeyType = "walletline.tx"

var _ outbox.TxKey = TxKey

// NewLogger builds the zerolog-backed logger used by every component.
func NewLogger(cfg *config.Config) logger.Logger {
	level, err := zl.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zl.InfoLevel
	}
	l := zl.New(os.Stdout).Level(level).With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Logger()
	return &zerolog.Logger{Logger: l}
}

// NewScope builds the tally metrics root scope. The caller owns the closer.
func NewScope(cfg *config.Config) (tally.Scope, io.Closer) {
	return tally.NewRootScope(tally.ScopeOptions{
		Prefix: cfg.ServiceName,
	}, time.Second)
}

// NewPgxPool opens the pgx connection pool.
func NewPgxPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("could not parse the database url: %w", err)
	}
	pc.MaxConns = int32(cfg.DBMaxOpenConnections)
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("could not open the connection pool: %w", err)
	}
	return pool, nil
}

// NewGormDB opens the gorm handle. TranslateError is required: the stores
// rely on gorm.ErrDuplicatedKey for idempotent inserts.
func NewGormDB(cfg *config.Config) (*gorm.DB, error) {
	db, err := gorm.Open(gormpostgres.Open(cfg.DatabaseURL), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("could not open the database handle: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConnections)
	return db, nil
}

// NewProducer builds the idempotent Kafka producer used by the outbox emitter.
func NewProducer(cfg *config.Config) (*kafka.Producer, error) {
	return kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  cfg.KafkaBootstrapServers,
		"enable.idempotence": true,
	})
}

// NewConsumer builds the Kafka consumer for the inbound stream. Auto-commit
// is disabled: the stream runner commits after each handled message.
func NewConsumer(cfg *config.Config) (*kafka.Consumer, error) {
	return kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  cfg.KafkaBootstrapServers,
		"group.id":           cfg.KafkaConsumerGroup,
		"enable.auto.commit": false,
		"auto.offset.reset":  "earliest",
	})
}

// NewDedupCache builds the optional redis recent-id cache. It returns nil when
// no cache url is configured.
func NewDedupCache(cfg *config.Config) dedup.Cache {
	if cfg.DedupCacheURL == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.DedupCacheURL})
	return dedupredis.New(client, cfg.DedupRetention)
}

// OutboxSettings maps the configuration onto the outbox settings.
func OutboxSettings(cfg *config.Config) outbox.Settings {
	return outbox.Settings{
		EnableDispatcher:     cfg.DispatcherEnabled,
		MaxDispatchers:       cfg.DispatcherMaxInstances,
		PollingInterval:      cfg.DispatcherPollingInterval,
		MaxEventsPerInterval: -1,
		MaxEventsPerBatch:    cfg.DispatcherBatchSize,
		MaxRetries:           cfg.OutboxMaxRetries,
	}
}
