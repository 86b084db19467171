// Package main provides the entry point of the wallet service: it owns the
// wallet ledger, consumes wallet commands and reports step events back to the
// orchestrator.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/walletline/walletline/config"
	"github.com/walletline/walletline/dedup"
	dedupgorm "github.com/walletline/walletline/dedup/gorm"
	"github.com/walletline/walletline/internal/runtime"
	"github.com/walletline/walletline/ledger"
	ledgergorm "github.com/walletline/walletline/ledger/gorm"
	metricstally "github.com/walletline/walletline/metrics/tally"
	"github.com/walletline/walletline/outbox"
	outboxgorm "github.com/walletline/walletline/outbox/gorm"
	outboxkafka "github.com/walletline/walletline/outbox/kafka"
	"github.com/walletline/walletline/scheduler"
	"github.com/walletline/walletline/stream"
	streamkafka "github.com/walletline/walletline/stream/kafka"
)

func main() {
	cmd := &cli.Command{
		Name:  "walletd",
		Usage: "walletline wallet ledger service",
		Commands: []*cli.Command{
			{
				Name:  "server",
				Usage: "Run the wallet service: command consumer, outbox dispatcher and periodic tasks",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runServer(ctx)
				},
			},
			{
				Name:  "create-wallet",
				Usage: "Create a wallet for an owner",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "owner", Required: true, Usage: "Owner id"},
					&cli.StringFlag{Name: "currency", Value: "EUR", Usage: "ISO currency code"},
					&cli.IntFlag{Name: "balance", Value: 0, Usage: "Opening balance in minor units"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runCreateWallet(ctx, cmd)
				},
			},
			{
				Name:  "show-wallet",
				Usage: "Print the wallet of an owner",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "owner", Required: true, Usage: "Owner id"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runShowWallet(ctx, cmd)
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "walletd: %v\n", err)
		os.Exit(1)
	}
}

// app holds the wired wallet service components.
type app struct {
	cfg        *config.Config
	outbox     *outbox.Outbox
	repository *ledgergorm.Repository
	service    *ledger.Service
	runner     *stream.Runner
	scheduler  *scheduler.Scheduler
	close      func()
}

// newApp wires the wallet service. withConsumer controls whether the inbound
// stream is built; one-shot admin commands skip it.
func newApp(ctx context.Context, withConsumer bool) (*app, error) {
	cfg := config.Load()
	log := runtime.NewLogger(cfg)
	scope, scopeCloser := runtime.NewScope(cfg)

	db, err := runtime.NewGormDB(cfg)
	if err != nil {
		return nil, err
	}

	producer, err := runtime.NewProducer(cfg)
	if err != nil {
		return nil, err
	}

	ob := outbox.New(
		runtime.OutboxSettings(cfg),
		outboxgorm.New(runtime.TxKey, db),
		outboxkafka.New(producer),
		outbox.WithLogger(log),
		outbox.WithCounters(
			&metricstally.Counter{Counter: scope.Counter("outbox_published")},
			&metricstally.Counter{Counter: scope.Counter("outbox_errors")},
		),
	)

	dedupStore := dedupgorm.New(runtime.TxKey, db)
	var guard *dedup.Guard
	if cache := runtime.NewDedupCache(cfg); cache != nil {
		guard = dedup.NewGuard(dedupStore, dedup.WithLogger(log), dedup.WithCache(cache))
	} else {
		guard = dedup.NewGuard(dedupStore, dedup.WithLogger(log))
	}

	repository := ledgergorm.New(runtime.TxKey, db)
	service := ledger.NewService(repository,
		ledger.WithLogger(log),
		ledger.WithMaxRetries(cfg.LedgerMaxRetries),
	)

	a := &app{
		cfg:        cfg,
		outbox:     ob,
		repository: repository,
		service:    service,
		close: func() {
			producer.Close()
			_ = scopeCloser.Close()
		},
	}

	if withConsumer {
		handler := ledger.NewCommandHandler(service, repository, guard, ob,
			cfg.TopicStepEvents, cfg.KafkaConsumerGroup,
			ledger.WithHandlerLogger(log),
		)

		consumer, err := runtime.NewConsumer(cfg)
		if err != nil {
			a.close()
			return nil, err
		}
		a.runner = stream.NewRunner(
			streamkafka.New(consumer),
			handler,
			[]string{cfg.TopicCommands},
			stream.WithLogger(log),
			stream.WithCounters(
				&metricstally.Counter{Counter: scope.Counter("commands_handled")},
				&metricstally.Counter{Counter: scope.Counter("commands_failed")},
			),
		)

		janitor := outbox.NewJanitor(outboxgorm.New(runtime.TxKey, db), cfg.OutboxRetention, log)
		cleaner := dedup.NewCleaner(dedupStore, cfg.DedupRetention, log)

		a.scheduler = scheduler.New(scheduler.WithLogger(log))
		a.scheduler.Add(scheduler.Task{Name: "outbox-janitor", Interval: cfg.CleanupInterval, Run: janitor.Run})
		a.scheduler.Add(scheduler.Task{Name: "dedup-cleaner", Interval: cfg.CleanupInterval, Run: cleaner.Run})
	}

	return a, nil
}

func runServer(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.close()

	a.outbox.Start(ctx)
	a.scheduler.Start(ctx)
	defer a.scheduler.Stop()

	return a.runner.Run(ctx)
}

func runCreateWallet(ctx context.Context, cmd *cli.Command) error {
	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.close()

	now := time.Now()
	w := &ledger.Wallet{
		ID:        uuid.New(),
		OwnerID:   cmd.String("owner"),
		Balance:   cmd.Int("balance"),
		Currency:  cmd.String("currency"),
		Status:    ledger.StatusActive,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.repository.Create(ctx, w); err != nil {
		return err
	}
	fmt.Printf("wallet %s created for owner %s\n", w.ID, w.OwnerID)
	return nil
}

func runShowWallet(ctx context.Context, cmd *cli.Command) error {
	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.close()

	w, err := a.repository.FindByOwner(ctx, cmd.String("owner"))
	if err != nil {
		return err
	}
	fmt.Printf("wallet %s owner=%s balance=%d reserved=%d available=%d %s status=%s version=%d\n",
		w.ID, w.OwnerID, w.Balance, w.Reserved, w.Available(), w.Currency, w.Status, w.Version)
	return nil
}
