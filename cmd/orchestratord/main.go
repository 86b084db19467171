// Package main provides the entry point of the orchestrator service: it owns
// the saga state, consumes wallet step events and issues wallet commands.
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
	deduppgx "github.com/walletline/walletline/dedup/pgxv5"
	"github.com/walletline/walletline/internal/runtime"
	metricstally "github.com/walletline/walletline/metrics/tally"
	"github.com/walletline/walletline/outbox"
	outboxkafka "github.com/walletline/walletline/outbox/kafka"
	outboxpgx "github.com/walletline/walletline/outbox/pgxv5"
	"github.com/walletline/walletline/saga"
	sagapgx "github.com/walletline/walletline/saga/pgxv5"
	"github.com/walletline/walletline/scheduler"
	"github.com/walletline/walletline/stream"
	streamkafka "github.com/walletline/walletline/stream/kafka"
)

func main() {
	cmd := &cli.Command{
		Name:  "orchestratord",
		Usage: "walletline money-movement orchestrator",
		Commands: []*cli.Command{
			{
				Name:  "server",
				Usage: "Run the orchestrator: step event consumer, outbox dispatcher and periodic tasks",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runServer(ctx)
				},
			},
			{
				Name:  "transfer",
				Usage: "Initiate a transfer between two wallet owners",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "sender", Required: true, Usage: "Owner id of the debited wallet"},
					&cli.StringFlag{Name: "recipient", Required: true, Usage: "Owner id of the credited wallet"},
					&cli.IntFlag{Name: "amount", Required: true, Usage: "Amount in minor units"},
					&cli.StringFlag{Name: "currency", Value: "EUR", Usage: "ISO currency code"},
					&cli.StringFlag{Name: "description", Usage: "Free-form description"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runTransfer(ctx, cmd)
				},
			},
			{
				Name:  "request-money",
				Usage: "Create a money request that waits for the payer's approval",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "requester", Required: true, Usage: "Owner id of the requesting (credited) wallet"},
					&cli.StringFlag{Name: "payer", Required: true, Usage: "Owner id of the paying (debited) wallet"},
					&cli.IntFlag{Name: "amount", Required: true, Usage: "Amount in minor units"},
					&cli.StringFlag{Name: "currency", Value: "EUR", Usage: "ISO currency code"},
					&cli.StringFlag{Name: "description", Usage: "Free-form description"},
					&cli.DurationFlag{Name: "expires-in", Value: 72 * time.Hour, Usage: "How long the request stays approvable"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runRequestMoney(ctx, cmd)
				},
			},
			{
				Name:  "approve",
				Usage: "Approve a pending money request",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "id", Required: true, Usage: "Saga id of the money request"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runApprove(ctx, cmd)
				},
			},
			{
				Name:  "decline",
				Usage: "Decline a pending money request",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "id", Required: true, Usage: "Saga id of the money request"},
					&cli.StringFlag{Name: "reason", Usage: "Optional decline reason"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runDecline(ctx, cmd)
				},
			},
			{
				Name:  "cancel",
				Usage: "Cancel a pending money request",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "id", Required: true, Usage: "Saga id of the money request"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runCancel(ctx, cmd)
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "orchestratord: %v\n", err)
		os.Exit(1)
	}
}

// app holds the wired orchestrator components.
type app struct {
	cfg         *config.Config
	outbox      *outbox.Outbox
	coordinator *saga.Coordinator
	runner      *stream.Runner
	scheduler   *scheduler.Scheduler
	close       func()
}

// newApp wires the orchestrator. withConsumer controls whether the inbound
// stream is built; one-shot admin commands skip it.
func newApp(ctx context.Context, withConsumer bool) (*app, error) {
	cfg := config.Load()
	log := runtime.NewLogger(cfg)
	scope, scopeCloser := runtime.NewScope(cfg)

	pool, err := runtime.NewPgxPool(ctx, cfg)
	if err != nil {
		return nil, err
	}

	producer, err := runtime.NewProducer(cfg)
	if err != nil {
		pool.Close()
		return nil, err
	}

	ob := outbox.New(
		runtime.OutboxSettings(cfg),
		outboxpgx.New(runtime.TxKey, pool),
		outboxkafka.New(producer),
		outbox.WithLogger(log),
		outbox.WithCounters(
			&metricstally.Counter{Counter: scope.Counter("outbox_published")},
			&metricstally.Counter{Counter: scope.Counter("outbox_errors")},
		),
	)

	dedupStore := deduppgx.New(runtime.TxKey, pool)
	var guard *dedup.Guard
	if cache := runtime.NewDedupCache(cfg); cache != nil {
		guard = dedup.NewGuard(dedupStore, dedup.WithLogger(log), dedup.WithCache(cache))
	} else {
		guard = dedup.NewGuard(dedupStore, dedup.WithLogger(log))
	}

	store := sagapgx.New(runtime.TxKey, pool)
	coordinator := saga.NewCoordinator(store, guard, ob,
		saga.Topics{
			Commands:      cfg.TopicCommands,
			Notifications: cfg.TopicNotifications,
		},
		cfg.KafkaConsumerGroup,
		saga.WithLogger(log),
		saga.WithCounters(
			&metricstally.Counter{Counter: scope.Counter("sagas_completed")},
			&metricstally.Counter{Counter: scope.Counter("sagas_compensated")},
		),
	)

	a := &app{
		cfg:         cfg,
		outbox:      ob,
		coordinator: coordinator,
		close: func() {
			producer.Close()
			pool.Close()
			_ = scopeCloser.Close()
		},
	}

	if withConsumer {
		consumer, err := runtime.NewConsumer(cfg)
		if err != nil {
			a.close()
			return nil, err
		}
		a.runner = stream.NewRunner(
			streamkafka.New(consumer),
			saga.NewEventHandler(coordinator, log),
			[]string{cfg.TopicStepEvents},
			stream.WithLogger(log),
			stream.WithCounters(
				&metricstally.Counter{Counter: scope.Counter("events_handled")},
				&metricstally.Counter{Counter: scope.Counter("events_failed")},
			),
		)

		janitor := outbox.NewJanitor(outboxpgx.New(runtime.TxKey, pool), cfg.OutboxRetention, log)
		cleaner := dedup.NewCleaner(dedupStore, cfg.DedupRetention, log)

		a.scheduler = scheduler.New(scheduler.WithLogger(log))
		a.scheduler.Add(scheduler.Task{Name: "outbox-janitor", Interval: cfg.CleanupInterval, Run: janitor.Run})
		a.scheduler.Add(scheduler.Task{Name: "dedup-cleaner", Interval: cfg.CleanupInterval, Run: cleaner.Run})
		a.scheduler.Add(scheduler.Task{Name: "request-expirer", Interval: cfg.RequestExpiryInterval, Run: coordinator.ExpireRequests})
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

func runTransfer(ctx context.Context, cmd *cli.Command) error {
	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.close()

	s, err := a.coordinator.InitiateTransfer(ctx, saga.Initiation{
		InitiatorID:    cmd.String("sender"),
		CounterpartyID: cmd.String("recipient"),
		Amount:         cmd.Int("amount"),
		Currency:       cmd.String("currency"),
		Description:    cmd.String("description"),
	})
	if err != nil {
		return err
	}
	fmt.Printf("transfer %s accepted (%s)\n", s.Reference, s.ID)
	return nil
}

func runRequestMoney(ctx context.Context, cmd *cli.Command) error {
	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.close()

	s, err := a.coordinator.CreateMoneyRequest(ctx, saga.RequestInitiation{
		RequesterID: cmd.String("requester"),
		PayerID:     cmd.String("payer"),
		Amount:      cmd.Int("amount"),
		Currency:    cmd.String("currency"),
		Description: cmd.String("description"),
		ExpiresAt:   time.Now().Add(cmd.Duration("expires-in")),
	})
	if err != nil {
		return err
	}
	fmt.Printf("money request %s created (%s)\n", s.Reference, s.ID)
	return nil
}

func runApprove(ctx context.Context, cmd *cli.Command) error {
	a, id, err := appWithSagaID(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	s, err := a.coordinator.ApproveMoneyRequest(ctx, id)
	if err != nil {
		return err
	}
	fmt.Printf("money request %s approved\n", s.Reference)
	return nil
}

func runDecline(ctx context.Context, cmd *cli.Command) error {
	a, id, err := appWithSagaID(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.coordinator.DeclineMoneyRequest(ctx, id, cmd.String("reason")); err != nil {
		return err
	}
	fmt.Println("money request declined")
	return nil
}

func runCancel(ctx context.Context, cmd *cli.Command) error {
	a, id, err := appWithSagaID(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.coordinator.CancelMoneyRequest(ctx, id); err != nil {
		return err
	}
	fmt.Println("money request cancelled")
	return nil
}

func appWithSagaID(ctx context.Context, cmd *cli.Command) (*app, uuid.UUID, error) {
	id, err := uuid.Parse(cmd.String("id"))
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("invalid saga id: %w", err)
	}
	a, err := newApp(ctx, false)
	if err != nil {
		return nil, uuid.Nil, err
	}
	return a, id, nil
}
