// Package dedup implements the idempotent consumer side of at-least-once
// delivery: every inbound message identity is checked against a write-once
// processed-event store before its effect is applied, so redeliveries and
// consumer-group rebalances cannot apply an effect twice.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/walletline/walletline/logger"
)

// ErrDuplicateInsert is returned by stores when a concurrent writer already
// registered the same event id. The guard treats it as success: the other
// writer won the race and both observed "processed".
var ErrDuplicateInsert = errors.New("event id already registered")

// Store manages processed-event records. The (eventID) key must be unique at
// the storage level so concurrent duplicate inserts fail harmlessly.
type Store interface {

	// Exists reports whether the event id has already been registered. It runs
	// within the business transaction present in the context when there is one.
	Exists(ctx context.Context, eventID string) (bool, error)

	// Insert registers the event id for a consumer group, returning
	// ErrDuplicateInsert when another writer got there first. It runs within
	// the business transaction present in the context when there is one.
	Insert(ctx context.Context, eventID string, consumerGroup string) error

	// DeleteBefore removes records processed before the cutoff and returns
	// how many were deleted.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Cache is an optional best-effort fast path in front of the store. Failures
// are logged and ignored; the store remains the source of truth.
type Cache interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Remember(ctx context.Context, eventID string) error
}

// Guard answers "have I already acted on this message" and records
// "I have now acted".
type Guard struct {
	store  Store
	cache  Cache
	logger logger.Logger
}

type opt func(g *Guard)

// WithCache allows clients to configure an optional recent-id cache.
func WithCache(c Cache) opt {
	return func(g *Guard) {
		if c != nil {
			g.cache = c
		}
	}
}

// WithLogger allows clients to configure an optional logger.
func WithLogger(l logger.Logger) opt {
	return func(g *Guard) {
		if l != nil {
			g.logger = l
		}
	}
}

func NewGuard(s Store, options ...opt) *Guard {
	if s == nil {
		panic("store is mandatory")
	}
	g := &Guard{
		store:  s,
		logger: &logger.NopLogger{},
	}
	for _, o := range options {
		o(g)
	}
	if l, ok := s.(logger.Loggable); ok {
		l.SetLogger(g.logger)
	}
	return g
}

// AlreadyProcessed reports whether the event id was already acted on. A blank
// id is treated as non-deduplicable and always processed.
func (g *Guard) AlreadyProcessed(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, nil
	}
	if g.cache != nil {
		seen, err := g.cache.Seen(ctx, eventID)
		if err != nil {
			g.logger.Warn(fmt.Sprintf("dedup cache lookup failed for '%s', falling back to the store", eventID))
		} else if seen {
			return true, nil
		}
	}
	return g.store.Exists(ctx, eventID)
}

// MarkProcessed registers that the consumer group finished acting on the
// event. When the protected side effect is transactional this must be called
// within the same transaction, carried in the context. A concurrent duplicate
// insert is absorbed as success.
func (g *Guard) MarkProcessed(ctx context.Context, eventID string, consumerGroup string) error {
	if eventID == "" {
		return nil
	}
	exists, err := g.store.Exists(ctx, eventID)
	if err != nil {
		return err
	}
	if !exists {
		if err := g.store.Insert(ctx, eventID, consumerGroup); err != nil && !errors.Is(err, ErrDuplicateInsert) {
			return err
		}
	}
	if g.cache != nil {
		if err := g.cache.Remember(ctx, eventID); err != nil {
			g.logger.Warn(fmt.Sprintf("dedup cache write failed for '%s'", eventID))
		}
	}
	return nil
}
