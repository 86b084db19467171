package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/walletline/walletline/logger"
)

// Cleaner deletes processed-event records older than the retention period,
// bounding storage growth. Records inside the window keep protecting against
// late redeliveries.
type Cleaner struct {
	store     Store
	logger    logger.Logger
	retention time.Duration
}

func NewCleaner(s Store, retention time.Duration, l logger.Logger) *Cleaner {
	if s == nil {
		panic("store is mandatory")
	}
	if l == nil {
		l = &logger.NopLogger{}
	}
	return &Cleaner{
		store:     s,
		logger:    l,
		retention: retention,
	}
}

// Run performs a single cleanup pass. It is intended to be scheduled as a
// periodic task.
func (c *Cleaner) Run(ctx context.Context) error {
	deleted, err := c.store.DeleteBefore(ctx, time.Now().Add(-c.retention))
	if err != nil {
		return fmt.Errorf("deleting processed-event records: %w", err)
	}
	if deleted > 0 {
		c.logger.Debug(fmt.Sprintf("deleted %d processed-event records past retention", deleted))
	}
	return nil
}
