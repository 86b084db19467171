package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/walletline/walletline/logger"
)

const defaultRequeueBatch = 500

// Janitor bounds outbox storage growth while preserving at-least-once
// semantics: sent records are deleted once they age past the retention
// window, and failed records with remaining retry budget are moved back
// to PENDING so a dispatcher picks them up again.
type Janitor struct {
	repository Repository
	logger     logger.Logger
	retention  time.Duration
}

func NewJanitor(r Repository, retention time.Duration, l logger.Logger) *Janitor {
	if r == nil {
		panic("repository is mandatory")
	}
	if l == nil {
		l = &logger.NopLogger{}
	}
	return &Janitor{
		repository: r,
		logger:     l,
		retention:  retention,
	}
}

// Run performs a single cleanup pass. It is intended to be scheduled as a
// periodic task.
func (j *Janitor) Run(ctx context.Context) error {
	deleted, err := j.repository.DeleteSentBefore(time.Now().Add(-j.retention))
	if err != nil {
		return fmt.Errorf("deleting sent outbox records: %w", err)
	}
	if deleted > 0 {
		j.logger.Debug(fmt.Sprintf("deleted %d sent outbox records past retention", deleted))
	}

	requeued, err := j.repository.RequeueFailed(defaultRequeueBatch)
	if err != nil {
		return fmt.Errorf("requeueing failed outbox records: %w", err)
	}
	if requeued > 0 {
		j.logger.Info(fmt.Sprintf("requeued %d failed outbox records", requeued))
	}

	return nil
}
