package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/walletline/walletline/logger"
	"github.com/walletline/walletline/metrics"
)

type dispatcher struct {
	id         uuid.UUID
	settings   Settings
	logger     logger.Logger
	emitter    Emitter
	repository Repository
	successCtr metrics.Counter
	errorCtr   metrics.Counter
}

// launchDispatcher starts a subscription loop to attempt the registration of a new dispatcher
// within the 'outbox_dispatcher_subscription'. Only subscribed dispatchers can deliver
// outbox entries to the configured emitter. The function also ensures the consistent updating
// of the "alive_at" column to avoid losing the dispatcher subscription.
func (d *dispatcher) launchDispatcher(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	subscribed := false
	for {
		if !subscribed {
			if success, subscription, err := d.repository.SubscribeDispatcher(d.id, d.settings.MaxDispatchers); success {
				d.logger.Debug(fmt.Sprintf("subscription '%d' assigned to dispatcher '%s'", subscription, d.id))
				go d.executeDispatcherLoop(ctx)
				subscribed = true
			} else if err != nil {
				d.logger.Error(fmt.Sprintf("trying to subscribe dispatcher '%s'", d.id), err)
			}
		} else {
			updated, err := d.repository.UpdateSubscription(d.id)
			if err != nil {
				d.logger.Error("updating subscription", err)
			} else if !updated {
				d.logger.Error("subscription not updated", errors.New("stolen subscription!"))
				subscribed = false
			}
		}
		select {
		case <-ctx.Done():
			d.logger.Debug(fmt.Sprintf("dispatcher '%s' stopped", d.id))
			return
		case <-ticker.C:
		}
	}
}

// executeDispatcherLoop implements the main dispatcher loop.
func (d *dispatcher) executeDispatcherLoop(ctx context.Context) {
	ticker := time.NewTicker(d.settings.PollingInterval)
	defer ticker.Stop()
	for {
		if acquired, err := d.repository.AcquireLock(d.id); acquired {
			d.processOutbox()
			err := d.repository.ReleaseLock(d.id)
			if err != nil {
				d.logger.Error("releasing the outbox lock", err)
			}
		} else if err != nil {
			d.logger.Error("unable to get the lock", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// processOutbox scans the outbox table within the limits defined by Settings.MaxEventsPerInterval
// and delivers the pending records in batches (defined by Settings.MaxEventsPerBatch). Confirmed
// deliveries are marked as sent; rejected ones get their retry counter increased, keeping the
// record available for the next interval until the retry ceiling parks it as failed.
func (d *dispatcher) processOutbox() {
	var success []uuid.UUID
	var totalProcessed int
	var totalErr int
	var deliveryChan = make(chan *DeliveryReport, d.settings.MaxEventsPerBatch)
	var wg sync.WaitGroup

	d.logger.Debug("processing outbox messages")

	go func() {
		for dr := range deliveryChan {
			if dr.Error != nil {
				d.logger.Error("delivery problem", dr.Error)
				if err := d.repository.MarkFailedAttempt(dr.Record.ID, dr.Error.Error()); err != nil {
					d.logger.Error("registering a failed delivery attempt", err)
				}
				totalErr++
				d.errorCtr.Inc(1)
			} else {
				d.logger.Debug(dr.Details)
				success = append(success, dr.Record.ID)
				d.successCtr.Inc(1)
			}
			totalProcessed++
			wg.Done()
		}
		d.logger.Debug("the goroutine for delivery reports has finished")
	}()

	err := d.repository.FindPendingInBatches(d.settings.MaxEventsPerBatch, d.settings.MaxEventsPerInterval, func(batch []*Record) error {
		d.logger.Debug(fmt.Sprintf("sending %d messages to the broker", len(batch)))
		for _, o := range batch {
			err := d.emitter.Emit(o, deliveryChan)
			if err != nil {
				d.logger.Error("when producing a message", err)
				// if any error happens sending the message we don't need to retry here,
				// the record remains pending in the outbox table and will be sent in the
				// next outbox processing.
				if err := d.repository.MarkFailedAttempt(o.ID, err.Error()); err != nil {
					d.logger.Error("registering a failed delivery attempt", err)
				}
			} else {
				wg.Add(1)
			}
		}
		return nil
	})

	if err != nil {
		d.logger.Error("when trying to get outbox rows in batches", err)
	}

	// Wait until we get all the delivery reports from the broker client.
	wg.Wait()

	// We can safely close the channel because this is a dedicated channel only to
	// receive as many delivery reports as many messages are sent.
	close(deliveryChan)
	d.logger.Info(fmt.Sprintf("%d messages were successfully delivered (with %d failed) from a total of %d processed from outbox", len(success), totalErr, totalProcessed))

	if len(success) > 0 {
		d.logger.Debug(fmt.Sprintf("marking %d outbox records as sent", len(success)))
		err := d.repository.MarkSent(success)
		if err != nil {
			d.logger.Error("when marking outbox records as sent", err)
		}
	}
}
