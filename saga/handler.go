package saga

import (
	"context"
	"fmt"

	"github.com/walletline/walletline/logger"
	"github.com/walletline/walletline/stream"
)

// EventHandler adapts the coordinator to the stream handler contract,
// decoding step event payloads as they arrive from the channel.
type EventHandler struct {
	coordinator *Coordinator
	logger      logger.Logger
}

var _ stream.Handler = (*EventHandler)(nil)

func NewEventHandler(c *Coordinator, l logger.Logger) *EventHandler {
	if c == nil {
		panic("coordinator is mandatory")
	}
	if l == nil {
		l = &logger.NopLogger{}
	}
	return &EventHandler{
		coordinator: c,
		logger:      l,
	}
}

// Handle decodes and applies one step event. Undecodable payloads are poison
// messages and are acknowledged after logging; everything else defers to the
// coordinator, whose errors leave the message uncommitted for redelivery.
func (h *EventHandler) Handle(ctx context.Context, m *stream.Message) error {
	ev, err := DecodeStepEvent(m.Payload)
	if err != nil {
		h.logger.Error(fmt.Sprintf("discarding undecodable step event '%s'", m.ID), err)
		return nil
	}
	if ev.EventID == "" {
		ev.EventID = m.ID
	}
	return h.coordinator.HandleStepEvent(ctx, ev)
}
