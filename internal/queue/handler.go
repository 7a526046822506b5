package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log"

	"github.com/wenwu/saas-platform/vpn-controller/internal/client"
	"github.com/wenwu/saas-platform/vpn-controller/internal/models"
	"github.com/wenwu/saas-platform/vpn-controller/internal/service"
)

// EventProcessor is the slice of the reconciler the consumer needs.
type EventProcessor interface {
	ProcessSubscriptionEvent(ctx context.Context, event *models.SubscriptionEvent) error
}

// EventHandler decodes billing events and decides their fate: processed
// and acked, dropped (acked without effect), or requeued. Kept separate
// from the AMQP plumbing so the discipline is testable without a broker.
type EventHandler struct {
	svc EventProcessor
}

func NewEventHandler(svc EventProcessor) *EventHandler {
	return &EventHandler{svc: svc}
}

// Handle processes one message body. It returns true when the message
// should be acked and false when it should be nacked and requeued.
// Malformed or incomplete payloads are always acked: redelivery cannot
// fix a poison message.
func (h *EventHandler) Handle(ctx context.Context, body []byte) bool {
	var event models.SubscriptionEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("[Queue] Dropping malformed event payload: %v", err)
		return true
	}
	if event.SubscriptionID == "" || event.UserID == "" || event.Status == "" {
		log.Printf("[Queue] Dropping incomplete event: subscription=%q user=%q status=%q",
			event.SubscriptionID, event.UserID, event.Status)
		return true
	}

	if err := h.svc.ProcessSubscriptionEvent(ctx, &event); err != nil {
		if retryable(err) {
			log.Printf("[Queue] Event for subscription %s failed, re-queuing: %v", event.SubscriptionID, err)
			return false
		}
		log.Printf("[Queue] Event for subscription %s rejected, dropping: %v", event.SubscriptionID, err)
		return true
	}
	return true
}

// retryable reports whether redelivery could change the outcome.
// Conflicts, missing rows, and panel rejections are deterministic;
// requeueing them would loop forever.
func retryable(err error) bool {
	var conflict *service.ConflictError
	var notFound *service.NotFoundError
	var rejection *client.ApplicationRejection
	if errors.As(err, &conflict) || errors.As(err, &notFound) || errors.As(err, &rejection) {
		return false
	}
	return true
}
