package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wenwu/saas-platform/vpn-controller/internal/client"
	"github.com/wenwu/saas-platform/vpn-controller/internal/models"
	"github.com/wenwu/saas-platform/vpn-controller/internal/service"
)

type stubProcessor struct {
	events []*models.SubscriptionEvent
	err    error
}

func (s *stubProcessor) ProcessSubscriptionEvent(ctx context.Context, event *models.SubscriptionEvent) error {
	s.events = append(s.events, event)
	return s.err
}

func TestHandleProcessesEvent(t *testing.T) {
	proc := &stubProcessor{}
	h := NewEventHandler(proc)

	body := []byte(`{
		"subscription_id": "sub-1",
		"user_id": "user-1",
		"user_email": "alice@example.com",
		"status": "active",
		"previous_status": "incomplete",
		"current_period_end": 1767225600
	}`)

	assert.True(t, h.Handle(context.Background(), body))
	require.Len(t, proc.events, 1)
	event := proc.events[0]
	assert.Equal(t, "sub-1", event.SubscriptionID)
	assert.Equal(t, "user-1", event.UserID)
	assert.Equal(t, models.SubscriptionStatusActive, event.Status)
	assert.Equal(t, models.SubscriptionStatusIncomplete, event.PreviousStatus)
	require.NotNil(t, event.CurrentPeriodEnd)
	assert.Equal(t, int64(1767225600), *event.CurrentPeriodEnd)
}

func TestHandleDropsMalformedPayload(t *testing.T) {
	proc := &stubProcessor{}
	h := NewEventHandler(proc)

	assert.True(t, h.Handle(context.Background(), []byte(`{"subscription_id": `)))
	assert.Empty(t, proc.events, "poison messages never reach the reconciler")
}

func TestHandleDropsIncompleteEvent(t *testing.T) {
	proc := &stubProcessor{}
	h := NewEventHandler(proc)

	assert.True(t, h.Handle(context.Background(), []byte(`{"subscription_id": "sub-1", "status": "active"}`)))
	assert.Empty(t, proc.events)
}

func TestHandleAcksDeterministicRejection(t *testing.T) {
	proc := &stubProcessor{err: &service.ConflictError{Reason: "subscription already has an account"}}
	h := NewEventHandler(proc)

	body := []byte(`{"subscription_id": "sub-1", "user_id": "user-1", "status": "active"}`)

	assert.True(t, h.Handle(context.Background(), body), "conflicts do not change on redelivery")
	assert.Len(t, proc.events, 1)
}

func TestHandleAcksPanelRejection(t *testing.T) {
	proc := &stubProcessor{err: &client.ApplicationRejection{Op: "create inbound", Msg: "port in use"}}
	h := NewEventHandler(proc)

	body := []byte(`{"subscription_id": "sub-1", "user_id": "user-1", "status": "active"}`)

	assert.True(t, h.Handle(context.Background(), body))
}

func TestHandleRequeuesRetryableFailure(t *testing.T) {
	proc := &stubProcessor{err: &client.GatewayError{Op: "create inbound", Attempts: 3, Err: errors.New("connection refused")}}
	h := NewEventHandler(proc)

	body := []byte(`{"subscription_id": "sub-1", "user_id": "user-1", "status": "active"}`)

	assert.False(t, h.Handle(context.Background(), body), "transient failures are redelivered")
}
