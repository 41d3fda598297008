package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bizfolio/internal/model"
	"bizfolio/internal/storage"
)

type acker struct {
	acked, nacked, rejected int
	requeued                bool
}

func (a *acker) Ack(uint64, bool) error { a.acked++; return nil }
func (a *acker) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacked++
	a.requeued = requeue
	return nil
}
func (a *acker) Reject(_ uint64, requeue bool) error {
	a.rejected++
	a.requeued = requeue
	return nil
}

func delivery(t *testing.T, a *acker, body []byte) amqp.Delivery {
	t.Helper()
	return amqp.Delivery{Acknowledger: a, DeliveryTag: 1, Body: body, Timestamp: time.Unix(1700000000, 0).UTC()}
}

func TestAuditHandlerPersistsAndAcks(t *testing.T) {
	store := storage.NewMemory()
	e := model.AuditEvent{
		Kind:       model.EventMemberAdded,
		Account:    uuid.New(),
		Business:   uuid.New(),
		Attributes: map[string]string{"role": "member"},
		OccurredAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	body, err := json.Marshal(e)
	require.NoError(t, err)

	a := &acker{}
	AuditHandler(store, time.Second)("audit", delivery(t, a, body))

	assert.Equal(t, 1, a.acked)
	require.Len(t, store.AuditEvents(), 1)
	assert.Equal(t, e, store.AuditEvents()[0])
}

func TestAuditHandlerRejectsGarbage(t *testing.T) {
	store := storage.NewMemory()
	for _, body := range [][]byte{[]byte("not json"), []byte(`{}`)} {
		a := &acker{}
		AuditHandler(store, time.Second)("audit", delivery(t, a, body))
		assert.Equal(t, 1, a.rejected)
		assert.False(t, a.requeued)
	}
	assert.Empty(t, store.AuditEvents())
}

func TestAuditHandlerFallsBackToDeliveryTimestamp(t *testing.T) {
	store := storage.NewMemory()
	a := &acker{}
	AuditHandler(store, time.Second)("audit", delivery(t, a, []byte(`{"kind":"login.failed"}`)))

	require.Len(t, store.AuditEvents(), 1)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), store.AuditEvents()[0].OccurredAt)
}

type brokenLog struct{}

func (brokenLog) InsertAuditEvent(context.Context, model.AuditEvent) error {
	return errors.New("db down")
}

func TestAuditHandlerDeadLettersOnStoreFailure(t *testing.T) {
	a := &acker{}
	AuditHandler(brokenLog{}, time.Second)("audit", delivery(t, a, []byte(`{"kind":"login.failed"}`)))

	assert.Equal(t, 1, a.nacked)
	assert.False(t, a.requeued)
	assert.Zero(t, a.acked)
}

func TestConsumeLoopStops(t *testing.T) {
	msgs := make(chan amqp.Delivery)
	var seen []string
	c := newConsumer("audit", "tag", nil, func(queue string, d amqp.Delivery) {
		seen = append(seen, string(d.Body))
	})
	go c.consumeLoop(msgs)

	msgs <- amqp.Delivery{Body: []byte("one")}
	msgs <- amqp.Delivery{Body: []byte("two")}
	c.Stop()

	assert.Equal(t, []string{"one", "two"}, seen)
}
