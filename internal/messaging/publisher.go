package messaging

import (
	"context"

	"github.com/rs/zerolog/log"

	"bizfolio/internal/metrics"
	"bizfolio/internal/model"
	"bizfolio/internal/storage"
)

// Publisher delivers audit events somewhere durable.
type Publisher interface {
	Publish(ctx context.Context, e model.AuditEvent) error
}

var _ Publisher = (*RabbitClient)(nil)

// StorePublisher writes events straight to the audit log. It is used when
// no broker is configured.
type StorePublisher struct {
	Log storage.AuditLog
}

func (p StorePublisher) Publish(ctx context.Context, e model.AuditEvent) error {
	return p.Log.InsertAuditEvent(ctx, e)
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, model.AuditEvent) error { return nil }

// Emit publishes e and only logs a failure: losing an audit record must not
// fail the operation that produced it.
func Emit(ctx context.Context, p Publisher, e model.AuditEvent) {
	if err := p.Publish(ctx, e); err != nil {
		metrics.AuditEvents.WithLabelValues("publish", "error").Inc()
		log.Error().Err(err).Str("kind", string(e.Kind)).Msg("publish audit event failed")
		return
	}
	metrics.AuditEvents.WithLabelValues("publish", "ok").Inc()
}
