package consumer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/streadway/amqp"

	"bizfolio/internal/metrics"
	"bizfolio/internal/model"
	"bizfolio/internal/storage"
)

// AuditHandler persists audit events. Undecodable payloads and failed
// inserts are rejected without requeue so they land in the DLQ.
func AuditHandler(auditLog storage.AuditLog, timeout time.Duration) MessageHandlerFunc {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return func(queue string, msg amqp.Delivery) {
		var e model.AuditEvent
		if err := json.Unmarshal(msg.Body, &e); err != nil || e.Kind == "" {
			log.Warn().Err(err).Str("queue", queue).Msg("undecodable audit event")
			metrics.AuditEvents.WithLabelValues("consume", "rejected").Inc()
			_ = msg.Reject(false)
			return
		}
		if e.OccurredAt.IsZero() {
			e.OccurredAt = msg.Timestamp
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := auditLog.InsertAuditEvent(ctx, e); err != nil {
			log.Error().Err(err).Str("kind", string(e.Kind)).Msg("persist audit event failed")
			metrics.AuditEvents.WithLabelValues("consume", "error").Inc()
			_ = msg.Nack(false, false)
			return
		}

		metrics.AuditEvents.WithLabelValues("consume", "ok").Inc()
		_ = msg.Ack(false)
	}
}
