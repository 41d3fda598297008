package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// SessionSweeper deletes expired sessions.
type SessionSweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

// NewSessionSweeper purges expired sessions every interval.
func NewSessionSweeper(s SessionSweeper, interval time.Duration) *Periodic {
	return NewPeriodic("session_sweeper", interval, func(ctx context.Context) error {
		n, err := s.Sweep(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			log.Info().Int64("deleted", n).Msg("expired sessions swept")
		}
		return nil
	})
}

// QueueInspector reports a queue's depth to metrics.
type QueueInspector interface {
	UpdateQueueDepth(queueName string)
}

// NewQueueMonitor samples queueName's depth every interval.
func NewQueueMonitor(q QueueInspector, queueName string, interval time.Duration) *Periodic {
	return NewPeriodic("queue_monitor", interval, func(context.Context) error {
		q.UpdateQueueDepth(queueName)
		return nil
	})
}
