// Package worker runs the service's background jobs.
package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"bizfolio/internal/metrics"
)

// JobFunc is one run of a periodic job.
type JobFunc func(ctx context.Context) error

// Periodic runs a job every interval until stopped. Runs never overlap.
type Periodic struct {
	name     string
	interval time.Duration
	timeout  time.Duration
	job      JobFunc
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func NewPeriodic(name string, interval time.Duration, job JobFunc) *Periodic {
	return &Periodic{
		name:     name,
		interval: interval,
		timeout:  interval,
		job:      job,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the loop. The first run happens immediately.
func (p *Periodic) Start() {
	log.Info().Str("worker", p.name).Dur("interval", p.interval).Msg("worker starting")

	go func() {
		defer close(p.doneCh)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			p.run()
			select {
			case <-p.stopCh:
				log.Info().Str("worker", p.name).Msg("worker stopping")
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop ends the loop and waits for an in-flight run to finish.
func (p *Periodic) Stop() {
	close(p.stopCh)
	<-p.doneCh
}

func (p *Periodic) run() {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	if err := p.job(ctx); err != nil {
		metrics.WorkerRuns.WithLabelValues(p.name, "error").Inc()
		log.Error().Err(err).Str("worker", p.name).Msg("worker run failed")
		return
	}
	metrics.WorkerRuns.WithLabelValues(p.name, "ok").Inc()
}
