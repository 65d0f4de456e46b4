package shmbridge

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// RestartPolicy bounds how often a stalled worker is restarted.
type RestartPolicy struct {
	MaxRestarts int           // Restarts allowed before giving up
	Backoff     time.Duration // Delay before the first restart, doubled after each
	MaxBackoff  time.Duration
}

func (p RestartPolicy) delay(attempt int) time.Duration {
	d := p.Backoff
	for i := 0; i < attempt && d < p.MaxBackoff; i++ {
		d *= 2
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

// HealthSource is what a Watchdog polls
type HealthSource interface {
	Health(wait time.Duration) (Health, bool)
}

// Watchdog restarts a worker whose heartbeat is older than Timeout.
type Watchdog struct {
	Source  HealthSource
	Timeout time.Duration
	Policy  RestartPolicy
	Logger  logrus.FieldLogger

	// Restart replaces the worker. It is called after the backoff delay.
	Restart func(ctx context.Context) error
}

// Run polls until ctx ends, returning nil, or until the restart budget is
// exhausted, returning an error wrapping ErrWorkerStall.
func (w *Watchdog) Run(ctx context.Context) error {
	logger := w.Logger
	if logger == nil {
		logger = log
	}
	timeout := w.Timeout
	if timeout <= 0 {
		timeout = DefaultHeartbeatTimeout
	}
	ticker := time.NewTicker(timeout / 4)
	defer ticker.Stop()

	restarts := 0
	seen := time.Now() // Latest healthy heartbeat, or the last (re)start
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		// A snapshot that cannot take the health mutex counts as no beat.
		if h, ok := w.Source.Health(timeout / 4); ok && h.Healthy && h.Last.After(seen) {
			seen = h.Last
		}
		now := time.Now()
		if now.Sub(seen) <= timeout {
			continue
		}

		if restarts >= w.Policy.MaxRestarts {
			return fmt.Errorf("%w: no heartbeat for %s after %d restarts", ErrWorkerStall, now.Sub(seen).Round(time.Millisecond), restarts)
		}
		delay := w.Policy.delay(restarts)
		restarts++
		logger.Warnf("worker stalled (last heartbeat %s ago), restart %d/%d in %s",
			now.Sub(seen).Round(time.Millisecond), restarts, w.Policy.MaxRestarts, delay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		if err := w.Restart(ctx); err != nil {
			logger.WithError(err).Error("worker restart failed")
		}
		seen = time.Now()
	}
}
