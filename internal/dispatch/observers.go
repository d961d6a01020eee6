package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

const (
	observerTimeout = 5 * time.Second
	observerBacklog = 1024
)

type rideChange struct {
	ride   models.Ride
	reason string
}

// fanout delivers ride changes to observers from one goroutine, in the
// order they were made. Changes that do not fit the backlog are dropped.
type fanout struct {
	observers []Observer
	logger    *slog.Logger

	mu     sync.Mutex
	queue  chan rideChange
	closed bool
	done   chan struct{}
}

func newFanout(observers []Observer, logger *slog.Logger) *fanout {
	f := &fanout{
		observers: observers,
		logger:    logger,
		queue:     make(chan rideChange, observerBacklog),
		done:      make(chan struct{}),
	}
	if len(observers) == 0 {
		f.closed = true
		close(f.done)
		return f
	}
	go f.loop()
	return f
}

func (f *fanout) publish(ride models.Ride, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	select {
	case f.queue <- rideChange{ride: ride, reason: reason}:
	default:
		observability.ObserverDrops.Inc()
		f.logger.Warn("observer_backlog_full", "ride_id", ride.ID, "status", ride.Status, "reason", reason)
	}
}

func (f *fanout) loop() {
	defer close(f.done)
	for c := range f.queue {
		ctx, cancel := context.WithTimeout(context.Background(), observerTimeout)
		for _, o := range f.observers {
			if err := o.RideChanged(ctx, c.ride, c.reason); err != nil {
				f.logger.Warn("observer_failed", "ride_id", c.ride.ID, "status", c.ride.Status, "err", err)
			}
		}
		cancel()
	}
}

// close stops accepting changes and waits for the backlog to drain.
func (f *fanout) close(ctx context.Context) error {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		close(f.queue)
	}
	f.mu.Unlock()
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
