package transport

import (
	"context"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

type waitKey struct {
	riderID string
	rideID  string
}

type waiter struct {
	ch chan<- models.Decision
}

// Correlator routes rider decisions to the single wait registered for the
// exact (riderID, rideID) pair. Decisions nobody waits for are dropped here
// and never reach a dispatch session.
type Correlator struct {
	mu      sync.Mutex
	waiters map[waitKey]*waiter
}

func NewCorrelator() *Correlator {
	return &Correlator{waiters: make(map[waitKey]*waiter)}
}

// Expect registers ch for the next decision of riderID about rideID. ch must
// be buffered: delivery never blocks. The returned release removes the
// registration and is safe to call more than once, and after a newer Expect
// for the same pair it leaves that newer registration alone.
func (c *Correlator) Expect(riderID, rideID string, ch chan<- models.Decision) (release func()) {
	k := waitKey{riderID: riderID, rideID: rideID}
	w := &waiter{ch: ch}
	c.mu.Lock()
	c.waiters[k] = w
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		if c.waiters[k] == w {
			delete(c.waiters, k)
		}
		c.mu.Unlock()
	}
}

// Deliver hands d to its waiter and consumes the registration. It reports
// false when no wait matches, i.e. the decision is stale.
func (c *Correlator) Deliver(d models.Decision) bool {
	k := waitKey{riderID: d.RiderID, rideID: d.RideID}
	c.mu.Lock()
	w, ok := c.waiters[k]
	if ok {
		delete(c.waiters, k)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case w.ch <- d:
		return true
	default:
		return false
	}
}

// Pending is the number of outstanding waits.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// Await blocks until a decision arrives on ch, timeout elapses or ctx is
// done, and reports which of the three happened.
func Await(ctx context.Context, ch <-chan models.Decision, timeout time.Duration) (models.Decision, models.Outcome) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case d := <-ch:
		if d.Accepted {
			return d, models.OutcomeAccepted
		}
		return d, models.OutcomeRejected
	case <-timer.C:
		return models.Decision{}, models.OutcomeTimedOut
	case <-ctx.Done():
		return models.Decision{}, models.OutcomeCancelled
	}
}
