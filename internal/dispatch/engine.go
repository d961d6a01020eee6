// Package dispatch matches SEARCHING rides to riders. The Engine owns one
// session per ride; each session runs the offer rounds in its own goroutine.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	ErrInvalidActor = errors.New("dispatch: unknown cancel actor")
	ErrNotSearching = errors.New("dispatch: ride is not searching")
	ErrShuttingDown = errors.New("dispatch: engine is shutting down")
)

var (
	errSessionDeadline = errors.New("dispatch: session deadline reached")
	errSessionReplaced = errors.New("dispatch: session replaced")
	errRideCancelled   = errors.New("dispatch: ride cancelled")
	errShutdown        = errors.New("dispatch: engine shutdown")
)

// Actor names who interrupts a dispatch.
type Actor string

const (
	UserCancelled  Actor = "USER_CANCELLED"
	RiderBailedOut Actor = "RIDER_BAILED_OUT"
)

// Transport reaches connected riders. Expect must be registered before the
// matching Offer is sent; the returned func deregisters the wait.
type Transport interface {
	Offer(ctx context.Context, rider models.Rider, offer models.Offer) error
	Notify(ctx context.Context, riderID string, n models.Notice) error
	Expect(riderID, rideID string, ch chan<- models.Decision) func()
}

// Observer is told about every ride status change the engine makes.
type Observer interface {
	RideChanged(ctx context.Context, ride models.Ride, reason string) error
}

type ObserverFunc func(ctx context.Context, ride models.Ride, reason string) error

func (f ObserverFunc) RideChanged(ctx context.Context, ride models.Ride, reason string) error {
	return f(ctx, ride, reason)
}

type Engine struct {
	store     storage.RideStore
	presence  presence.Registry
	transport Transport
	policy    Policy
	observers *fanout
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
	wg       sync.WaitGroup
}

func NewEngine(store storage.RideStore, reg presence.Registry, tr Transport, policy Policy, logger *slog.Logger, observers ...Observer) *Engine {
	return &Engine{
		store:     store,
		presence:  reg,
		transport: tr,
		policy:    policy.withDefaults(),
		observers: newFanout(observers, logger),
		logger:    logger,
		now:       time.Now,
		sessions:  make(map[string]*session),
	}
}

func (e *Engine) Policy() Policy { return e.policy }

// CreateRide stores a new SEARCHING ride and begins dispatching it.
func (e *Engine) CreateRide(ctx context.Context, r *models.Ride) (Snapshot, error) {
	r.Status = models.RideSearching
	r.AssignedRiderID = ""
	if err := e.store.SaveRide(ctx, r); err != nil {
		return Snapshot{}, fmt.Errorf("save ride: %w", err)
	}
	e.emit(ctx, *r, "created")
	return e.BeginDispatch(ctx, r.ID)
}

// BeginDispatch starts a session for a SEARCHING ride. If one is already
// live it is returned unchanged.
func (e *Engine) BeginDispatch(ctx context.Context, rideID string) (Snapshot, error) {
	if snap, ok := e.Snapshot(rideID); ok {
		return snap, nil
	}
	ride, err := e.store.GetRide(ctx, rideID)
	if err != nil {
		return Snapshot{}, err
	}
	if ride.Status != models.RideSearching {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNotSearching, ride.Status)
	}
	return e.start(rideID, nil, false)
}

// Start tears down any live session for rideID and runs a new one that
// skips the excluded riders. The new session does not touch the ride until
// the old one has fully stopped.
func (e *Engine) Start(rideID string, exclude ...string) (Snapshot, error) {
	return e.start(rideID, exclude, true)
}

func (e *Engine) start(rideID string, exclude []string, replace bool) (Snapshot, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Snapshot{}, ErrShuttingDown
	}
	if cur, ok := e.sessions[rideID]; ok && !replace {
		e.mu.Unlock()
		return cur.snapshot(), nil
	}
	s := newSession(rideID, exclude, e.now())
	s.prev = e.sessions[rideID]
	e.sessions[rideID] = s
	e.wg.Add(1)
	e.mu.Unlock()

	if s.prev != nil {
		s.prev.stop(errSessionReplaced)
	}
	observability.SessionsStarted.Inc()
	observability.SessionsActive.Inc()
	go e.run(s)
	return s.snapshot(), nil
}

// Cancel interrupts dispatch for rideID on behalf of actor. For
// RiderBailedOut, riderID is the rider giving the ride up. Cancelling a ride
// that is already cancelled is a no-op.
func (e *Engine) Cancel(ctx context.Context, rideID string, actor Actor, riderID string) error {
	switch actor {
	case UserCancelled:
		return e.cancelByUser(ctx, rideID)
	case RiderBailedOut:
		return e.bailOut(ctx, rideID, riderID)
	default:
		return fmt.Errorf("%w: %q", ErrInvalidActor, actor)
	}
}

func (e *Engine) cancelByUser(ctx context.Context, rideID string) error {
	before, err := e.store.TransitionRide(ctx, rideID, models.RideCancelled, models.RideSearching, models.RideAssigned)
	if errors.Is(err, storage.ErrConflict) {
		cur, gerr := e.store.GetRide(ctx, rideID)
		if gerr != nil {
			return gerr
		}
		if cur.Status == models.RideCancelled {
			e.stopSession(ctx, rideID, errRideCancelled)
			return nil
		}
		return fmt.Errorf("cancel ride in status %s: %w", cur.Status, err)
	}
	if err != nil {
		return err
	}
	e.stopSession(ctx, rideID, errRideCancelled)

	if before.Status == models.RideAssigned && before.AssignedRiderID != "" {
		riderID := before.AssignedRiderID
		if err := e.presence.Release(ctx, riderID, rideID, models.Online); err != nil {
			e.logger.Warn("rider_release_failed", "ride_id", rideID, "rider_id", riderID, "err", err)
		}
		e.notify(ctx, riderID, models.Notice{Type: models.NoticeCancelled, RideID: rideID, Message: "ride cancelled by user"})
	}
	after := *before
	after.Status = models.RideCancelled
	after.AssignedRiderID = ""
	after.UpdatedAt = e.now()
	e.emit(ctx, after, string(UserCancelled))
	e.logger.Info("ride_cancelled", "ride_id", rideID, "previous_status", before.Status)
	return nil
}

func (e *Engine) bailOut(ctx context.Context, rideID, riderID string) error {
	ride, err := e.store.UnassignRide(ctx, rideID, riderID)
	if errors.Is(err, storage.ErrConflict) {
		cur, gerr := e.store.GetRide(ctx, rideID)
		if gerr != nil {
			return gerr
		}
		// a repeated bail-out finds the ride already searching again
		if cur.Status == models.RideSearching {
			if _, live := e.Snapshot(rideID); live {
				return nil
			}
		}
		return fmt.Errorf("rider %s cannot bail out of ride in status %s: %w", riderID, cur.Status, err)
	}
	if err != nil {
		return err
	}
	if err := e.presence.Release(ctx, riderID, rideID, models.Offline); err != nil {
		e.logger.Warn("rider_release_failed", "ride_id", rideID, "rider_id", riderID, "err", err)
	}
	e.emit(ctx, *ride, string(RiderBailedOut))
	e.logger.Info("rider_bailed_out", "ride_id", rideID, "rider_id", riderID)
	_, err = e.Start(rideID, riderID)
	return err
}

// Complete ends an ASSIGNED ride and frees its rider. A non-empty riderID
// must be the assigned rider. Completing a completed ride is a no-op.
func (e *Engine) Complete(ctx context.Context, rideID, riderID string) error {
	before, err := e.store.CompleteRide(ctx, rideID, riderID)
	if errors.Is(err, storage.ErrConflict) {
		cur, gerr := e.store.GetRide(ctx, rideID)
		if gerr != nil {
			return gerr
		}
		if cur.Status == models.RideCompleted {
			return nil
		}
		return fmt.Errorf("complete ride in status %s: %w", cur.Status, err)
	}
	if err != nil {
		return err
	}
	if err := e.presence.Release(ctx, before.AssignedRiderID, rideID, models.Online); err != nil {
		e.logger.Warn("rider_release_failed", "ride_id", rideID, "rider_id", before.AssignedRiderID, "err", err)
	}
	after := *before
	after.Status = models.RideCompleted
	after.AssignedRiderID = ""
	after.UpdatedAt = e.now()
	e.emit(ctx, after, "completed")
	e.logger.Info("ride_completed", "ride_id", rideID, "rider_id", before.AssignedRiderID)
	return nil
}

// stopSession cancels the live session for rideID and waits for it to end.
func (e *Engine) stopSession(ctx context.Context, rideID string, cause error) {
	e.mu.Lock()
	s := e.sessions[rideID]
	e.mu.Unlock()
	if s == nil {
		return
	}
	s.stop(cause)
	select {
	case <-s.done:
	case <-ctx.Done():
	}
}

// Snapshot reports the live session for rideID, if any.
func (e *Engine) Snapshot(rideID string) (Snapshot, bool) {
	e.mu.Lock()
	s, ok := e.sessions[rideID]
	e.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return s.snapshot(), true
}

// Active is the number of live sessions.
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// Wait blocks until no session is live for rideID.
func (e *Engine) Wait(ctx context.Context, rideID string) error {
	for {
		e.mu.Lock()
		s := e.sessions[rideID]
		e.mu.Unlock()
		if s == nil {
			return nil
		}
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Shutdown stops every live session, leaving their rides SEARCHING, waits
// for them to quiesce and then for observers to drain.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	live := make([]*session, 0, len(e.sessions))
	for _, s := range e.sessions {
		live = append(live, s)
	}
	e.mu.Unlock()
	for _, s := range live {
		s.stop(errShutdown)
	}
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return e.observers.close(ctx)
}

// expire moves a SEARCHING ride to UNMATCHED.
func (e *Engine) expire(ctx context.Context, rideID, reason string) error {
	before, err := e.store.TransitionRide(ctx, rideID, models.RideUnmatched, models.RideSearching)
	if err != nil {
		return err
	}
	after := *before
	after.Status = models.RideUnmatched
	after.UpdatedAt = e.now()
	e.emit(ctx, after, reason)
	return nil
}

func (e *Engine) emit(_ context.Context, ride models.Ride, reason string) {
	e.observers.publish(ride, reason)
}

func (e *Engine) notify(ctx context.Context, riderID string, n models.Notice) {
	if err := e.transport.Notify(ctx, riderID, n); err != nil {
		e.logger.Debug("notice_not_delivered", "rider_id", riderID, "ride_id", n.RideID, "type", n.Type, "err", err)
	}
}
