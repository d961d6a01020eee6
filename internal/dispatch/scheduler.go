package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/transport"
)

type roundResult int

const (
	roundNoAcceptance roundResult = iota
	roundAssigned
	roundStale
	roundFailed
	roundInterrupted
)

type honorResult int

const (
	honorAssigned honorResult = iota
	// honorSkipped means the rider could not take the ride; keep waiting
	// for the others as if they had rejected.
	honorSkipped
	honorStale
	honorFailed
)

func (e *Engine) run(s *session) {
	outcome := OutcomeAborted
	defer func() {
		s.finish(outcome)
		e.mu.Lock()
		if e.sessions[s.rideID] == s {
			delete(e.sessions, s.rideID)
		}
		e.mu.Unlock()
		s.cancel(nil)
		close(s.done)

		elapsed := e.now().Sub(s.started)
		observability.SessionsActive.Dec()
		observability.SessionsFinished.WithLabelValues(string(outcome)).Inc()
		observability.SessionDuration.WithLabelValues(string(outcome)).Observe(elapsed.Seconds())
		e.logger.Info("dispatch_finished", "ride_id", s.rideID, "session_id", s.id, "outcome", outcome, "elapsed", elapsed)
		e.wg.Done()
	}()

	if s.prev != nil {
		<-s.prev.done
		s.prev = nil
	}
	e.logger.Info("dispatch_started", "ride_id", s.rideID, "session_id", s.id, "strategy", e.policy.Strategy)

	ctx, cancel := context.WithTimeoutCause(s.ctx, e.policy.SessionDeadline, errSessionDeadline)
	defer cancel()
	outcome = e.dispatch(ctx, s)
}

func (e *Engine) dispatch(ctx context.Context, s *session) Outcome {
	ride, err := e.store.GetRide(ctx, s.rideID)
	if err != nil {
		if ctx.Err() != nil {
			return e.interrupted(ctx, s)
		}
		e.logger.Error("dispatch_read_ride_failed", "ride_id", s.rideID, "err", err)
		return OutcomeFailed
	}
	if ride.Status != models.RideSearching {
		e.logger.Info("dispatch_not_searching", "ride_id", s.rideID, "status", ride.Status)
		return OutcomeAborted
	}

	for round := 1; round <= e.policy.MaxRounds; round++ {
		if ctx.Err() != nil {
			return e.interrupted(ctx, s)
		}
		s.set(StateOffering, round, nil)
		cands, err := e.candidates(ctx, s, ride.Service.VehicleClass)
		if err != nil {
			if ctx.Err() != nil {
				return e.interrupted(ctx, s)
			}
			e.logger.Error("dispatch_list_candidates_failed", "ride_id", s.rideID, "round", round, "err", err)
			return OutcomeFailed
		}

		if len(cands) == 0 {
			e.logger.Info("dispatch_empty_round", "ride_id", s.rideID, "round", round)
			if e.policy.EmptyRound == FailFast {
				return e.exhaust(ctx, s, "no_candidates")
			}
		} else {
			var res roundResult
			if e.policy.Strategy == Sequential {
				res = e.sequentialRound(ctx, s, ride, round, cands)
			} else {
				res = e.broadcastRound(ctx, s, ride, round, cands)
			}
			switch res {
			case roundAssigned:
				return OutcomeSucceeded
			case roundStale:
				return OutcomeCancelled
			case roundFailed:
				return OutcomeFailed
			case roundInterrupted:
				return e.interrupted(ctx, s)
			}
		}

		if round == e.policy.MaxRounds {
			break
		}
		s.set(StateAdvancing, round, nil)
		if !sleepCtx(ctx, e.policy.InterRoundDelay) {
			return e.interrupted(ctx, s)
		}
	}
	return e.exhaust(ctx, s, "rounds_exhausted")
}

func (e *Engine) candidates(ctx context.Context, s *session, vehicleClass string) ([]models.Rider, error) {
	all, err := e.presence.ListCandidates(ctx, vehicleClass)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, r := range all {
		if !s.excluded(r.ID) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (e *Engine) sequentialRound(ctx context.Context, s *session, ride *models.Ride, round int, cands []models.Rider) roundResult {
	for _, c := range cands {
		if ctx.Err() != nil {
			return roundInterrupted
		}
		// the rider may have gone away while earlier candidates were waited on
		cur, err := e.presence.Get(ctx, c.ID)
		if err != nil || cur.Availability != models.Online || cur.Handle == "" {
			continue
		}
		s.set(StateWaiting, round, []string{c.ID})

		ch := make(chan models.Decision, 1)
		release := e.transport.Expect(c.ID, ride.ID, ch)
		if !e.offer(ctx, cur, ride, round) {
			release()
			continue
		}
		_, out := transport.Await(ctx, ch, e.policy.PerCandidateTimeout)
		release()
		observability.Decisions.WithLabelValues(out.String()).Inc()

		switch out {
		case models.OutcomeAccepted:
			switch e.honor(ctx, s, ride, c.ID) {
			case honorAssigned:
				return roundAssigned
			case honorStale:
				return roundStale
			case honorFailed:
				return roundFailed
			}
		case models.OutcomeCancelled:
			return roundInterrupted
		default:
			e.logger.Debug("candidate_declined", "ride_id", ride.ID, "rider_id", c.ID, "round", round, "outcome", out)
		}
	}
	return roundNoAcceptance
}

func (e *Engine) broadcastRound(ctx context.Context, s *session, ride *models.Ride, round int, cands []models.Rider) roundResult {
	decisions := make(chan models.Decision, len(cands))
	releases := make(map[string]func(), len(cands))
	for _, c := range cands {
		release := e.transport.Expect(c.ID, ride.ID, decisions)
		if !e.offer(ctx, c, ride, round) {
			release()
			continue
		}
		releases[c.ID] = release
	}

	// finish invalidates every outstanding offer. Acceptances that slipped in
	// meanwhile lost the race and are told so.
	finish := func(winner string) {
		for _, release := range releases {
			release()
		}
		for {
			select {
			case d := <-decisions:
				if d.Accepted && d.RiderID != winner {
					observability.RacesLost.Inc()
					e.notify(ctx, d.RiderID, unavailable(ride.ID))
				}
			default:
				return
			}
		}
	}

	outstanding := make(map[string]struct{}, len(releases))
	for id := range releases {
		outstanding[id] = struct{}{}
	}
	s.set(StateWaiting, round, keys(outstanding))

	timer := time.NewTimer(e.policy.PerCandidateTimeout)
	defer timer.Stop()
	for len(outstanding) > 0 {
		select {
		case d := <-decisions:
			delete(outstanding, d.RiderID)
			if !d.Accepted {
				observability.Decisions.WithLabelValues(models.OutcomeRejected.String()).Inc()
				s.set(StateWaiting, round, keys(outstanding))
				continue
			}
			observability.Decisions.WithLabelValues(models.OutcomeAccepted.String()).Inc()
			switch e.honor(ctx, s, ride, d.RiderID) {
			case honorAssigned:
				finish(d.RiderID)
				return roundAssigned
			case honorStale:
				finish("")
				return roundStale
			case honorFailed:
				finish("")
				return roundFailed
			}
			s.set(StateWaiting, round, keys(outstanding))
		case <-timer.C:
			observability.Decisions.WithLabelValues(models.OutcomeTimedOut.String()).Add(float64(len(outstanding)))
			finish("")
			return roundNoAcceptance
		case <-ctx.Done():
			finish("")
			return roundInterrupted
		}
	}
	finish("")
	return roundNoAcceptance
}

// honor assigns the ride to riderID. The rider is claimed first so that a
// rider already busy elsewhere never blocks the ride; a lost compare-and-set
// on the ride gives the rider back.
func (e *Engine) honor(ctx context.Context, s *session, ride *models.Ride, riderID string) honorResult {
	hctx := context.WithoutCancel(ctx)
	s.set(StateAssigning, 0, []string{riderID})

	cur, err := e.store.GetRide(hctx, ride.ID)
	if err != nil {
		e.logger.Error("honor_read_ride_failed", "ride_id", ride.ID, "rider_id", riderID, "err", err)
		e.notify(hctx, riderID, unavailable(ride.ID))
		return honorFailed
	}
	if cur.Status != models.RideSearching {
		observability.RacesLost.Inc()
		e.notify(hctx, riderID, unavailable(ride.ID))
		e.logger.Info("acceptance_discarded", "ride_id", ride.ID, "rider_id", riderID, "status", cur.Status)
		return honorStale
	}

	prev, err := e.presence.Claim(hctx, riderID, ride.ID)
	if errors.Is(err, presence.ErrRiderBusy) || errors.Is(err, presence.ErrUnknownRider) {
		e.notify(hctx, riderID, unavailable(ride.ID))
		e.logger.Info("acceptance_skipped", "ride_id", ride.ID, "rider_id", riderID, "err", err)
		return honorSkipped
	}
	if err != nil {
		e.logger.Error("rider_claim_failed", "ride_id", ride.ID, "rider_id", riderID, "err", err)
		e.notify(hctx, riderID, unavailable(ride.ID))
		return honorFailed
	}

	assigned, err := e.store.AssignRide(hctx, ride.ID, riderID)
	if err != nil {
		if rerr := e.presence.Release(hctx, riderID, ride.ID, restorable(prev)); rerr != nil {
			e.logger.Warn("rider_release_failed", "ride_id", ride.ID, "rider_id", riderID, "err", rerr)
		}
		e.notify(hctx, riderID, unavailable(ride.ID))
		if errors.Is(err, storage.ErrConflict) {
			observability.RacesLost.Inc()
			e.logger.Info("assignment_race_lost", "ride_id", ride.ID, "rider_id", riderID)
			return honorStale
		}
		e.logger.Error("assign_ride_failed", "ride_id", ride.ID, "rider_id", riderID, "err", err)
		return honorFailed
	}

	e.notify(hctx, riderID, models.Notice{Type: models.NoticeConfirmed, RideID: ride.ID, Ride: assigned})
	e.emit(hctx, *assigned, "accepted")
	e.logger.Info("ride_assigned", "ride_id", ride.ID, "rider_id", riderID, "session_id", s.id)
	return honorAssigned
}

func (e *Engine) offer(ctx context.Context, rider models.Rider, ride *models.Ride, round int) bool {
	service := ride.Service
	service.PaymentIntentID = ""
	o := models.Offer{
		RideID:    ride.ID,
		Trip:      ride.Trip,
		Service:   service,
		Round:     round,
		ExpiresAt: e.now().Add(e.policy.PerCandidateTimeout),
	}
	if err := e.transport.Offer(ctx, rider, o); err != nil {
		observability.OfferFailures.Inc()
		e.logger.Debug("offer_failed", "ride_id", ride.ID, "rider_id", rider.ID, "round", round, "err", err)
		return false
	}
	observability.OffersSent.Inc()
	return true
}

// interrupted resolves a session whose context ended. Only the deadline
// touches the ride; every other cause leaves it to whoever stopped us.
func (e *Engine) interrupted(ctx context.Context, s *session) Outcome {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, errSessionDeadline):
		return e.exhaust(ctx, s, "deadline")
	case errors.Is(cause, errRideCancelled):
		return OutcomeCancelled
	default:
		return OutcomeAborted
	}
}

func (e *Engine) exhaust(ctx context.Context, s *session, reason string) Outcome {
	err := e.expire(context.WithoutCancel(ctx), s.rideID, reason)
	switch {
	case err == nil:
		e.logger.Info("ride_unmatched", "ride_id", s.rideID, "reason", reason)
		return OutcomeExhausted
	case errors.Is(err, storage.ErrConflict):
		return OutcomeCancelled
	default:
		e.logger.Error("mark_unmatched_failed", "ride_id", s.rideID, "err", err)
		return OutcomeFailed
	}
}

func restorable(prev models.Availability) models.Availability {
	if prev == "" || prev == models.OnRide {
		return models.Online
	}
	return prev
}

func unavailable(rideID string) models.Notice {
	return models.Notice{Type: models.NoticeUnavailable, RideID: rideID, Message: "ride no longer available"}
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
