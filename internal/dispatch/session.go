package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type State string

const (
	StateInitializing State = "INITIALIZING"
	StateOffering     State = "OFFERING"
	StateWaiting      State = "WAITING"
	StateAssigning    State = "ASSIGNING"
	StateAdvancing    State = "ADVANCING"
	StateSucceeded    State = "SUCCEEDED"
	StateExhausted    State = "EXHAUSTED"
	StateCancelled    State = "CANCELLED"
	StateAborted      State = "ABORTED"
	StateFailed       State = "FAILED"
)

// Outcome labels how a session ended; it is also the metrics label.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeExhausted Outcome = "exhausted"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeAborted   Outcome = "aborted"
	OutcomeFailed    Outcome = "failed"
)

func (o Outcome) state() State {
	switch o {
	case OutcomeSucceeded:
		return StateSucceeded
	case OutcomeExhausted:
		return StateExhausted
	case OutcomeCancelled:
		return StateCancelled
	case OutcomeFailed:
		return StateFailed
	default:
		return StateAborted
	}
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	SessionID string    `json:"session_id"`
	RideID    string    `json:"ride_id"`
	State     State     `json:"state"`
	Round     int       `json:"round"`
	Pending   []string  `json:"pending,omitempty"`
	Excluded  []string  `json:"excluded,omitempty"`
	StartedAt time.Time `json:"started_at"`
	Outcome   Outcome   `json:"outcome,omitempty"`
}

type session struct {
	id      string
	rideID  string
	exclude map[string]struct{}

	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}
	prev   *session

	mu      sync.Mutex
	state   State
	round   int
	pending []string
	started time.Time
	outcome Outcome
}

func newSession(rideID string, exclude []string, now time.Time) *session {
	ctx, cancel := context.WithCancelCause(context.Background())
	s := &session{
		id:      uuid.NewString(),
		rideID:  rideID,
		exclude: make(map[string]struct{}, len(exclude)),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		state:   StateInitializing,
		started: now,
	}
	for _, id := range exclude {
		s.exclude[id] = struct{}{}
	}
	return s
}

// stop asks the session to end at its next suspension point.
func (s *session) stop(cause error) { s.cancel(cause) }

func (s *session) set(state State, round int, pending []string) {
	s.mu.Lock()
	s.state = state
	if round > 0 {
		s.round = round
	}
	s.pending = pending
	s.mu.Unlock()
}

func (s *session) finish(o Outcome) {
	s.mu.Lock()
	s.outcome = o
	s.state = o.state()
	s.pending = nil
	s.mu.Unlock()
}

func (s *session) excluded(riderID string) bool {
	_, ok := s.exclude[riderID]
	return ok
}

func (s *session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		SessionID: s.id,
		RideID:    s.rideID,
		State:     s.state,
		Round:     s.round,
		StartedAt: s.started,
		Outcome:   s.outcome,
	}
	if len(s.pending) > 0 {
		snap.Pending = append([]string(nil), s.pending...)
	}
	for id := range s.exclude {
		snap.Excluded = append(snap.Excluded, id)
	}
	return snap
}
