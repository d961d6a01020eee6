package dispatch

import (
	"time"

	"github.com/example/ride-dispatch/internal/config"
)

type Strategy string

const (
	// Sequential offers the ride to one candidate at a time.
	Sequential Strategy = "sequential"
	// Broadcast offers to the whole round at once; first acceptance wins.
	Broadcast Strategy = "broadcast"
)

// EmptyRound decides what a round without candidates does.
type EmptyRound string

const (
	FailFast   EmptyRound = "fail_fast"
	RetryEmpty EmptyRound = "retry"
)

// Policy bounds a dispatch session.
type Policy struct {
	MaxRounds           int
	PerCandidateTimeout time.Duration
	InterRoundDelay     time.Duration
	SessionDeadline     time.Duration
	Strategy            Strategy
	EmptyRound          EmptyRound
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRounds:           3,
		PerCandidateTimeout: 10 * time.Second,
		InterRoundDelay:     2 * time.Second,
		SessionDeadline:     90 * time.Second,
		Strategy:            Broadcast,
		EmptyRound:          FailFast,
	}
}

func PolicyFromConfig(c config.DispatchConfig) Policy {
	return Policy{
		MaxRounds:           c.MaxRounds,
		PerCandidateTimeout: c.PerCandidateTimeout,
		InterRoundDelay:     c.InterRoundDelay,
		SessionDeadline:     c.SessionDeadline,
		Strategy:            Strategy(c.Strategy),
		EmptyRound:          EmptyRound(c.EmptyRound),
	}.withDefaults()
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxRounds <= 0 {
		p.MaxRounds = d.MaxRounds
	}
	if p.PerCandidateTimeout <= 0 {
		p.PerCandidateTimeout = d.PerCandidateTimeout
	}
	if p.InterRoundDelay < 0 {
		p.InterRoundDelay = 0
	}
	if p.SessionDeadline <= 0 {
		p.SessionDeadline = d.SessionDeadline
	}
	if p.Strategy != Sequential && p.Strategy != Broadcast {
		p.Strategy = d.Strategy
	}
	if p.EmptyRound != FailFast && p.EmptyRound != RetryEmpty {
		p.EmptyRound = d.EmptyRound
	}
	return p
}
