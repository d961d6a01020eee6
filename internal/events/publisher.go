// Package events publishes ride status changes to the message brokers.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

type Publisher interface {
	Publish(ctx context.Context, ev models.RideEvent) error
	Close() error
}

// FromRide builds the event for a ride that just changed status.
func FromRide(ride models.Ride, reason string) models.RideEvent {
	occurred := ride.UpdatedAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	return models.RideEvent{
		RideID:   ride.ID,
		UserID:   ride.UserID,
		Status:   ride.Status,
		RiderID:  ride.AssignedRiderID,
		Reason:   reason,
		Occurred: occurred,
	}
}

// Recorder adapts a Publisher to the dispatch engine's observer hook.
type Recorder struct {
	Publisher Publisher
}

func (r Recorder) RideChanged(ctx context.Context, ride models.Ride, reason string) error {
	return r.Publisher.Publish(ctx, FromRide(ride, reason))
}

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev models.RideEvent) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Nop struct{}

func (Nop) Publish(context.Context, models.RideEvent) error { return nil }
func (Nop) Close() error                                     { return nil }
