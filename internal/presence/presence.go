// Package presence tracks which riders are reachable right now and whether
// they may be offered rides.
package presence

import (
	"context"
	"errors"
	"sort"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrUnknownRider = errors.New("presence: unknown rider")
	// ErrRiderBusy is returned when the rider already holds a ride.
	ErrRiderBusy = errors.New("presence: rider already on a ride")
	// ErrInvalidAvailability rejects unknown states and direct ON_RIDE writes,
	// which must go through Claim.
	ErrInvalidAvailability = errors.New("presence: invalid availability")
)

// Registry is the authoritative record of rider reachability. Updates are
// atomic per rider; there is no cross-rider locking.
type Registry interface {
	// Connect binds a live connection handle to the rider and marks them ONLINE.
	Connect(ctx context.Context, riderID, handle, vehicleClass string) error
	// Disconnect clears the handle if it still matches. An ONLINE rider
	// becomes OFFLINE; a rider ON_RIDE keeps that state.
	Disconnect(ctx context.Context, riderID, handle string) error
	// SetAvailability is the rider's own status change. A rider ON_RIDE gets
	// ErrRiderBusy; only Release takes them off the ride.
	SetAvailability(ctx context.Context, riderID string, a models.Availability) error
	// ListCandidates returns ONLINE riders with a live handle, filtered by
	// vehicle class unless class is empty. Riders are ordered by the time
	// they last became ONLINE, longest waiting first, ties broken by id.
	ListCandidates(ctx context.Context, vehicleClass string) ([]models.Rider, error)
	Get(ctx context.Context, riderID string) (models.Rider, error)
	// Claim moves the rider to ON_RIDE for rideID and returns the previous
	// availability so the caller can roll back with Release.
	Claim(ctx context.Context, riderID, rideID string) (models.Availability, error)
	// Release undoes a Claim if the rider still holds rideID.
	Release(ctx context.Context, riderID, rideID string, to models.Availability) error
}

func candidate(r models.Rider, vehicleClass string) bool {
	if r.Availability != models.Online || r.Handle == "" {
		return false
	}
	return vehicleClass == "" || r.VehicleClass == vehicleClass
}

func sortCandidates(rs []models.Rider) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].OnlineSince.Equal(rs[j].OnlineSince) {
			return rs[i].OnlineSince.Before(rs[j].OnlineSince)
		}
		return rs[i].ID < rs[j].ID
	})
}
