package presence

import (
	"context"
	"fmt"

	"github.com/example/ride-dispatch/internal/models"
)

// Updater is the subset of Registry needed to replay presence events.
type Updater interface {
	Connect(ctx context.Context, riderID, handle, vehicleClass string) error
	SetAvailability(ctx context.Context, riderID string, a models.Availability) error
}

// Apply replays a presence event published by the rider apps' gateway.
func Apply(ctx context.Context, u Updater, ev models.PresenceEvent) error {
	if ev.RiderID == "" {
		return fmt.Errorf("presence: event without rider id")
	}
	if ev.Availability == models.Online && ev.Handle != "" {
		return u.Connect(ctx, ev.RiderID, ev.Handle, ev.VehicleClass)
	}
	return u.SetAvailability(ctx, ev.RiderID, ev.Availability)
}
