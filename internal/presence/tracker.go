package presence

import (
	"context"
	"errors"
	"log/slog"

	"github.com/example/ride-dispatch/internal/models"
)

// Tracker keeps the registry in step with rider websocket connections.
type Tracker struct {
	Registry Registry
	Logger   *slog.Logger
}

// Sync binds the connection handle and puts the rider ONLINE, unless they
// are already on a ride.
func (t Tracker) Sync(ctx context.Context, riderID, handle, vehicleClass string) error {
	return t.Registry.Connect(ctx, riderID, handle, vehicleClass)
}

func (t Tracker) SetStatus(ctx context.Context, riderID string, a models.Availability) error {
	return t.Registry.SetAvailability(ctx, riderID, a)
}

func (t Tracker) Disconnected(ctx context.Context, riderID, handle string) {
	if err := t.Registry.Disconnect(ctx, riderID, handle); err != nil && !errors.Is(err, ErrUnknownRider) {
		t.Logger.Warn("rider_disconnect_failed", "rider_id", riderID, "err", err)
	}
}
