package presence

import (
	"context"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Memory is an in-process Registry.
type Memory struct {
	mu     sync.RWMutex
	riders map[string]models.Rider
	now    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{riders: make(map[string]models.Rider), now: time.Now}
}

func (m *Memory) Connect(_ context.Context, riderID, handle, vehicleClass string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.riders[riderID]
	r.ID = riderID
	r.Handle = handle
	if vehicleClass != "" {
		r.VehicleClass = vehicleClass
	}
	if r.Availability != models.OnRide {
		m.goOnline(&r)
	}
	r.Updated = m.now()
	m.riders[riderID] = r
	return nil
}

func (m *Memory) Disconnect(_ context.Context, riderID, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.riders[riderID]
	if !ok {
		return ErrUnknownRider
	}
	if r.Handle != handle {
		return nil
	}
	r.Handle = ""
	if r.Availability == models.Online {
		r.Availability = models.Offline
	}
	r.Updated = m.now()
	m.riders[riderID] = r
	return nil
}

func (m *Memory) SetAvailability(_ context.Context, riderID string, a models.Availability) error {
	if !a.Valid() || a == models.OnRide {
		return ErrInvalidAvailability
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.riders[riderID]
	if r.Availability == models.OnRide {
		return ErrRiderBusy
	}
	r.ID = riderID
	if a == models.Online {
		m.goOnline(&r)
	} else {
		r.Availability = a
	}
	r.Updated = m.now()
	m.riders[riderID] = r
	return nil
}

func (m *Memory) ListCandidates(_ context.Context, vehicleClass string) ([]models.Rider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Rider, 0, len(m.riders))
	for _, r := range m.riders {
		if candidate(r, vehicleClass) {
			out = append(out, r)
		}
	}
	sortCandidates(out)
	return out, nil
}

func (m *Memory) Get(_ context.Context, riderID string) (models.Rider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.riders[riderID]
	if !ok {
		return models.Rider{}, ErrUnknownRider
	}
	return r, nil
}

func (m *Memory) Claim(_ context.Context, riderID, rideID string) (models.Availability, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.riders[riderID]
	if !ok {
		return "", ErrUnknownRider
	}
	if r.Availability == models.OnRide {
		if r.RideID == rideID {
			return models.OnRide, nil
		}
		return "", ErrRiderBusy
	}
	prev := r.Availability
	r.Availability = models.OnRide
	r.RideID = rideID
	r.Updated = m.now()
	m.riders[riderID] = r
	return prev, nil
}

func (m *Memory) Release(_ context.Context, riderID, rideID string, to models.Availability) error {
	if !to.Valid() || to == models.OnRide {
		return ErrInvalidAvailability
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.riders[riderID]
	if !ok {
		return ErrUnknownRider
	}
	if r.Availability != models.OnRide || r.RideID != rideID {
		return nil
	}
	r.RideID = ""
	if to == models.Online {
		m.goOnline(&r)
	} else {
		r.Availability = to
	}
	r.Updated = m.now()
	m.riders[riderID] = r
	return nil
}

// goOnline stamps OnlineSince only on a real transition so repeated syncs do
// not push a waiting rider to the back of the queue.
func (m *Memory) goOnline(r *models.Rider) {
	if r.Availability != models.Online {
		r.OnlineSince = m.now()
	}
	r.Availability = models.Online
}
