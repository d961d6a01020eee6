package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrNotFound = errors.New("storage: ride not found")
	// ErrConflict means a compare-and-set precondition did not hold.
	ErrConflict = errors.New("storage: ride status changed concurrently")
)

// RideStore is the single source of truth for ride status. Every mutation is
// a compare-and-set on the current status.
type RideStore interface {
	SaveRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	// AssignRide moves SEARCHING -> ASSIGNED with riderID.
	AssignRide(ctx context.Context, rideID, riderID string) (*models.Ride, error)
	// TransitionRide moves the ride to status `to` if it is currently in one
	// of `from`, clearing any assigned rider. It returns the ride as it was
	// before the change.
	TransitionRide(ctx context.Context, rideID string, to models.RideStatus, from ...models.RideStatus) (*models.Ride, error)
	// UnassignRide moves ASSIGNED (to riderID) back to SEARCHING.
	UnassignRide(ctx context.Context, rideID, riderID string) (*models.Ride, error)
	// CompleteRide moves ASSIGNED to COMPLETED. A non-empty riderID must be
	// the assigned rider. It returns the ride as it was before the change.
	CompleteRide(ctx context.Context, rideID, riderID string) (*models.Ride, error)
	// ListStaleRides returns rides in status whose last update is before cutoff.
	ListStaleRides(ctx context.Context, status models.RideStatus, cutoff time.Time, limit int) ([]models.Ride, error)
}

type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]*models.Ride
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]*models.Ride), now: time.Now}
}

func (m *MemoryStore) SaveRide(_ context.Context, r *models.Ride) error {
	if r.ID == "" {
		return fmt.Errorf("storage: ride without id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = m.now()
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = cp.CreatedAt
	}
	m.rides[r.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) AssignRide(_ context.Context, rideID, riderID string) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != models.RideSearching {
		return nil, ErrConflict
	}
	r.Status = models.RideAssigned
	r.AssignedRiderID = riderID
	r.UpdatedAt = m.now()
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) TransitionRide(_ context.Context, rideID string, to models.RideStatus, from ...models.RideStatus) (*models.Ride, error) {
	if to == models.RideAssigned {
		return nil, fmt.Errorf("storage: use AssignRide to assign")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return nil, ErrNotFound
	}
	if !statusIn(r.Status, from) {
		return nil, ErrConflict
	}
	before := *r
	r.Status = to
	r.AssignedRiderID = ""
	r.UpdatedAt = m.now()
	return &before, nil
}

func (m *MemoryStore) UnassignRide(_ context.Context, rideID, riderID string) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != models.RideAssigned || r.AssignedRiderID != riderID {
		return nil, ErrConflict
	}
	r.Status = models.RideSearching
	r.AssignedRiderID = ""
	r.UpdatedAt = m.now()
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) CompleteRide(_ context.Context, rideID, riderID string) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != models.RideAssigned || (riderID != "" && r.AssignedRiderID != riderID) {
		return nil, ErrConflict
	}
	before := *r
	r.Status = models.RideCompleted
	r.AssignedRiderID = ""
	r.UpdatedAt = m.now()
	return &before, nil
}

func (m *MemoryStore) ListStaleRides(_ context.Context, status models.RideStatus, cutoff time.Time, limit int) ([]models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Ride
	for _, r := range m.rides {
		if r.Status == status && r.UpdatedAt.Before(cutoff) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func statusIn(s models.RideStatus, set []models.RideStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
