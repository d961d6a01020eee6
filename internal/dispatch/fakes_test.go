package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/transport"
)

type sentOffer struct {
	riderID string
	offer   models.Offer
}

// fakeTransport routes decisions through a real Correlator and behaves like
// the websocket hub for stale acceptances.
type fakeTransport struct {
	corr    *transport.Correlator
	respond func(tr *fakeTransport, riderID string, o models.Offer)
	offered chan sentOffer

	mu      sync.Mutex
	offers  []sentOffer
	notices map[string][]models.Notice
	waits   map[string]int
	maxWait int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		corr:    transport.NewCorrelator(),
		offered: make(chan sentOffer, 256),
		notices: make(map[string][]models.Notice),
		waits:   make(map[string]int),
	}
}

func (f *fakeTransport) Offer(_ context.Context, rider models.Rider, o models.Offer) error {
	if rider.Handle == "" {
		return transport.ErrNoSession
	}
	so := sentOffer{riderID: rider.ID, offer: o}
	f.mu.Lock()
	f.offers = append(f.offers, so)
	respond := f.respond
	f.mu.Unlock()
	select {
	case f.offered <- so:
	default:
	}
	if respond != nil {
		go respond(f, rider.ID, o)
	}
	return nil
}

func (f *fakeTransport) Notify(_ context.Context, riderID string, n models.Notice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices[riderID] = append(f.notices[riderID], n)
	return nil
}

func (f *fakeTransport) Expect(riderID, rideID string, ch chan<- models.Decision) func() {
	key := riderID + "/" + rideID
	f.mu.Lock()
	f.waits[key]++
	if f.waits[key] > f.maxWait {
		f.maxWait = f.waits[key]
	}
	f.mu.Unlock()
	release := f.corr.Expect(riderID, rideID, ch)
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			f.waits[key]--
			f.mu.Unlock()
			release()
		})
	}
}

func (f *fakeTransport) setResponder(fn func(tr *fakeTransport, riderID string, o models.Offer)) {
	f.mu.Lock()
	f.respond = fn
	f.mu.Unlock()
}

func (f *fakeTransport) decide(riderID, rideID string, accepted bool) bool {
	d := models.Decision{RiderID: riderID, RideID: rideID, Accepted: accepted, At: time.Now()}
	if f.corr.Deliver(d) {
		return true
	}
	if accepted {
		_ = f.Notify(context.Background(), riderID, unavailable(rideID))
	}
	return false
}

func (f *fakeTransport) offersTo(riderID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, o := range f.offers {
		if o.riderID == riderID {
			n++
		}
	}
	return n
}

func (f *fakeTransport) noticesFor(riderID string) []models.Notice {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Notice(nil), f.notices[riderID]...)
}

func (f *fakeTransport) hasNotice(riderID string, t models.NoticeType) bool {
	for _, n := range f.noticesFor(riderID) {
		if n.Type == t {
			return true
		}
	}
	return false
}

func (f *fakeTransport) maxConcurrentWaits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxWait
}

func acceptAll(tr *fakeTransport, riderID string, o models.Offer) {
	tr.decide(riderID, o.RideID, true)
}

func rejectAll(tr *fakeTransport, riderID string, o models.Offer) {
	tr.decide(riderID, o.RideID, false)
}

type recordingObserver struct {
	mu      sync.Mutex
	changes []models.Ride
	reasons []string
}

func (r *recordingObserver) RideChanged(_ context.Context, ride models.Ride, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, ride)
	r.reasons = append(r.reasons, reason)
	return nil
}

func (r *recordingObserver) statuses() []models.RideStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.RideStatus, 0, len(r.changes))
	for _, c := range r.changes {
		out = append(out, c.Status)
	}
	return out
}

// await waits until at least n changes were observed and returns their
// statuses.
func (r *recordingObserver) await(t *testing.T, n int) []models.RideStatus {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.statuses()) >= n }, 2*time.Second, 5*time.Millisecond)
	return r.statuses()
}

// failingStore fails AssignRide when failAssign is set.
type failingStore struct {
	*storage.MemoryStore
	failAssign atomic.Bool
}

func (s *failingStore) AssignRide(ctx context.Context, rideID, riderID string) (*models.Ride, error) {
	if s.failAssign.Load() {
		return nil, errors.New("connection reset")
	}
	return s.MemoryStore.AssignRide(ctx, rideID, riderID)
}

type fixture struct {
	engine   *Engine
	store    *storage.MemoryStore
	presence *presence.Memory
	tr       *fakeTransport
	obs      *recordingObserver
}

func testPolicy(strategy Strategy) Policy {
	return Policy{
		MaxRounds:           3,
		PerCandidateTimeout: 200 * time.Millisecond,
		InterRoundDelay:     20 * time.Millisecond,
		SessionDeadline:     3 * time.Second,
		Strategy:            strategy,
		EmptyRound:          FailFast,
	}
}

func newFixture(t *testing.T, policy Policy) *fixture {
	t.Helper()
	return newFixtureWithStore(t, policy, nil)
}

// newFixtureWithStore builds a fixture on store (nil for a fresh memory
// store). Extra observers run before the recording one.
func newFixtureWithStore(t *testing.T, policy Policy, store storage.RideStore, extra ...Observer) *fixture {
	t.Helper()
	mem := storage.NewMemoryStore()
	switch s := store.(type) {
	case nil:
		store = mem
	case *failingStore:
		mem = s.MemoryStore
	}
	f := &fixture{
		store:    mem,
		presence: presence.NewMemory(),
		tr:       newFakeTransport(),
		obs:      &recordingObserver{},
	}
	observers := append(append([]Observer(nil), extra...), f.obs)
	f.engine = NewEngine(store, f.presence, f.tr, policy, logging.Discard(), observers...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = f.engine.Shutdown(ctx)
	})
	return f
}

func (f *fixture) online(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, f.presence.Connect(context.Background(), id, "h-"+id, "auto"))
	}
}

func (f *fixture) ride(t *testing.T, id string) *models.Ride {
	t.Helper()
	r := &models.Ride{
		ID:     id,
		UserID: "u1",
		Trip: models.TripDetails{
			Origin:      models.Place{Coord: models.Coord{Lat: 12.97, Lon: 77.59}, Label: "MG Road"},
			Destination: models.Place{Coord: models.Coord{Lat: 12.93, Lon: 77.62}, Label: "Koramangala"},
		},
		Service: models.ServiceDetails{VehicleClass: "auto", Price: 120},
		Status:  models.RideSearching,
		OTP:     "4821",
	}
	require.NoError(t, f.store.SaveRide(context.Background(), r))
	return r
}

func (f *fixture) wait(t *testing.T, rideID string) *models.Ride {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.engine.Wait(ctx, rideID))
	r, err := f.store.GetRide(context.Background(), rideID)
	require.NoError(t, err)
	return r
}

func (f *fixture) awaitOffer(t *testing.T) sentOffer {
	t.Helper()
	select {
	case o := <-f.tr.offered:
		return o
	case <-time.After(3 * time.Second):
		t.Fatal("no offer sent")
	}
	return sentOffer{}
}
