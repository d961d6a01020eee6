package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

func TestReaperRestartsAndExpires(t *testing.T) {
	policy := testPolicy(Broadcast)
	policy.PerCandidateTimeout = 5 * time.Second
	f := newFixture(t, policy)
	f.online(t, "r1")
	now := time.Now()

	save := func(id string, created, updated time.Time) {
		r := f.ride(t, id)
		r.CreatedAt = created
		r.UpdatedAt = updated
		require.NoError(t, f.store.SaveRide(context.Background(), r))
	}
	save("old", now.Add(-time.Hour), now.Add(-time.Hour))
	save("orphan", now.Add(-3*time.Minute), now.Add(-3*time.Minute))
	save("fresh", now, now)
	save("live", now.Add(-3*time.Minute), now.Add(-3*time.Minute))
	_, err := f.engine.Start("live")
	require.NoError(t, err)

	reaper := NewReaper(f.engine, f.store, ReaperConfig{
		StaleAfter:   2 * time.Minute,
		MaxSearchAge: 10 * time.Minute,
	}, logging.Discard())
	reaper.now = func() time.Time { return now }

	res, err := reaper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Restarted: 1, Expired: 1, Skipped: 1}, res)

	old, err := f.store.GetRide(context.Background(), "old")
	require.NoError(t, err)
	assert.Equal(t, models.RideUnmatched, old.Status)

	_, live := f.engine.Snapshot("orphan")
	assert.True(t, live)
	_, live = f.engine.Snapshot("fresh")
	assert.False(t, live)
}

func TestReaperExpireOnly(t *testing.T) {
	f := newFixture(t, testPolicy(Broadcast))
	now := time.Now()
	for id, age := range map[string]time.Duration{"old": time.Hour, "orphan": 3 * time.Minute} {
		r := f.ride(t, id)
		r.CreatedAt = now.Add(-age)
		r.UpdatedAt = r.CreatedAt
		require.NoError(t, f.store.SaveRide(context.Background(), r))
	}
	reaper := NewReaper(f.engine, f.store, ReaperConfig{
		StaleAfter:   2 * time.Minute,
		MaxSearchAge: 10 * time.Minute,
		ExpireOnly:   true,
	}, logging.Discard())
	reaper.now = func() time.Time { return now }

	res, err := reaper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Expired: 1, Skipped: 1}, res)
	assert.Equal(t, 0, f.engine.Active())
}

func TestReaperRejectsBadSchedule(t *testing.T) {
	f := newFixture(t, testPolicy(Broadcast))
	reaper := NewReaper(f.engine, f.store, ReaperConfig{Schedule: "not a schedule"}, logging.Discard())
	assert.Error(t, reaper.Start())
}

func TestReaperRunsOnSchedule(t *testing.T) {
	f := newFixture(t, testPolicy(Broadcast))
	r := f.ride(t, "stale")
	r.CreatedAt = time.Now().Add(-time.Hour)
	r.UpdatedAt = r.CreatedAt
	require.NoError(t, f.store.SaveRide(context.Background(), r))

	reaper := NewReaper(f.engine, f.store, ReaperConfig{
		Schedule:     "@every 1s",
		StaleAfter:   time.Minute,
		MaxSearchAge: 10 * time.Minute,
	}, logging.Discard())
	require.NoError(t, reaper.Start())
	defer reaper.Stop()

	assert.Eventually(t, func() bool {
		ride, err := f.store.GetRide(context.Background(), "stale")
		return err == nil && ride.Status == models.RideUnmatched
	}, 3*time.Second, 50*time.Millisecond)
}
