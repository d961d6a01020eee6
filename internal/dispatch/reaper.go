package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// ReaperConfig controls how SEARCHING rides without a session are found.
type ReaperConfig struct {
	Schedule string
	// StaleAfter is how long a SEARCHING ride may go without an update
	// before it is considered orphaned.
	StaleAfter time.Duration
	// MaxSearchAge is the age after which an orphaned ride is given up on
	// rather than restarted.
	MaxSearchAge time.Duration
	BatchSize    int
	// ExpireOnly skips restarts, for processes that hold no rider
	// connections and so could not offer anything.
	ExpireOnly bool
}

// Reaper restarts or expires SEARCHING rides whose session was lost, e.g.
// after a crash or a store failure.
type Reaper struct {
	engine *Engine
	store  storage.RideStore
	cfg    ReaperConfig
	cron   *cron.Cron
	logger *slog.Logger
	now    func() time.Time
}

func NewReaper(engine *Engine, store storage.RideStore, cfg ReaperConfig, logger *slog.Logger) *Reaper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 30s"
	}
	return &Reaper{
		engine: engine,
		store:  store,
		cfg:    cfg,
		cron:   cron.New(),
		logger: logger,
		now:    time.Now,
	}
}

// Start schedules Sweep on the configured cron spec.
func (r *Reaper) Start() error {
	_, err := r.cron.AddFunc(r.cfg.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := r.Sweep(ctx); err != nil {
			r.logger.Error("reaper_sweep_failed", "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule reaper %q: %w", r.cfg.Schedule, err)
	}
	r.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running sweep.
func (r *Reaper) Stop() {
	<-r.cron.Stop().Done()
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Restarted int `json:"restarted"`
	Expired   int `json:"expired"`
	Skipped   int `json:"skipped"`
}

func (r *Reaper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := r.now()
	rides, err := r.store.ListStaleRides(ctx, models.RideSearching, now.Add(-r.cfg.StaleAfter), r.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("list stale rides: %w", err)
	}
	for _, ride := range rides {
		if _, live := r.engine.Snapshot(ride.ID); live {
			res.Skipped++
			continue
		}
		if r.cfg.MaxSearchAge > 0 && now.Sub(ride.CreatedAt) > r.cfg.MaxSearchAge {
			if err := r.engine.expire(ctx, ride.ID, "reaped"); err != nil {
				r.logger.Warn("reaper_expire_failed", "ride_id", ride.ID, "err", err)
				continue
			}
			res.Expired++
			observability.ReaperActions.WithLabelValues("expired").Inc()
			continue
		}
		if r.cfg.ExpireOnly {
			res.Skipped++
			continue
		}
		if _, err := r.engine.BeginDispatch(ctx, ride.ID); err != nil {
			r.logger.Warn("reaper_restart_failed", "ride_id", ride.ID, "err", err)
			continue
		}
		res.Restarted++
		observability.ReaperActions.WithLabelValues("restarted").Inc()
	}
	if len(rides) > 0 {
		r.logger.Info("reaper_sweep", "restarted", res.Restarted, "expired", res.Expired, "skipped", res.Skipped)
	}
	return res, nil
}
