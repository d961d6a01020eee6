package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

const rideColumns = `id, user_id, trip_details, service_details, status, assigned_rider_id, otp, created_at, updated_at`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Migrate applies a schema script, typically migrations/001_create_rides.sql.
func (p *PostgresStore) Migrate(ctx context.Context, script string) error {
	_, err := p.db.ExecContext(ctx, script)
	return err
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) SaveRide(ctx context.Context, r *models.Ride) error {
	trip, err := json.Marshal(r.Trip)
	if err != nil {
		return fmt.Errorf("storage: encode trip: %w", err)
	}
	svc, err := json.Marshal(r.Service)
	if err != nil {
		return fmt.Errorf("storage: encode service: %w", err)
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO rides(id, user_id, trip_details, service_details, status, assigned_rider_id, otp, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		r.ID, r.UserID, trip, svc, string(r.Status), nullString(r.AssignedRiderID), r.OTP, r.CreatedAt, r.UpdatedAt)
	return err
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1`, id)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// AssignRide is a single conditional UPDATE, so two concurrent acceptances
// cannot both see SEARCHING.
func (p *PostgresStore) AssignRide(ctx context.Context, rideID, riderID string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `UPDATE rides SET status=$1, assigned_rider_id=$2, updated_at=now()
		WHERE id=$3 AND status=$4 RETURNING `+rideColumns,
		string(models.RideAssigned), riderID, rideID, string(models.RideSearching))
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, p.missOrConflict(ctx, rideID)
	}
	return r, err
}

func (p *PostgresStore) TransitionRide(ctx context.Context, rideID string, to models.RideStatus, from ...models.RideStatus) (*models.Ride, error) {
	if to == models.RideAssigned {
		return nil, fmt.Errorf("storage: use AssignRide to assign")
	}
	var before *models.Ride
	err := p.withinTx(ctx, func(tx *sql.Tx) error {
		cur, err := scanRide(tx.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1 FOR UPDATE`, rideID))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if !statusIn(cur.Status, from) {
			return ErrConflict
		}
		if _, err := tx.ExecContext(ctx, `UPDATE rides SET status=$1, assigned_rider_id=NULL, updated_at=now() WHERE id=$2`, string(to), rideID); err != nil {
			return err
		}
		before = cur
		return nil
	})
	return before, err
}

func (p *PostgresStore) UnassignRide(ctx context.Context, rideID, riderID string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `UPDATE rides SET status=$1, assigned_rider_id=NULL, updated_at=now()
		WHERE id=$2 AND status=$3 AND assigned_rider_id=$4 RETURNING `+rideColumns,
		string(models.RideSearching), rideID, string(models.RideAssigned), riderID)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, p.missOrConflict(ctx, rideID)
	}
	return r, err
}

func (p *PostgresStore) CompleteRide(ctx context.Context, rideID, riderID string) (*models.Ride, error) {
	var before *models.Ride
	err := p.withinTx(ctx, func(tx *sql.Tx) error {
		cur, err := scanRide(tx.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1 FOR UPDATE`, rideID))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if cur.Status != models.RideAssigned || (riderID != "" && cur.AssignedRiderID != riderID) {
			return ErrConflict
		}
		if _, err := tx.ExecContext(ctx, `UPDATE rides SET status=$1, assigned_rider_id=NULL, updated_at=now() WHERE id=$2`,
			string(models.RideCompleted), rideID); err != nil {
			return err
		}
		before = cur
		return nil
	})
	return before, err
}

func (p *PostgresStore) ListStaleRides(ctx context.Context, status models.RideStatus, cutoff time.Time, limit int) ([]models.Ride, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE status=$1 AND updated_at < $2 ORDER BY updated_at LIMIT $3`,
		string(status), cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) missOrConflict(ctx context.Context, rideID string) error {
	var one int
	err := p.db.QueryRowContext(ctx, `SELECT 1 FROM rides WHERE id=$1`, rideID).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return err
	default:
		return ErrConflict
	}
}

func (p *PostgresStore) withinTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if rec := recover(); rec != nil {
			_ = tx.Rollback()
			panic(rec)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(s rowScanner) (*models.Ride, error) {
	var (
		r        models.Ride
		trip     []byte
		svc      []byte
		status   string
		assigned sql.NullString
		otp      sql.NullString
	)
	if err := s.Scan(&r.ID, &r.UserID, &trip, &svc, &status, &assigned, &otp, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(trip, &r.Trip); err != nil {
		return nil, fmt.Errorf("storage: decode trip: %w", err)
	}
	if err := json.Unmarshal(svc, &r.Service); err != nil {
		return nil, fmt.Errorf("storage: decode service: %w", err)
	}
	r.Status = models.RideStatus(status)
	r.AssignedRiderID = assigned.String
	r.OTP = otp.String
	return &r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
