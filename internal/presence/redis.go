package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

const maxTxRetries = 8

// RedisRegistry implements Registry on Redis hashes plus sorted sets of the
// riders currently eligible for offers. Each mutation is a WATCH/MULTI
// transaction on the rider's hash, giving per-rider atomicity.
type RedisRegistry struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisRegistry(addr, password, prefix string) *RedisRegistry {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return NewRedisRegistryWithClient(c, prefix)
}

func NewRedisRegistryWithClient(c *redis.Client, prefix string) *RedisRegistry {
	if prefix == "" {
		prefix = "dispatch"
	}
	return &RedisRegistry{client: c, prefix: prefix, now: time.Now}
}

func (r *RedisRegistry) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisRegistry) Close() error { return r.client.Close() }

func (r *RedisRegistry) Connect(ctx context.Context, riderID, handle, vehicleClass string) error {
	return r.update(ctx, riderID, func(cur *models.Rider, _ bool) error {
		cur.Handle = handle
		if vehicleClass != "" {
			cur.VehicleClass = vehicleClass
		}
		if cur.Availability != models.OnRide {
			r.goOnline(cur)
		}
		return nil
	})
}

func (r *RedisRegistry) Disconnect(ctx context.Context, riderID, handle string) error {
	return r.update(ctx, riderID, func(cur *models.Rider, exists bool) error {
		if !exists {
			return ErrUnknownRider
		}
		if cur.Handle != handle {
			return errNoChange
		}
		cur.Handle = ""
		if cur.Availability == models.Online {
			cur.Availability = models.Offline
		}
		return nil
	})
}

func (r *RedisRegistry) SetAvailability(ctx context.Context, riderID string, a models.Availability) error {
	if !a.Valid() || a == models.OnRide {
		return ErrInvalidAvailability
	}
	return r.update(ctx, riderID, func(cur *models.Rider, _ bool) error {
		if cur.Availability == models.OnRide {
			return ErrRiderBusy
		}
		if a == models.Online {
			r.goOnline(cur)
		} else {
			cur.Availability = a
		}
		return nil
	})
}

func (r *RedisRegistry) ListCandidates(ctx context.Context, vehicleClass string) ([]models.Rider, error) {
	ids, err := r.client.ZRange(ctx, r.onlineKey(vehicleClass), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: list online: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, r.riderKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("presence: load riders: %w", err)
	}
	out := make([]models.Rider, 0, len(ids))
	for i, id := range ids {
		rd, ok := decodeRider(id, cmds[i].Val())
		if ok && candidate(rd, vehicleClass) {
			out = append(out, rd)
		}
	}
	sortCandidates(out)
	return out, nil
}

func (r *RedisRegistry) Get(ctx context.Context, riderID string) (models.Rider, error) {
	vals, err := r.client.HGetAll(ctx, r.riderKey(riderID)).Result()
	if err != nil {
		return models.Rider{}, fmt.Errorf("presence: get %s: %w", riderID, err)
	}
	rd, ok := decodeRider(riderID, vals)
	if !ok {
		return models.Rider{}, ErrUnknownRider
	}
	return rd, nil
}

func (r *RedisRegistry) Claim(ctx context.Context, riderID, rideID string) (models.Availability, error) {
	var prev models.Availability
	err := r.update(ctx, riderID, func(cur *models.Rider, exists bool) error {
		if !exists {
			return ErrUnknownRider
		}
		if cur.Availability == models.OnRide {
			if cur.RideID == rideID {
				prev = models.OnRide
				return errNoChange
			}
			return ErrRiderBusy
		}
		prev = cur.Availability
		cur.Availability = models.OnRide
		cur.RideID = rideID
		return nil
	})
	if err != nil {
		return "", err
	}
	return prev, nil
}

func (r *RedisRegistry) Release(ctx context.Context, riderID, rideID string, to models.Availability) error {
	if !to.Valid() || to == models.OnRide {
		return ErrInvalidAvailability
	}
	return r.update(ctx, riderID, func(cur *models.Rider, exists bool) error {
		if !exists {
			return ErrUnknownRider
		}
		if cur.Availability != models.OnRide || cur.RideID != rideID {
			return errNoChange
		}
		cur.RideID = ""
		if to == models.Online {
			r.goOnline(cur)
		} else {
			cur.Availability = to
		}
		return nil
	})
}

// errNoChange aborts an update without writing and without failing the call.
var errNoChange = errors.New("presence: no change")

func (r *RedisRegistry) update(ctx context.Context, riderID string, fn func(cur *models.Rider, exists bool) error) error {
	key := r.riderKey(riderID)
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			vals, err := tx.HGetAll(ctx, key).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			before, exists := decodeRider(riderID, vals)
			after := before
			if err := fn(&after, exists); err != nil {
				return err
			}
			after.Updated = r.now()
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, key, encodeRider(after))
				r.index(ctx, pipe, before, after)
				return nil
			})
			return err
		}, key)
		switch {
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, errNoChange):
			return nil
		default:
			return err
		}
	}
	return fmt.Errorf("presence: rider %s: transaction retries exhausted", riderID)
}

// index keeps the online sorted sets in step with the rider hash.
func (r *RedisRegistry) index(ctx context.Context, pipe redis.Pipeliner, before, after models.Rider) {
	if before.VehicleClass != "" && before.VehicleClass != after.VehicleClass {
		pipe.ZRem(ctx, r.onlineKey(before.VehicleClass), after.ID)
	}
	if after.Availability == models.Online && after.Handle != "" {
		z := redis.Z{Score: float64(after.OnlineSince.UnixMilli()), Member: after.ID}
		pipe.ZAdd(ctx, r.onlineKey(""), z)
		if after.VehicleClass != "" {
			pipe.ZAdd(ctx, r.onlineKey(after.VehicleClass), z)
		}
		return
	}
	pipe.ZRem(ctx, r.onlineKey(""), after.ID)
	if after.VehicleClass != "" {
		pipe.ZRem(ctx, r.onlineKey(after.VehicleClass), after.ID)
	}
}

func (r *RedisRegistry) goOnline(rd *models.Rider) {
	if rd.Availability != models.Online {
		rd.OnlineSince = r.now()
	}
	rd.Availability = models.Online
}

func (r *RedisRegistry) riderKey(id string) string { return r.prefix + ":rider:" + id }

func (r *RedisRegistry) onlineKey(class string) string {
	if class == "" {
		return r.prefix + ":riders:online"
	}
	return r.prefix + ":riders:online:" + class
}

func encodeRider(rd models.Rider) map[string]interface{} {
	return map[string]interface{}{
		"availability":  string(rd.Availability),
		"vehicle_class": rd.VehicleClass,
		"handle":        rd.Handle,
		"ride_id":       rd.RideID,
		"online_since":  strconv.FormatInt(rd.OnlineSince.UnixNano(), 10),
		"updated":       rd.Updated.Format(time.RFC3339Nano),
	}
}

func decodeRider(id string, m map[string]string) (models.Rider, bool) {
	rd := models.Rider{ID: id, Availability: models.Offline}
	if len(m) == 0 {
		return rd, false
	}
	if v := m["availability"]; v != "" {
		rd.Availability = models.Availability(v)
	}
	rd.VehicleClass = m["vehicle_class"]
	rd.Handle = m["handle"]
	rd.RideID = m["ride_id"]
	if v, err := strconv.ParseInt(m["online_since"], 10, 64); err == nil && v > 0 {
		rd.OnlineSince = time.Unix(0, v)
	}
	if t, err := time.Parse(time.RFC3339Nano, m["updated"]); err == nil {
		rd.Updated = t
	}
	return rd, true
}
