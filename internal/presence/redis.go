package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/example/pickup-presence/internal/models"
)

// maxWatchRetries bounds optimistic transaction retries when another writer
// touches the same passenger key between WATCH and EXEC.
const maxWatchRetries = 16

// RedisStore keeps each record as a JSON string under <prefix><passengerId>.
// Mutations run as WATCH/MULTI transactions on that single key, which gives
// per-passenger atomicity across service instances.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	policy Policy
	clock  clockwork.Clock
}

func NewRedisStore(client redis.UniversalClient, prefix string, policy Policy, clock clockwork.Clock) *RedisStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if prefix == "" {
		prefix = "presence:"
	}
	return &RedisStore{client: client, prefix: prefix, policy: policy, clock: clock}
}

func (s *RedisStore) key(id string) string { return s.prefix + id }

func unavailable(err error) error {
	if err == nil || errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

func (s *RedisStore) read(ctx context.Context, tx *redis.Tx, key string) (Record, bool, error) {
	raw, err := tx.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, unavailable(err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, false, fmt.Errorf("decode presence %s: %w", key, err)
	}
	return rec, true, nil
}

// update reads the record, lets fn change it, and writes it back only if the
// key was untouched in between. fn receives exists=false for a missing key.
func (s *RedisStore) update(ctx context.Context, id string, fn func(rec *Record, exists bool) error) (Record, error) {
	key := s.key(id)
	var out Record
	txf := func(tx *redis.Tx) error {
		rec, exists, err := s.read(ctx, tx, key)
		if err != nil {
			return err
		}
		if err := fn(&rec, exists); err != nil {
			return err
		}
		rec.UpdatedAt = s.clock.Now()
		b, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, b, 0)
			return nil
		})
		if err != nil {
			return err
		}
		out = rec
		return nil
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return out, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, ErrNotFound), IsRejection(err):
			return Record{}, err
		default:
			return Record{}, unavailable(err)
		}
	}
	return Record{}, fmt.Errorf("%w: %d conflicting writes on %s", ErrStoreUnavailable, maxWatchRetries, id)
}

func (s *RedisStore) mutate(ctx context.Context, id string, fn func(*Record) error) (Record, error) {
	return s.update(ctx, id, func(rec *Record, exists bool) error {
		if !exists {
			return ErrNotFound
		}
		return fn(rec)
	})
}

func (s *RedisStore) UpsertLocation(ctx context.Context, id string, loc models.Coord, dayCardID string) (Record, error) {
	return s.update(ctx, id, func(rec *Record, exists bool) error {
		if !exists {
			*rec = s.policy.newRecord(id, loc, dayCardID, s.clock.Now())
			return nil
		}
		s.policy.applyLocation(rec, loc, dayCardID)
		return nil
	})
}

func (s *RedisStore) Get(ctx context.Context, id string) (Record, error) {
	raw, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, unavailable(err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("decode presence %s: %w", id, err)
	}
	return rec, nil
}

func (s *RedisStore) Claim(ctx context.Context, id, driverID string) (Record, error) {
	return s.mutate(ctx, id, func(r *Record) error { return s.policy.applyClaim(r, driverID) })
}

func (s *RedisStore) Unclaim(ctx context.Context, id, driverID string) (Record, error) {
	return s.mutate(ctx, id, func(r *Record) error { return s.policy.applyUnclaim(r, driverID) })
}

func (s *RedisStore) Extend(ctx context.Context, id string) (Record, error) {
	return s.mutate(ctx, id, s.policy.applyExtend)
}

func (s *RedisStore) StartTimer(ctx context.Context, id string, at time.Time) (Record, error) {
	return s.mutate(ctx, id, func(r *Record) error {
		s.policy.applyStartTimer(r, at)
		return nil
	})
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	return unavailable(s.client.Del(ctx, s.key(id)).Err())
}

func (s *RedisStore) List(ctx context.Context) ([]Record, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", 200).Result()
		if err != nil {
			return nil, unavailable(err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	out := make([]Record, 0, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			// deleted between SCAN and MGET
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			return nil, fmt.Errorf("decode presence %s: %w", keys[i], err)
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PassengerID < out[j].PassengerID })
	return out, nil
}

// Ping is used by the readiness probe.
func (s *RedisStore) Ping(ctx context.Context) error {
	return unavailable(s.client.Ping(ctx).Err())
}
