package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultSessionTTL = 72 * time.Hour
	activeIndexKey    = "pearlflow:sessions:active"
)

// RedisStore keeps each session as a JSON document with a TTL, plus a sorted
// set of active session ids scored by last update for the idle sweep.
type RedisStore struct {
	redis  *redis.Client
	ttl    time.Duration
	tracer trace.Tracer
}

// NewRedisStore panics on a nil client. A non-positive ttl uses 72h.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if client == nil {
		panic("session: redis client cannot be nil")
	}
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &RedisStore{
		redis:  client,
		ttl:    ttl,
		tracer: otel.Tracer("pearlflow.internal.session.redis"),
	}
}

func (r *RedisStore) Create(ctx context.Context, s Session) (Session, error) {
	ctx, span := r.tracer.Start(ctx, "session.create")
	defer span.End()

	s.Version = 1
	data, err := json.Marshal(s)
	if err != nil {
		span.RecordError(err)
		return Session{}, fmt.Errorf("session: marshal: %w", err)
	}
	ok, err := r.redis.SetNX(ctx, sessionKey(s.ID), data, r.ttl).Result()
	if err != nil {
		span.RecordError(err)
		return Session{}, fmt.Errorf("session: create: %w", err)
	}
	if !ok {
		return Session{}, ErrExists
	}
	if err := r.redis.ZAdd(ctx, activeIndexKey, redis.Z{Score: float64(s.UpdatedAt.Unix()), Member: s.ID}).Err(); err != nil {
		span.RecordError(err)
		return Session{}, fmt.Errorf("session: index: %w", err)
	}
	return s, nil
}

func (r *RedisStore) Load(ctx context.Context, id string) (Session, error) {
	ctx, span := r.tracer.Start(ctx, "session.load")
	defer span.End()

	data, err := r.redis.Get(ctx, sessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Session{}, ErrNotFound
		}
		span.RecordError(err)
		return Session{}, fmt.Errorf("session: load: %w", err)
	}
	return decodeSession(data)
}

func (r *RedisStore) Save(ctx context.Context, s Session) (Session, error) {
	ctx, span := r.tracer.Start(ctx, "session.save")
	defer span.End()

	key := sessionKey(s.ID)
	expected := s.Version
	s.Version++
	data, err := json.Marshal(s)
	if err != nil {
		span.RecordError(err)
		return Session{}, fmt.Errorf("session: marshal: %w", err)
	}

	err = r.redis.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		current, err := decodeSession(raw)
		if err != nil {
			return err
		}
		if current.Version != expected {
			return ErrVersionConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, r.ttl)
			if s.Status == StatusActive {
				pipe.ZAdd(ctx, activeIndexKey, redis.Z{Score: float64(s.UpdatedAt.Unix()), Member: s.ID})
			} else {
				pipe.ZRem(ctx, activeIndexKey, s.ID)
			}
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		return s, nil
	case errors.Is(err, redis.TxFailedErr):
		return Session{}, ErrVersionConflict
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrVersionConflict):
		return Session{}, err
	default:
		span.RecordError(err)
		return Session{}, fmt.Errorf("session: save: %w", err)
	}
}

func (r *RedisStore) ListIdle(ctx context.Context, before time.Time, limit int) ([]Session, error) {
	ctx, span := r.tracer.Start(ctx, "session.list_idle")
	defer span.End()

	by := &redis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(before.Unix(), 10)}
	if limit > 0 {
		by.Count = int64(limit)
	}
	ids, err := r.redis.ZRangeByScore(ctx, activeIndexKey, by).Result()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("session: list idle: %w", err)
	}
	out := make([]Session, 0, len(ids))
	for _, id := range ids {
		s, err := r.Load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			r.redis.ZRem(ctx, activeIndexKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if s.Status == StatusActive && s.UpdatedAt.Before(before) {
			out = append(out, s)
		}
	}
	return out, nil
}

func decodeSession(data []byte) (Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return Session{}, fmt.Errorf("session: decode: %w", err)
	}
	return s, nil
}

func sessionKey(id string) string {
	return fmt.Sprintf("pearlflow:session:%s", id)
}
