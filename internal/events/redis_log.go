package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// RedisLog stores each session's events in a capped Redis list. The head
// seq lives in a separate counter so trimming never reuses a seq.
type RedisLog struct {
	redis     *redis.Client
	retention Retention
	tracer    trace.Tracer
	now       func() time.Time
}

// NewRedisLog panics on a nil client.
func NewRedisLog(client *redis.Client, retention Retention) *RedisLog {
	if client == nil {
		panic("events: redis client cannot be nil")
	}
	return &RedisLog{
		redis:     client,
		retention: retention.normalize(),
		tracer:    otel.Tracer("pearlflow.internal.events.log"),
		now:       time.Now,
	}
}

func (l *RedisLog) Append(ctx context.Context, sessionID string, p Payload, at time.Time) (Event, error) {
	ctx, span := l.tracer.Start(ctx, "events.append")
	defer span.End()

	if at.IsZero() {
		at = l.now()
	}
	seq, err := l.redis.Incr(ctx, headKey(sessionID)).Result()
	if err != nil {
		span.RecordError(err)
		return Event{}, fmt.Errorf("events: assign seq: %w", err)
	}
	ev := Event{SessionID: sessionID, Seq: seq, At: at.UTC(), Payload: p}
	data, err := json.Marshal(ev)
	if err != nil {
		span.RecordError(err)
		return Event{}, fmt.Errorf("events: marshal event: %w", err)
	}

	ttl := l.retention.MaxAge
	pipe := l.redis.TxPipeline()
	pipe.RPush(ctx, listKey(sessionID), data)
	pipe.LTrim(ctx, listKey(sessionID), int64(-l.retention.MaxEvents), -1)
	pipe.Expire(ctx, listKey(sessionID), ttl)
	pipe.Expire(ctx, headKey(sessionID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		return Event{}, fmt.Errorf("events: append event: %w", err)
	}
	// followers re-read the log, so a lost wake only delays delivery until
	// the next append
	if err := l.redis.Publish(ctx, wakeChannel(sessionID), sessionID).Err(); err != nil {
		span.RecordError(err)
	}
	return ev, nil
}

func (l *RedisLog) Since(ctx context.Context, sessionID string, after int64) ([]Event, error) {
	ctx, span := l.tracer.Start(ctx, "events.since")
	defer span.End()

	pipe := l.redis.Pipeline()
	headCmd := pipe.Get(ctx, headKey(sessionID))
	listCmd := pipe.LRange(ctx, listKey(sessionID), 0, -1)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		span.RecordError(err)
		return nil, fmt.Errorf("events: read log: %w", err)
	}

	head, err := headCmd.Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		span.RecordError(err)
		return nil, fmt.Errorf("events: read head: %w", err)
	}

	cutoff := l.now().Add(-l.retention.MaxAge)
	raw := listCmd.Val()
	retained := make([]Event, 0, len(raw))
	for _, item := range raw {
		var ev Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("events: decode event: %w", err)
		}
		if ev.At.Before(cutoff) {
			continue
		}
		retained = append(retained, ev)
	}
	return window(retained, head, after)
}

// Watch subscribes to append notifications and returns the session ids as
// they arrive. The channel closes when ctx ends or the subscription fails.
func (l *RedisLog) Watch(ctx context.Context) (<-chan string, error) {
	ps := l.redis.PSubscribe(ctx, wakeChannel("*"))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("events: watch: %w", err)
	}

	out := make(chan string, 64)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func wakeChannel(sessionID string) string {
	return fmt.Sprintf("pearlflow:events:wake:%s", sessionID)
}

func headKey(sessionID string) string {
	return fmt.Sprintf("pearlflow:events:%s:head", sessionID)
}

func listKey(sessionID string) string {
	return fmt.Sprintf("pearlflow:events:%s", sessionID)
}
