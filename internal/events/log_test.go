package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/pearlflow/pkg/logging"
)

func TestMemoryLogWindow(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog(Retention{MaxEvents: 3, MaxAge: time.Hour})
	for i := 0; i < 5; i++ {
		_, err := log.Append(ctx, "s-1", Token{Text: "x"}, time.Time{})
		require.NoError(t, err)
	}

	events, err := log.Since(ctx, "s-1", 3)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(4), events[0].Seq)

	events, err = log.Since(ctx, "s-1", 2)
	require.NoError(t, err, "seq 3 is still retained")
	assert.Len(t, events, 3)

	_, err = log.Since(ctx, "s-1", 1)
	assert.ErrorIs(t, err, ErrCursorExpired)

	_, err = log.Since(ctx, "s-1", 9)
	assert.ErrorIs(t, err, ErrCursorExpired, "cursor ahead of the log")

	events, err = log.Since(ctx, "s-1", 5)
	require.NoError(t, err)
	assert.Empty(t, events)

	events, err = log.Since(ctx, "unknown", 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestMemoryLogAgeRetention(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog(Retention{MaxAge: time.Minute})
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	log.now = func() time.Time { return now }

	_, err := log.Append(ctx, "s-1", Token{Text: "old"}, now.Add(-2*time.Minute))
	require.NoError(t, err)
	_, err = log.Append(ctx, "s-1", Token{Text: "new"}, now)
	require.NoError(t, err)

	events, err := log.Since(ctx, "s-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(2), events[0].Seq)
}

func TestRedisLogAppendAndReplay(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	log := NewRedisLog(client, Retention{MaxEvents: 3, MaxAge: time.Hour})

	payloads := []Payload{
		AgentState{Agent: "IntakeSpecialist", Stage: "awaiting_pain_level"},
		Token{Text: "I'm so sorry"},
		UIComponent{Component: PainScaleSelector{Min: 0, Max: 10, Prompt: "pain"}},
		Complete{Agent: "IntakeSpecialist", Stage: "awaiting_pain_level"},
	}
	for i, p := range payloads {
		ev, err := log.Append(ctx, "s-1", p, time.Time{})
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), ev.Seq)
	}

	events, err := log.Since(ctx, "s-1", 1)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, TypeToken, events[0].Type())
	assert.Equal(t, TypeComplete, events[2].Type())
	selector := events[1].Payload.(UIComponent).Component.(PainScaleSelector)
	assert.Equal(t, 10, selector.Max)

	_, err = log.Since(ctx, "s-1", 0)
	require.NoError(t, err)

	mr.FastForward(2 * time.Hour)
	events, err = log.Since(ctx, "s-1", 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestRedisLogWakesBusesInOtherProcesses(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	retention := Retention{MaxEvents: 100, MaxAge: time.Hour}
	writer := NewBus(NewRedisLog(client, retention), logging.Discard())
	readerLog := NewRedisLog(client, retention)
	reader := NewBus(readerLog, logging.Discard())
	require.NoError(t, reader.Follow(ctx, readerLog))

	_, err := writer.Publish(ctx, "s-1", Token{Text: "before"})
	require.NoError(t, err)

	sub, err := reader.Subscribe(ctx, "s-1", 0)
	require.NoError(t, err)
	defer sub.Close()

	first, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Seq)

	_, err = writer.Publish(ctx, "s-1", Token{Text: "after"})
	require.NoError(t, err)
	_, err = writer.Publish(ctx, "s-1", Complete{Agent: "Receptionist", Stage: "initial"})
	require.NoError(t, err)

	waitCtx, stop := context.WithTimeout(ctx, 2*time.Second)
	defer stop()
	second, err := sub.Next(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Seq)
	assert.Equal(t, "after", second.Payload.(Token).Text)
	third, err := sub.Next(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, TypeComplete, third.Type())
	assert.Equal(t, 0, writer.Subscribers("s-1"))
}
