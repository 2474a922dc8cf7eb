package service

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-attendance-api/internal/dto"
)

func receiveEvent(t *testing.T, ch <-chan dto.AttendanceEvent) dto.AttendanceEvent {
	t.Helper()
	select {
	case event, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("no attendance event received")
		return dto.AttendanceEvent{}
	}
}

func TestAttendanceFeedDeliversToSessionSubscribers(t *testing.T) {
	feed := NewAttendanceFeed(nil, "", nil, zerolog.Nop())

	first, cleanupFirst := feed.Subscribe(1)
	other, cleanupOther := feed.Subscribe(2)
	defer cleanupOther()

	feed.Publish(context.Background(), dto.AttendanceEvent{Type: dto.AttendanceEventCountdown, SessionID: 1, TimeLeftSeconds: 45})

	event := receiveEvent(t, first)
	require.Equal(t, dto.AttendanceEventCountdown, event.Type)
	require.EqualValues(t, 45, event.TimeLeftSeconds)
	require.False(t, event.OccurredAt.IsZero())

	select {
	case unexpected := <-other:
		t.Fatalf("event leaked to another session: %+v", unexpected)
	default:
	}

	cleanupFirst()
	cleanupFirst()
	_, ok := <-first
	require.False(t, ok)

	// Publishing to a session without subscribers is a no-op.
	feed.Publish(context.Background(), dto.AttendanceEvent{Type: dto.AttendanceEventStopped, SessionID: 1})
}

func TestAttendanceFeedFansOutAcrossNodesThroughRedis(t *testing.T) {
	mini, err := miniredis.Run()
	require.NoError(t, err)
	defer mini.Close()

	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nodeA := NewAttendanceFeed(client, "attendance:test", nil, zerolog.Nop())
	nodeB := NewAttendanceFeed(client, "attendance:test", nil, zerolog.Nop())
	nodeA.Start(ctx)
	nodeB.Start(ctx)

	require.Eventually(t, func() bool {
		return mini.PubSubNumSub("attendance:test:feed")["attendance:test:feed"] == 2
	}, 2*time.Second, 10*time.Millisecond)

	local, cleanupLocal := nodeA.Subscribe(9)
	defer cleanupLocal()
	remote, cleanupRemote := nodeB.Subscribe(9)
	defer cleanupRemote()

	nodeA.Publish(ctx, dto.AttendanceEvent{Type: dto.AttendanceEventExpired, SessionID: 9})

	require.Equal(t, dto.AttendanceEventExpired, receiveEvent(t, local).Type)
	require.Equal(t, dto.AttendanceEventExpired, receiveEvent(t, remote).Type)

	// Node A ignores its own envelope coming back from Redis.
	select {
	case duplicate := <-local:
		t.Fatalf("node delivered its own event twice: %+v", duplicate)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAttendanceFeedDeliversEachEnvelopeOnceAcrossTransports(t *testing.T) {
	mini, err := miniredis.Run()
	require.NoError(t, err)
	defer mini.Close()

	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nodeA := NewAttendanceFeed(client, "attendance:dup", nil, zerolog.Nop()).(*attendanceFeed)
	nodeB := NewAttendanceFeed(client, "attendance:dup", nil, zerolog.Nop())
	nodeB.Start(ctx)
	require.Eventually(t, func() bool {
		return mini.PubSubNumSub("attendance:dup:feed")["attendance:dup:feed"] == 1
	}, 2*time.Second, 10*time.Millisecond)

	// A dead transport first, then the same envelope carried twice as Redis and NATS would.
	require.Len(t, nodeA.transports, 1)
	redisTransport := nodeA.transports[0]
	var brokenCalls int
	nodeA.transports = []feedTransport{
		{name: "nats", send: func(context.Context, []byte) error {
			brokenCalls++
			return errors.New("nats: connection closed")
		}},
		redisTransport,
		redisTransport,
	}

	remote, cleanup := nodeB.Subscribe(4)
	defer cleanup()

	nodeA.Publish(ctx, dto.AttendanceEvent{Type: dto.AttendanceEventRecorded, SessionID: 4})

	require.Equal(t, dto.AttendanceEventRecorded, receiveEvent(t, remote).Type)
	require.Equal(t, 1, brokenCalls)
	select {
	case duplicate := <-remote:
		t.Fatalf("event delivered twice: %+v", duplicate)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestRecentIDsForgetsOldestBeyondWindow(t *testing.T) {
	seen := newRecentIDs(2)

	require.True(t, seen.add("a"))
	require.False(t, seen.add("a"))
	require.True(t, seen.add("b"))
	require.True(t, seen.add("c"))
	require.True(t, seen.add("a"), "oldest id should have been evicted")
	require.False(t, seen.add("c"))
}
