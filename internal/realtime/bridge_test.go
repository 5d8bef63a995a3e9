package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func bridgePair(t *testing.T) (*Hub, *Hub, context.CancelFunc) {
	t.Helper()
	mr := miniredis.RunT(t)

	newClient := func() *redis.Client {
		opts, err := redis.ParseURL("redis://" + mr.Addr())
		if err != nil {
			t.Fatalf("parse redis url: %v", err)
		}
		return redis.NewClient(opts)
	}

	hubA := NewHub(testLogger())
	hubB := NewHub(testLogger())
	bridgeA := NewBridge(hubA, newClient(), testLogger())
	bridgeB := NewBridge(hubB, newClient(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go bridgeA.Run(ctx)
	go bridgeB.Run(ctx)
	// Give both subscriptions time to establish.
	time.Sleep(100 * time.Millisecond)
	return hubA, hubB, cancel
}

func waitForEvent(t *testing.T, ch <-chan Event, eventType string) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case event := <-ch:
			if event.Type == eventType {
				return event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", eventType)
		}
	}
}

func TestBridgeDeliversAcrossInstances(t *testing.T) {
	hubA, hubB, cancel := bridgePair(t)
	defer cancel()

	chRemote := hubB.Join("conn-remote", "bob", "board-1")

	hubA.Publish("board-1", EventTaskCreated, map[string]string{"id": "task-1"})

	event := waitForEvent(t, chRemote, EventTaskCreated)
	if event.Room != "board-1" {
		t.Errorf("expected room board-1, got %s", event.Room)
	}
}

func TestBridgeSuppressesOwnEcho(t *testing.T) {
	hubA, _, cancel := bridgePair(t)
	defer cancel()

	chLocal := hubA.Join("conn-local", "alice", "board-1")
	waitForEvent(t, chLocal, EventUpdateMembers)

	hubA.Publish("board-1", EventTaskDeleted, "task-9")
	waitForEvent(t, chLocal, EventTaskDeleted)

	// The relayed copy must not come back around.
	select {
	case event := <-chLocal:
		t.Errorf("unexpected extra event %s: echo not suppressed", event.Type)
	case <-time.After(300 * time.Millisecond):
	}
}
