package status

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/flockd/flock/internal/bus"
	"github.com/flockd/flock/internal/config"
	"github.com/flockd/flock/internal/identity"
	"github.com/flockd/flock/internal/message"
)

func newTestChannel(t *testing.T, id string) *Channel {
	t.Helper()
	srv, err := bus.NewServer(config.NATSConfig{
		Port:    -1, // random port
		DataDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	t.Cleanup(srv.Close)

	client, err := bus.NewClient(srv.ClientURL())
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	t.Cleanup(client.Close)

	ch := NewChannel(client, identity.Identity{ID: id}, nil)
	t.Cleanup(ch.Close)
	return ch
}

func TestPublishSubscribe(t *testing.T) {
	ch := newTestChannel(t, "agent-1")

	got := make(chan message.StatusEvent, 1)
	if err := ch.Subscribe("agent.status.#", func(ev message.StatusEvent) {
		got <- ev
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ev := message.NewStatusEvent("agent-1", KindTaskDone, "t-1")
	if err := ch.Publish(ev, "agent.status.task.completed"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case received := <-got:
		if received.Kind != KindTaskDone || received.Detail != "t-1" {
			t.Errorf("unexpected event: %+v", received)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestWildcardNarrowSlice(t *testing.T) {
	ch := newTestChannel(t, "agent-1")

	matched := make(chan message.StatusEvent, 4)
	if err := ch.Subscribe("agent.*.completed", func(ev message.StatusEvent) {
		matched <- ev
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := ch.Publish(message.NewStatusEvent("agent-1", "a", ""), "agent.status.completed"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := ch.Publish(message.NewStatusEvent("agent-1", "b", ""), "agent.status.started"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case ev := <-matched:
		if ev.Kind != "a" {
			t.Errorf("wrong event matched: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for matching event")
	}

	select {
	case ev := <-matched:
		t.Errorf("non-matching key delivered: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

// "#" matches zero tokens as well: a subscription on "agent.status.#"
// receives an event published on the key "agent.status" itself.
func TestHashMatchesBareKey(t *testing.T) {
	ch := newTestChannel(t, "agent-1")

	got := make(chan message.StatusEvent, 2)
	if err := ch.Subscribe("agent.status.#", func(ev message.StatusEvent) {
		got <- ev
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := ch.Publish(message.NewStatusEvent("agent-1", "bare", ""), "agent.status"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case ev := <-got:
		if ev.Kind != "bare" {
			t.Errorf("unexpected event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("bare-prefix key not delivered to # subscription")
	}
}

// Events on the same routing key arrive in publish order.
func TestSameKeyOrderPreserved(t *testing.T) {
	ch := newTestChannel(t, "agent-1")

	got := make(chan string, 10)
	if err := ch.Subscribe("agent.status.heartbeat", func(ev message.StatusEvent) {
		got <- ev.Detail
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	for i := 0; i < 5; i++ {
		ev := message.NewStatusEvent("agent-1", KindHeartbeat, fmt.Sprintf("%d", i))
		if err := ch.Publish(ev, "agent.status.heartbeat"); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	for i := 0; i < 5; i++ {
		select {
		case detail := <-got:
			if detail != fmt.Sprintf("%d", i) {
				t.Fatalf("event %d arrived out of order: %s", i, detail)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for event %d", i)
		}
	}
}

func TestHeartbeat(t *testing.T) {
	ch := newTestChannel(t, "agent-1")

	beats := make(chan message.StatusEvent, 8)
	if err := ch.Subscribe("agent.status.heartbeat", func(ev message.StatusEvent) {
		beats <- ev
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch.Heartbeat(ctx, 50*time.Millisecond, func() int64 { return 7 })

	select {
	case ev := <-beats:
		if ev.AgentID != "agent-1" {
			t.Errorf("heartbeat from wrong agent: %s", ev.AgentID)
		}
		if ev.Detail != "tasks_processed=7" {
			t.Errorf("unexpected heartbeat detail: %s", ev.Detail)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for heartbeat")
	}
}

func TestAnnounceFillsIdentity(t *testing.T) {
	ch := newTestChannel(t, "agent-9")

	got := make(chan message.StatusEvent, 1)
	if err := ch.Subscribe("agent.status.ready", func(ev message.StatusEvent) {
		got <- ev
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := ch.Announce(KindReady, "worker"); err != nil {
		t.Fatalf("announce: %v", err)
	}

	select {
	case ev := <-got:
		if ev.AgentID != "agent-9" {
			t.Errorf("agent id %s, want agent-9", ev.AgentID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for announce")
	}
}
