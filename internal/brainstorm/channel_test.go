package brainstorm

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/flockd/flock/internal/bus"
	"github.com/flockd/flock/internal/config"
	"github.com/flockd/flock/internal/identity"
	"github.com/flockd/flock/internal/message"
	"github.com/nats-io/nats.go"
)

func newTestServer(t *testing.T) *bus.Server {
	t.Helper()
	srv, err := bus.NewServer(config.NATSConfig{
		Port:    -1, // random port
		DataDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	t.Cleanup(srv.Close)
	return srv
}

func newAgent(t *testing.T, srv *bus.Server, id string) *Channel {
	t.Helper()
	client, err := bus.NewClient(srv.ClientURL(), bus.WithName(id))
	if err != nil {
		t.Fatalf("client %s: %v", id, err)
	}
	t.Cleanup(client.Close)

	ch, err := NewChannel(client, identity.Identity{ID: id}, nil)
	if err != nil {
		t.Fatalf("channel %s: %v", id, err)
	}
	t.Cleanup(ch.Close)
	return ch
}

func serveEcho(t *testing.T, ch *Channel, id string) {
	t.Helper()
	err := ch.Serve(context.Background(), func(_ context.Context, s message.BrainstormSession) (string, error) {
		return fmt.Sprintf("%s answers %s", id, s.SessionID), nil
	})
	if err != nil {
		t.Fatalf("serve %s: %v", id, err)
	}
}

// Three collaborators answer within the timeout: collect returns all
// three, complete, before the timeout elapses.
func TestConsultAllRespond(t *testing.T) {
	srv := newTestServer(t)
	initiator := newAgent(t, srv, "w0")
	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("c%d", i)
		serveEcho(t, newAgent(t, srv, id), id)
	}

	start := time.Now()
	set, err := initiator.Consult(context.Background(), "deploy", "ship it?", CollectOptions{
		Timeout:      5 * time.Second,
		MinResponses: 3,
	})
	if err != nil {
		t.Fatalf("consult: %v", err)
	}

	if len(set.Responses) != 3 {
		t.Fatalf("got %d responses, want 3", len(set.Responses))
	}
	if set.Incomplete {
		t.Error("complete collection marked incomplete")
	}
	if elapsed := time.Since(start); elapsed >= 5*time.Second {
		t.Errorf("collect did not return early, took %s", elapsed)
	}
	for _, r := range set.Responses {
		if r.SessionID != set.SessionID {
			t.Errorf("response tagged %s, want %s", r.SessionID, set.SessionID)
		}
	}
}

// Only one of three collaborators answers: the timeout yields a partial,
// explicitly incomplete set. Not an error.
func TestConsultPartial(t *testing.T) {
	srv := newTestServer(t)
	initiator := newAgent(t, srv, "w0")

	serveEcho(t, newAgent(t, srv, "c1"), "c1")
	for i := 2; i <= 3; i++ {
		silent := newAgent(t, srv, fmt.Sprintf("c%d", i))
		err := silent.Serve(context.Background(), func(context.Context, message.BrainstormSession) (string, error) {
			return "", fmt.Errorf("busy")
		})
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	}

	start := time.Now()
	set, err := initiator.Consult(context.Background(), "deploy", "ship it?", CollectOptions{
		Timeout:      500 * time.Millisecond,
		MinResponses: 3,
	})
	if err != nil {
		t.Fatalf("consult: %v", err)
	}

	if len(set.Responses) != 1 {
		t.Fatalf("got %d responses, want 1", len(set.Responses))
	}
	if !set.Incomplete {
		t.Error("partial collection not marked incomplete")
	}
	elapsed := time.Since(start)
	if elapsed < 400*time.Millisecond || elapsed > 2*time.Second {
		t.Errorf("expected ~500ms wait, took %s", elapsed)
	}
}

// Two concurrent sessions over the same fanout never cross-contaminate.
func TestSessionIsolation(t *testing.T) {
	srv := newTestServer(t)
	w1 := newAgent(t, srv, "w1")
	w2 := newAgent(t, srv, "w2")
	serveEcho(t, newAgent(t, srv, "c1"), "c1")
	serveEcho(t, newAgent(t, srv, "c2"), "c2")

	var wg sync.WaitGroup
	sets := make([]*ResponseSet, 2)
	errs := make([]error, 2)

	for i, ch := range []*Channel{w1, w2} {
		wg.Add(1)
		go func(i int, ch *Channel) {
			defer wg.Done()
			sets[i], errs[i] = ch.Consult(context.Background(),
				fmt.Sprintf("topic-%d", i), "?", CollectOptions{
					Timeout:      5 * time.Second,
					MinResponses: 2,
				})
		}(i, ch)
	}
	wg.Wait()

	for i := range sets {
		if errs[i] != nil {
			t.Fatalf("consult %d: %v", i, errs[i])
		}
		if len(sets[i].Responses) != 2 {
			t.Fatalf("session %d got %d responses, want 2", i, len(sets[i].Responses))
		}
		for _, r := range sets[i].Responses {
			if r.SessionID != sets[i].SessionID {
				t.Errorf("session %d leaked response from %s", i, r.SessionID)
			}
		}
	}
	if sets[0].SessionID == sets[1].SessionID {
		t.Fatal("two sessions shared an id")
	}
}

// Every response the initiator receives on its exclusive subject is also
// mirrored to the shared results stream for the supervisor.
func TestDualPublishVisibility(t *testing.T) {
	srv := newTestServer(t)
	initiator := newAgent(t, srv, "w0")
	serveEcho(t, newAgent(t, srv, "c1"), "c1")
	serveEcho(t, newAgent(t, srv, "c2"), "c2")

	// Supervisor did not initiate; it watches the shared stream only.
	supClient, err := bus.NewClient(srv.ClientURL(), bus.WithName("supervisor"))
	if err != nil {
		t.Fatalf("supervisor client: %v", err)
	}
	defer supClient.Close()

	var mu sync.Mutex
	observed := make(map[string]bool) // fromAgentID
	_, err = supClient.Subscribe(bus.SubjectResults, func(msg *nats.Msg) {
		var r message.Result
		if err := message.Decode(msg.Data, &r, "result"); err != nil {
			return
		}
		if r.Kind == message.KindBrainstorm {
			mu.Lock()
			observed[r.FromAgentID] = true
			mu.Unlock()
		}
	})
	if err != nil {
		t.Fatalf("supervisor subscribe: %v", err)
	}

	set, err := initiator.Consult(context.Background(), "deploy", "?", CollectOptions{
		Timeout:      5 * time.Second,
		MinResponses: 2,
	})
	if err != nil {
		t.Fatalf("consult: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		mu.Lock()
		seen := len(observed)
		mu.Unlock()
		if seen >= len(set.Responses) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("supervisor observed %d of %d responses", seen, len(set.Responses))
		}
		time.Sleep(20 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, r := range set.Responses {
		if !observed[r.FromAgentID] {
			t.Errorf("supervisor missed response from %s", r.FromAgentID)
		}
	}
}

// A collaborator never answers its own broadcast.
func TestNoSelfResponse(t *testing.T) {
	srv := newTestServer(t)
	initiator := newAgent(t, srv, "w0")
	serveEcho(t, initiator, "w0")

	set, err := initiator.Consult(context.Background(), "solo", "?", CollectOptions{
		Timeout:      300 * time.Millisecond,
		MinResponses: 1,
	})
	if err != nil {
		t.Fatalf("consult: %v", err)
	}
	if len(set.Responses) != 0 {
		t.Errorf("initiator answered itself: %d responses", len(set.Responses))
	}
	if !set.Incomplete {
		t.Error("empty collection not marked incomplete")
	}
}

// Responses for a concluded session are discarded, not delivered.
func TestLateResponseDiscarded(t *testing.T) {
	srv := newTestServer(t)
	initiator := newAgent(t, srv, "w0")

	set, err := initiator.Consult(context.Background(), "quiet", "?", CollectOptions{
		Timeout:      200 * time.Millisecond,
		MinResponses: 1,
	})
	if err != nil {
		t.Fatalf("consult: %v", err)
	}

	// Simulate a straggler answering after the collector closed.
	late := message.BrainstormResponse{
		Type:        message.TypeResponse,
		SessionID:   set.SessionID,
		FromAgentID: "straggler",
		Suggestion:  "too late",
		ReplyTarget: bus.ReplySubject("w0"),
	}
	straggler := newAgent(t, srv, "straggler")
	if err := straggler.Respond(late); err != nil {
		t.Fatalf("late respond: %v", err)
	}

	// The discarded response must not corrupt a following session.
	set2, err := initiator.Consult(context.Background(), "next", "?", CollectOptions{
		Timeout:      200 * time.Millisecond,
		MinResponses: 1,
	})
	if err != nil {
		t.Fatalf("second consult: %v", err)
	}
	if len(set2.Responses) != 0 {
		t.Errorf("late response leaked into new session: %v", set2.Responses)
	}
}
