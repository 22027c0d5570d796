package store

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/flockd/flock/internal/config"
	"github.com/flockd/flock/internal/message"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(config.StoreConfig{
		Path: filepath.Join(t.TempDir(), "flock.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndListResults(t *testing.T) {
	s := newTestStore(t)

	for i, outcome := range []string{"first", "second", "third"} {
		r := message.TaskResult("t-"+outcome, "agent-1", "completed: "+outcome)
		if err := s.SaveResult(r); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	results, err := s.ListResults(10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	// Newest first.
	if results[0].TaskID != "t-third" {
		t.Errorf("first listed result %s, want t-third", results[0].TaskID)
	}

	limited, err := s.ListResults(2)
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("got %d results with limit 2", len(limited))
	}
}

// The dual-publish mirror can record the same logical response twice.
// Session listings collapse duplicates per responding agent.
func TestSessionResponsesDeduplicated(t *testing.T) {
	s := newTestStore(t)

	save := func(agent, session, outcome string) {
		t.Helper()
		r := message.BrainstormResult(message.BrainstormResponse{
			Type:        message.TypeResponse,
			SessionID:   session,
			FromAgentID: agent,
			Suggestion:  outcome,
		})
		if err := s.SaveResult(r); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	save("c1", "sess-1", "use blue")
	save("c1", "sess-1", "use blue") // mirror copy
	save("c2", "sess-1", "use red")
	save("c3", "sess-2", "other session")

	responses, err := s.ListSessionResponses("sess-1")
	if err != nil {
		t.Fatalf("list session: %v", err)
	}
	if len(responses) != 2 {
		t.Fatalf("got %d responses, want 2", len(responses))
	}
	agents := map[string]bool{}
	for _, r := range responses {
		if r.SessionID != "sess-1" {
			t.Errorf("response from wrong session: %s", r.SessionID)
		}
		agents[r.FromAgentID] = true
	}
	if !agents["c1"] || !agents["c2"] {
		t.Errorf("missing agents in %v", agents)
	}
}

func TestStatusEvents(t *testing.T) {
	s := newTestStore(t)

	events := []message.StatusEvent{
		message.NewStatusEvent("agent-1", "connected", ""),
		message.NewStatusEvent("agent-1", "heartbeat", "tasks_processed=2"),
		message.NewStatusEvent("agent-2", "ready", "worker"),
	}
	for _, ev := range events {
		if err := s.SaveStatusEvent(ev); err != nil {
			t.Fatalf("save event: %v", err)
		}
	}

	got, err := s.ListStatusEvents(10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d events, want 3", len(got))
	}
	if got[0].AgentID != "agent-2" {
		t.Errorf("first listed event from %s, want agent-2", got[0].AgentID)
	}

	summary, err := s.AgentActivitySummary()
	if err != nil {
		t.Fatalf("activity summary: %v", err)
	}
	if len(summary) != 2 {
		t.Fatalf("got %d agents in summary, want 2", len(summary))
	}
	if summary[0].AgentID != "agent-1" || summary[0].Events != 2 {
		t.Errorf("unexpected summary entry: %+v", summary[0])
	}
}

func TestDeadTasks(t *testing.T) {
	s := newTestStore(t)

	task := message.Task{
		Type:     message.TypeTask,
		ID:       "t-doomed",
		Title:    "doomed",
		Priority: message.PriorityHigh,
		Attempt:  3,
		Payload:  json.RawMessage(`{"cmd":"x"}`),
	}
	if err := s.SaveDeadTask(task); err != nil {
		t.Fatalf("save dead task: %v", err)
	}

	dead, err := s.ListDeadTasks(10)
	if err != nil {
		t.Fatalf("list dead tasks: %v", err)
	}
	if len(dead) != 1 {
		t.Fatalf("got %d dead tasks, want 1", len(dead))
	}
	d := dead[0]
	if d.TaskID != "t-doomed" || d.Attempts != 3 || d.Priority != "high" {
		t.Errorf("unexpected dead task: %+v", d)
	}
	if d.Payload != `{"cmd":"x"}` {
		t.Errorf("payload not preserved: %s", d.Payload)
	}
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flock.db")

	s, err := New(config.StoreConfig{Path: path})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	if err := s.SaveResult(message.TaskResult("t-1", "agent-1", "done")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := New(config.StoreConfig{Path: path})
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer reopened.Close()

	results, err := reopened.ListResults(10)
	if err != nil {
		t.Fatalf("list after reopen: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results after reopen, want 1", len(results))
	}
}
