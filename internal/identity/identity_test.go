package identity

import (
	"testing"
)

func TestResolveExplicitWins(t *testing.T) {
	id := Resolve("agent-7", "env-agent")
	if id.ID != "agent-7" {
		t.Errorf("expected agent-7, got %s", id.ID)
	}
}

func TestResolveEnvFallback(t *testing.T) {
	id := Resolve("", "env-agent")
	if id.ID != "env-agent" {
		t.Errorf("expected env-agent, got %s", id.ID)
	}
}

func TestResolveWhitespaceTreatedAsEmpty(t *testing.T) {
	id := Resolve("   ", "env-agent")
	if id.ID != "env-agent" {
		t.Errorf("expected env-agent, got %s", id.ID)
	}
}

func TestResolveGeneratesRandom(t *testing.T) {
	a := Resolve("", "")
	b := Resolve("", "")
	if a.ID == "" || b.ID == "" {
		t.Fatal("expected non-empty generated ids")
	}
	if a.ID == b.ID {
		t.Errorf("two generated ids collided: %s", a.ID)
	}
}

func TestResolveDeterministic(t *testing.T) {
	a := Resolve("worker-1", "")
	b := Resolve("worker-1", "")
	if a.ID != b.ID {
		t.Errorf("same explicit value resolved differently: %s vs %s", a.ID, b.ID)
	}
}
