// Package message defines the JSON wire envelopes exchanged over the broker.
// Every message carries at minimum a type tag and a timestamp.
package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	TypeTask       = "task"
	TypeResult     = "result"
	TypeBrainstorm = "brainstorm"
	TypeResponse   = "brainstorm_response"
	TypeStatus     = "status"
)

// Result kinds, distinguishing the union in Result.
const (
	KindTask       = "task"
	KindBrainstorm = "brainstorm"
)

// Priority is a task's delivery band. Higher bands drain first.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Ordered returns all priorities from most to least urgent.
func Ordered() []Priority {
	return []Priority{PriorityHigh, PriorityNormal, PriorityLow}
}

func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

type Task struct {
	Type                  string          `json:"type"`
	ID                    string          `json:"task_id"`
	Title                 string          `json:"title"`
	Payload               json.RawMessage `json:"payload,omitempty"`
	Priority              Priority        `json:"priority"`
	Attempt               int             `json:"attempt"`
	MaxAttempts           int             `json:"max_attempts"`
	RequiresCollaboration bool            `json:"requires_collaboration,omitempty"`
	TTLMs                 int64           `json:"ttl_ms,omitempty"`
	Timestamp             time.Time       `json:"timestamp"`
}

// NewTask builds a task envelope with a fresh id and the given priority.
// An invalid priority falls back to normal so a malformed assignment is
// still deliverable. A zero maxAttempts is left at zero so the assigner
// fills in its configured retry budget.
func NewTask(title string, payload json.RawMessage, prio Priority, maxAttempts int) Task {
	if !prio.Valid() {
		prio = PriorityNormal
	}
	return Task{
		Type:        TypeTask,
		ID:          uuid.New().String(),
		Title:       title,
		Payload:     payload,
		Priority:    prio,
		MaxAttempts: maxAttempts,
		Timestamp:   time.Now().UTC(),
	}
}

type BrainstormSession struct {
	Type        string    `json:"type"`
	SessionID   string    `json:"session_id"`
	Topic       string    `json:"topic"`
	Question    string    `json:"question"`
	InitiatorID string    `json:"from_agent_id"`
	ReplyTarget string    `json:"reply_target"`
	StartedAt   time.Time `json:"timestamp"`
}

type BrainstormResponse struct {
	Type        string    `json:"type"`
	SessionID   string    `json:"session_id"`
	FromAgentID string    `json:"from_agent_id"`
	Suggestion  string    `json:"suggestion"`
	ReplyTarget string    `json:"reply_target"`
	Timestamp   time.Time `json:"timestamp"`
}

// Result is the union published to the shared results stream: either the
// outcome of a task or a mirrored brainstorm response, tagged by Kind.
type Result struct {
	Type        string    `json:"type"`
	Kind        string    `json:"kind"`
	TaskID      string    `json:"task_id,omitempty"`
	SessionID   string    `json:"session_id,omitempty"`
	FromAgentID string    `json:"from_agent_id"`
	Outcome     string    `json:"outcome"`
	Timestamp   time.Time `json:"timestamp"`
}

func TaskResult(taskID, fromAgent, outcome string) Result {
	return Result{
		Type:        TypeResult,
		Kind:        KindTask,
		TaskID:      taskID,
		FromAgentID: fromAgent,
		Outcome:     outcome,
		Timestamp:   time.Now().UTC(),
	}
}

func BrainstormResult(r BrainstormResponse) Result {
	return Result{
		Type:        TypeResult,
		Kind:        KindBrainstorm,
		SessionID:   r.SessionID,
		FromAgentID: r.FromAgentID,
		Outcome:     r.Suggestion,
		Timestamp:   r.Timestamp,
	}
}

// StatusEvent is append-only; consumers never mutate it.
type StatusEvent struct {
	Type      string    `json:"type"`
	AgentID   string    `json:"agent_id"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func NewStatusEvent(agentID, kind, detail string) StatusEvent {
	return StatusEvent{
		Type:      TypeStatus,
		AgentID:   agentID,
		Kind:      kind,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	}
}

// Decode unmarshals data into v, wrapping the error with the expected type
// so handlers can log what they were parsing.
func Decode(data []byte, v any, want string) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", want, err)
	}
	return nil
}
