package store

import (
	"fmt"
	"time"

	"github.com/flockd/flock/internal/message"
)

// parseSQLiteTime parses the text form SQLite stores for DATETIME columns
// (CURRENT_TIMESTAMP produces "2006-01-02 15:04:05" in UTC).
func parseSQLiteTime(s string) (time.Time, error) {
	t, err := time.Parse("2006-01-02 15:04:05", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

type Result struct {
	ID          int64     `json:"id"`
	Kind        string    `json:"kind"`
	TaskID      string    `json:"task_id,omitempty"`
	SessionID   string    `json:"session_id,omitempty"`
	FromAgentID string    `json:"from_agent_id"`
	Outcome     string    `json:"outcome"`
	CreatedAt   time.Time `json:"created_at"`
}

func (s *Store) SaveResult(r message.Result) error {
	_, err := s.db.Exec(`
		INSERT INTO results (kind, task_id, session_id, from_agent, outcome)
		VALUES (?, ?, ?, ?, ?)`,
		r.Kind, r.TaskID, r.SessionID, r.FromAgentID, r.Outcome)
	if err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	return nil
}

func (s *Store) ListResults(limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, kind, task_id, session_id, from_agent, outcome, created_at
		FROM results
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var taskID, sessionID *string
		if err := rows.Scan(&r.ID, &r.Kind, &taskID, &sessionID, &r.FromAgentID, &r.Outcome, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		if taskID != nil {
			r.TaskID = *taskID
		}
		if sessionID != nil {
			r.SessionID = *sessionID
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// ListSessionResponses returns brainstorm responses for a session,
// deduplicated by responding agent: the dual-publish mirror means a
// supervisor may record the same logical response more than once.
func (s *Store) ListSessionResponses(sessionID string) ([]Result, error) {
	rows, err := s.db.Query(`
		SELECT MIN(id), kind, task_id, session_id, from_agent, outcome, MIN(created_at)
		FROM results
		WHERE kind = ? AND session_id = ?
		GROUP BY from_agent
		ORDER BY MIN(id)`, message.KindBrainstorm, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list session responses: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var taskID, sessionIDCol *string
		var createdAt string
		if err := rows.Scan(&r.ID, &r.Kind, &taskID, &sessionIDCol, &r.FromAgentID, &r.Outcome, &createdAt); err != nil {
			return nil, fmt.Errorf("scan session response: %w", err)
		}
		// MIN() strips the column's DATETIME decltype, so the driver hands
		// back the raw text instead of a time.Time.
		r.CreatedAt, err = parseSQLiteTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("scan session response: %w", err)
		}
		if taskID != nil {
			r.TaskID = *taskID
		}
		if sessionIDCol != nil {
			r.SessionID = *sessionIDCol
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

type StatusEvent struct {
	ID        int64     `json:"id"`
	AgentID   string    `json:"agent_id"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Store) SaveStatusEvent(ev message.StatusEvent) error {
	_, err := s.db.Exec(`
		INSERT INTO status_events (agent_id, kind, detail)
		VALUES (?, ?, ?)`,
		ev.AgentID, ev.Kind, ev.Detail)
	if err != nil {
		return fmt.Errorf("save status event: %w", err)
	}
	return nil
}

func (s *Store) ListStatusEvents(limit int) ([]StatusEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, agent_id, kind, detail, created_at
		FROM status_events
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list status events: %w", err)
	}
	defer rows.Close()

	var events []StatusEvent
	for rows.Next() {
		var ev StatusEvent
		var detail *string
		if err := rows.Scan(&ev.ID, &ev.AgentID, &ev.Kind, &detail, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan status event: %w", err)
		}
		if detail != nil {
			ev.Detail = *detail
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// AgentActivity summarizes last-seen times per agent from status events.
type AgentActivity struct {
	AgentID  string    `json:"agent_id"`
	Events   int       `json:"events"`
	LastSeen time.Time `json:"last_seen"`
}

func (s *Store) AgentActivitySummary() ([]AgentActivity, error) {
	rows, err := s.db.Query(`
		SELECT agent_id, COUNT(*), MAX(created_at)
		FROM status_events
		GROUP BY agent_id
		ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("agent activity: %w", err)
	}
	defer rows.Close()

	var out []AgentActivity
	for rows.Next() {
		var a AgentActivity
		var lastSeen string
		if err := rows.Scan(&a.AgentID, &a.Events, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan agent activity: %w", err)
		}
		// MAX() strips the column's DATETIME decltype, so the driver hands
		// back the raw text instead of a time.Time.
		a.LastSeen, err = parseSQLiteTime(lastSeen)
		if err != nil {
			return nil, fmt.Errorf("scan agent activity: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type DeadTask struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	Title     string    `json:"title,omitempty"`
	Priority  string    `json:"priority,omitempty"`
	Attempts  int       `json:"attempts"`
	Payload   string    `json:"payload,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Store) SaveDeadTask(t message.Task) error {
	_, err := s.db.Exec(`
		INSERT INTO dead_tasks (task_id, title, priority, attempts, payload)
		VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.Title, string(t.Priority), t.Attempt, string(t.Payload))
	if err != nil {
		return fmt.Errorf("save dead task: %w", err)
	}
	return nil
}

func (s *Store) ListDeadTasks(limit int) ([]DeadTask, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, task_id, title, priority, attempts, payload, created_at
		FROM dead_tasks
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead tasks: %w", err)
	}
	defer rows.Close()

	var tasks []DeadTask
	for rows.Next() {
		var t DeadTask
		var title, priority, payload *string
		if err := rows.Scan(&t.ID, &t.TaskID, &title, &priority, &t.Attempts, &payload, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan dead task: %w", err)
		}
		if title != nil {
			t.Title = *title
		}
		if priority != nil {
			t.Priority = *priority
		}
		if payload != nil {
			t.Payload = *payload
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
