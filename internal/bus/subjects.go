package bus

import (
	"fmt"
	"strings"

	"github.com/flockd/flock/internal/message"
)

// Subject scheme. All names are fixed constants except the per-agent reply
// subject, which is a deterministic function of the agent id. Everything
// that needs to address an agent must go through ReplySubject; computing
// the name anywhere else is how replies get lost.

const (
	// SubjectBrainstorm is the fanout: every collaborator subscribes
	// individually, so each bound agent gets its own copy.
	SubjectBrainstorm = "brainstorm.broadcast"

	// SubjectResults is the shared stream mirroring every result for
	// supervisory visibility. Only supervisors consume it.
	SubjectResults = "results.shared"

	// SubjectTaskDead receives tasks that exhausted their retry budget.
	SubjectTaskDead = "tasks.dead"

	statusPrefix = "status."
)

// JetStream stream names.
const (
	StreamTasks    = "TASKS"
	StreamTaskDead = "TASKS_DEAD"
)

// TaskSubject returns the work-queue subject for a priority band.
func TaskSubject(p message.Priority) string {
	return fmt.Sprintf("tasks.%s", p)
}

// TaskSubjects returns every priority band subject, most urgent first.
func TaskSubjects() []string {
	subjects := make([]string, 0, len(message.Ordered()))
	for _, p := range message.Ordered() {
		subjects = append(subjects, TaskSubject(p))
	}
	return subjects
}

// ReplySubject is the exclusive reply destination for an agent. It is
// interest-based: the subscription disappears with the agent's connection,
// the same way an exclusive auto-delete queue would.
func ReplySubject(agentID string) string {
	return fmt.Sprintf("reply.%s", agentID)
}

// StatusSubject maps a hierarchical routing key like
// "agent.status.task.completed" onto the status subject tree.
func StatusSubject(routingKey string) string {
	return statusPrefix + routingKey
}

// StatusPattern translates an AMQP-style binding pattern to a NATS
// subscription subject: "#" matches the rest of the key, "*" matches one
// token. "agent.status.#" becomes "status.agent.status.>".
func StatusPattern(pattern string) string {
	tokens := strings.Split(pattern, ".")
	for i, tok := range tokens {
		if tok == "#" {
			tokens[i] = ">"
		}
	}
	return statusPrefix + strings.Join(tokens, ".")
}

// StatusPatterns returns every subject a binding pattern expands to. An
// AMQP "#" matches zero or more tokens while ">" needs at least one, so a
// trailing "#" additionally binds the bare prefix: "agent.status.#" covers
// both "agent.status.ready" and "agent.status" itself.
func StatusPatterns(pattern string) []string {
	subjects := []string{StatusPattern(pattern)}
	if prefix, ok := strings.CutSuffix(pattern, ".#"); ok {
		subjects = append(subjects, statusPrefix+prefix)
	}
	return subjects
}
