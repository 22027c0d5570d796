// Package identity resolves the single agent identifier shared by every
// channel in the process. Components must receive an already-resolved
// Identity; none of them may generate their own.
package identity

import (
	"os"
	"strings"

	"github.com/google/uuid"
)

// EnvVar is the environment-level identifier consulted when no explicit
// id is supplied.
const EnvVar = "FLOCK_AGENT_ID"

// Identity is immutable for the life of the process.
type Identity struct {
	ID string
}

// Resolve picks the agent id in strict priority order: the explicit value,
// then envValue, then a freshly generated random id. It is total; there is
// no error path.
func Resolve(explicit, envValue string) Identity {
	if v := strings.TrimSpace(explicit); v != "" {
		return Identity{ID: v}
	}
	if v := strings.TrimSpace(envValue); v != "" {
		return Identity{ID: v}
	}
	return Identity{ID: uuid.New().String()}
}

// ResolveFromEnv resolves with the process environment as the fallback.
func ResolveFromEnv(explicit string) Identity {
	return Resolve(explicit, os.Getenv(EnvVar))
}
