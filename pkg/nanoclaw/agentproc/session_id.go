package agentproc

import "github.com/google/uuid"

// defaultSessionID mints a new resumable session id, per spec.md §3's
// Session lifecycle ("created by the agent on first run").
func defaultSessionID() string {
	return uuid.NewString()
}
