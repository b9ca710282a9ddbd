package core

import "strings"

// DefaultThreadID is used when a run context carries no thread id.
const DefaultThreadID = "default"

const keySep = ":"

// RunContext identifies who a turn runs for. It is supplied by the host,
// never by the model.
type RunContext struct {
	UserID   string `json:"user_id"`
	ThreadID string `json:"thread_id,omitempty"`
}

// Validate checks that the user id is present and that the thread id can be
// told apart from the user id inside a checkpoint key.
func (rc RunContext) Validate() error {
	if strings.TrimSpace(rc.UserID) == "" {
		return Validationf("user id is required")
	}
	if strings.Contains(rc.ThreadID, keySep) {
		return Validationf("thread id %q must not contain %q", rc.ThreadID, keySep)
	}
	return nil
}

// Thread returns the thread id, falling back to DefaultThreadID.
func (rc RunContext) Thread() string {
	if rc.ThreadID == "" {
		return DefaultThreadID
	}
	return rc.ThreadID
}

// Key returns the checkpoint key for this conversation.
func (rc RunContext) Key() string {
	return rc.UserID + keySep + rc.Thread()
}

// SplitKey reverses Key. Validate keeps ':' out of thread ids, so the last
// separator ends the user id.
func SplitKey(key string) (userID, threadID string) {
	i := strings.LastIndex(key, keySep)
	if i < 0 {
		return key, DefaultThreadID
	}
	return key[:i], key[i+1:]
}
