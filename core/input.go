package core

// BaseInput provides common fields for all tool inputs.
// Tools embed this struct so the model can explain why it is calling them.
type BaseInput struct {
	// Thought contains the agent's reasoning about why it's using this tool.
	// Optional; it is logged with the call and never persisted.
	Thought string `json:"thought,omitempty"`
}
