package model

// Agent is the summary of an externally-owned agent, as returned by the agent platform
type Agent struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
}
