package types

import "time"

type APIResponse struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *APIError `json:"error,omitempty"`
	Meta    *Meta     `json:"meta,omitempty"`
}

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

type Meta struct {
	RequestID string `json:"request_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Total     int64  `json:"total,omitempty"`
}

// StackResponse is the stored state of the stack, without engine state.
type StackResponse struct {
	Stack         string         `json:"stack"`
	Deployed      bool           `json:"deployed"`
	AppliedDigest string         `json:"applied_digest,omitempty"`
	Outputs       map[string]any `json:"outputs,omitempty"`
	UpdatedAt     *time.Time     `json:"updated_at,omitempty"`
}
