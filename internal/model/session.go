package model

import (
	"encoding/json"
	"time"
)

// SessionState is the lifecycle state of a worker session.
type SessionState string

// Session state constants.
const (
	SessionUninitialized SessionState = "uninitialized"
	SessionInitializing  SessionState = "initializing"
	SessionActive        SessionState = "active"
	SessionTerminated    SessionState = "terminated"
)

// Request status constants used by the request journal.
const (
	RequestPending   = "pending"
	RequestCompleted = "completed"
	RequestFailed    = "failed"
	RequestCancelled = "cancelled"
	RequestTimedOut  = "timeout"
)

// validSessionTransitions maps each state to the states it may move to.
// Terminated has no entry and is therefore absorbing.
var validSessionTransitions = map[SessionState]map[SessionState]bool{
	SessionUninitialized: {
		SessionInitializing: true,
		SessionTerminated:   true,
	},
	SessionInitializing: {
		SessionActive:     true,
		SessionTerminated: true,
	},
	SessionActive: {
		SessionTerminated: true,
	},
}

// ValidSessionTransition reports whether moving from one state to another is allowed.
func ValidSessionTransition(from, to SessionState) bool {
	targets, ok := validSessionTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminalRequestStatus reports whether status is a settled request status.
func IsTerminalRequestStatus(status string) bool {
	switch status {
	case RequestCompleted, RequestFailed, RequestCancelled, RequestTimedOut:
		return true
	}
	return false
}

// SessionRecord is the journal row for one worker session.
type SessionRecord struct {
	ID           string       `json:"id"`
	Widget       string       `json:"widget"`
	State        SessionState `json:"state"`
	Reason       string       `json:"reason,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	ActivatedAt  *time.Time   `json:"activated_at,omitempty"`
	TerminatedAt *time.Time   `json:"terminated_at,omitempty"`
}

// RequestRecord is the journal row for one request sent through a session.
type RequestRecord struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"session_id"`
	MessageID  uint64          `json:"message_id"`
	Status     string          `json:"status"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Response   json.RawMessage `json:"response,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMS *int            `json:"duration_ms,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}
