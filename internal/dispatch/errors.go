package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Sentinel errors returned by the Manager and carried by rejected handles.
var (
	ErrSessionTerminated = errors.New("session terminated")
	ErrQueueFull         = errors.New("send queue full")
	ErrCancelled         = errors.New("request cancelled")
	ErrTimeout           = errors.New("request timed out")
	ErrUnknownSession    = errors.New("unknown session")
	ErrUnknownRequest    = errors.New("unknown request")
)

// RemoteError rejects a handle whose request was answered with an error
// message by the worker.
type RemoteError struct {
	RequestID uint64
	Payload   json.RawMessage
}

func (e *RemoteError) Error() string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(e.Payload, &body); err == nil && body.Error != "" {
		return fmt.Sprintf("worker error for request %d: %s", e.RequestID, body.Error)
	}
	return fmt.Sprintf("worker error for request %d: %s", e.RequestID, e.Payload)
}

// WorkerExitError rejects every outstanding handle of a session whose worker
// went away without being asked to. It matches ErrSessionTerminated.
type WorkerExitError struct {
	SessionID string
	Err       error
}

func (e *WorkerExitError) Error() string {
	return fmt.Sprintf("worker for session %q exited: %v", e.SessionID, e.Err)
}

func (e *WorkerExitError) Unwrap() error { return e.Err }

// Is reports ErrSessionTerminated as a match.
func (e *WorkerExitError) Is(target error) bool {
	return target == ErrSessionTerminated
}

// ProtocolError describes an inbound message that could not be matched to a
// pending request. It is an observation only and never settles a handle.
type ProtocolError struct {
	SessionID string
	Message   Message
	Reason    string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error on session %q: %s (id=%d kind=%s)", e.SessionID, e.Reason, e.Message.ID, e.Message.Kind)
}
