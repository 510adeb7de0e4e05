package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Handle is the asynchronous result of a Send. It settles exactly once:
// fulfilled with the worker's response payload, or rejected with an error.
type Handle struct {
	id        uint64
	sessionID string
	kind      Kind
	sentAt    time.Time

	once     sync.Once
	done     chan struct{}
	payload  json.RawMessage
	err      error
	timer    *time.Timer
	onSettle func(*Handle)
}

func newHandle(sessionID string, id uint64, kind Kind, onSettle func(*Handle)) *Handle {
	return &Handle{
		id:        id,
		sessionID: sessionID,
		kind:      kind,
		sentAt:    time.Now(),
		done:      make(chan struct{}),
		onSettle:  onSettle,
	}
}

// ID returns the message id of the request.
func (h *Handle) ID() uint64 { return h.id }

// SessionID returns the id of the session the request was sent on.
func (h *Handle) SessionID() string { return h.sessionID }

// Done returns a channel closed when the handle settles.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the handle settles or ctx is done. A ctx expiry does not
// settle the handle.
func (h *Handle) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-h.done:
		return h.payload, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the settled outcome. ok is false while the handle is pending.
func (h *Handle) Result() (payload json.RawMessage, err error, ok bool) {
	select {
	case <-h.done:
		return h.payload, h.err, true
	default:
		return nil, nil, false
	}
}

// settle records the outcome and reports whether this call won.
func (h *Handle) settle(payload json.RawMessage, err error) bool {
	won := false
	h.once.Do(func() {
		won = true
		h.payload = payload
		h.err = err
		if h.timer != nil {
			h.timer.Stop()
		}
		close(h.done)
		if h.onSettle != nil {
			h.onSettle(h)
		}
	})
	return won
}
