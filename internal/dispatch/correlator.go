package dispatch

import (
	"fmt"
	"sync"
)

// Correlator assigns message ids for one session and matches inbound
// responses to the handles waiting on them. It is safe for concurrent use and
// never calls back into its owner while holding its lock.
type Correlator struct {
	sessionID string

	mu      sync.Mutex
	next    uint64
	pending map[uint64]*Handle
}

// NewCorrelator creates a correlator whose ids start at 0.
func NewCorrelator(sessionID string) *Correlator {
	return &Correlator{
		sessionID: sessionID,
		pending:   make(map[uint64]*Handle),
	}
}

// NextID returns a fresh, monotonically increasing id.
func (c *Correlator) NextID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.next
	c.next++
	return id
}

// Track registers h as waiting for a reply to its id.
func (c *Correlator) Track(h *Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[h.id]; ok {
		return fmt.Errorf("request %d already pending", h.id)
	}
	c.pending[h.id] = h
	return nil
}

// Has reports whether id is pending.
func (c *Correlator) Has(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[id]
	return ok
}

// Forget removes id from the pending set and returns its handle, or nil if
// it was not pending. The handle is not settled.
func (c *Correlator) Forget(id uint64) *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return h
}

// Len returns the number of pending requests.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Deliver routes an inbound message to its pending handle. A Response
// fulfils the handle and an Error rejects it with a *RemoteError. Messages
// with no matching entry, or of a kind the worker must not send, are dropped
// and reported as a *ProtocolError.
func (c *Correlator) Deliver(msg Message) *ProtocolError {
	if !msg.Kind.Valid() {
		return &ProtocolError{SessionID: c.sessionID, Message: msg, Reason: "unknown message kind"}
	}
	if !msg.Kind.Inbound() {
		return &ProtocolError{SessionID: c.sessionID, Message: msg, Reason: "unexpected message kind from worker"}
	}

	h := c.Forget(msg.ID)
	if h == nil {
		return &ProtocolError{SessionID: c.sessionID, Message: msg, Reason: "no pending request"}
	}

	if msg.Kind == KindResponse {
		h.settle(msg.Payload, nil)
	} else {
		h.settle(nil, &RemoteError{RequestID: msg.ID, Payload: msg.Payload})
	}
	return nil
}

// RejectAll settles every pending handle with err and clears the pending
// set. It returns the number of handles rejected.
func (c *Correlator) RejectAll(err error) int {
	c.mu.Lock()
	handles := make([]*Handle, 0, len(c.pending))
	for id, h := range c.pending {
		handles = append(handles, h)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	for _, h := range handles {
		h.settle(nil, err)
	}
	return len(handles)
}
