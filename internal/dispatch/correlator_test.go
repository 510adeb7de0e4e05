package dispatch

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestCorrelatorIDsStartAtZero(t *testing.T) {
	c := NewCorrelator("s1")
	for want := range uint64(5) {
		if got := c.NextID(); got != want {
			t.Fatalf("NextID() = %d, want %d", got, want)
		}
	}
}

func TestCorrelatorTrackRejectsDuplicate(t *testing.T) {
	c := NewCorrelator("s1")
	h := newHandle("s1", c.NextID(), KindRequest, nil)
	if err := c.Track(h); err != nil {
		t.Fatalf("Track: %v", err)
	}
	if err := c.Track(newHandle("s1", h.ID(), KindRequest, nil)); err == nil {
		t.Error("expected error tracking duplicate id")
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}
}

func TestCorrelatorDeliverResponse(t *testing.T) {
	c := NewCorrelator("s1")
	h := newHandle("s1", c.NextID(), KindRequest, nil)
	c.Track(h)

	if perr := c.Deliver(Message{ID: h.ID(), Kind: KindResponse, Payload: json.RawMessage(`"ok"`)}); perr != nil {
		t.Fatalf("Deliver: %v", perr)
	}

	payload, err, ok := h.Result()
	if !ok {
		t.Fatal("handle not settled")
	}
	if err != nil || string(payload) != `"ok"` {
		t.Errorf("Result = %s, %v", payload, err)
	}
	if c.Has(h.ID()) {
		t.Error("entry still pending after response")
	}
}

func TestCorrelatorDeliverError(t *testing.T) {
	c := NewCorrelator("s1")
	h := newHandle("s1", c.NextID(), KindRequest, nil)
	c.Track(h)

	c.Deliver(Message{ID: h.ID(), Kind: KindError, Payload: json.RawMessage(`{"error":"out of memory"}`)})

	_, err, _ := h.Result()
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("error = %v, want *RemoteError", err)
	}
	if string(remote.Payload) != `{"error":"out of memory"}` {
		t.Errorf("Payload = %s", remote.Payload)
	}
	if remote.Error() != "worker error for request 0: out of memory" {
		t.Errorf("Error() = %q", remote.Error())
	}
}

func TestCorrelatorUnmatchedIsProtocolError(t *testing.T) {
	c := NewCorrelator("s1")
	h := newHandle("s1", c.NextID(), KindRequest, nil)
	c.Track(h)

	tests := []struct {
		name string
		msg  Message
	}{
		{"unknown id", Message{ID: 99, Kind: KindResponse}},
		{"unknown id error", Message{ID: 99, Kind: KindError}},
		{"outbound kind", Message{ID: h.ID(), Kind: KindRequest}},
		{"unknown kind", Message{ID: h.ID(), Kind: "shout"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			perr := c.Deliver(tc.msg)
			if perr == nil {
				t.Fatal("expected protocol error")
			}
			if perr.SessionID != "s1" || perr.Message.ID != tc.msg.ID {
				t.Errorf("ProtocolError = %+v", perr)
			}
		})
	}

	if _, _, ok := h.Result(); ok {
		t.Error("pending handle settled by unmatched message")
	}
}

func TestCorrelatorDuplicateResponseDropped(t *testing.T) {
	c := NewCorrelator("s1")
	h := newHandle("s1", c.NextID(), KindRequest, nil)
	c.Track(h)

	c.Deliver(Message{ID: h.ID(), Kind: KindResponse, Payload: json.RawMessage(`1`)})
	if perr := c.Deliver(Message{ID: h.ID(), Kind: KindResponse, Payload: json.RawMessage(`2`)}); perr == nil {
		t.Error("second response should be a protocol error")
	}
	if payload, _, _ := h.Result(); string(payload) != "1" {
		t.Errorf("payload = %s, want first response", payload)
	}
}

func TestCorrelatorRejectAll(t *testing.T) {
	c := NewCorrelator("s1")
	handles := make([]*Handle, 3)
	for i := range handles {
		handles[i] = newHandle("s1", c.NextID(), KindRequest, nil)
		c.Track(handles[i])
	}

	if n := c.RejectAll(ErrCancelled); n != 3 {
		t.Errorf("RejectAll = %d, want 3", n)
	}
	for _, h := range handles {
		if _, err, _ := h.Result(); !errors.Is(err, ErrCancelled) {
			t.Errorf("handle %d error = %v, want ErrCancelled", h.ID(), err)
		}
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d after RejectAll", c.Len())
	}
}

func TestHandleSettlesOnce(t *testing.T) {
	calls := 0
	h := newHandle("s1", 1, KindRequest, func(*Handle) { calls++ })

	if !h.settle(json.RawMessage(`"first"`), nil) {
		t.Fatal("first settle lost")
	}
	if h.settle(nil, ErrTimeout) {
		t.Error("second settle won")
	}

	payload, err, _ := h.Result()
	if err != nil || string(payload) != `"first"` {
		t.Errorf("Result = %s, %v", payload, err)
	}
	if calls != 1 {
		t.Errorf("onSettle called %d times, want 1", calls)
	}
}
