package dispatch

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxMessageSize is the maximum allowed frame payload (16 MiB).
const MaxMessageSize = 16 << 20

// Kind identifies the purpose of a Message.
type Kind string

// Message kinds. Init, Request and Cancel flow towards the worker; Response
// and Error flow back.
const (
	KindInit     Kind = "init"
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindError    Kind = "error"
	KindCancel   Kind = "cancel"
)

// Valid reports whether k is a known message kind.
func (k Kind) Valid() bool {
	switch k {
	case KindInit, KindRequest, KindResponse, KindError, KindCancel:
		return true
	}
	return false
}

// Inbound reports whether k is sent by the worker.
func (k Kind) Inbound() bool {
	return k == KindResponse || k == KindError
}

// Message is the envelope for all traffic on a worker channel. IDs are
// assigned per session, starting at 0, and a Response or Error carries the id
// of the message it answers.
type Message struct {
	ID      uint64          `json:"id"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WriteMessage writes a length-prefixed JSON message to w.
// The frame format is: 4-byte big-endian length prefix followed by the JSON payload.
func WriteMessage(w io.Writer, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", len(data), MaxMessageSize)
	}

	// One write per frame so concurrent writers guarded by a mutex never
	// interleave a prefix with another frame's body on unbuffered pipes.
	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadMessage reads one length-prefixed JSON message from r. The kind is not
// checked; receivers decide what to do with kinds they do not handle.
func ReadMessage(r io.Reader) (Message, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return Message{}, fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxMessageSize {
		return Message{}, fmt.Errorf("message size %d exceeds maximum %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return Message{}, fmt.Errorf("read payload: %w", err)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("unmarshal message: %w", err)
	}
	return msg, nil
}
