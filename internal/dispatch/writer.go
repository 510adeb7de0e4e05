package dispatch

import (
	"io"
	"slices"
	"sync"
)

// channelWriter writes frames to a worker channel from its own goroutine in
// the order they were enqueued. Enqueue never blocks, so a worker that stops
// reading stalls only the writer goroutine; closing the channel unblocks it.
type channelWriter struct {
	w    io.Writer
	wake chan struct{}

	mu      sync.Mutex
	pending []Message
}

func newChannelWriter(w io.Writer) *channelWriter {
	return &channelWriter{w: w, wake: make(chan struct{}, 1)}
}

func (cw *channelWriter) enqueue(msg Message) {
	cw.mu.Lock()
	cw.pending = append(cw.pending, msg)
	cw.mu.Unlock()

	select {
	case cw.wake <- struct{}{}:
	default:
	}
}

// drop removes the request frame id if it has not been written yet.
func (cw *channelWriter) drop(id uint64) bool {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	i := slices.IndexFunc(cw.pending, func(m Message) bool {
		return m.ID == id && m.Kind == KindRequest
	})
	if i < 0 {
		return false
	}
	cw.pending = slices.Delete(cw.pending, i, i+1)
	return true
}

func (cw *channelWriter) next() (Message, bool) {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if len(cw.pending) == 0 {
		return Message{}, false
	}
	msg := cw.pending[0]
	cw.pending = cw.pending[1:]
	return msg, true
}

// run writes frames until stop is closed or a write fails. A failed write is
// passed to onErr and ends the loop.
func (cw *channelWriter) run(stop <-chan struct{}, onErr func(error)) {
	for {
		select {
		case <-stop:
			return
		case <-cw.wake:
		}
		for {
			msg, ok := cw.next()
			if !ok {
				break
			}
			if err := WriteMessage(cw.w, msg); err != nil {
				onErr(err)
				return
			}
		}
	}
}
