package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/OysteinAmundsen/home-sub001/internal/ctxlog"
	"github.com/OysteinAmundsen/home-sub001/internal/model"
)

// outbound is a message waiting for, or written to, the worker channel.
type outbound struct {
	msg    Message
	handle *Handle
}

// Session binds one logical session id to one worker execution context.
// State and the send queue are guarded by mu; the correlator has its own
// lock. Frames reach the worker through out, never while mu is held.
type Session struct {
	id     string
	m      *Manager
	corr   *Correlator
	logger *slog.Logger

	mu           sync.Mutex
	state        model.SessionState
	widget       string
	reason       string
	initID       uint64
	queue        []outbound
	conn         io.ReadWriteCloser
	out          *channelWriter
	stopLaunch   context.CancelFunc
	createdAt    time.Time
	activatedAt  time.Time
	terminatedAt time.Time
	done         chan struct{}
}

// SessionInfo is a point-in-time snapshot of a session.
type SessionInfo struct {
	ID           string             `json:"id"`
	Widget       string             `json:"widget,omitempty"`
	State        model.SessionState `json:"state"`
	Reason       string             `json:"reason,omitempty"`
	Queued       int                `json:"queued"`
	Pending      int                `json:"pending"`
	CreatedAt    time.Time          `json:"created_at"`
	ActivatedAt  *time.Time         `json:"activated_at,omitempty"`
	TerminatedAt *time.Time         `json:"terminated_at,omitempty"`
}

func newSession(id string, m *Manager) *Session {
	sessionsByState.WithLabelValues(string(model.SessionUninitialized)).Inc()
	return &Session{
		id:        id,
		m:         m,
		corr:      NewCorrelator(id),
		logger:    m.logger.With("session_id", id),
		state:     model.SessionUninitialized,
		createdAt: time.Now().UTC(),
		done:      make(chan struct{}),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() model.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done returns a channel closed once the session is terminated.
func (s *Session) Done() <-chan struct{} { return s.done }

// Info returns a snapshot of the session.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := SessionInfo{
		ID:        s.id,
		Widget:    s.widget,
		State:     s.state,
		Reason:    s.reason,
		Queued:    s.queuedRequestsLocked(),
		Pending:   s.corr.Len(),
		CreatedAt: s.createdAt,
	}
	if !s.activatedAt.IsZero() {
		t := s.activatedAt
		info.ActivatedAt = &t
	}
	if !s.terminatedAt.IsZero() {
		t := s.terminatedAt
		info.TerminatedAt = &t
	}
	return info
}

func (s *Session) send(ctx context.Context, payload json.RawMessage, cfg sendConfig) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == model.SessionTerminated {
		return nil, fmt.Errorf("session %q: %w", s.id, ErrSessionTerminated)
	}
	if s.state != model.SessionActive && s.queuedRequestsLocked() >= s.m.capacity {
		return nil, fmt.Errorf("session %q: %w (capacity %d)", s.id, ErrQueueFull, s.m.capacity)
	}

	if s.widget == "" {
		s.widget = cfg.widget
	}
	if s.state == model.SessionUninitialized {
		s.startLocked()
	}

	h := newHandle(s.id, s.corr.NextID(), KindRequest, s.m.requestSettled)
	if !cfg.deadline.IsZero() {
		h.timer = time.AfterFunc(time.Until(cfg.deadline), func() { s.expire(h) })
	}

	o := outbound{msg: Message{ID: h.id, Kind: KindRequest, Payload: payload}, handle: h}
	if s.state == model.SessionActive {
		if err := s.forwardLocked(o); err != nil {
			return nil, err
		}
	} else {
		s.enqueueLocked(o)
	}

	ctxlog.FromContext(ctx).Debug("request sent", "session_id", s.id, "request_id", h.id, "state", string(s.state))
	s.m.publish(Event{Type: EventRequest, SessionID: s.id, RequestID: &h.id, State: s.state})
	return h, nil
}

// startLocked queues the init message ahead of everything else and launches
// the worker in the background.
func (s *Session) startLocked() {
	init, _ := json.Marshal(struct {
		SessionID string `json:"session_id"`
		Widget    string `json:"widget,omitempty"`
	}{s.id, s.widget})

	h := newHandle(s.id, s.corr.NextID(), KindInit, nil)
	s.initID = h.id
	s.enqueueLocked(outbound{msg: Message{ID: h.id, Kind: KindInit, Payload: init}, handle: h})
	s.setStateLocked(model.SessionInitializing, "")

	ctx, cancel := context.WithTimeout(context.Background(), s.m.launchTimeout)
	s.stopLaunch = cancel
	go s.watchInit(h)
	go s.launch(ctxlog.WithLogger(ctx, s.logger))
}

// launch connects the worker and, once the channel is ready, activates the
// session and flushes the send queue.
func (s *Session) launch(ctx context.Context) {
	start := time.Now()
	conn, err := s.m.launcher.Launch(ctx, s.id)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == model.SessionTerminated {
		if conn != nil {
			conn.Close()
		}
		return
	}
	s.stopLaunch()
	if err != nil {
		s.logger.Error("worker launch failed", "error", err)
		s.terminateLocked(&WorkerExitError{SessionID: s.id, Err: fmt.Errorf("launch: %w", err)}, "worker launch failed")
		return
	}

	workerLaunchDuration.Observe(time.Since(start).Seconds())
	s.conn = conn
	s.out = newChannelWriter(conn)
	s.setStateLocked(model.SessionActive, "")
	s.logger.Info("worker ready", "duration_ms", time.Since(start).Milliseconds())

	// The reader must be running before the flush: a worker may answer init
	// while later frames are still being written.
	go s.readLoop(conn)
	go s.out.run(s.done, func(err error) { s.crash(err, "worker channel write failed") })
	s.flushLocked()
}

// flushLocked forwards every queued message in FIFO order. It runs once, on
// the transition to active.
func (s *Session) flushLocked() {
	queue := s.queue
	s.queue = nil
	queuedMessages.Sub(float64(len(queue)))

	for _, o := range queue {
		_ = s.forwardLocked(o)
	}
}

// forwardLocked tracks o as pending and hands it to the channel writer. A
// failed write later terminates the session from the writer goroutine.
func (s *Session) forwardLocked(o outbound) error {
	if err := s.corr.Track(o.handle); err != nil {
		o.handle.settle(nil, err)
		return err
	}
	s.out.enqueue(o.msg)
	return nil
}

func (s *Session) readLoop(r io.Reader) {
	for {
		msg, err := ReadMessage(r)
		if err != nil {
			s.crash(err, "worker channel closed")
			return
		}
		if perr := s.corr.Deliver(msg); perr != nil {
			s.m.protocolError(s.logger, perr)
		}
	}
}

// watchInit terminates the session if the worker rejects init.
func (s *Session) watchInit(h *Handle) {
	<-h.Done()
	_, err, _ := h.Result()
	var remote *RemoteError
	if errors.As(err, &remote) {
		s.crash(fmt.Errorf("init rejected: %w", err), "worker rejected init")
	}
}

// crash terminates the session after an unexpected worker failure. It is a
// no-op when the session is already terminated.
func (s *Session) crash(err error, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == model.SessionTerminated {
		return
	}
	s.logger.Warn("worker exited", "reason", reason, "error", err)
	s.terminateLocked(&WorkerExitError{SessionID: s.id, Err: err}, reason)
}

func (s *Session) cancel(requestID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == model.SessionTerminated {
		return fmt.Errorf("session %q: %w", s.id, ErrSessionTerminated)
	}

	if o, ok := s.removeQueuedLocked(requestID); ok {
		o.handle.settle(nil, fmt.Errorf("request %d: %w", requestID, ErrCancelled))
		s.m.publish(Event{Type: EventCancel, SessionID: s.id, RequestID: &requestID, Detail: "queued"})
		return nil
	}

	if s.state != model.SessionActive || requestID == s.initID || !s.corr.Has(requestID) {
		return fmt.Errorf("request %d: %w", requestID, ErrUnknownRequest)
	}

	// Forwarded: ask the worker to stop. The pending entry stays so a late
	// completion still settles the handle.
	s.out.enqueue(Message{ID: requestID, Kind: KindCancel})
	s.m.publish(Event{Type: EventCancel, SessionID: s.id, RequestID: &requestID, Detail: "forwarded"})
	return nil
}

// expire settles h with ErrTimeout. A queued request is dropped without
// reaching the worker; a forwarded one is followed by a cancel message.
func (s *Session) expire(h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := fmt.Errorf("request %d: %w", h.id, ErrTimeout)
	if o, ok := s.removeQueuedLocked(h.id); ok {
		o.handle.settle(nil, err)
		return
	}
	if s.corr.Forget(h.id) == nil {
		return
	}
	h.settle(nil, err)
	// A request the writer has not reached yet never goes out.
	if s.state == model.SessionActive && !s.out.drop(h.id) {
		s.out.enqueue(Message{ID: h.id, Kind: KindCancel})
	}
}

func (s *Session) terminate() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == model.SessionTerminated {
		return
	}
	s.terminateLocked(fmt.Errorf("session %q terminated: %w", s.id, ErrCancelled), "terminated")
}

// terminateLocked moves the session to terminated, rejecting every queued and
// pending handle with cause and closing the worker channel.
func (s *Session) terminateLocked(cause error, reason string) {
	if s.state == model.SessionTerminated {
		return
	}

	queued := s.queue
	s.queue = nil
	queuedMessages.Sub(float64(len(queued)))
	for _, o := range queued {
		o.handle.settle(nil, cause)
	}
	s.corr.RejectAll(cause)

	if s.stopLaunch != nil {
		s.stopLaunch()
	}
	if s.conn != nil {
		s.conn.Close()
	}
	s.setStateLocked(model.SessionTerminated, reason)
	close(s.done)
	s.m.broker.Close(s.id)
}

func (s *Session) setStateLocked(to model.SessionState, reason string) {
	if !model.ValidSessionTransition(s.state, to) {
		s.logger.Error("invalid session transition", "from", string(s.state), "to", string(to))
		return
	}

	sessionsByState.WithLabelValues(string(s.state)).Dec()
	if to != model.SessionTerminated {
		sessionsByState.WithLabelValues(string(to)).Inc()
	}

	s.state = to
	now := time.Now().UTC()
	switch to {
	case model.SessionActive:
		s.activatedAt = now
	case model.SessionTerminated:
		s.terminatedAt = now
		s.reason = reason
	}

	s.m.publish(Event{Type: EventState, SessionID: s.id, State: to, Detail: reason})
	s.m.record(s.recordLocked())
}

func (s *Session) recordLocked() model.SessionRecord {
	rec := model.SessionRecord{
		ID:        s.id,
		Widget:    s.widget,
		State:     s.state,
		Reason:    s.reason,
		CreatedAt: s.createdAt,
	}
	if !s.activatedAt.IsZero() {
		t := s.activatedAt
		rec.ActivatedAt = &t
	}
	if !s.terminatedAt.IsZero() {
		t := s.terminatedAt
		rec.TerminatedAt = &t
	}
	return rec
}

func (s *Session) enqueueLocked(o outbound) {
	s.queue = append(s.queue, o)
	queuedMessages.Inc()
}

// removeQueuedLocked removes a queued request. Init is never removed.
func (s *Session) removeQueuedLocked(id uint64) (outbound, bool) {
	i := slices.IndexFunc(s.queue, func(o outbound) bool {
		return o.msg.ID == id && o.msg.Kind == KindRequest
	})
	if i < 0 {
		return outbound{}, false
	}
	o := s.queue[i]
	s.queue = slices.Delete(s.queue, i, i+1)
	queuedMessages.Dec()
	return o, true
}

func (s *Session) queuedRequestsLocked() int {
	n := 0
	for _, o := range s.queue {
		if o.msg.Kind == KindRequest {
			n++
		}
	}
	return n
}
