package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/OysteinAmundsen/home-sub001/internal/model"
)

// Manager defaults.
const (
	DefaultQueueCapacity = 10
	DefaultLaunchTimeout = 30 * time.Second
	journalTimeout       = 5 * time.Second
)

// Manager owns the worker sessions of the process. It is safe for concurrent
// use. Lock order is manager before session.
type Manager struct {
	launcher       Launcher
	capacity       int
	launchTimeout  time.Duration
	requestTimeout time.Duration
	logger         *slog.Logger
	broker         *EventBroker
	journal        Journal
	records        *journalQueue

	mu       sync.Mutex
	sessions map[string]*Session
}

// Option configures a Manager.
type Option func(*Manager)

// WithQueueCapacity bounds the number of requests a session queues while its
// worker is not ready. The init message does not count.
func WithQueueCapacity(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.capacity = n
		}
	}
}

// WithLaunchTimeout bounds how long a worker may take to become reachable.
func WithLaunchTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.launchTimeout = d
		}
	}
}

// WithRequestTimeout sets the timeout applied to sends that carry none.
func WithRequestTimeout(d time.Duration) Option {
	return func(m *Manager) { m.requestTimeout = d }
}

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithBroker publishes session events on b.
func WithBroker(b *EventBroker) Option {
	return func(m *Manager) { m.broker = b }
}

// WithJournal records session lifecycle changes in j. Records are written
// in order but asynchronously; Flush waits for them.
func WithJournal(j Journal) Option {
	return func(m *Manager) { m.journal = j }
}

// NewManager creates a manager that starts workers with l.
func NewManager(l Launcher, opts ...Option) *Manager {
	m := &Manager{
		launcher:      l,
		capacity:      DefaultQueueCapacity,
		launchTimeout: DefaultLaunchTimeout,
		logger:        slog.Default(),
		broker:        NewEventBroker(),
		sessions:      make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.journal != nil {
		m.records = &journalQueue{j: m.journal, logger: m.logger}
	}
	return m
}

// Broker returns the event broker sessions publish on.
func (m *Manager) Broker() *EventBroker { return m.broker }

// SendOption configures a single Send.
type SendOption func(*sendConfig)

type sendConfig struct {
	deadline time.Time
	widget   string
}

// WithTimeout rejects the handle with ErrTimeout if it has not settled
// within d.
func WithTimeout(d time.Duration) SendOption {
	return func(c *sendConfig) {
		if d > 0 {
			c.deadline = time.Now().Add(d)
		}
	}
}

// WithDeadline rejects the handle with ErrTimeout if it has not settled by t.
func WithDeadline(t time.Time) SendOption {
	return func(c *sendConfig) { c.deadline = t }
}

// WithWidget names the widget a new session serves. It is passed to the
// worker in the init message and ignored once the session has started.
func WithWidget(path string) SendOption {
	return func(c *sendConfig) { c.widget = path }
}

// Acquire returns the live session for id, creating an uninitialized one if
// none exists. A terminated session under id is replaced.
func (m *Manager) Acquire(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[id]; ok && s.State() != model.SessionTerminated {
		return s
	}
	return m.createLocked(id)
}

func (m *Manager) createLocked(id string) *Session {
	s := newSession(id, m)
	m.sessions[id] = s
	m.broker.Open(id)
	s.mu.Lock()
	m.record(s.recordLocked())
	s.mu.Unlock()
	return s
}

// Send sends payload as a request on session id and returns its handle. A
// session that does not exist yet is created; one that is uninitialized
// starts its worker. Sends fail with ErrSessionTerminated once the session
// is terminated and with ErrQueueFull when the worker is not ready and the
// queue is at capacity.
func (m *Manager) Send(ctx context.Context, id string, payload any, opts ...SendOption) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	var cfg sendConfig
	if m.requestTimeout > 0 {
		cfg.deadline = time.Now().Add(m.requestTimeout)
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		s = m.createLocked(id)
	}
	m.mu.Unlock()

	return s.send(ctx, data, cfg)
}

// Cancel cancels request requestID on session id. A request still queued is
// removed and its handle rejected with ErrCancelled; a forwarded request is
// sent a cancel message and may still complete.
func (m *Manager) Cancel(id string, requestID uint64) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	return s.cancel(requestID)
}

// Terminate terminates session id, rejecting its queued and pending handles
// with ErrCancelled. Terminating a terminated session is a no-op.
func (m *Manager) Terminate(id string) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	s.terminate()
	return nil
}

// Session returns a snapshot of session id.
func (m *Manager) Session(id string) (SessionInfo, bool) {
	s, err := m.lookup(id)
	if err != nil {
		return SessionInfo{}, false
	}
	return s.Info(), true
}

// Sessions returns a snapshot of every known session ordered by id.
// Terminated sessions are kept until their id is acquired again.
func (m *Manager) Sessions() []SessionInfo {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	slices.SortFunc(infos, func(a, b SessionInfo) int { return strings.Compare(a.ID, b.ID) })
	return infos
}

// Shutdown terminates every session and waits for their final journal
// records.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		s.terminate()
	}
	return m.Flush(ctx)
}

// Flush waits until every session record produced so far is journaled.
func (m *Manager) Flush(ctx context.Context) error {
	if m.records == nil {
		return nil
	}
	if err := m.records.flush(ctx); err != nil {
		return fmt.Errorf("flush journal: %w", err)
	}
	return nil
}

func (m *Manager) lookup(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %q: %w", id, ErrUnknownSession)
	}
	return s, nil
}

// RequestStatus maps the settlement error of a handle to a journal status.
func RequestStatus(err error) string {
	switch {
	case err == nil:
		return model.RequestCompleted
	case errors.Is(err, ErrTimeout):
		return model.RequestTimedOut
	case errors.Is(err, ErrCancelled):
		return model.RequestCancelled
	default:
		return model.RequestFailed
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return outcomeCompleted
	case errors.Is(err, ErrTimeout):
		return outcomeTimeout
	case errors.Is(err, ErrCancelled):
		return outcomeCancelled
	case errors.Is(err, ErrSessionTerminated):
		return outcomeTerminated
	default:
		return outcomeFailed
	}
}

func (m *Manager) requestSettled(h *Handle) {
	_, err, _ := h.Result()
	o := outcome(err)
	requestsTotal.WithLabelValues(o).Inc()
	requestDuration.Observe(time.Since(h.sentAt).Seconds())
	id := h.id
	m.publish(Event{Type: EventSettled, SessionID: h.sessionID, RequestID: &id, Detail: o})
}

func (m *Manager) protocolError(logger *slog.Logger, perr *ProtocolError) {
	protocolErrorsTotal.Inc()
	logger.Warn("dropped worker message", "request_id", perr.Message.ID, "kind", string(perr.Message.Kind), "reason", perr.Reason)
	id := perr.Message.ID
	m.publish(Event{Type: EventProtocolError, SessionID: perr.SessionID, RequestID: &id, Detail: perr.Reason})
}

func (m *Manager) publish(ev Event) {
	m.broker.Publish(ev)
}

func (m *Manager) record(rec model.SessionRecord) {
	if m.records != nil {
		m.records.add(rec)
	}
}
