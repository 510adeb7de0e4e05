// Package worker implements the worker side of a dispatch channel. A Host
// accepts channels, activates its Engine lazily on the first init message,
// and runs every request concurrently with cooperative cancellation.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/OysteinAmundsen/home-sub001/internal/dispatch"
)

// Engine computes responses for request payloads. Handle must return
// promptly once ctx is cancelled.
type Engine interface {
	Name() string
	Handle(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
}

// Factory creates the engine for one channel from the init payload.
type Factory func(ctx context.Context, init json.RawMessage) (Engine, error)

// Host serves worker channels.
type Host struct {
	listener net.Listener
	factory  Factory
	logger   *slog.Logger
}

// New creates a host. listener may be nil when channels are handed to
// ServeConn directly.
func New(listener net.Listener, factory Factory, logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{
		listener: listener,
		factory:  factory,
		logger:   logger,
	}
}

// Serve accepts channels until the listener is closed. It returns nil if
// ctx is done when accept fails.
func (h *Host) Serve(ctx context.Context) error {
	for {
		conn, err := h.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go h.ServeConn(ctx, conn)
	}
}

// ServeConn handles one channel until the peer closes it or ctx is done.
// In-flight requests are cancelled and awaited before it returns.
func (h *Host) ServeConn(ctx context.Context, conn net.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	c := &channel{
		host:     h,
		conn:     conn,
		logger:   h.logger,
		ready:    make(chan struct{}),
		inflight: make(map[uint64]context.CancelFunc),
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c.readLoop(ctx)

	cancel()
	c.wg.Wait()
	conn.Close()
	if closer, ok := c.engine.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			c.logger.Warn("close engine", "error", err)
		}
	}
}

// channel is the state of one served connection. Only readLoop touches
// initSeen; engine and initErr are written before ready is closed.
type channel struct {
	host   *Host
	conn   net.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	initSeen bool
	ready    chan struct{}
	engine   Engine
	initErr  error

	mu       sync.Mutex
	inflight map[uint64]context.CancelFunc
	wg       sync.WaitGroup
}

func (c *channel) readLoop(ctx context.Context) {
	for {
		msg, err := dispatch.ReadMessage(c.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, net.ErrClosed) {
				c.logger.Warn("read message", "error", err)
			}
			return
		}

		switch msg.Kind {
		case dispatch.KindInit:
			c.init(ctx, msg)
		case dispatch.KindRequest:
			c.request(ctx, msg)
		case dispatch.KindCancel:
			c.cancel(msg.ID)
		default:
			c.logger.Warn("unexpected message kind", "kind", string(msg.Kind), "request_id", msg.ID)
		}
	}
}

// init activates the engine on the first init message. Later init messages
// are answered once the engine is ready.
func (c *channel) init(ctx context.Context, msg dispatch.Message) {
	first := !c.initSeen
	c.initSeen = true

	c.wg.Go(func() {
		if first {
			engine, err := c.host.factory(ctx, msg.Payload)
			if err != nil {
				c.initErr = err
			} else {
				c.engine = engine
				c.logger.Info("engine activated", "engine", engine.Name())
			}
			close(c.ready)
		} else {
			<-c.ready
		}

		if c.initErr != nil {
			c.logger.Error("engine activation failed", "error", c.initErr)
			c.replyError(msg.ID, c.initErr)
			return
		}
		info, _ := json.Marshal(map[string]string{"engine": c.engine.Name()})
		c.write(dispatch.Message{ID: msg.ID, Kind: dispatch.KindResponse, Payload: info})
	})
}

func (c *channel) request(ctx context.Context, msg dispatch.Message) {
	if !c.initSeen {
		c.replyError(msg.ID, errors.New("engine not initialized"))
		return
	}

	rctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.inflight[msg.ID] = cancel
	c.mu.Unlock()

	c.wg.Go(func() {
		defer func() {
			c.mu.Lock()
			delete(c.inflight, msg.ID)
			c.mu.Unlock()
			cancel()
		}()

		select {
		case <-c.ready:
		case <-rctx.Done():
			c.replyError(msg.ID, rctx.Err())
			return
		}
		if c.initErr != nil {
			c.replyError(msg.ID, fmt.Errorf("engine unavailable: %w", c.initErr))
			return
		}

		out, err := c.engine.Handle(rctx, msg.Payload)
		if err != nil {
			c.replyError(msg.ID, err)
			return
		}
		c.write(dispatch.Message{ID: msg.ID, Kind: dispatch.KindResponse, Payload: out})
	})
}

// cancel signals the request's context. Unknown ids are ignored: the
// request may already have completed.
func (c *channel) cancel(id uint64) {
	c.mu.Lock()
	cancel, ok := c.inflight[id]
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

func (c *channel) replyError(id uint64, err error) {
	payload, _ := json.Marshal(map[string]string{"error": err.Error()})
	c.write(dispatch.Message{ID: id, Kind: dispatch.KindError, Payload: payload})
}

func (c *channel) write(msg dispatch.Message) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := dispatch.WriteMessage(c.conn, msg); err != nil {
		c.logger.Debug("write message", "request_id", msg.ID, "error", err)
	}
}
