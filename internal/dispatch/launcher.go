package dispatch

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/mdlayher/vsock"
)

// Retry defaults for worker connection establishment.
const (
	dialMaxRetries  = 5
	dialBaseBackoff = 100 * time.Millisecond
)

// Launcher starts or connects to the worker execution context for one
// session and returns its channel. The channel is owned by the session from
// then on and closed when the session terminates.
type Launcher interface {
	Launch(ctx context.Context, sessionID string) (io.ReadWriteCloser, error)
}

// LauncherFunc adapts a function to the Launcher interface.
type LauncherFunc func(ctx context.Context, sessionID string) (io.ReadWriteCloser, error)

// Launch calls f.
func (f LauncherFunc) Launch(ctx context.Context, sessionID string) (io.ReadWriteCloser, error) {
	return f(ctx, sessionID)
}

// PipeLauncher runs the worker in-process, connected through net.Pipe.
// Serve is called in its own goroutine with the worker end of the pipe and
// must return once the connection is closed.
type PipeLauncher struct {
	Serve func(ctx context.Context, conn net.Conn)
}

// Launch implements Launcher.
func (l PipeLauncher) Launch(ctx context.Context, sessionID string) (io.ReadWriteCloser, error) {
	if l.Serve == nil {
		return nil, fmt.Errorf("pipe launcher: no worker serve function")
	}
	host, worker := net.Pipe()
	go l.Serve(context.WithoutCancel(ctx), worker)
	return host, nil
}

// UnixLauncher connects to a worker listening on a unix socket.
type UnixLauncher struct {
	Path string
}

// Launch implements Launcher.
func (l UnixLauncher) Launch(ctx context.Context, sessionID string) (io.ReadWriteCloser, error) {
	return dialWithBackoff(ctx, func(ctx context.Context) (io.ReadWriteCloser, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "unix", l.Path)
		if err != nil {
			return nil, fmt.Errorf("connect to %s: %w", l.Path, err)
		}
		return conn, nil
	})
}

// VsockLauncher connects to a worker listening on AF_VSOCK, addressed by
// context id and port.
type VsockLauncher struct {
	CID  uint32
	Port uint32
}

// Launch implements Launcher.
func (l VsockLauncher) Launch(ctx context.Context, sessionID string) (io.ReadWriteCloser, error) {
	return dialWithBackoff(ctx, func(context.Context) (io.ReadWriteCloser, error) {
		conn, err := vsock.Dial(l.CID, l.Port, nil)
		if err != nil {
			return nil, fmt.Errorf("vsock dial %d:%d: %w", l.CID, l.Port, err)
		}
		return conn, nil
	})
}

// BridgeLauncher connects to a worker inside a microVM through the
// hypervisor's vsock unix-socket bridge.
// Protocol: send "CONNECT <port>\n", receive "OK <host_port>\n".
type BridgeLauncher struct {
	UDSPath string
	Port    uint32
}

// Launch implements Launcher.
func (l BridgeLauncher) Launch(ctx context.Context, sessionID string) (io.ReadWriteCloser, error) {
	return dialWithBackoff(ctx, func(ctx context.Context) (io.ReadWriteCloser, error) {
		return dialBridge(ctx, l.UDSPath, l.Port)
	})
}

// dialWithBackoff retries dial with exponential backoff until it succeeds,
// ctx is done, or dialMaxRetries attempts have failed.
func dialWithBackoff(ctx context.Context, dial func(context.Context) (io.ReadWriteCloser, error)) (io.ReadWriteCloser, error) {
	var lastErr error
	backoff := dialBaseBackoff

	for attempt := range dialMaxRetries {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial worker: %w", ctx.Err())
		default:
		}

		conn, err := dial(ctx)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if attempt < dialMaxRetries-1 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("dial worker: %w", ctx.Err())
			}
			backoff *= 2
		}
	}

	return nil, fmt.Errorf("dial worker after %d attempts: %w", dialMaxRetries, lastErr)
}

// bridgeConn keeps the buffered reader used during the handshake so bytes
// read ahead are not lost.
type bridgeConn struct {
	net.Conn
	reader *bufio.Reader
}

func (c *bridgeConn) Read(p []byte) (int, error) { return c.reader.Read(p) }

func dialBridge(ctx context.Context, udsPath string, port uint32) (io.ReadWriteCloser, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", udsPath)
	if err != nil {
		return nil, fmt.Errorf("connect to UDS %s: %w", udsPath, err)
	}

	// The handshake is bounded by ctx; the established channel is not.
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set deadline: %w", err)
		}
	}

	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", port); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}

	reader := bufio.NewReader(conn)
	response, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}

	response = strings.TrimSpace(response)
	if !strings.HasPrefix(response, "OK ") {
		conn.Close()
		return nil, fmt.Errorf("vsock CONNECT failed: %s", response)
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("clear deadline: %w", err)
	}

	return &bridgeConn{Conn: conn, reader: reader}, nil
}
