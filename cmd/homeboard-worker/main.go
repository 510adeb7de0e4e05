// Command homeboard-worker hosts worker execution contexts. It listens on
// AF_VSOCK inside a microVM, or on a unix socket, and serves one worker
// channel per accepted connection.
//
// Build for a guest image with: CGO_ENABLED=0 GOOS=linux go build -o homeboard-worker ./cmd/homeboard-worker
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mdlayher/vsock"
	"github.com/spf13/cobra"

	"github.com/OysteinAmundsen/home-sub001/internal/config"
	"github.com/OysteinAmundsen/home-sub001/internal/worker"
)

const defaultVsockPort = 1024

var rootCmd = &cobra.Command{
	Use:          "homeboard-worker [flags] [-- command args...]",
	Short:        "Serve worker channels",
	Long:         "Serves worker channels. With a command, each request runs it with the payload on stdin; without one, requests are echoed.",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	flags := rootCmd.Flags()
	flags.Uint32("vsock-port", defaultVsockPort, "vsock port to listen on")
	flags.String("unix", "", "listen on this unix socket instead of vsock")
	flags.Duration("exec-timeout", 30*time.Second, "per-request command timeout")
	flags.String("log-level", "info", "log level (debug|info|warn|error)")
}

func run(cmd *cobra.Command, args []string) error {
	level, _ := cmd.Flags().GetString("log-level")
	logger := config.NewLogger(os.Stderr, config.ParseLogLevel(level))

	ln, err := listen(cmd)
	if err != nil {
		return err
	}
	defer ln.Close()

	factory := worker.Factory(worker.NewEcho)
	if len(args) > 0 {
		timeout, _ := cmd.Flags().GetDuration("exec-timeout")
		factory = worker.NewExecFactory(args, timeout)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	context.AfterFunc(ctx, func() { ln.Close() })

	logger.Info("homeboard-worker listening", "addr", ln.Addr().String())
	if err := worker.New(ln, factory, logger).Serve(ctx); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func listen(cmd *cobra.Command) (net.Listener, error) {
	if path, _ := cmd.Flags().GetString("unix"); path != "" {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
		ln, err := net.Listen("unix", path)
		if err != nil {
			return nil, fmt.Errorf("unix listen on %s: %w", path, err)
		}
		return ln, nil
	}

	port, _ := cmd.Flags().GetUint32("vsock-port")
	ln, err := vsock.Listen(port, nil)
	if err != nil {
		return nil, fmt.Errorf("vsock listen on port %d: %w", port, err)
	}
	return ln, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
