package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/OysteinAmundsen/home-sub001/internal/config"
	"github.com/OysteinAmundsen/home-sub001/internal/ctxlog"
	"github.com/OysteinAmundsen/home-sub001/internal/dispatch"
	"github.com/OysteinAmundsen/home-sub001/internal/route"
	"github.com/OysteinAmundsen/home-sub001/internal/widget"
	"github.com/OysteinAmundsen/home-sub001/internal/worker"
)

// setup loads configuration for cmd and builds the logger.
func setup(cmd *cobra.Command) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return config.Config{}, nil, err
	}
	logger := config.NewLogger(os.Stderr, cfg.LogLevel)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// loadRoutes builds the registry from the configured catalog and resolves
// the route table. Any failure here is fatal for the process.
func loadRoutes(ctx context.Context, cfg config.Config, logger *slog.Logger) (*widget.Registry, *route.Table, error) {
	ctx = ctxlog.WithLogger(ctx, logger)

	cat, err := widget.LoadCatalog(ctx, cfg.CatalogPaths...)
	if err != nil {
		return nil, nil, fmt.Errorf("load catalog: %w", err)
	}
	reg, err := cat.Build()
	if err != nil {
		return nil, nil, err
	}
	table, err := route.Build(reg, cfg.DefaultRenderMode, cat.Overrides)
	if err != nil {
		return nil, nil, err
	}

	logger.Info("catalog loaded",
		"widgets", reg.Len(),
		"client_routes", len(table.Client()),
		"server_routes", len(table.Server()),
	)
	return reg, table, nil
}

// newLauncher returns the launcher for the configured worker mode.
func newLauncher(cfg config.Config, logger *slog.Logger) dispatch.Launcher {
	w := cfg.Worker
	switch w.Mode {
	case config.WorkerUnix:
		return dispatch.UnixLauncher{Path: w.SocketPath}
	case config.WorkerVsock:
		return dispatch.VsockLauncher{CID: w.VsockCID, Port: w.VsockPort}
	case config.WorkerBridge:
		return dispatch.BridgeLauncher{UDSPath: w.BridgePath, Port: w.VsockPort}
	default:
		factory := worker.Factory(worker.NewEcho)
		if len(w.Command) > 0 {
			factory = worker.NewExecFactory(w.Command, w.ExecTimeout)
		}
		host := worker.New(nil, factory, logger.With("component", "worker"))
		return dispatch.PipeLauncher{Serve: host.ServeConn}
	}
}
