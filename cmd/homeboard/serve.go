package main

import (
	"github.com/spf13/cobra"

	"github.com/OysteinAmundsen/home-sub001/internal/api"
	"github.com/OysteinAmundsen/home-sub001/internal/dispatch"
	"github.com/OysteinAmundsen/home-sub001/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server (default)",
	RunE:  runServe,
}

func init() {
	addServeFlags(serveCmd)
}

func addServeFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("listen", "", "listen address")
	flags.String("db", "", "journal database path")
	flags.String("worker-mode", "", "how workers are reached (inproc|unix|vsock|bridge)")
	flags.String("worker-sock", "", "worker unix socket path")
	flags.StringSlice("worker-cmd", nil, "command run by in-process exec workers")
	flags.Int("queue-size", 0, "per-session send queue capacity")
	flags.Duration("req-timeout", 0, "default request timeout")
	flags.StringSlice("cors-origins", nil, "allowed CORS origins")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}

	logger.Info("homeboard: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"worker_mode", cfg.Worker.Mode,
	)

	reg, table, err := loadRoutes(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	mgr := dispatch.NewManager(newLauncher(cfg, logger),
		dispatch.WithQueueCapacity(cfg.QueueCapacity),
		dispatch.WithLaunchTimeout(cfg.LaunchTimeout),
		dispatch.WithRequestTimeout(cfg.RequestTimeout),
		dispatch.WithLogger(logger.With("component", "dispatch")),
		dispatch.WithJournal(db),
	)

	srv := api.NewServer(cfg.ListenAddr, db, reg, table, mgr, logger, api.WithCORSOrigins(cfg.CORSOrigins...))
	return srv.Run(cmd.Context())
}
