// testserver starts a homeboard API server with a built-in catalog and
// in-process echo workers for E2E testing.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"log"
	"log/slog"
	"os"

	"github.com/OysteinAmundsen/home-sub001/internal/api"
	"github.com/OysteinAmundsen/home-sub001/internal/dispatch"
	"github.com/OysteinAmundsen/home-sub001/internal/route"
	"github.com/OysteinAmundsen/home-sub001/internal/store"
	"github.com/OysteinAmundsen/home-sub001/internal/widget"
	"github.com/OysteinAmundsen/home-sub001/internal/worker"
)

// catalog mirrors a small dashboard: two client widgets, one of them backed
// by a worker, and one rendered on the host.
const catalog = `
widget "weather" {
  tags        = ["integrations"]
  render_mode = "client"
  description = "Shows the current weather."
  meta        = ["Data is cached and updated hourly"]
}

widget "power" {
  tags        = ["integrations", "energy"]
  description = "Aggregates power prices."
  worker      = true
}

widget "clock" {
  tags = ["time"]
}

override "clock" { render_mode = "server" }
`

func main() {
	addr := ":8080"
	if v := os.Getenv("HOMEBOARD_LISTEN_ADDR"); v != "" {
		addr = v
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cat, err := widget.ParseCatalog([]byte(catalog), "testserver.hcl")
	if err != nil {
		log.Fatalf("parse catalog: %v", err)
	}
	reg, err := cat.Build()
	if err != nil {
		log.Fatalf("build catalog: %v", err)
	}
	table, err := route.Build(reg, "", cat.Overrides)
	if err != nil {
		log.Fatalf("resolve routes: %v", err)
	}

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	host := worker.New(nil, worker.NewEcho, logger)
	mgr := dispatch.NewManager(dispatch.PipeLauncher{Serve: host.ServeConn},
		dispatch.WithLogger(logger),
		dispatch.WithJournal(db),
	)

	srv := api.NewServer(addr, db, reg, table, mgr, logger)

	logger.Info("testserver: starting", "addr", addr)
	if err := srv.Run(context.Background()); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
