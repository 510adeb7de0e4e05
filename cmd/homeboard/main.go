// Command homeboard serves the dashboard's widget catalog, its route tables
// and the worker sessions behind worker-backed widgets.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "homeboard",
	Short: "Dashboard widget host",
	Long: `homeboard loads the widget catalog, derives the client and server
route tables from it, and dispatches requests from worker-backed widgets to
isolated worker sessions.`,
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "config file (default is ./homeboard.{toml,yaml,json})")
	flags.StringSlice("catalog", nil, "widget catalog files or directories")
	flags.String("render-mode", "", "render mode applied to every route without an override (client|server)")
	flags.String("log-level", "", "log level (debug|info|warn|error)")

	addServeFlags(rootCmd)
	rootCmd.AddCommand(serveCmd, routesCmd, widgetsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
