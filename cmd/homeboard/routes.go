package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/OysteinAmundsen/home-sub001/internal/route"
)

var routesCmd = &cobra.Command{
	Use:   "routes",
	Short: "Print the resolved route table",
	Args:  cobra.NoArgs,
	RunE:  runRoutes,
}

func init() {
	routesCmd.Flags().Bool("json", false, "print as JSON")
}

func runRoutes(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	_, table, err := loadRoutes(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Client []route.Entry `json:"client"`
			Server []route.Entry `json:"server"`
		}{table.Client(), table.Server()})
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PATH\tRENDER\tWORKER")
	for _, e := range table.Entries() {
		fmt.Fprintf(tw, "%s\t%s\t%t\n", e.Path, e.RenderMode, e.Descriptor.Worker())
	}
	return tw.Flush()
}
