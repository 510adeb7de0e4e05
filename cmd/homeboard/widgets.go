package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var widgetsCmd = &cobra.Command{
	Use:   "widgets",
	Short: "List the widget catalog",
	Args:  cobra.NoArgs,
	RunE:  runWidgets,
}

func init() {
	widgetsCmd.Flags().String("tag", "", "only list widgets with this tag")
}

func runWidgets(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	reg, _, err := loadRoutes(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}

	seq := reg.All()
	if tag, _ := cmd.Flags().GetString("tag"); tag != "" {
		seq = reg.ListByTag(tag)
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PATH\tRENDER\tTAGS\tDESCRIPTION")
	for d := range seq {
		spec := d.Spec()
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.Path(), d.RenderMode(), strings.Join(spec.Tags, ","), spec.Description)
	}
	return tw.Flush()
}
