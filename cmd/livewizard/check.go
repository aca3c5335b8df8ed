package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gabrielmiguelok/livewizard/internal/server"
	"github.com/gabrielmiguelok/livewizard/pkg/live"
)

func newCheckCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and every wizard definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup()
			if err != nil {
				return err
			}
			defs, err := server.LoadDefinitions(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				views := make([]live.WizardView, 0, defs.Len())
				for _, id := range defs.IDs() {
					def, _ := defs.Get(id)
					views = append(views, live.ViewOf(def))
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(views)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTEPS\tFIELDS\tENDPOINT")
			for _, id := range defs.IDs() {
				def, _ := defs.Get(id)
				fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", def.ID, len(def.Steps), len(def.FieldNames()), def.Endpoint)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "%d wizards OK (sink: %s)\n", defs.Len(), cfg.Sink.Kind)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full wizard descriptions as JSON")
	return cmd
}
