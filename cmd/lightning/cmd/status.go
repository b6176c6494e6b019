package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCommand(configPath *string, debug *bool) *cobra.Command {
	var verbose bool
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print runtime health and pipeline statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			r, _, err := startRuntime(ctx, *configPath, *debug)
			if err != nil {
				return err
			}
			defer shutdownRuntime(r)

			status := r.Status(verbose)
			out := cmd.OutOrStdout()

			if asJSON {
				encoded, err := json.MarshalIndent(status, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(encoded))
				return interrupted(ctx)
			}

			fmt.Fprintf(out, "mode:         %s\n", status.Mode)
			fmt.Fprintf(out, "health score: %d\n", status.HealthScore)
			fmt.Fprintf(out, "events:       %d processed, %d errors, %d orphaned\n",
				status.Metrics.TotalEvents, status.Metrics.TotalErrors, status.Metrics.TotalOrphaned)
			fmt.Fprintf(out, "sessions:     %d\n", status.Sessions)
			fmt.Fprintf(out, "drivers:      %d\n", len(status.Drivers))
			for _, info := range status.Drivers {
				line := fmt.Sprintf("  %-20s %-10s %s", info.Manifest.ID, info.Status, info.Manifest.Name)
				if info.Error != "" {
					line += " (" + info.Error + ")"
				}
				fmt.Fprintln(out, line)
			}
			for _, provider := range status.Providers {
				fmt.Fprintf(out, "provider %-12s %s breaker=%s\n",
					provider.Name, provider.Health.Status, provider.Breaker.StateName)
			}
			if verbose {
				fmt.Fprintf(out, "orphans:      %d parked\n", len(status.Orphans))
				fmt.Fprintf(out, "dead letters: %d parked\n", len(status.DeadLetters))
			}
			return interrupted(ctx)
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "include parked orphans and dead letters")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the status as JSON")
	return cmd
}
