package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vextir/lightning"
)

func newMonitorCommand(configPath *string, debug *bool) *cobra.Command {
	var filter string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Tail the event bus",
		Long: `Starts a runtime, subscribes to every event and prints them as they
flow until interrupted. --filter keeps only event types containing the given
substring.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			r, _, err := startRuntime(ctx, *configPath, *debug)
			if err != nil {
				return err
			}
			defer shutdownRuntime(r)

			out := cmd.OutOrStdout()
			_, err = r.Subscribe(ctx, "*", func(_ context.Context, event lightning.Event) error {
				if filter != "" && !strings.Contains(event.Type, filter) {
					return nil
				}
				if asJSON {
					encoded, err := json.Marshal(event)
					if err != nil {
						return nil
					}
					fmt.Fprintln(out, string(encoded))
					return nil
				}
				fmt.Fprintf(out, "%s %-30s id=%s user=%s source=%s\n",
					event.Timestamp.Format("15:04:05.000"), event.Type, event.ID, event.UserID, event.Source)
				return nil
			})
			if err != nil {
				return err
			}

			fmt.Fprintln(out, "monitoring events, ctrl-c to stop")
			<-ctx.Done()
			return ErrInterrupted
		},
	}

	cmd.Flags().StringVar(&filter, "filter", "", "only print event types containing this substring")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print full events as JSON lines")
	return cmd
}
