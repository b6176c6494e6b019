package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vextir/lightning"
)

func newSendCommand(configPath *string, debug *bool) *cobra.Command {
	var eventType string
	var data string
	var user string
	var wait bool
	var timeoutSec int

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Publish a single event",
		Long: `Publishes one event into the runtime. The payload is parsed as JSON
when possible; otherwise it is wrapped as {"message": <data>}. With --wait the
command blocks for a correlated <type>.response event and prints it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			r, _, err := startRuntime(ctx, *configPath, *debug)
			if err != nil {
				return err
			}
			defer shutdownRuntime(r)

			payload := map[string]any{}
			if data != "" {
				if err := json.Unmarshal([]byte(data), &payload); err != nil {
					payload = map[string]any{"message": data}
				}
			}

			requestID := lightning.NewEventID()
			event := lightning.NewEvent(eventType, payload)
			event.Source = "cli.send"
			event.UserID = user
			event = event.WithMetadata(lightning.MetaRequestID, requestID)

			if !wait {
				if err := r.PublishEvent(ctx, event); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "published %s %s\n", event.Type, event.ID)
				return interrupted(ctx)
			}

			timeout := time.Duration(timeoutSec) * time.Second
			reply, err := awaitEvent(ctx, r, eventType+".response", timeout, func(e lightning.Event) bool {
				return e.RequestID() == requestID
			}, func() error {
				if err := r.PublishEvent(ctx, event); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "published %s %s\n", event.Type, event.ID)
				return nil
			})
			if err != nil {
				return err
			}
			encoded, err := json.MarshalIndent(reply, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
			return interrupted(ctx)
		},
	}

	cmd.Flags().StringVarP(&eventType, "type", "t", "", "event type to publish (required)")
	cmd.Flags().StringVarP(&data, "data", "d", "", "payload, JSON object or plain string")
	cmd.Flags().StringVar(&user, "user", "local", "user id stamped on the event")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for a correlated response event")
	cmd.Flags().IntVar(&timeoutSec, "timeout", 30, "seconds to wait with --wait")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}
