package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vextir/lightning"
)

func newChatCommand(configPath *string, debug *bool) *cobra.Command {
	var model string
	var temperature float64
	var user string
	var timeoutSec int

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat against the local runtime",
		Long: `Starts a runtime in-process and runs a read-eval loop: each line is
published as an llm.chat event and the matching llm.chat.response is printed.
Exit with ctrl-d or ctrl-c.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			r, _, err := startRuntime(ctx, *configPath, *debug)
			if err != nil {
				return err
			}
			defer shutdownRuntime(r)

			sessionID := lightning.NewEventID()
			timeout := time.Duration(timeoutSec) * time.Second
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "session %s (ctrl-d to quit)\n", sessionID)

			scanner := bufio.NewScanner(cmd.InOrStdin())
			for {
				fmt.Fprint(out, "> ")
				if !scanner.Scan() {
					break
				}
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}

				requestID := lightning.NewEventID()
				event := lightning.NewEvent("llm.chat", map[string]any{"message": line})
				event.Source = "cli.chat"
				event.UserID = user
				if model != "" {
					event.Data["model"] = model
				}
				if cmd.Flags().Changed("temperature") {
					event.Data["temperature"] = temperature
				}
				event = event.
					WithMetadata(lightning.MetaSessionID, sessionID).
					WithMetadata(lightning.MetaRequestID, requestID)

				reply, err := awaitEvent(ctx, r, "llm.chat.response", timeout, func(e lightning.Event) bool {
					return e.RequestID() == requestID
				}, func() error {
					return r.PublishEvent(ctx, event)
				})
				if err != nil {
					if errors.Is(err, ErrInterrupted) {
						return err
					}
					fmt.Fprintf(cmd.ErrOrStderr(), "error: %s\n", err)
					continue
				}
				fmt.Fprintf(out, "%v\n", reply.Data["response"])
			}
			if err := scanner.Err(); err != nil {
				return err
			}
			return interrupted(ctx)
		},
	}

	cmd.Flags().StringVar(&model, "model", "", "model id to request (default picks the cheapest chat model)")
	cmd.Flags().Float64Var(&temperature, "temperature", 0.7, "sampling temperature")
	cmd.Flags().StringVar(&user, "user", "local", "user id stamped on published events")
	cmd.Flags().IntVar(&timeoutSec, "timeout", 60, "seconds to wait for each response")
	return cmd
}
