package cmd

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vextir/lightning"
)

func newProcessCommand(configPath *string, debug *bool) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "process",
		Short: "Replay events from a file through the runtime",
		Long: `Reads events from a file and publishes them in order. The file may be
a JSON array of events or one event per line; each event may use the native
encoding or the CloudEvents JSON format.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			events, err := readEventFile(file)
			if err != nil {
				return err
			}

			r, logger, err := startRuntime(ctx, *configPath, *debug)
			if err != nil {
				return err
			}
			defer shutdownRuntime(r)

			published := 0
			for _, event := range events {
				if err := ctx.Err(); err != nil {
					return ErrInterrupted
				}
				if err := r.PublishEvent(ctx, event); err != nil {
					logger.Error("publish failed", "event_id", event.ID, "type", event.Type, "error", err)
					continue
				}
				published++
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %d/%d events from %s\n", published, len(events), file)
			return interrupted(ctx)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "event file to replay (required)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// readEventFile parses a JSON array or newline-delimited stream of events.
func readEventFile(path string) ([]lightning.Event, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", lightning.ErrInvalidInput, path)
	}

	var events []lightning.Event
	if trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		for i, item := range items {
			event, err := lightning.DecodeEvent(item)
			if err != nil {
				return nil, fmt.Errorf("parse %s event %d: %w", path, i, err)
			}
			events = append(events, event)
		}
		return events, nil
	}

	scanner := bufio.NewScanner(bytes.NewReader(trimmed))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		event, err := lightning.DecodeEvent(text)
		if err != nil {
			return nil, fmt.Errorf("parse %s line %d: %w", path, line, err)
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return events, nil
}
