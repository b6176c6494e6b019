// Package cmd implements the lightning CLI: an edge over the runtime for
// chatting, publishing events, replaying event files and inspecting runtime
// health.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vextir/lightning"
	"github.com/vextir/lightning/runtime"
)

// ErrInterrupted signals the process was stopped by SIGINT or SIGTERM; main
// maps it to exit code 130.
var ErrInterrupted = errors.New("interrupted")

// NewRootCommand creates the root command for the lightning CLI.
func NewRootCommand() *cobra.Command {
	var configPath string
	var verboseLogs bool

	cmd := &cobra.Command{
		Use:   "lightning",
		Short: "Lightning - event-driven AI driver runtime",
		Long: `Lightning runs the Vextir event runtime locally: an event bus,
driver registries, conversation ordering and resilience wrappers behind a
single process. Configuration comes from LIGHTNING_* environment variables
and an optional config file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML or TOML config file")
	cmd.PersistentFlags().BoolVar(&verboseLogs, "debug", false, "enable debug logging")

	cmd.AddCommand(newChatCommand(&configPath, &verboseLogs))
	cmd.AddCommand(newSendCommand(&configPath, &verboseLogs))
	cmd.AddCommand(newProcessCommand(&configPath, &verboseLogs))
	cmd.AddCommand(newMonitorCommand(&configPath, &verboseLogs))
	cmd.AddCommand(newStatusCommand(&configPath, &verboseLogs))
	return cmd
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// interrupted maps a signal-cancelled context to ErrInterrupted.
func interrupted(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ErrInterrupted
	}
	return nil
}

func buildLogger(debug bool) lightning.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return lightning.DefaultLogger(level)
}

func loadConfig(path string) (*lightning.RuntimeConfig, error) {
	return lightning.LoadConfig(path)
}

// startRuntime composes and starts a runtime for a command invocation.
func startRuntime(ctx context.Context, configPath string, debug bool, opts ...runtime.Option) (*runtime.Runtime, lightning.Logger, error) {
	logger := buildLogger(debug)
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	r, err := runtime.New(cfg, logger, opts...)
	if err != nil {
		return nil, nil, err
	}
	if err := r.Start(ctx); err != nil {
		return nil, nil, err
	}
	return r, logger, nil
}

func shutdownRuntime(r *runtime.Runtime) {
	ctx, cancel := context.WithTimeout(context.Background(), runtime.ShutdownGrace)
	defer cancel()
	if err := r.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown: %s\n", err)
	}
}

// awaitEvent subscribes to the subject, runs trigger, then blocks until an
// event satisfying match arrives, the timeout passes, or ctx is cancelled.
// Subscribing before triggering closes the race with fast responders.
func awaitEvent(ctx context.Context, r *runtime.Runtime, subject string, timeout time.Duration, match func(lightning.Event) bool, trigger func() error) (lightning.Event, error) {
	found := make(chan lightning.Event, 1)
	sub, err := r.Subscribe(ctx, subject, func(ctx context.Context, event lightning.Event) error {
		if match == nil || match(event) {
			select {
			case found <- event:
			default:
			}
		}
		return nil
	})
	if err != nil {
		return lightning.Event{}, err
	}
	defer func() { _ = r.Bus().Unsubscribe(context.WithoutCancel(ctx), sub) }()

	if trigger != nil {
		if err := trigger(); err != nil {
			return lightning.Event{}, err
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case event := <-found:
		return event, nil
	case <-timer.C:
		return lightning.Event{}, fmt.Errorf("%w: no %s event within %s", lightning.ErrTimeout, subject, timeout)
	case <-ctx.Done():
		return lightning.Event{}, ErrInterrupted
	}
}
