// Package cmd provides the docctl commands.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Lllllllleong/documentcollections/internal/services"
)

// connect builds the runtime each command works on. Tests replace it.
var connect = services.NewRuntime

// NewRootCmd creates the root command for docctl.
func NewRootCmd() *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:   "docctl",
		Short: "Operate the document collection service",
		Long: `docctl runs the document API with its background workers and exposes
the operator tasks: deletion queue inspection, index status polling,
orphaned blob cleanup and forced deletes.

Backends are selected from the same environment variables the functions use.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(cmd.ErrOrStderr(), logLevel)
		},
	}

	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newQueueCmd())
	cmd.AddCommand(newIndexCmd())
	cmd.AddCommand(newOrphansCmd())
	cmd.AddCommand(newForceDeleteCmd())
	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

func setupLogging(w io.Writer, level string) error {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", level, err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: l})))
	return nil
}

// withRuntime connects, runs fn and releases the backends.
func withRuntime(ctx context.Context, fn func(*services.Runtime) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := connect(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize runtime: %w", err)
	}
	defer func() {
		if err := rt.Close(); err != nil {
			slog.Warn("Failed to close backends.", "error", err)
		}
	}()
	return fn(rt)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
