package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Lllllllleong/documentcollections/internal/api"
	"github.com/Lllllllleong/documentcollections/internal/services"
)

func newServeCmd() *cobra.Command {
	var addr string
	var noWorkers bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the document API with the index poller and deletion worker",
		Long: `Serve the document API on --addr. Unless --no-workers is set, the index
status poller and the deletion worker run in the same process every
WORKER_INTERVAL.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return withRuntime(ctx, func(rt *services.Runtime) error {
				return serve(ctx, rt, addr, !noWorkers)
			})
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "Listen address")
	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "Serve the API only")
	return cmd
}

func serve(ctx context.Context, rt *services.Runtime, addr string, workers bool) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewHandler(rt),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Document API listening.", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if workers {
		interval := rt.Config.WorkerInterval
		g.Go(func() error { return ignoreCancel(rt.Poller.Run(gctx, interval)) })
		g.Go(func() error { return ignoreCancel(rt.Deletions.Run(gctx, interval)) })
	}
	err := g.Wait()
	slog.Info("Document API stopped.")
	return err
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
