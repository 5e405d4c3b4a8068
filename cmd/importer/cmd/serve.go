package cmd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"ledger-import-engine/internal/api"
	"ledger-import-engine/internal/worker"
	engerrors "ledger-import-engine/pkg/errors"
	"ledger-import-engine/pkg/logger"
)

var serveAddr string

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP ingestion API and the batch workers",
	Long: `Serve starts the HTTP API and a pool of workers that process pending
batches in the background. Uploads return immediately with the pending
batch; progress is visible through GET /api/v1/imports/{id}.

On SIGINT or SIGTERM the server stops accepting requests, running batches
finish within server.shutdown_timeout, and queued batches stay pending for
the next start.

Examples:
  importer serve
  importer serve --addr :9090
  IMPORTER_WORKER_COUNT=4 importer serve`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from server.addr)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	addr := a.cfg.Server.Addr
	if serveAddr != "" {
		addr = serveAddr
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return engerrors.ConfigurationError(engerrors.CodeInvalidConfig, "server.addr", addr, err)
	}
	return serve(ctx, a, listener)
}

// serve runs until ctx is cancelled or the server fails.
func serve(ctx context.Context, a *app, listener net.Listener) error {
	log := a.log.WithComponent("server")

	queue, err := worker.NewQueue(a.cfg.Worker, a.orchestrator, a.db, a.log)
	if err != nil {
		return engerrors.ConfigurationError(engerrors.CodeInvalidConfig, "worker", a.cfg.Worker, err)
	}
	// Running batches outlive the signal and are bounded by the shutdown timeout.
	if err := queue.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}

	server := &http.Server{
		Handler: api.NewRouter(api.Dependencies{
			Importer:          a.orchestrator,
			Queue:             queue,
			Reconciler:        a.reconciler,
			Logger:            a.log,
			MaxUploadBytes:    a.cfg.Server.MaxUploadBytes,
			RequestsPerSecond: a.cfg.Server.RequestsPerSecond,
			Burst:             a.cfg.Server.Burst,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", listener.Addr().String()).Info("HTTP server listening")
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return engerrors.InternalError(engerrors.CodeUnexpectedError, "http_serve", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()

		err := logger.TimedOperation("shutdown", log, func() error {
			return errors.Join(server.Shutdown(shutdownCtx), queue.Stop(shutdownCtx))
		})
		if err != nil {
			return engerrors.InternalError(engerrors.CodeUnexpectedError, "shutdown", err)
		}
		return nil
	})
	return g.Wait()
}
