package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chaos-io/sinfondo/rembg"
	"github.com/chaos-io/sinfondo/server"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the web interface",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), a)
		},
	}

	cmd.Flags().String("host", "", "listen host")
	cmd.Flags().String("port", "", "listen port")
	mustBind(a.v, cmd.Flags(), map[string]string{
		"SERVER_HOST": "host",
		"SERVER_PORT": "port",
	})

	return cmd
}

func runServe(ctx context.Context, a *app) error {
	remover, err := rembg.New(a.cfg.RemoverOptions(), a.log)
	if err != nil {
		return err
	}

	srv, err := server.New(a.cfg, remover, a.log)
	if err != nil {
		return err
	}

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.log.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("Server forced to shutdown", zap.Error(err))
		return err
	}

	a.log.Info("Server exited")
	return <-errCh
}
