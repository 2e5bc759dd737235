// Package commands – serve.go runs the backend daemon: queue workers,
// scheduler, trigger evaluator and the HTTP surface (webhooks, metrics).
package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/bizclaw/pkg/bizclaw/platform"
)

func newServeCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the BizClaw backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, logger, err := setup(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(),
				os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := svc.Start(ctx); err != nil {
				return fmt.Errorf("start platform: %w", err)
			}

			server := &http.Server{
				Addr:              listen,
				Handler:           platform.NewHTTPHandler(svc, logger),
				ReadHeaderTimeout: 10 * time.Second,
			}
			httpErr := make(chan error, 1)
			go func() {
				logger.Info("http server listening", "addr", listen)
				httpErr <- server.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
				logger.Info("shutdown signal received")
			case err := <-httpErr:
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("http server failed", "error", err)
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
			defer cancel()

			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Error("http shutdown error", "error", err)
			}
			return svc.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", ":8080", "HTTP listen address")
	return cmd
}
