package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook server and poll scheduler",
	Long: `Start the HTTP server that receives platform webhook deliveries and
the background scheduler that polls the configured pages. Runs until
interrupted; shutdown waits for any in-flight poll cycle to finish.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		log, err := newLogger()
		if err != nil {
			return err
		}
		defer log.Sync()

		application, err := buildApp(cfg, log)
		if err != nil {
			return err
		}
		defer application.db.Close()

		application.poll.Start()

		errCh := make(chan error, 1)
		go func() {
			errCh <- application.srv.Start(cfg.Server.Port)
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			log.Info("shutting down", zap.String("signal", sig.String()))
		case err := <-errCh:
			if err != nil {
				application.poll.Stop()
				return err
			}
		}

		// The scheduler stop blocks until any in-flight cycle completes,
		// so no fingerprint write is abandoned.
		application.poll.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return application.srv.Shutdown(shutdownCtx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
