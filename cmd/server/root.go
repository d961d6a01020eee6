package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/logging"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "ride-dispatch",
	Short:         "Real-time ride dispatch engine",
	SilenceUsage:  true,
	SilenceErrors: false,
	RunE:          serve,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dispatch API and rider websocket gateway",
	RunE:  serve,
}

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Expire SEARCHING rides that outlived the max search age, then exit",
	RunE:  reapOnce,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "optional YAML configuration file")
	rootCmd.AddCommand(serveCmd, reapCmd)
}

// Execute runs the CLI.
func Execute() error { return rootCmd.Execute() }

func serve(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadServerConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			logger.Error("shutdown_close_failed", "err", err)
		}
	}()

	if err := a.reaper.Start(); err != nil {
		return err
	}

	api := httpapi.NewServer(httpapi.Deps{
		Engine:   a.engine,
		Store:    a.store,
		Presence: a.registry,
		Hub:      a.hub,
		Auth:     a.auth,
		Payments: a.payments,
		Logger:   logger,
	})
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server_listening", "addr", cfg.HTTPAddr, "strategy", a.engine.Policy().Strategy)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown_signal_received")
	case err := <-errCh:
		if err != nil {
			logger.Error("server_failed", "err", err)
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	a.reaper.Stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server_shutdown_failed", "err", err)
	}
	if err := a.engine.Shutdown(shutdownCtx); err != nil {
		logger.Error("engine_shutdown_failed", "err", err)
	}
	a.hub.Close()
	logger.Info("server_stopped")
	return nil
}

func reapOnce(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadServerConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	a, err := newApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	reaper := dispatch.NewReaper(a.engine, a.store, a.reaperConfig(true), logger)
	res, err := reaper.Sweep(cmd.Context())
	if err != nil {
		return err
	}
	return json.NewEncoder(cmd.OutOrStdout()).Encode(res)
}
