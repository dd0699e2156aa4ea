// Command playmux runs the worker multiplexer as a long-lived service: it
// loads the pools configuration, launches the worker fleet, and keeps the
// blob store's cleanup loop running until interrupted.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/playmux/playmux"
	"github.com/playmux/playmux/internal/blobstore"
	"github.com/playmux/playmux/internal/configload"
)

var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:           "playmux",
		Short:         "Multiplexer for playwright-mcp worker pools",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			// A missing .env file is fine; a malformed one is not.
			if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("loading .env: %w", err)
			}
			return setupLogging(logLevel)
		},
	}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.AddCommand(serveCmd(), versionCmd())
	return cmd
}

func setupLogging(level string) error {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
	return nil
}

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the worker pools and serve until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "playmux.yaml", "path to the pools configuration file")
	return cmd
}

func serve(parent context.Context, configPath string) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, opts, err := configload.LoadFile(configPath)
	if err != nil {
		return err
	}

	mgr, err := playmux.New(cfg, opts...)
	if err != nil {
		return err
	}

	store, err := blobstore.Open(configload.BlobConfigFromEnv())
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing blob store", "error", err)
		}
	}()

	startCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	err = mgr.StartAll(startCtx)
	cancel()
	if err != nil {
		// Degraded startup: report it and keep serving with what came up.
		slog.Warn("startup completed with failures", "error", err)
	}
	logStatus(mgr)

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		store.Run(runCtx)
		return nil
	})
	g.Go(func() error {
		<-runCtx.Done()
		slog.Info("shutting down")
		return mgr.StopAll()
	})
	return g.Wait()
}

func logStatus(mgr playmux.Manager) {
	for _, st := range mgr.Status() {
		slog.Info("pool ready",
			"pool", st.Name,
			"total", st.Total,
			"healthy", st.Healthy,
			"degraded", st.Degraded)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the playmux version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
