package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/amoylab/beacon/internal/common/cnst"
	"github.com/amoylab/beacon/internal/common/config"
	"github.com/amoylab/beacon/internal/server"
	"github.com/amoylab/beacon/pkg/logger"
	"github.com/amoylab/beacon/pkg/trace"
	"github.com/amoylab/beacon/pkg/version"
)

const shutdownTimeout = 15 * time.Second

var (
	configPath string

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of beacon",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s\n", cnst.AppName, version.Info())
		},
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the notification and session service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}

	sweepCmd = &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired sessions and backlog entries once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return sweep(cmd.Context())
		},
	}

	rootCmd = &cobra.Command{
		Use:   cnst.AppName,
		Short: "Real-time notifications with shared session state",
		Long:  `beacon keeps browser sessions consistent across instances and pushes notifications to connected clients`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "conf", "c", "beacon.yaml", "path to configuration file")
	rootCmd.AddCommand(versionCmd, serveCmd, sweepCmd)
}

func setup(ctx context.Context) (*config.BeaconConfig, *zap.Logger, *server.Server, error) {
	cfg, path, err := config.LoadConfig[config.BeaconConfig](configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load configuration from %s: %w", path, err)
	}

	lg, err := logger.NewLogger(&cfg.Logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	lg.Info("Loaded configuration", zap.String("path", path), zap.String("version", version.Get()))

	if cfg.Logger.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	srv, err := server.New(ctx, cfg, lg, server.Options{})
	if err != nil {
		_ = lg.Sync()
		return nil, nil, nil, err
	}
	return cfg, lg, srv, nil
}

func serve(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, lg, srv, err := setup(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = lg.Sync() }()

	shutdownTracing, err := trace.InitTracing(ctx, &cfg.Tracing, lg)
	if err != nil {
		lg.Warn("Tracing disabled", zap.Error(err))
	} else {
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracing(sctx)
		}()
	}

	if err := srv.Start(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err != nil {
			lg.Error("HTTP server stopped", zap.Error(err))
		}
	case <-ctx.Done():
		lg.Info("Received shutdown signal")
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		lg.Error("Shutdown finished with errors", zap.Error(err))
		return err
	}
	lg.Info("Server stopped")
	return nil
}

func sweep(ctx context.Context) error {
	_, lg, srv, err := setup(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = lg.Sync() }()
	defer func() { _ = srv.Shutdown(context.Background()) }()

	sessions, messages, err := srv.SweepOnce(ctx)
	if err != nil {
		return err
	}
	lg.Info("Sweep finished", zap.Int("sessions", sessions), zap.Int("backlog_entries", messages))
	return nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
