package cmd

import (
	"context"
	stderrors "errors"
	"time"

	gferrors "github.com/fulmenhq/gofulmen/errors"
	"github.com/fulmenhq/gofulmen/signals"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/backendhub/hubd/internal/config"
	errwrap "github.com/backendhub/hubd/internal/errors"
	"github.com/backendhub/hubd/internal/modules/split"
	"github.com/backendhub/hubd/internal/observability"
	"github.com/backendhub/hubd/internal/server"
	"github.com/backendhub/hubd/internal/server/handlers"
)

var (
	serverPort int
	serverHost string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the backend host",
	Long: `Start the backend host.

Startup runs in fixed order: wait for the database, build the shared
transport, attach real-time modules, install the rate limiter and
connection timeout, then bind the port (retrying while it is in use).
If the database is unreachable at startup the process exits without
opening the port.

Signal Handling:
  • Ctrl+C (SIGINT) or SIGTERM: Graceful shutdown
  • Ctrl+C twice within 2s: Force quit
  • SIGHUP: Re-validate the config file (restart to apply)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		cfg, err := loadConfig(ctx, serveOverrides(cmd))
		if err != nil {
			return errwrap.WrapConfigInvalid(ctx, err, "configuration invalid")
		}

		observability.InitServerLogger(config.AppName, cfg.Logging.Level, cfg.Logging.File)
		logger := observability.ServerLogger

		if cfg.Metrics.Enabled {
			if err := observability.InitMetrics(config.AppName, cfg.Metrics.Port); err != nil {
				logger.Error("Failed to initialize metrics", zap.Error(err))
				return errwrap.WrapInternal(ctx, err, "metrics initialization failed")
			}
		}

		logger.Info("Initializing server",
			zap.String("service", config.AppName),
			zap.String("version", versionInfo.Version),
			zap.String("addr", cfg.Server.Addr()),
			zap.Bool("metrics_enabled", cfg.Metrics.Enabled),
			zap.Int("metrics_port", observability.GetMetricsPort()))

		db, err := openStore(ctx, cfg)
		if err != nil {
			return errwrap.WrapConfigInvalid(ctx, err, "store configuration invalid")
		}
		defer func() { _ = db.Close() }()

		registry, err := buildRegistry(cfg, logger)
		if err != nil {
			return errwrap.WrapInternal(ctx, err, "module registration failed")
		}

		boot := server.NewBootstrap(server.Options{
			Server:     cfg.Server,
			RateLimit:  cfg.RateLimit,
			Dependency: db,
			Registry:   registry,
			Version:    versionInfo.Version,
			Logger:     logger,
		})

		// Register graceful shutdown handlers (LIFO order - last registered, first executed)
		// Handler 1: Flush logger (executed last)
		signals.OnShutdown(func(ctx context.Context) error {
			logger.Info("Flushing logger...")
			if err := logger.Sync(); err != nil {
				// Sync errors are often benign (stdout/stderr already closed)
				logger.Warn("Logger sync returned error (may be benign)", zap.Error(err))
			}
			return nil
		})

		// Handler 2: Close the store once nothing can query it
		signals.OnShutdown(func(ctx context.Context) error {
			if err := db.Close(); err != nil {
				logger.Warn("Store close returned error", zap.Error(err))
			}
			return nil
		})

		// Handler 3: Stop the metrics exporter after the host has drained
		signals.OnShutdown(func(ctx context.Context) error {
			if err := observability.StopMetrics(); err != nil {
				logger.Warn("Metrics exporter stop returned error", zap.Error(err))
			}
			return nil
		})

		// Handler 4: Stop the host (executed first)
		signals.OnShutdown(func(ctx context.Context) error {
			logger.Info("Shutting down server...")
			shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout(cfg))
			defer cancel()

			if err := boot.Shutdown(shutdownCtx); err != nil {
				return errwrap.WrapInternal(ctx, err, "server shutdown failed")
			}

			logger.Info("Server stopped gracefully")
			return nil
		})

		// Configuration is read once; SIGHUP only reports whether the file on
		// disk would load.
		signals.OnReload(func(ctx context.Context) error {
			logger.Info("Received SIGHUP: validating config file")

			if err := viper.ReadInConfig(); err != nil {
				if _, ok := err.(viper.ConfigFileNotFoundError); ok {
					logger.Info("No config file found - using defaults and environment variables")
					return nil
				}
				logger.Error("Failed to reload config file",
					zap.String("file", viper.ConfigFileUsed()),
					zap.Error(err))
				return errwrap.WrapConfigInvalid(ctx, err, "config reload failed")
			}
			if _, err := loadConfig(ctx, serveOverrides(cmd)); err != nil {
				logger.Error("Config file is invalid", zap.Error(err))
				return errwrap.WrapConfigInvalid(ctx, err, "config reload failed")
			}

			logger.Info("Configuration is valid; restart to apply changes",
				zap.String("file", viper.ConfigFileUsed()))
			return nil
		})

		// Enable double-tap force quit (Ctrl+C within 2 seconds)
		if err := signals.EnableDoubleTap(signals.DoubleTapConfig{
			Window:  2 * time.Second,
			Message: "Press Ctrl+C again within 2 seconds to force quit",
		}); err != nil {
			logger.Warn("Failed to enable double-tap force quit", zap.Error(err))
		}

		handlers.SetAppName(config.AppName)

		errChan := make(chan error, 2)
		go func() {
			errChan <- boot.Run(ctx)
		}()

		// Start signal listener in background
		go func() {
			if err := signals.Listen(ctx); err != nil {
				logger.Error("Signal handler error", zap.Error(err))
				errChan <- err
			}
		}()

		if err := <-errChan; err != nil {
			var envelope *gferrors.ErrorEnvelope
			switch {
			case stderrors.As(err, &envelope):
				return err
			case stderrors.Is(err, split.ErrMissingEncryptionKey), stderrors.Is(err, split.ErrMissingNotifyKey):
				return errwrap.WrapConfigInvalid(ctx, err, "module configuration invalid")
			default:
				return errwrap.WrapInternal(ctx, err, "server error")
			}
		}
		return nil
	},
}

// serveOverrides turns explicitly set flags into config overrides.
func serveOverrides(cmd *cobra.Command) map[string]any {
	serverOverrides := map[string]any{}
	if cmd.Flags().Changed("host") {
		serverOverrides["host"] = serverHost
	}
	if cmd.Flags().Changed("port") {
		serverOverrides["port"] = serverPort
	}
	if len(serverOverrides) == 0 {
		return nil
	}
	return map[string]any{"server": serverOverrides}
}

func shutdownTimeout(cfg *config.Config) time.Duration {
	if cfg.Server.ShutdownTimeout > 0 {
		return cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serverHost, "host", "", "server host (default all interfaces)")
	serveCmd.Flags().IntVarP(&serverPort, "port", "p", 3000, "server port")
}
