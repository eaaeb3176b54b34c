package cmd

import (
	"context"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	errwrap "github.com/backendhub/hubd/internal/errors"
	"github.com/backendhub/hubd/internal/observability"
)

var healthTimeout time.Duration

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run self-health check",
	Long: `Run the same checks the server performs before it binds: load the
configuration, register every enabled module and reach the database.`,
	Run: func(cmd *cobra.Command, args []string) {
		logger := observability.CLILogger
		ctx := cmd.Context()

		logger.Info("Running health check...")

		// Check 1: Configuration loads and validates
		cfg, err := loadConfig(ctx)
		if err != nil {
			ExitWithCode(logger, foundry.ExitConfigInvalid, "Configuration invalid", errwrap.WrapConfigInvalid(ctx, err, "configuration invalid"))
			return
		}
		logger.Info("✅ Configuration valid")

		// Check 2: Modules register without conflicts
		registry, err := buildRegistry(cfg, nil)
		if err != nil {
			ExitWithCode(logger, foundry.ExitConfigInvalid, "Module registration failed", errwrap.WrapConfigInvalid(ctx, err, "module registration failed"))
			return
		}
		for _, m := range registry.Table() {
			if err := m.Module.Routes(chi.NewRouter()); err != nil {
				ExitWithCode(logger, foundry.ExitConfigInvalid, "Module cannot be mounted",
					errwrap.WrapConfigInvalid(ctx, err, "module "+m.Module.Name()+" cannot be mounted"))
				return
			}
		}
		logger.Debug("Modules registered",
			zap.Strings("mounts", registry.Table().Prefixes()),
			zap.Int("upgrade_modules", len(registry.Upgrades())))
		logger.Info("✅ Modules registered")

		// Check 3: Database reachable
		db, err := openStore(ctx, cfg)
		if err != nil {
			ExitWithCode(logger, foundry.ExitConfigInvalid, "Store configuration invalid", errwrap.WrapConfigInvalid(ctx, err, "store configuration invalid"))
			return
		}
		defer func() { _ = db.Close() }()

		checkCtx, cancel := context.WithTimeout(ctx, healthTimeout)
		defer cancel()
		if err := db.CheckHealth(checkCtx); err != nil {
			ExitWithCode(logger, foundry.ExitExternalServiceUnavailable, "Database unreachable",
				errwrap.WrapDependencyUnavailable(ctx, err, "database unreachable"))
			return
		}
		logger.Info("✅ Database reachable", zap.String("driver", db.Driver()))

		// Overall status
		logger.Info("")
		logger.Info("✅ All health checks passed")
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
	healthCmd.Flags().DurationVar(&healthTimeout, "timeout", 5*time.Second, "database check timeout")
}
