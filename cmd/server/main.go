package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ifuryst/postwave/internal/config"
	"github.com/ifuryst/postwave/internal/server"
	"github.com/ifuryst/postwave/internal/service"
	"github.com/ifuryst/postwave/internal/store"
	"github.com/ifuryst/postwave/pkg/logger"
)

var (
	configPath  string
	accountName string
	version     = "0.1.0"
	gitCommit   = "unknown"
	buildTime   = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "postwave",
	Short: "Postwave - Scheduled multi-platform content publishing",
	Long:  `Postwave stores content items with per-channel schedules and publishes each one to its platform at the scheduled time.`,
	RunE:  runServer,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server, queue workers and reconciliation sweep",
	RunE:  runServer,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Postwave %s\n", version)
		fmt.Printf("Git commit: %s\n", gitCommit)
		fmt.Printf("Build time: %s\n", buildTime)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE:  runMigrate,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one reconciliation sweep and exit",
	RunE:  runSweep,
}

var adminSecretCmd = &cobra.Command{
	Use:   "admin-secret",
	Short: "Generate a TOTP secret for the admin endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, url, err := service.GenerateSecret(accountName)
		if err != nil {
			return err
		}
		fmt.Printf("Secret: %s\n", secret)
		fmt.Printf("Provisioning URL: %s\n", url)
		fmt.Println("Set server.admin_totp_secret (or ADMIN_TOTP_SECRET) to the secret above.")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/server.yaml", "config file path")
	adminSecretCmd.Flags().StringVar(&accountName, "account", "admin", "account name shown in the authenticator app")
	rootCmd.AddCommand(serveCmd, versionCmd, migrateCmd, sweepCmd, adminSecretCmd)
}

func setup() (*config.Config, *zap.Logger, error) {
	// Load configuration
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Initialize logger
	appLogger, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, appLogger, nil
}

func runServer(*cobra.Command, []string) error {
	cfg, appLogger, err := setup()
	if err != nil {
		return err
	}
	defer appLogger.Sync()

	appLogger.Info("Starting Postwave server", zap.String("version", version))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.NewServer(ctx, cfg, appLogger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if err := srv.Run(ctx); err != nil {
		appLogger.Error("Server exited with error", zap.Error(err))
		return err
	}

	appLogger.Info("Server exited")
	return nil
}

func runMigrate(*cobra.Command, []string) error {
	cfg, appLogger, err := setup()
	if err != nil {
		return err
	}
	defer appLogger.Sync()

	if cfg.Database.Type != "postgres" {
		return fmt.Errorf("migrate needs a postgres database, got %q", cfg.Database.Type)
	}
	db, err := store.NewDatabase(&cfg.Database)
	if err != nil {
		return err
	}
	if err := store.Migrate(db); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	appLogger.Info("Database schema is up to date")
	return nil
}

func runSweep(*cobra.Command, []string) error {
	cfg, appLogger, err := setup()
	if err != nil {
		return err
	}
	defer appLogger.Sync()

	// Jobs put on a memory queue would vanish with this process
	if cfg.Queue.Driver != "redis" || cfg.Database.Type != "postgres" {
		return errors.New("sweep from the command line needs the postgres database and the redis queue driver")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := server.OpenStore(cfg, appLogger)
	if err != nil {
		return err
	}
	defer closeStore()

	q, closeQueue, err := server.OpenQueue(ctx, cfg, appLogger)
	if err != nil {
		return err
	}
	defer closeQueue()

	sweeper := service.NewSweeper(st, q, service.SweepConfig{
		Interval:     cfg.Scheduler.SweepInterval(),
		BatchSize:    cfg.Scheduler.SweepBatchSize,
		ClaimTimeout: cfg.Scheduler.ClaimTimeout(),
	}, nil, nil, appLogger, nil)

	res, err := sweeper.Sweep(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("scanned=%d enqueued=%d conflicts=%d failed=%d abandoned=%d\n",
		res.Scanned, res.Enqueued, res.Conflicts, res.Failed, res.Abandoned)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
