// cmd/server/main.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/javajoker/digimarket-backend/internal/config"
	"github.com/javajoker/digimarket-backend/internal/database"
	"github.com/javajoker/digimarket-backend/internal/i18n"
	"github.com/javajoker/digimarket-backend/internal/services"
)

var (
	cfg            *config.Config
	migrateOnStart bool
	stopTimeout    time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "digimarket",
	Short: "Digital goods marketplace backend",
	Long: `digimarket serves the catalog, purchase and delivery API of the
digital goods marketplace and runs the settlement housekeeping for
pending bank transfers, on-chain payments and card charges.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		config.ConfigureLogging(cfg.Log)

		if err := i18n.Initialize(cfg.I18n.DefaultLocale); err != nil {
			return fmt.Errorf("failed to initialize i18n: %w", err)
		}
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the housekeeping loop",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE:  runMigrate,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run a single housekeeping pass and print its report",
	RunE:  runSweep,
}

func init() {
	serveCmd.Flags().BoolVar(&migrateOnStart, "migrate", true, "apply database migrations before serving")
	serveCmd.Flags().DurationVar(&stopTimeout, "shutdown-timeout", 30*time.Second, "graceful shutdown deadline")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(sweepCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	opts := []fx.Option{
		fx.NopLogger,
		fx.StopTimeout(stopTimeout),
		coreModule(cfg),
	}
	if migrateOnStart {
		opts = append(opts, fx.Invoke(database.RunMigrations))
	}
	opts = append(opts, httpModule())

	app := fx.New(opts...)
	if err := app.Err(); err != nil {
		return err
	}
	app.Run()
	return nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	var db *gorm.DB
	app := fx.New(fx.NopLogger, coreModule(cfg), fx.Populate(&db))
	if err := app.Err(); err != nil {
		return err
	}
	defer database.Close(db)

	return database.RunMigrations(db)
}

func runSweep(cmd *cobra.Command, args []string) error {
	var housekeeping *services.HousekeepingService
	app := fx.New(fx.NopLogger, coreModule(cfg), fx.Populate(&housekeeping))
	if err := app.Err(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := app.Stop(context.Background()); err != nil {
			logrus.WithError(err).Warn("Failed to stop cleanly")
		}
	}()

	report, err := housekeeping.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("housekeeping pass failed: %w", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
