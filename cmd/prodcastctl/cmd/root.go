package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/prodcast/worker/internal/config"
	"github.com/prodcast/worker/internal/infra/jobs"
	"github.com/prodcast/worker/internal/infra/postgres"
	"github.com/prodcast/worker/internal/infra/sqlite"
	"github.com/prodcast/worker/internal/infra/sqlstore"
	"github.com/prodcast/worker/pkg/logger"
)

var (
	version string

	// Global flags
	flagOutput  string
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "prodcastctl",
	Short: "Production forecast job control CLI",
	Long: `prodcastctl submits scenario and workflow requests to the broker and
manages the job store the workers persist into.

Connection settings are read from the same environment variables as the
worker (DB_*, REDIS_*).`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the CLI version from build flags.
func SetVersion(v string) {
	version = v
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagOutput, "output", "o", "table", "Output format: table, json, yaml")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable verbose output")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(workflowCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(resultCmd)
	rootCmd.AddCommand(leaseCmd)
	rootCmd.AddCommand(migrateCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show CLI version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("prodcastctl version %s\n", version)
		fmt.Printf("  Go:       %s\n", runtime.Version())
		fmt.Printf("  OS/Arch:  %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

// =============================================================================
// Connections
// =============================================================================

func newLogger() *logger.Logger {
	level := "warn"
	if flagVerbose {
		level = "debug"
	}
	return logger.New(logger.Config{
		Level:  level,
		Format: "text",
		Output: os.Stderr,
	})
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadClient()
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func newJobClient(cfg *config.Config) *jobs.Client {
	return jobs.NewClient(jobs.RedisOpt(&cfg.Redis), jobs.TaskOptionsFromConfig(cfg), newLogger())
}

func openStore(ctx context.Context, cfg *config.Config) (*sqlstore.DB, error) {
	if cfg.Database.Driver == config.DriverSQLite {
		return sqlite.Open(ctx, cfg.Database.SQLitePath)
	}
	return postgres.New(&cfg.Database)
}

// withStore loads the configuration and runs fn against an open store.
func withStore(ctx context.Context, fn func(db *sqlstore.DB) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(db)
}

// withJobClient loads the configuration and runs fn with a broker client.
func withJobClient(fn func(c *jobs.Client) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client := newJobClient(cfg)
	defer client.Close()
	return fn(client)
}
