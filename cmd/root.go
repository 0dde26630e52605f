package cmd

import (
	"context"
	"fmt"
	"os"

	"tenant-backup/internal/backup"
	"tenant-backup/internal/config"
	"tenant-backup/internal/confirmation"
	"tenant-backup/internal/display"
	"tenant-backup/internal/logging"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

// Global flag variables
var (
	cfgFile      string
	outputFormat string
	noColor      bool
	verbose      bool
	quiet        bool
	autoApprove  bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tenant-backup",
	Short: "Tenant-scoped backup, restore and import for multi-tenant databases",
	Long: `tenant-backup creates per-tenant archives of a shared multi-tenant database,
keeps them across server, secondary and object-store locations, and restores
or merges them back into the live database inside a single transaction.

Examples:
  # Create an archive for tenant 7 and upload it to the object store
  tenant-backup backup create --tenant 7 --upload

  # List every archive belonging to tenant 7
  tenant-backup backup list --tenant 7

  # Restore tenant 7 from an archive name, path or uploaded file
  tenant-backup restore backup_tenant7_20260314_093000.zip --tenant 7

  # Preview, then merge an archive skipping existing customers
  tenant-backup import preview backup_tenant7_20260314_093000.zip --tenant 7
  tenant-backup import apply backup_tenant7_20260314_093000.zip --tenant 7 --resolve Customers=skip

  # Run the nightly scheduler with a metrics endpoint
  tenant-backup schedule serve --metrics-addr :9090`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", backup.Outcome(err, "").Message)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is ./tenant-backup.yaml, then $HOME/.config/tenant-backup/)")
	pf.StringVar(&outputFormat, "format", "table", "output format (table, json, yaml)")
	pf.BoolVar(&noColor, "no-color", false, "disable color output")
	pf.BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	pf.BoolVarP(&quiet, "quiet", "q", false, "suppress non-error logging")
	pf.BoolVarP(&autoApprove, "yes", "y", false, "skip confirmation prompts")

	rootCmd.AddCommand(createVersionCommand())
	rootCmd.AddCommand(createConfigCommand())
	rootCmd.AddCommand(createMigrateCommand())
}

// app bundles what a command needs once configuration is loaded
type app struct {
	cfg      *config.Config
	svc      *backup.Service
	printer  *display.Printer
	confirm  confirmation.Service
	logger   *logging.Logger
	registry *prometheus.Registry
	close    func() error
}

// newApp loads configuration and wires the backup service
func newApp(cmd *cobra.Command) (*app, error) {
	if verbose && quiet {
		return nil, fmt.Errorf("--verbose and --quiet flags are mutually exclusive")
	}
	format, err := display.ParseFormat(outputFormat)
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	logger, err := buildLogger(cfg)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	svc, closeFn, err := backup.Build(cmd.Context(), cfg, reg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize backup service: %w", err)
	}

	useColors := !noColor && display.DetectColorSupport(os.Stdout)
	return &app{
		cfg:      cfg,
		svc:      svc,
		printer:  display.NewPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr(), format, useColors),
		confirm:  confirmation.NewConfirmationServiceWithIO(cmd.InOrStdin(), cmd.ErrOrStderr(), useColors),
		logger:   logger,
		registry: reg,
		close:    closeFn,
	}, nil
}

// withApp runs fn with a wired app and releases it afterwards
func withApp(cmd *cobra.Command, fn func(a *app) error) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			a.logger.WithField("error", err.Error()).Warn("Failed to release resources")
		}
	}()
	return fn(a)
}

func buildLogger(cfg *config.Config) (*logging.Logger, error) {
	level := logging.ParseLevel(cfg.Logging.Level)
	switch {
	case verbose:
		level = logging.LogLevelVerbose
	case quiet:
		level = logging.LogLevelQuiet
	}
	logger, err := logging.NewLogger(logging.Config{
		Level:   level,
		Format:  cfg.Logging.Format,
		LogFile: cfg.Logging.File,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

// Version information (set by main package)
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
	goVersion = "unknown"
)

// SetVersionInfo sets the version information from build flags
func SetVersionInfo(v, bt, gc, gv string) {
	version = v
	buildTime = bt
	gitCommit = gc
	goVersion = gv
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "tenant-backup version %s\n", version)
			fmt.Fprintf(out, "Built: %s\n", buildTime)
			fmt.Fprintf(out, "Commit: %s\n", gitCommit)
			fmt.Fprintf(out, "Go version: %s\n", goVersion)
		},
	}
}

func createConfigCommand() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and generate configuration",
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "init [path]",
		Short: "Write a fully defaulted configuration file",
		Long: `Write a configuration file with every option set to its default.

Every key can also be set through the environment with the TENANT_BACKUP_ prefix,
for example TENANT_BACKUP_STORAGE_PRIMARY_DIR or TENANT_BACKUP_SCHEDULER_ENABLED.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "tenant-backup.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil && !autoApprove {
				return fmt.Errorf("%s already exists, pass --yes to overwrite", path)
			}
			if err := config.WriteExample(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", path)
			return nil
		},
	})

	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration is valid (database driver: %s, object store: %s)\n",
				cfg.Database.Driver, cfg.ObjectStore.Provider)
			return nil
		},
	})
	return configCmd
}

func createMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the tenant tables and indexes if they do not exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				if err := a.svc.Store().Migrate(cmd.Context()); err != nil {
					return err
				}
				a.printer.Success("Schema is up to date")
				return nil
			})
		},
	}
}
