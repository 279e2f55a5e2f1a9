package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/sitemove/internal/catalog"
	"github.com/BadgerOps/sitemove/internal/config"
	"github.com/BadgerOps/sitemove/internal/database"
	"github.com/BadgerOps/sitemove/internal/engine"
	"github.com/BadgerOps/sitemove/internal/lock"
	"github.com/BadgerOps/sitemove/internal/metrics"
	"github.com/BadgerOps/sitemove/internal/pipeline"
	"github.com/BadgerOps/sitemove/internal/storage"
	"github.com/BadgerOps/sitemove/internal/store"
)

var (
	// Global flags
	cfgPath   string
	dataDir   string
	siteRoot  string
	logLevel  string
	logFormat string
	quiet     bool
	globalCfg *config.Config
	logger    *slog.Logger

	// Global components
	globalStore   *store.Store
	globalSite    *database.DB
	globalSched   *pipeline.Scheduler
	globalTracker *engine.Tracker
	globalLocker  *lock.FileLocker
	globalMetrics *metrics.Metrics
	globalCatalog *catalog.Catalog
)

// initializeComponents opens the job store and the site database and wires
// the scheduler.
func initializeComponents(ctx context.Context) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	st, err := store.New(globalCfg.DatabasePath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	globalStore = st

	if globalCfg.Site.DSN != "" {
		dialect, err := database.ParseDialect(globalCfg.Site.Dialect)
		if err != nil {
			return err
		}
		db, err := database.Open(dialect, globalCfg.Site.DSN)
		if err != nil {
			return fmt.Errorf("failed to open site database: %w", err)
		}
		globalSite = db
	} else {
		logger.Debug("no site database configured, database steps will be skipped")
	}

	reg, err := storage.FromConfig(ctx, globalCfg, logger)
	if err != nil {
		return fmt.Errorf("failed to configure storage: %w", err)
	}

	ttl, err := globalCfg.LockTTL()
	if err != nil {
		return err
	}

	globalMetrics = metrics.New()
	env := &pipeline.Env{
		Logger:  logger,
		Config:  globalCfg,
		Storage: reg,
		Metrics: globalMetrics,
		Site:    globalSite,
		Store:   globalStore,
	}
	globalSched = pipeline.NewScheduler(env, globalStore, globalCfg.ScratchDir())
	engine.Register(globalSched)
	globalLocker = lock.NewFileLocker(filepath.Join(globalCfg.Server.DataDir, "locks"), lock.DefaultOwner(), ttl)
	globalSched.SetLocker(globalLocker)
	globalTracker = engine.NewTracker()
	globalTracker.Attach(globalSched)
	globalCatalog = catalog.New(globalCfg.BackupsDir(), globalStore, logger)

	logger.Debug("components initialized", "sources", reg.SourceNames(), "sinks", reg.SinkNames())
	return nil
}

// shouldSkipComponentInit checks if a command should skip component initialization
func shouldSkipComponentInit(cmd *cobra.Command) bool {
	skipInitCmds := map[string]bool{
		"help":    true,
		"version": true,
		"config":  true,
		"archive": true,
	}
	for c := cmd; c != nil; c = c.Parent() {
		if skipInitCmds[c.Name()] {
			return true
		}
	}
	return false
}

// closeComponents closes the store and site database connections
func closeComponents() {
	if globalSite != nil {
		if err := globalSite.Close(); err != nil {
			logger.Error("failed to close site database", "error", err)
		}
		globalSite = nil
	}
	if globalStore != nil {
		if err := globalStore.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
		globalStore = nil
	}
}

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sitemove",
		Short: "Resumable export and import of complete sites",
		Long: `sitemove packages a site's content directory and database into a single
archive and restores it on another host. Work is split into bounded slices
so long jobs survive timeouts and restarts: every job can be resumed from its
last saved state.`,
		Example: `  sitemove export --label "before upgrade"
  sitemove import site-20240101-120000-ab12cd34.smv --target-url https://new.example
  sitemove resume 0b6f3c1e-7d2a-4c55-9d0e-2f1f1c7e0a11
  sitemove backups list
  sitemove serve --listen 0.0.0.0:8080`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Initialize logging
			setupLogging()

			// Skip config loading for commands that don't need it
			if shouldSkipConfig(cmd.Name()) {
				return nil
			}

			// Load config
			if cfgPath == "" {
				var err error
				cfgPath, err = config.FindConfigFile()
				if err != nil {
					logger.Debug("config file not found, using defaults", "error", err)
				}
			}

			if cfgPath != "" {
				var err error
				globalCfg, err = config.Load(cfgPath)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
			} else {
				globalCfg = config.DefaultConfig()
			}

			if applied := globalCfg.ApplyEnv(); len(applied) > 0 {
				logger.Debug("applied environment overrides", "keys", applied)
			}

			// Override with command-line flags if provided
			if dataDir != "" {
				globalCfg.Server.DataDir = dataDir
			}
			if siteRoot != "" {
				globalCfg.Site.Root = siteRoot
			}

			if err := globalCfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			if !quiet {
				logger.Debug("config loaded", "path", cfgPath, "data_dir", globalCfg.Server.DataDir)
			}

			// Initialize components after config is loaded
			if !shouldSkipComponentInit(cmd) {
				if err := initializeComponents(cmd.Context()); err != nil {
					return fmt.Errorf("failed to initialize components: %w", err)
				}
			}

			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			closeComponents()
		},
	}

	// Add persistent flags
	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "override data directory")
	cmd.PersistentFlags().StringVar(&siteRoot, "site-root", "", "override the site root directory")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text or json)")
	cmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")

	// Add subcommands
	cmd.AddCommand(
		newExportCmd(),
		newImportCmd(),
		newResumeCmd(),
		newAbortCmd(),
		newJobsCmd(),
		newBackupsCmd(),
		newArchiveCmd(),
		newTransfersCmd(),
		newServeCmd(),
		newConfigCmd(),
	)

	return cmd
}

// setupLogging initializes the slog logger based on flags
func setupLogging() {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if quiet && level < slog.LevelWarn {
		level = slog.LevelWarn
	}

	var handler slog.Handler
	if strings.ToLower(logFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// shouldSkipConfig checks if a command should skip config loading
func shouldSkipConfig(cmdName string) bool {
	skipConfigCmds := map[string]bool{
		"help":    true,
		"version": true,
	}
	return skipConfigCmds[cmdName]
}
