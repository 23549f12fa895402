package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"governor/internal/config"
	"governor/internal/logging"
	"governor/internal/store"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Set at build time via -ldflags.
var version = "dev"

var (
	// Global flags
	verbose    bool
	configPath string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "governor",
	Short: "governor - adaptive policy and variety persistence engine",
	Long: `governor keeps a running system's governance memory: versioned
policies, learned adaptations with outcome scoring, and time-series
variety measurements with gap and trend analytics.

State is held in memory under a supervising coordinator; a crashed
store restarts with empty tables rather than taking the process down.

Run without arguments to start the engine.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: runServe,
}

// serveCmd runs the engine until a signal or an unrecoverable store failure.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the persistence engine",
	Long: `Starts the coordinator with all three stores and blocks until
SIGINT/SIGTERM or until a store exhausts its restart budget.

The config file is watched while the engine runs; edits to variety
thresholds and logging settings apply without a restart.`,
	RunE: runServe,
}

// initCmd writes a default config file
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := resolveConfigPath()
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists at %s", path)
		}

		cfg := config.DefaultConfig()
		if err := cfg.Save(path); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}
		fmt.Printf("Wrote default config to %s\n", path)
		return nil
	},
}

// versionCmd prints the build version
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the governor version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("governor %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := resolveConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ws, err := config.FindWorkspaceRoot()
	if err != nil {
		ws, _ = os.Getwd()
	}
	if err := logging.Initialize(ws); err != nil {
		logger.Warn("File logging unavailable", zap.Error(err))
	} else if err := logging.InitAudit(); err != nil {
		logger.Warn("Audit logging unavailable", zap.Error(err))
	}
	defer logging.CloseAll()
	defer logging.CloseAudit()

	logger.Info("Starting governor engine",
		zap.String("version", version),
		zap.String("config", path),
		zap.String("workspace", ws))

	coordinator := store.NewCoordinator(cfg, store.SystemClock())
	coordinator.Start()
	defer coordinator.Stop()

	// Alert subscription keeps threshold crossings visible in the process log.
	if vs, err := coordinator.Variety(); err == nil {
		alerts, cancelAlerts := vs.SubscribeAlerts()
		defer cancelAlerts()
		go func() {
			for alert := range alerts {
				logger.Warn("Variety threshold exceeded",
					zap.String("source", alert.Source),
					zap.Float64("variety", alert.Variety),
					zap.Float64("threshold", alert.Threshold))
			}
		}()
	}

	// Hot-reload config edits while running.
	watcher, err := config.NewWatcher(path, func(next *config.Config) {
		coordinator.ApplyConfig(next)
		if err := logging.ReloadConfig(); err != nil {
			logger.Warn("Log config reload failed", zap.Error(err))
		}
		logger.Info("Configuration reloaded", zap.String("path", path))
	})
	if err != nil {
		logger.Warn("Config watcher unavailable", zap.Error(err))
	} else {
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("Config watcher failed to start", zap.Error(err))
		} else {
			defer watcher.Stop()
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		return nil
	case err := <-coordinator.Failed():
		logger.Error("Engine failed", zap.Error(err))
		return err
	}
}
