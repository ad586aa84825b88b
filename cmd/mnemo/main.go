package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"mnemo/internal/config"
	"mnemo/internal/engine"
	"mnemo/internal/logging"
	"mnemo/internal/tools"
)

var (
	// Global flags
	configPath string
	dataDir    string
	userID     string
	verbose    bool

	// Logger for process-level events; the engine keeps its own
	// per-category debug files.
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "mnemo",
	Short: "mnemo - context-aware memory engine for agents",
	Long: `mnemo stores what an agent hears, scores what matters, and serves
back what is relevant to the current situation: tiered storage, context
frames, open-loop tracking and temporal anticipation behind a small tool
contract.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		zcfg.OutputPaths = []string{"stderr"}
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default <data-dir>/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", defaultDataDir(), "data directory")
	rootCmd.PersistentFlags().StringVarP(&userID, "user", "u", "default", "memory owner id")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging to stderr")

	rootCmd.AddCommand(serveCmd)
	addMemoryCommands(rootCmd)
	addContextCommands(rootCmd)
	addPredictCommands(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".mnemo")
	}
	return ".mnemo"
}

// loadConfig resolves the effective config from flags, file and env.
func loadConfig() (config.Config, error) {
	path := configPath
	if path == "" {
		path = filepath.Join(dataDir, "config.yaml")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
		if cfg.DatabasePath == "" || configPath == "" {
			cfg.DatabasePath = filepath.Join(dataDir, "mnemo.db")
		}
	}
	return cfg, nil
}

// openEngine builds the engine for a one-shot command.
func openEngine() (*engine.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return engine.New(cfg)
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the tool contract on stdio with background maintenance",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		eng, err := engine.New(cfg)
		if err != nil {
			return err
		}
		defer eng.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		adapter := tools.New(eng)
		adapter.Trusted = true // stdio caller is the owner's own agent
		logger.Info("serving tool contract on stdio",
			zap.String("data_dir", cfg.DataDir),
			zap.Strings("tools", adapter.Names()))

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return eng.RunWorkers(ctx) })
		g.Go(func() error {
			defer stop() // EOF on stdin shuts the workers down too
			return adapter.Serve(ctx, os.Stdin, os.Stdout)
		})
		if configPath != "" {
			g.Go(func() error {
				err := config.Watch(ctx, configPath, func(c config.Config) {
					logging.Reconfigure(c.Logging)
					logger.Info("logging config reloaded")
				})
				if err == context.Canceled {
					return nil
				}
				return err
			})
		}

		err = g.Wait()
		if err == context.Canceled {
			return nil
		}
		return err
	},
}
