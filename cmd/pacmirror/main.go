package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/schaermu/pacmirror/internal/config"
	"github.com/schaermu/pacmirror/internal/fetch"
	"github.com/schaermu/pacmirror/internal/sync"
	"github.com/spf13/cobra"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	localOnly bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pacmirror",
	Short: "Mirror pacman-style package repositories",
	Long: `pacmirror maintains a local mirror of pacman-style package repositories.

Each pass downloads the repository database, compares it against the
local tree, archives superseded packages, quarantines corrupt files and
fetches whatever is missing, verifying every download against the
checksum published in the database.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync [destination]",
	Short: "Run one mirror pass for every configured repository",
	Long: `Sync downloads each repository database, reconciles the local tree
against it and fetches missing packages with checksum verification.

Superseded and delisted packages move to the archive/ subtree; files
that fail verification move to corrupt/. An optional destination
argument overrides the configured mirror root.

With --local no network access happens at all: the previously
downloaded database is read from disk and every local package is
re-verified against it.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSync,
}

var verifyCmd = &cobra.Command{
	Use:   "verify [destination]",
	Short: "Re-verify the local mirror against its databases",
	Long: `Verify reads the previously downloaded repository databases and
re-hashes every local package against them, without touching the
network. Corrupt files move to the corrupt/ subtree; packages the
database lists but the mirror lacks are reported as missing.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runVerify,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("pacmirror %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/pacmirror/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	// Sync command flags
	syncCmd.Flags().BoolVar(&localOnly, "local", false, "verify the local tree only, without network access")

	// Add commands
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	mode := sync.ModeSync
	if localOnly {
		mode = sync.ModeLocal
	}
	return runPass(args, mode)
}

func runVerify(cmd *cobra.Command, args []string) error {
	return runPass(args, sync.ModeLocal)
}

func runPass(args []string, mode sync.Mode) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if len(args) > 0 {
		cfg.Destination = args[0]
	}

	client := fetch.NewHTTPClient(cfg.Timeout(), cfg.Fetch.Retries, logger)
	engine := sync.NewEngine(cfg, client, logger, mode)

	logger.Info("starting mirror pass", "repositories", len(cfg.Repositories), "destination", cfg.Destination)
	reports := engine.Run(ctx)

	// one healthy repository is enough to call the pass a success;
	// failed repositories are already logged and retried next pass
	failed := 0
	for _, rep := range reports {
		if rep.Failed() {
			failed++
		}
	}
	if failed == len(reports) {
		return errors.New("all repository passes failed")
	}
	return nil
}

func setupLogger() *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = fmt.Sprintf("%s/.config/pacmirror/config.yaml", home)
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"destination", cfg.Destination,
		"repositories", len(cfg.Repositories),
		"workers", cfg.Fetch.Workers)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
