package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/schaermu/composesyncd/internal/compose"
	"github.com/schaermu/composesyncd/internal/config"
	"github.com/schaermu/composesyncd/internal/git"
	"github.com/schaermu/composesyncd/internal/gitcrypt"
	"github.com/schaermu/composesyncd/internal/metrics"
	"github.com/schaermu/composesyncd/internal/secrets"
	"github.com/schaermu/composesyncd/internal/sync"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  = newEnumValue("info", "debug", "info", "warn", "error")
	logFormat = newEnumValue("text", "text", "json")
	dryRun    bool
)

// configEnv names the config file when --config is not given
const configEnv = "COMPOSESYNCD_CONFIG"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "composesyncd",
	Short: "Synchronize docker compose stacks from a Git repository",
	Long: `composesyncd keeps the docker compose projects of a host in line with the
stacks declared in a Git repository.

Each top-level directory of the repository holding a compose manifest is one
stack; an optional numeric prefix ("2_proxy") orders bring-ups. Plain and
git-crypt encrypted .env files at repository and project level are merged
into the environment of each stack.

It can run a one-shot sync, or serve as a long-running daemon that keeps a
sync job container alive next to itself and reacts to GitHub push events.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Perform a one-time sync from repository to compose projects",
	Long: `Sync fetches the configured Git repository, compares the declared stacks
with the compose projects of the host, and brings the host in line: stacks
that disappeared or moved are taken down, every declared stack is brought up
with its merged environment.`,
	RunE: runSync,
}

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Run one sync cycle as the sidecar job",
	Long: `Job is the command of the sync job container started by "serve". It runs
exactly one sync cycle and exits; the server starts a fresh job on its next
health check.`,
	RunE: runJob,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("composesyncd %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $COMPOSESYNCD_CONFIG, then $HOME/.config/composesyncd/config.yaml)")
	rootCmd.PersistentFlags().Var(logLevel, "log-level", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Var(logFormat, "log-format", "log format (text, json)")

	// Sync command flags
	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")

	// Add commands
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(envCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	engine := newEngine(cfg, nil, logger, dryRun)

	logger.Info("starting sync operation")
	if err := engine.Run(ctx); err != nil {
		logger.Error("sync failed", "error", err)
		return err
	}

	return nil
}

func runJob(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	engine := newEngine(cfg, nil, logger, false)
	if err := engine.Run(ctx); err != nil {
		logger.Error("sync job failed", "error", err)
		return err
	}
	return nil
}

// newEngine wires the sync engine to the shell collaborators. m may be nil.
func newEngine(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger, dryRun bool) *sync.Engine {
	gitClient := git.NewShellClient(cfg.Auth.SSHKeyFile, cfg.Auth.HTTPSTokenFile)
	runtime := compose.NewClient(cfg.Docker.ComposeBinary, cfg.Docker.Host)
	return sync.NewEngine(cfg, gitClient, runtime, newReader(cfg, logger), m, logger, dryRun)
}

func newReader(cfg *config.Config, logger *slog.Logger) *secrets.Reader {
	return secrets.NewReader(gitcrypt.NewShellClient(), logger, cfg.Sync.StrictEnv)
}

func setupLogger() *slog.Logger {
	var level slog.Level
	switch logLevel.String() {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// stdout belongs to the output of plan and env
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat.String() == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		// The sidecar inherits the server's environment but not its flags
		configPath = os.Getenv(configEnv)
	}
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = fmt.Sprintf("%s/.config/composesyncd/config.yaml", home)
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"repo", cfg.Repo.URL,
		"ref", cfg.Repo.Ref,
		"state_dir", cfg.Paths.StateDir,
		"encrypted", cfg.Repo.KeyFile != "",
		"auth", cfg.AuthMethod())

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

// enumValue is a string flag restricted to a fixed set of values
type enumValue struct {
	value   string
	allowed []string
}

var _ pflag.Value = (*enumValue)(nil)

func newEnumValue(def string, allowed ...string) *enumValue {
	return &enumValue{value: def, allowed: allowed}
}

func (e *enumValue) String() string { return e.value }

func (e *enumValue) Set(v string) error {
	v = strings.ToLower(v)
	if !slices.Contains(e.allowed, v) {
		return fmt.Errorf("must be one of %s", strings.Join(e.allowed, ", "))
	}
	e.value = v
	return nil
}

func (e *enumValue) Type() string { return "string" }
