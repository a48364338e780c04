package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/cmdassist/internal/logger"
	"github.com/joescharf/cmdassist/internal/output"
	"github.com/joescharf/cmdassist/internal/runner"
	"github.com/joescharf/cmdassist/internal/session"
	"github.com/joescharf/cmdassist/internal/store"
	"github.com/joescharf/cmdassist/internal/workflow"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui   *output.UI
	logr *slog.Logger

	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "cmdassist",
	Short: "Turn natural-language requests into shell commands you approve",
	Long: `cmdassist generates a shell command for a request written in plain language,
shows it to you, and runs it only once you approve. When a command fails you
decide whether it should try a different one.

Sessions pause at every decision and are checkpointed, so a server can hold
many of them at once and resume them after a restart.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/cmdassist/config.yaml)")
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		configDir, err := configDirFunc()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("CMDASSIST")
	viper.SetEnvKeyReplacer(envKeyReplacer)
	viper.AutomaticEnv()

	defaultConfigDir, _ := configDirFunc()
	setDefaults(defaultConfigDir)

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

// setDefaults registers the default for every config key, rooted at dir.
func setDefaults(dir string) {
	viper.SetDefault("state_dir", dir)
	viper.SetDefault("db_path", filepath.Join(dir, "cmdassist.db"))

	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	viper.SetDefault("anthropic.max_tokens", 512)
	viper.SetDefault("llm.timeout_seconds", 60)

	viper.SetDefault("workflow.max_retries", workflow.DefaultMaxRetries)
	viper.SetDefault("execution.timeout_seconds", 30)
	viper.SetDefault("execution.fail_on_stderr", false)
	viper.SetDefault("execution.fail_on_nonzero_exit", true)
	viper.SetDefault("execution.shell", "")
	viper.SetDefault("execution.workdir", "")
	viper.SetDefault("execution.max_output_bytes", runner.DefaultMaxOutputBytes)

	viper.SetDefault("store.backend", store.BackendSQLite)
	viper.SetDefault("store.nats.url", "nats://127.0.0.1:4222")
	viper.SetDefault("store.nats.bucket", store.DefaultBucket)
	viper.SetDefault("store.cache_bytes", 0)

	viper.SetDefault("server.addr", ":8765")
	viper.SetDefault("server.url", "ws://localhost:8765/ws")
	viper.SetDefault("sessions.discard_on_disconnect", true)

	viper.SetDefault("log.level", "warn")
	viper.SetDefault("log.format", "text")
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose

	level := viper.GetString("log.level")
	if verbose {
		level = "debug"
	}
	logr = logger.New(level, viper.GetString("log.format"), os.Stderr)
	slog.SetDefault(logr)

	// The store is opened lazily, only by commands that need it.
	// This allows config/version commands to run without a db.
}

// openStore opens the configured checkpoint backend.
func openStore(ctx context.Context) (store.Store, error) {
	if viper.GetString("store.backend") == store.BackendSQLite {
		if err := os.MkdirAll(viper.GetString("state_dir"), 0o755); err != nil {
			return nil, fmt.Errorf("create state directory: %w", err)
		}
	}
	s, err := store.Open(ctx, store.Config{
		Backend:    viper.GetString("store.backend"),
		DBPath:     viper.GetString("db_path"),
		NATSURL:    viper.GetString("store.nats.url"),
		NATSBucket: viper.GetString("store.nats.bucket"),
		CacheBytes: viper.GetInt64("store.cache_bytes"),
	})
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}
	return s, nil
}

// engineConfig reads the workflow settings.
func engineConfig() workflow.Config {
	return workflow.Config{
		MaxRetries:        viper.GetInt("workflow.max_retries"),
		ExecutionTimeout:  time.Duration(viper.GetInt("execution.timeout_seconds")) * time.Second,
		GenerationTimeout: time.Duration(viper.GetInt("llm.timeout_seconds")) * time.Second,
		Policy: workflow.Policy{
			FailOnNonZeroExit: viper.GetBool("execution.fail_on_nonzero_exit"),
			FailOnStderr:      viper.GetBool("execution.fail_on_stderr"),
		},
	}
}

// newRunner builds the command runner from the execution settings.
func newRunner() *runner.Runner {
	r := runner.New()
	if sh := viper.GetString("execution.shell"); sh != "" {
		r.Shell = []string{sh, "-c"}
	}
	r.Dir = viper.GetString("execution.workdir")
	r.MaxOutputBytes = viper.GetInt("execution.max_output_bytes")
	return r
}

// newEngine wires the generator and runner into a workflow engine.
func newEngine() (*workflow.Engine, error) {
	gen, err := newGenerator()
	if err != nil {
		return nil, err
	}
	return workflow.New(gen, newRunner(), engineConfig(), workflow.WithLogger(logr)), nil
}

// newService opens the store and builds the session service on top of it.
// The caller closes the returned store.
func newService(ctx context.Context) (*session.Service, store.Store, error) {
	engine, err := newEngine()
	if err != nil {
		return nil, nil, err
	}
	st, err := openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	svc := session.NewService(engine, st,
		session.WithLogger(logr),
		session.WithDiscardOnDisconnect(viper.GetBool("sessions.discard_on_disconnect")),
	)
	return svc, st, nil
}
