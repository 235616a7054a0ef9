package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/wesm/github-mirror/config"
	"github.com/wesm/github-mirror/internal/api"
	"github.com/wesm/github-mirror/internal/db"
	"github.com/wesm/github-mirror/internal/metrics"
	"github.com/wesm/github-mirror/internal/oauth"
	"github.com/wesm/github-mirror/internal/service"
	"github.com/wesm/github-mirror/internal/session"
	"github.com/wesm/github-mirror/internal/sync"
	"go.uber.org/zap"
)

// EnvSession holds the session credential when --session is not given
const EnvSession = "GITHUB_MIRROR_SESSION"

var (
	configPath string
	credential string
)

var rootCmd = &cobra.Command{
	Use:   "github-mirror",
	Short: "Mirror a GitHub account into a local database",
	Long: `github-mirror signs in with GitHub OAuth and keeps a local copy of your
profile, repositories, pull requests and pull request comments.

Start with "github-mirror init" to write a configuration file, then
"github-mirror auth-url" and "github-mirror login CODE" to sign in. The
session printed by login is passed to other commands with --session or the
` + EnvSession + ` environment variable.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.json", "Path to configuration file (.json, .yaml or .toml)")
	rootCmd.PersistentFlags().StringVar(&credential, "session", os.Getenv(EnvSession), "Session credential printed by login")
}

// app holds everything a command needs, built from the configuration file
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	db       *db.DB
	registry *prometheus.Registry
	service  *service.Service
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
		zcfg.Level = level
	}
	return zcfg.Build()
}

// openDatabase loads the configuration and opens the store without wiring
// the rest of the application
func openDatabase() (*config.Config, *zap.Logger, *db.DB, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, nil, nil, err
	}

	database, err := db.New(cfg.Database, logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return cfg, logger, database, nil
}

func newApp() (*app, error) {
	cfg, logger, database, err := openDatabase()
	if err != nil {
		return nil, err
	}

	if err := database.CheckMigrations(); err != nil {
		database.Close()
		return nil, fmt.Errorf("%w (run \"github-mirror migrate\")", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	client, err := api.NewGitHubClient(cfg.GitHub, logger, m)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to create GitHub client: %w", err)
	}

	syncer := sync.New(client, sync.StoresFor(database), cfg.Sync, logger, m)
	svc := service.New(
		oauth.NewBroker(cfg.GitHub, nil),
		session.NewManager(cfg.Session),
		client,
		database,
		syncer,
		cfg.Sync,
		logger,
	)

	return &app{cfg: cfg, logger: logger, db: database, registry: registry, service: svc}, nil
}

func (a *app) Close() {
	a.db.Close()
	_ = a.logger.Sync()
}

// withApp runs fn with a fully wired application
func withApp(fn func(cmd *cobra.Command, args []string, a *app) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd, args, a)
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
