// Command earpiece is the main entry point for the Earpiece interview
// assistance server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/earpiece/internal/app"
	"github.com/MrWong99/earpiece/internal/config"
	"github.com/MrWong99/earpiece/internal/observe"
	"github.com/MrWong99/earpiece/internal/retention"
	"github.com/MrWong99/earpiece/internal/store"
	"github.com/MrWong99/earpiece/internal/store/memstore"
	storepg "github.com/MrWong99/earpiece/internal/store/postgres"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "earpiece",
		Short:         "Real-time interview assistance server",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newServeCmd(), newSweepCmd(), newVersionCmd())
	return root
}

// ── serve ─────────────────────────────────────────────────────────────────────

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "config.yaml", "path to the YAML configuration file")
	return cmd
}

func runServe(parent context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	logger := newLogger(os.Stderr, level)
	slog.SetDefault(logger)

	slog.Info("earpiece starting",
		"version", version,
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	// Installed before the app so that the default metrics bind to the
	// Prometheus-backed meter provider.
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Observe.ServiceName,
		ServiceVersion: version,
		SampleRatio:    cfg.Observe.TraceSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		return err
	}

	printStartupSummary(os.Stdout, cfg)

	application, err := app.New(ctx, cfg, providers, app.WithLogger(logger, level))
	if err != nil {
		return fmt.Errorf("initialise application: %w", err)
	}
	if err := application.Watch(configPath); err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	shutdownErr := application.Shutdown(shutdownCtx)
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	if err := errors.Join(runErr, shutdownErr); err != nil {
		return err
	}
	slog.Info("goodbye")
	return nil
}

// ── sweep ─────────────────────────────────────────────────────────────────────

func newSweepCmd() *cobra.Command {
	var (
		configPath string
		dryRun     bool
	)
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one retention pass against the configured store",
		Long: "Purge every ended session whose retention window has elapsed and print a " +
			"JSON summary. With --dry-run, only list the sessions that are due.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return runSweep(ctx, configPath, dryRun, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "config.yaml", "path to the YAML configuration file")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list due sessions without deleting them")
	return cmd
}

func runSweep(ctx context.Context, configPath string, dryRun bool, out io.Writer) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	logger := newLogger(os.Stderr, level)

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	sched, err := retention.New(retention.Config{
		Store:       st,
		Concurrency: cfg.Retention.Concurrency,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	if err := sched.Init(ctx); err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	now := time.Now()
	if dryRun {
		due := sched.Due(now)
		return enc.Encode(struct {
			DryRun bool `json:"dry_run"`
			Due    any  `json:"due"`
		}{true, due})
	}
	res, err := sched.SweepOnce(ctx, now)
	if err != nil {
		return err
	}
	return enc.Encode(res)
}

// openStore connects to the configured Postgres database, or returns an
// empty in-memory store when no DSN is set.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, func(), error) {
	if cfg.Store.PostgresDSN == "" {
		logger.Warn("store.postgres_dsn is empty; sweeping an empty in-memory store")
		return memstore.New(), func() {}, nil
	}
	pg, err := storepg.New(ctx, cfg.Store.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return pg, pg.Close, nil
}

// ── version ───────────────────────────────────────────────────────────────────

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println("earpiece " + version)
		},
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file %q not found; copy configs/example.yaml to get started", path)
		}
		return nil, err
	}
	return cfg, nil
}

func newLogger(w io.Writer, level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
