// Command admitgated serves the admission gate over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/pixelforge/admitgate"
	"github.com/pixelforge/admitgate/blocklist"
	"github.com/pixelforge/admitgate/httpgate"
	"github.com/pixelforge/admitgate/ledger"
	lpostgres "github.com/pixelforge/admitgate/ledger/postgres"
	"github.com/pixelforge/admitgate/meter"
	"github.com/pixelforge/admitgate/provider/httpimg"
	"github.com/pixelforge/admitgate/quota"
	qredis "github.com/pixelforge/admitgate/quota/redis"
	"github.com/pixelforge/admitgate/sqlite"
)

// serverConfig is the daemon configuration wrapping the gate config.
type serverConfig struct {
	Listen   string `yaml:"listen"`
	LogLevel string `yaml:"log_level"`
	Metrics  bool   `yaml:"metrics"`

	Store struct {
		Backend     string `yaml:"backend"` // "memory" or "sqlite"
		SQLitePath  string `yaml:"sqlite_path"`
		RedisAddr   string `yaml:"redis_addr"`   // overrides quota backend
		PostgresDSN string `yaml:"postgres_dsn"` // overrides ledger backend
	} `yaml:"store"`

	Provider struct {
		Name    string `yaml:"name"`
		BaseURL string `yaml:"base_url"`
		APIKey  string `yaml:"api_key"`
	} `yaml:"provider"`

	Gate admitgate.Config `yaml:"gate"`
}

func loadServerConfig(path string) (serverConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return serverConfig{}, fmt.Errorf("read config: %w", err)
	}

	cfg := serverConfig{Listen: ":8080", LogLevel: "info"}
	cfg.Store.Backend = "memory"
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return serverConfig{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Gate.Validate(); err != nil {
		return serverConfig{}, err
	}
	if cfg.Provider.BaseURL == "" {
		return serverConfig{}, fmt.Errorf("config: provider.base_url is required")
	}
	return cfg, nil
}

func main() {
	var configPath string

	root := &cobra.Command{
		Use:          "admitgated",
		Short:        "Admission and metering gate for image generation",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "admitgated.yaml", "path to config file")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := loadServerConfig(configPath)
	if err != nil {
		return err
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	quotaStore, creditLedger, cleanup, err := buildStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	costs, err := cfg.Gate.CostTable()
	if err != nil {
		return err
	}

	provider := httpimg.New(cfg.Provider.Name, cfg.Provider.BaseURL, cfg.Provider.APIKey)

	meters := meter.Multi{meter.NewLogMeter(log)}
	if cfg.Metrics {
		meters = append(meters, meter.NewPromMeter(prometheus.DefaultRegisterer))
	}

	gateOpts := []admitgate.Option{
		admitgate.WithQuotaStore(quotaStore),
		admitgate.WithLedger(creditLedger),
		admitgate.WithBlocklist(blocklist.FromConfig(cfg.Gate.Blocklist)),
		admitgate.WithLogger(log),
		admitgate.WithMeter(meters),
	}
	if cfg.Gate.ProviderTimeout > 0 {
		gateOpts = append(gateOpts,
			admitgate.WithProviderTimeout(time.Duration(cfg.Gate.ProviderTimeout)))
	}

	gate, err := admitgate.New(costs, provider, gateOpts...)
	if err != nil {
		return err
	}

	serverOpts := []httpgate.Option{httpgate.WithLogger(log)}
	if cfg.Metrics {
		serverOpts = append(serverOpts, httpgate.WithMetrics())
	}
	server := httpgate.New(gate, &httpgate.HeaderResolver{}, serverOpts...)

	httpServer := &http.Server{
		Addr:    cfg.Listen,
		Handler: server.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("listen", cfg.Listen).Msg("serving")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// buildStores wires the quota store and ledger from config. SQLite serves
// both when selected; a Redis address moves the free quota out, a Postgres
// DSN moves the ledger out.
func buildStores(ctx context.Context, cfg serverConfig, log zerolog.Logger) (admitgate.FreeQuotaStore, admitgate.CreditLedger, func(), error) {
	var (
		quotaStore   admitgate.FreeQuotaStore
		creditLedger admitgate.CreditLedger
		closers      []func()
	)
	cleanup := func() {
		for _, c := range closers {
			c()
		}
	}

	switch cfg.Store.Backend {
	case "memory":
		quotaStore = quota.NewMemoryStore(cfg.Gate.DailyFreePoints)
		creditLedger = ledger.NewMemoryLedger()
	case "sqlite":
		path := cfg.Store.SQLitePath
		if path == "" {
			path = "admitgate.db"
		}
		store, err := sqlite.Open(path, cfg.Gate.DailyFreePoints)
		if err != nil {
			return nil, nil, cleanup, err
		}
		closers = append(closers, func() { store.Close() })
		quotaStore = store
		creditLedger = store
	default:
		return nil, nil, cleanup, fmt.Errorf("config: unknown store backend %q", cfg.Store.Backend)
	}

	if cfg.Store.RedisAddr != "" {
		client := goredis.NewClient(&goredis.Options{Addr: cfg.Store.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, cleanup, fmt.Errorf("redis: %w", err)
		}
		closers = append(closers, func() { client.Close() })
		quotaStore = qredis.New(client, cfg.Gate.DailyFreePoints)
		log.Info().Str("addr", cfg.Store.RedisAddr).Msg("free quota on redis")
	}

	if cfg.Store.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return nil, nil, cleanup, fmt.Errorf("postgres: %w", err)
		}
		closers = append(closers, pool.Close)
		pgLedger := lpostgres.New(pool)
		if err := pgLedger.EnsureSchema(ctx); err != nil {
			return nil, nil, cleanup, err
		}
		creditLedger = pgLedger
		log.Info().Msg("credit ledger on postgres")
	}

	return quotaStore, creditLedger, cleanup, nil
}
