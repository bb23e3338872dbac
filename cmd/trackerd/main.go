// Command trackerd runs the position-tracking core as a daemon: it owns
// the upstream push connection, keeps the history partitions maintained,
// and serves Prometheus metrics. The partitions subcommands expose the
// same maintenance operations for one-shot or cron-driven use.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/freightoptimization/tracking/internal/cache"
	"github.com/freightoptimization/tracking/internal/config"
	"github.com/freightoptimization/tracking/internal/hub"
	"github.com/freightoptimization/tracking/internal/observability"
	"github.com/freightoptimization/tracking/internal/store"
	"github.com/freightoptimization/tracking/internal/sysutil"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	// Optional .env for local development; absence is fine.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "trackerd",
		Short: "Real-time entity position tracking daemon",
		Long: `trackerd runs the tracking core: it maintains the upstream push
connection, keeps calendar-month history partitions provisioned and
pruned, and exposes Prometheus metrics.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(partitionsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openStore opens the configured database, applies migrations, and wraps
// it in a Store.
func openStore(cfg config.Config) (*store.Store, error) {
	var (
		db  *gorm.DB
		err error
	)
	switch cfg.DBDriver {
	case "postgres":
		if db, err = store.OpenPostgres(cfg.DBDSN); err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err = store.MigratePartitioned(db); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
	default:
		if db, err = store.OpenSQLite(cfg.DBPath); err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		if err = store.AutoMigrate(db); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return store.New(db), nil
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the tracking daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			sysutil.SetupLogging(cfg.LogLevel, cfg.LogPretty)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
			if err != nil {
				return fmt.Errorf("otel setup: %w", err)
			}
			defer func() {
				shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdownOTel(shutCtx)
			}()

			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			if err := st.EnsureUpcomingPartition(ctx, time.Now()); err != nil {
				return fmt.Errorf("initial partition maintenance: %w", err)
			}

			positions := cache.NewPositionCache(cfg.PositionTTL)
			transport := hub.NewWebSocketTransport(cfg.PushURL)
			h := hub.New(transport, positions, hub.Config{
				MaxRetries: cfg.HubMaxRetries,
				BaseDelay:  cfg.HubBaseDelay,
				MaxDelay:   cfg.HubMaxDelay,
			})
			if err := h.Start(ctx); err != nil {
				return err
			}
			defer h.Stop()

			if cfg.MetricsAddr != "" {
				go serveMetrics(cfg.MetricsAddr)
			}

			log.Info().
				Str("version", version).
				Str("db_driver", cfg.DBDriver).
				Str("push_url", cfg.PushURL).
				Msg("trackerd started")

			ticker := time.NewTicker(cfg.MaintenanceInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					log.Info().Msg("trackerd shutting down")
					return nil
				case <-ticker.C:
					now := time.Now()
					if err := st.EnsureUpcomingPartition(ctx, now); err != nil {
						log.Error().Err(err).Msg("partition provisioning failed")
					}
					if _, err := st.PruneOldPartitions(ctx, now, cfg.RetentionMonths); err != nil {
						log.Error().Err(err).Msg("partition pruning failed")
					}
				}
			}
		},
	}
}

func partitionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "partitions",
		Short: "Manage position history partitions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "ensure",
		Short: "Create the current and upcoming month partitions if absent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			sysutil.SetupLogging(cfg.LogLevel, cfg.LogPretty)
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			return st.EnsureUpcomingPartition(cmd.Context(), time.Now())
		},
	})

	var months int
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Drop partitions older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			sysutil.SetupLogging(cfg.LogLevel, cfg.LogPretty)
			if months <= 0 {
				months = cfg.RetentionMonths
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			dropped, err := st.PruneOldPartitions(cmd.Context(), time.Now(), months)
			if err != nil {
				return err
			}
			fmt.Printf("dropped %d partition(s)\n", dropped)
			return nil
		},
	}
	prune.Flags().IntVar(&months, "months", 0, "Retention window in months (default from RETENTION_MONTHS)")
	cmd.AddCommand(prune)

	return cmd
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Str("addr", addr).Msg("metrics server stopped")
	}
}
