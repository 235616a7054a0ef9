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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	watchInterval time.Duration
	metricsAddr   string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Re-sync the mirror periodically and serve Prometheus metrics",
	Long: `Re-sync the profile, repositories and pull requests of the session user at a
fixed interval until interrupted. Every run is a full refetch and reconcile.
Metrics are served on --metrics-addr at /metrics when it is set.`,
	Args: cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		if watchInterval <= 0 {
			return fmt.Errorf("invalid interval %v", watchInterval)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// Fail fast on a bad session instead of logging it every tick
		if _, err := a.service.Authenticate(ctx, credential); err != nil {
			return err
		}

		if metricsAddr != "" {
			srv := &http.Server{
				Addr:              metricsAddr,
				Handler:           metricsHandler(a),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				a.logger.Info("serving metrics", zap.String("addr", metricsAddr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					a.logger.Error("metrics server failed", zap.Error(err))
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
		}

		ticker := time.NewTicker(watchInterval)
		defer ticker.Stop()

		for {
			runWatchCycle(ctx, a)

			select {
			case <-ctx.Done():
				a.logger.Info("watch stopped")
				return nil
			case <-ticker.C:
			}
		}
	}),
}

func metricsHandler(a *app) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))
	return mux
}

// runWatchCycle runs one full sync. Failures are logged and retried on the
// next tick.
func runWatchCycle(ctx context.Context, a *app) {
	started := time.Now()

	userData, err := a.service.SyncUserData(ctx, credential)
	if err != nil {
		a.logger.Error("user data sync failed", zap.Error(err))
		return
	}

	prs, err := a.service.SyncPullRequests(ctx, credential, a.cfg.Sync.LoginPullRequestStates)
	if err != nil {
		a.logger.Error("pull request sync failed", zap.Error(err))
		return
	}

	a.logger.Info("watch cycle completed",
		zap.Int("repositories", len(userData.Repositories.Records)),
		zap.Int("pull_requests", len(prs.Records)),
		zap.Bool("truncated", userData.Repositories.Truncated || prs.Truncated),
		zap.Duration("duration", time.Since(started)))
}

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 15*time.Minute, "Time between sync runs")
	watchCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Address to serve Prometheus metrics on, for example :9090")
}
