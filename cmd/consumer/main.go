// Command consumer reads feature messages from Kafka or MQTT and asks a
// remote forecast server for predictions.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mcules/forecast-inference/internal/api"
	"github.com/mcules/forecast-inference/internal/client"
	"github.com/mcules/forecast-inference/internal/config"
	"github.com/mcules/forecast-inference/internal/logging"
	"github.com/mcules/forecast-inference/internal/metrics"
	"github.com/mcules/forecast-inference/internal/objstore"
	"github.com/mcules/forecast-inference/internal/perf"
	"github.com/mcules/forecast-inference/internal/trigger"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("consumer stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	m := metrics.NewCollectors(reg)

	remote := client.New(cfg.Consumer.ServerURL, cfg.Consumer.APIKey)
	if err := waitForServer(ctx, remote, log); err != nil {
		return err
	}

	var claims trigger.ClaimFetcher
	if cfg.ObjectLog.Claims {
		objAPI, err := objstore.NewClient(objstore.Config{
			Endpoint:  cfg.ObjectLog.Endpoint,
			AccessKey: cfg.ObjectLog.AccessKey,
			SecretKey: cfg.ObjectLog.SecretKey,
			UseSSL:    cfg.ObjectLog.UseSSL,
			Region:    cfg.ObjectLog.Region,
		})
		if err != nil {
			return err
		}
		claims = &objstore.ClaimStore{API: objAPI, MaxBytes: cfg.ObjectLog.MaxClaimBytes}
	}

	partitions := perf.New(0.2)

	// Metrics and liveness.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/debug/perf", api.PerfHandler(nil, partitions))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok", "source": cfg.Consumer.Source})
	})
	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("metrics listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics serve", zap.Error(err))
		}
	}()

	trigger.Supervise(ctx, cfg, remote, claims, m, partitions, log)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// waitForServer polls /health until the server answers or ctx ends.
func waitForServer(ctx context.Context, c *client.Client, log *zap.Logger) error {
	for {
		hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		h, err := c.Health(hctx)
		cancel()
		if err == nil {
			log.Info("server reachable",
				zap.String("url", c.BaseURL),
				zap.Bool("caching_enabled", h.CachingEnabled),
				zap.Int("rows", h.Rows))
			return nil
		}
		log.Warn("server not reachable yet", zap.String("url", c.BaseURL), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}
