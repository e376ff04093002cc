package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/mcules/forecast-inference/internal/activity"
	"github.com/mcules/forecast-inference/internal/api"
	"github.com/mcules/forecast-inference/internal/auth"
	"github.com/mcules/forecast-inference/internal/cache"
	"github.com/mcules/forecast-inference/internal/config"
	"github.com/mcules/forecast-inference/internal/forecast"
	"github.com/mcules/forecast-inference/internal/httpx"
	"github.com/mcules/forecast-inference/internal/inference"
	"github.com/mcules/forecast-inference/internal/logging"
	"github.com/mcules/forecast-inference/internal/metrics"
	"github.com/mcules/forecast-inference/internal/objstore"
	"github.com/mcules/forecast-inference/internal/perf"
	"github.com/mcules/forecast-inference/internal/refresher"
	"github.com/mcules/forecast-inference/internal/state"
	"github.com/mcules/forecast-inference/internal/store"
	"github.com/mcules/forecast-inference/internal/trigger"
)

const serviceName = "forecast.Inference"

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
		log.Fatal("server stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewCollectors(reg)

	// Prediction history and API keys.
	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	results, err := openCache(ctx, cfg.Cache)
	if err != nil {
		return err
	}
	defer results.Close()

	activityLog := activity.New(300)
	registry := state.NewRegistry()

	engine, err := inference.New(inference.Config{
		CachingEnabled: cfg.Inference.CachingEnabled,
		Target:         cfg.Inference.Target,
		DefaultHorizon: cfg.Inference.DefaultHorizon,
		MaxHorizon:     cfg.Inference.MaxHorizon,
		MaxRows:        cfg.Inference.MaxRows,
		ModelKind:      forecast.Kind(cfg.Inference.Model),
		Params:         forecast.Params{Alpha: cfg.Inference.Alpha, Beta: cfg.Inference.Beta},
		IntervalZ:      cfg.Inference.IntervalZ,
		ResultTTL:      cfg.Inference.ResultTTL,
	}, registry, log)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	engine.Results = results
	engine.Recorder = db
	engine.Activity = activityLog
	engine.Metrics = m
	engine.Latency = metrics.NewLatencyTracker(0.2)

	var bg []func()
	wait := func() {
		for _, w := range bg {
			w()
		}
	}
	goRun := func(f func()) {
		done := make(chan struct{})
		go func() {
			defer close(done)
			f()
		}()
		bg = append(bg, func() { <-done })
	}

	// Object storage: prediction log and claim-check payloads. The log runs
	// on its own context and is closed after the HTTP server and consumer
	// have drained, so their last lines still reach the bucket.
	var claims trigger.ClaimFetcher
	var appender *objstore.LogAppender
	var stopAppender func(context.Context) error
	if cfg.ObjectLog.Enabled || cfg.ObjectLog.Claims {
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
		if cfg.ObjectLog.Claims {
			claims = &objstore.ClaimStore{API: objAPI, MaxBytes: cfg.ObjectLog.MaxClaimBytes}
		}
		if cfg.ObjectLog.Enabled {
			if err := objstore.EnsureBucket(ctx, objAPI, cfg.ObjectLog.Bucket); err != nil {
				return err
			}
			appender = objstore.NewLogAppender(objAPI, cfg.ObjectLog.Bucket, cfg.ObjectLog.Prefix, log)
			appender.MaxBytes = cfg.ObjectLog.SegmentBytes
			appender.FlushInterval = cfg.ObjectLog.FlushInterval
			appender.Metrics = m
			engine.ObjectLog = appender
			stopAppender = appender.Start(ctx)
			log.Info("object log enabled", zap.String("bucket", cfg.ObjectLog.Bucket), zap.String("prefix", cfg.ObjectLog.Prefix))
		}
	}

	// Refresher (refit + memory pressure).
	rf := refresher.New(engine, log)
	rf.Activity = activityLog
	rf.Interval = cfg.Refresher.Interval
	rf.MinFreeBytes = uint64(cfg.Refresher.MinFreeMB) * 1024 * 1024
	rf.PressureKeepRows = cfg.Refresher.KeepRows
	rf.MeminfoPath = cfg.Refresher.MeminfoPath
	if cfg.Inference.CachingEnabled {
		goRun(func() { rf.Run(ctx) })
	}

	// gRPC health.
	grpcLis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	grpcServer := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	healthSrv.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)

	go func() {
		log.Info("gRPC listening", zap.String("addr", cfg.GRPC.Addr))
		if err := grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Error("grpc serve", zap.Error(err))
		}
	}()

	if cfg.Inference.CachingEnabled {
		go func() {
			if _, err := registry.WaitReady(ctx); err == nil {
				healthSrv.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
			}
		}()
	} else {
		healthSrv.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	}

	// In-process consumer.
	partitions := perf.New(0.2)
	if cfg.Consumer.Enabled {
		goRun(func() { trigger.Supervise(ctx, cfg, engine, claims, m, partitions, log) })
	}

	// HTTP API.
	authenticator := auth.NewAuthenticator(db, cfg.Auth.Required, log)
	srvAPI := api.NewServer(engine, log)
	srvAPI.History = db
	srvAPI.Activity = activityLog
	srvAPI.Auth = authenticator
	srvAPI.Metrics = m
	srvAPI.Gatherer = reg
	srvAPI.Latency = engine.Latency
	srvAPI.Partitions = partitions
	srvAPI.MaxBodyBytes = cfg.HTTP.MaxBodyBytes
	srvAPI.CORS = httpx.CORS{
		AllowOrigins:  cfg.HTTP.CORS.AllowOrigins,
		AllowHeaders:  cfg.HTTP.CORS.AllowHeaders,
		ExposeHeaders: cfg.HTTP.CORS.ExposeHeaders,
		MaxAge:        cfg.HTTP.CORS.MaxAge,
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           srvAPI.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("HTTP listening",
			zap.String("addr", cfg.HTTP.Addr),
			zap.Bool("caching_enabled", cfg.Inference.CachingEnabled),
			zap.String("model", cfg.Inference.Model))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http serve: %w", err)
		}
	}

	healthSrv.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	grpcServer.GracefulStop()
	wait()

	if stopAppender != nil {
		if err := stopAppender(shutdownCtx); err != nil {
			log.Error("object log close", zap.Int("pending_bytes", appender.Pending()), zap.Error(err))
		}
	}
	return nil
}

func openCache(ctx context.Context, c config.Cache) (cache.Cache, error) {
	switch c.Backend {
	case "local":
		return cache.NewLocal(c.LocalBytes), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     c.RedisAddr,
			Password: c.RedisPassword,
			DB:       c.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis %s: %w", c.RedisAddr, err)
		}
		return cache.NewRedis(client, c.RedisPrefix), nil
	default:
		return cache.Noop{}, nil
	}
}
