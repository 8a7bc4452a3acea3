package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ideahub/ideahub/internal/auth"
	"github.com/ideahub/ideahub/internal/config"
	"github.com/ideahub/ideahub/internal/gateway"
	"github.com/ideahub/ideahub/internal/ideas"
	"github.com/ideahub/ideahub/internal/obs"
	"github.com/ideahub/ideahub/internal/ratelimit"
	"github.com/ideahub/ideahub/internal/ratelimit/memory"
	"github.com/ideahub/ideahub/internal/routing"
	"github.com/ideahub/ideahub/internal/stats"
)

const version = "v0.1.0"

func main() {
	path := os.Getenv("IDEAHUB_CONFIG")
	if path == "" {
		path = "./config.yaml"
	}

	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := obs.SetupLogger(cfg.Observability.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var extra []gateway.Hooks
	if cfg.Stats.Redis.Addr != "" {
		rec := newRecorder(ctx, cfg.Stats.Redis, logger)
		defer rec.Close()
		extra = append(extra, rec.Hooks(nil))
	}

	app, err := newApp(cfg, logger, reg, extra...)
	if err != nil {
		logger.Fatal().Err(err).Msg("build app")
	}
	defer app.limiter.Close()

	app.limiter.StartJanitor(ctx, cfg.Limits.SweepInterval(), func(n int) {
		app.metrics.ObserveSweep(n)
		if n > 0 {
			logger.Debug().Int("removed", n).Int("live", app.limiter.Len()).Msg("swept idle buckets")
		}
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           app.handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout(),
		IdleTimeout:       cfg.Server.IdleTimeout(),
		ReadTimeout:       cfg.Server.ReadTimeout(),
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Int("rules", len(cfg.Limits.Rules)).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	logger.Info().Msg("bye")
}

type app struct {
	handler http.Handler
	limiter *memory.Limiter
	metrics *obs.Metrics
}

// newApp builds the full handler chain: access log, body limit, rule
// resolution, metrics, admission, then the API router.
func newApp(cfg *config.Root, logger zerolog.Logger, reg *prometheus.Registry, extra ...gateway.Hooks) (*app, error) {
	table, err := buildTable(cfg.Limits.Rules)
	if err != nil {
		return nil, err
	}

	lim := memory.New(memory.WithIdleMultiplier(cfg.Limits.IdleMultiplier))
	metrics := obs.NewMetrics(reg, lim.Len)

	pairs := map[string]string{} // secret -> admin ID
	for _, k := range cfg.Auth.Keys {
		pairs[k.Secret] = k.ID
	}
	authStore := auth.NewStatic(cfg.Auth.Header, pairs)

	root := mux.NewRouter()
	root.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}).Methods(http.MethodGet)
	root.HandleFunc("/version", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(version))
	}).Methods(http.MethodGet)
	root.Handle(cfg.Observability.PrometheusPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	api := root.PathPrefix(strings.TrimSuffix(cfg.Limits.APIPrefix, "/")).Subrouter()
	ideas.NewHandler(ideas.NewStore(nil)).RegisterRoutes(api, authStore.Middleware())

	skip := map[string]struct{}{
		"/health":                        {},
		"/version":                       {},
		cfg.Observability.PrometheusPath: {},
	}

	handler := gateway.Chain(
		root,
		obs.Logger(logger),
		gateway.BodyLimit(cfg.Server.MaxBody()),
		gateway.ResolveRule(table, cfg.Limits.APIPrefix),
		metrics.Middleware(skip),
		gateway.RateLimit(gateway.RateLimitOptions{
			Limiter:    lim,
			RetryAfter: cfg.Limits.RetryAfterSeconds,
			Hooks:      gateway.MergeHooks(append([]gateway.Hooks{metrics.Hooks()}, extra...)...),
		}),
	)

	return &app{handler: handler, limiter: lim, metrics: metrics}, nil
}

func buildTable(rules []config.Rule) (*routing.Table, error) {
	table := routing.New()
	for _, r := range rules {
		methods := map[string]struct{}{}
		for _, m := range r.Methods {
			methods[m] = struct{}{}
		}
		err := table.Add(&routing.Rule{
			ID:      r.ID,
			Methods: methods,
			Path:    r.Path,
			Prefix:  r.Prefix,
			Policy:  ratelimit.Policy{Capacity: r.Capacity, RefillPerSecond: r.Rate()},
		})
		if err != nil {
			return nil, err
		}
	}
	return table, nil
}

func newRecorder(ctx context.Context, rc config.Redis, logger zerolog.Logger) *stats.RedisRecorder {
	rdb := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})
	rec := stats.NewRedis(rdb,
		stats.WithPrefix(rc.Prefix),
		stats.WithTTL(rc.TTL()),
		stats.WithTimeout(rc.Timeout()),
		stats.WithQueueSize(rc.QueueSize),
		stats.WithTrackClients(rc.TrackClients),
		stats.WithLogger(logger.With().Str("component", "stats").Logger()),
	)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rec.Ping(pingCtx); err != nil {
		// stats are best effort; admission never depends on Redis
		logger.Warn().Err(err).Str("addr", rc.Addr).Msg("redis stats unavailable")
	}
	return rec
}
