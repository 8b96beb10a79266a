package main

import (
	"context"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/qiniu/rollouts/internal/config"
	"github.com/qiniu/rollouts/internal/metrics"
	"github.com/qiniu/rollouts/internal/middleware"
	"github.com/qiniu/rollouts/internal/orchestrator/api"
	"github.com/qiniu/rollouts/internal/orchestrator/audit"
	"github.com/qiniu/rollouts/internal/orchestrator/controller"
	"github.com/qiniu/rollouts/internal/orchestrator/metricsource"
	"github.com/qiniu/rollouts/internal/orchestrator/probe"
	"github.com/qiniu/rollouts/internal/orchestrator/provision"
	"github.com/qiniu/rollouts/internal/orchestrator/registry"
	"github.com/qiniu/rollouts/internal/orchestrator/traffic"
)

func main() {
	log.Info().Msg("Starting rollouts api server")
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := registry.New()

	var publisher traffic.Publisher
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		publisher = traffic.NewRedisPublisher(rdb)
	}
	store := traffic.NewStore(reg, publisher)

	// durable audit trail when a database is configured, in-memory otherwise
	var history audit.Log
	if cfg.Database.Host != "" {
		pg, perr := audit.NewPostgresLog(cfg.Database.DSN())
		if perr != nil {
			log.Fatal().Err(perr).Msg("failed to open audit database")
		}
		defer pg.Close()
		history = pg
	} else {
		log.Warn().Msg("no database configured; audit trail is in-memory only")
		history = audit.NewMemoryLog()
	}

	var source metricsource.Source
	if cfg.Metrics.PrometheusURL != "" {
		src, serr := metricsource.NewPrometheusSource(cfg.Metrics.PrometheusURL,
			parseDuration(cfg.Metrics.Lookback, time.Minute),
			parseDuration(cfg.Metrics.QueryTimeout, 10*time.Second))
		if serr != nil {
			log.Fatal().Err(serr).Msg("failed to create prometheus metric source")
		}
		source = src
	} else {
		log.Warn().Msg("no prometheus configured; canary error-rate checks see zero traffic errors")
	}

	prov := provision.NewHTTPProvisioner(cfg.Provisioner.BaseURL,
		parseDuration(cfg.Provisioner.Timeout, 30*time.Second), cfg.Provisioner.Retries)

	ctl := controller.New(controller.Config{
		TickInterval: parseDuration(cfg.Controller.TickInterval, 5*time.Second),
	}, reg, store, history, prov, source)
	ctl.Start(ctx)

	probeTimeout := parseDuration(cfg.Probe.Timeout, 2*time.Second)
	mgr := probe.NewManager(probe.Config{
		Interval:       parseDuration(cfg.Probe.Interval, 5*time.Second),
		Timeout:        probeTimeout,
		WindowSize:     cfg.Probe.WindowSize,
		Quorum:         cfg.Probe.Quorum,
		LatencyCeiling: parseDuration(cfg.Probe.LatencyCeiling, 500*time.Millisecond),
	}, reg, probe.NewHTTPProber(probeTimeout, cfg.Probe.HealthPath))
	go mgr.Run(ctx)

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(middleware.Authentication)
	if _, err := api.NewApi(ctl, store, router); err != nil {
		log.Fatal().Err(err).Msg("bind orchestrator api failed.")
	}
	router.GET("/metrics", metrics.Handler())
	router.GET("/healthz", func(c *gin.Context) { c.Status(200) })

	log.Info().Msgf("Starting server on %s", cfg.Server.BindAddr)
	if err := router.Run(cfg.Server.BindAddr); err != nil {
		log.Fatal().Err(err).Msg("start rollouts api server failed.")
	}
	log.Info().Msg("rollouts api server exit...")
}

func parseDuration(s string, d time.Duration) time.Duration {
	if s == "" {
		return d
	}
	if v, err := time.ParseDuration(s); err == nil {
		return v
	}
	return d
}
