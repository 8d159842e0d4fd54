package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"voxhub/internal/core/domain"
	"voxhub/internal/core/ports"
	"voxhub/internal/core/services"
	httphandlers "voxhub/internal/handlers/http"
	"voxhub/internal/infrastructure/media"
	"voxhub/internal/infrastructure/middleware"
	"voxhub/internal/infrastructure/monitoring"
	"voxhub/internal/infrastructure/repositories/memory"
	redisrepo "voxhub/internal/infrastructure/repositories/redis"
	signalsrv "voxhub/internal/infrastructure/signal"
	"voxhub/pkg/config"
	"voxhub/pkg/logger"
	"voxhub/pkg/tracing"
	"voxhub/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg := loadConfig(*configPath)

	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer log.Sync()
	sugar := log.Sugar()

	instanceID := utils.GenerateInstanceID()
	sugar.Infow("starting voxhub", "instance_id", instanceID,
		"server_address", cfg.Server.Address, "signal_address", cfg.Signal.Address)

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "voxhub",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: os.Getenv("VOXHUB_ENV"),
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		sugar.Fatalw("failed to initialize tracing", "error", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tp.Shutdown(ctx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Media layer.
	iceServers := make([]domain.ICEServer, 0, len(cfg.Media.ICEServers))
	for _, s := range cfg.Media.ICEServers {
		iceServers = append(iceServers, domain.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	workerCount := cfg.WorkerCount()
	engine := media.NewPionEngine(media.EngineConfig{
		PortMin:    cfg.Media.PortRange.Min,
		PortMax:    cfg.Media.PortRange.Max,
		Slots:      workerCount,
		ICEServers: iceServers,
	}, sugar)

	pool := media.NewPool(engine, cfg.Media.RestartBackoff, sugar)
	sessions := services.NewSessionManager(pool, domain.DefaultCodecs(), iceServers, sugar)
	pool.OnWorkerDied(sessions.HandleWorkerDeath)

	if err := pool.Init(ctx, workerCount); err != nil {
		sugar.Fatalw("failed to initialize media worker pool", "error", err)
	}
	defer pool.Close()
	sugar.Infow("media worker pool ready", "workers", pool.Size(),
		"port_min", cfg.Media.PortRange.Min, "port_max", cfg.Media.PortRange.Max)

	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL, 24*time.Hour)

	// Monitoring.
	var collector *monitoring.PrometheusCollector
	if cfg.Monitoring.PrometheusEnabled {
		collector = monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
	}

	// Presence store: redis when configured, in-memory single-instance view
	// otherwise.
	var presence ports.PresenceStore
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = redisrepo.NewRedisClient(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, sugar)
		if err != nil {
			sugar.Fatalw("failed to connect to redis", "address", cfg.Redis.Address, "error", err)
		}
		defer redisClient.Close()
		presence = redisrepo.NewPresenceStore(redisClient, cfg.Monitoring.SnapshotInterval*3)
	} else {
		presence = memory.NewPresenceStore(cfg.Monitoring.SnapshotInterval * 3)
	}

	reporter := monitoring.NewPresenceReporter(instanceID, sessions, presence, collector, cfg.Monitoring.SnapshotInterval, sugar)
	go reporter.Run(ctx)

	// Signaling server.
	signalConfig := signalsrv.DefaultServerConfig()
	signalConfig.PingInterval = cfg.Signal.PingInterval
	signalConfig.PongTimeout = cfg.Signal.PongTimeout
	signalConfig.WriteTimeout = cfg.Signal.WriteTimeout
	if cfg.RateLimiting.Enabled {
		signalConfig.RequestsPerSecond = cfg.RateLimiting.Signal.MessagesPerSecond
		signalConfig.Burst = cfg.RateLimiting.Signal.Burst
	}

	var signalMetrics signalsrv.Metrics
	if collector != nil {
		signalMetrics = collector
	}
	signalServer := signalsrv.NewServer(sessions, authService, nil, signalMetrics, signalConfig, sugar)
	sessions.SetObserver(signalServer)

	signalMux := http.NewServeMux()
	signalMux.HandleFunc("/ws", signalServer.HandleWebSocket)
	signalHTTP := &http.Server{
		Addr:        cfg.Signal.Address,
		Handler:     signalMux,
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	// Management API.
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(sugar))
	router.Use(middleware.ErrorHandlerMiddleware(sugar))
	router.Use(middleware.TracingMiddleware())
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))

	httphandlers.NewAuthHandler(authService, cfg.Auth.AccessTokenTTL).SetupRoutes(router)

	// Operator API requires the same tokens the signaling gate accepts.
	protected := router.Group("", middleware.AuthMiddleware(authService))
	httphandlers.NewRoomHandler(sessions, presence).SetupRoutes(protected)

	health := monitoring.NewHealthChecker()
	health.AddWorkerPoolCheck(pool, 2*time.Second)
	if redisClient != nil {
		health.AddRedisCheck(redisClient, 2*time.Second)
	}
	router.GET("/health", func(c *gin.Context) {
		status := health.CheckAll(c.Request.Context())
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

	apiHTTP := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	var metricsHTTP *http.Server
	if cfg.Monitoring.PrometheusEnabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsHTTP = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Monitoring.PrometheusPort),
			Handler: metricsMux,
		}
	}

	serve := func(name string, srv *http.Server) {
		sugar.Infow("listening", "server", name, "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Errorw("server failed", "server", name, "error", err)
			stop()
		}
	}
	go serve("signal", signalHTTP)
	go serve("api", apiHTTP)
	if metricsHTTP != nil {
		go serve("metrics", metricsHTTP)
	}

	<-ctx.Done()
	sugar.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := signalHTTP.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("signal server shutdown failed", "error", err)
	}
	if err := apiHTTP.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("api server shutdown failed", "error", err)
	}
	if metricsHTTP != nil {
		if err := metricsHTTP.Shutdown(shutdownCtx); err != nil {
			sugar.Warnw("metrics server shutdown failed", "error", err)
		}
	}

	sugar.Info("shutdown complete")
}

// loadConfig tries the explicit path first, then the usual locations.
func loadConfig(explicit string) *config.Config {
	paths := []string{explicit, "configs/config.yaml", "config.yaml"}
	for _, path := range paths {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			continue
		}
		cfg, err := config.Load(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config from %s: %v\n", path, err)
			os.Exit(1)
		}
		return cfg
	}

	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load default config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}
