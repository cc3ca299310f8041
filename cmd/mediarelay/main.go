package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mediarelay/internal/core/domain"
	"mediarelay/internal/core/ports"
	"mediarelay/internal/core/services"
	httphandlers "mediarelay/internal/handlers/http"
	"mediarelay/internal/infrastructure/media"
	"mediarelay/internal/infrastructure/middleware"
	"mediarelay/internal/infrastructure/monitoring"
	"mediarelay/internal/infrastructure/relay"
	repositories "mediarelay/internal/infrastructure/repositories"
	signalhub "mediarelay/internal/infrastructure/signal"
	"mediarelay/pkg/config"
	"mediarelay/pkg/distributed"
	"mediarelay/pkg/logger"
	"mediarelay/pkg/retry"
	"mediarelay/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

const (
	checkTimeout = 2 * time.Second
	lockPrefix   = "mediarelay:lock:"
	lockTTL      = 30 * time.Second
)

var configPaths = []string{
	"configs/config.yaml",
	"/etc/mediarelay/config.yaml",
	"config.yaml",
}

// loadConfig reads the first config file that exists. Without one the
// defaults and environment overrides apply.
func loadConfig() (*config.Config, string, error) {
	paths := configPaths
	if path := os.Getenv("MEDIARELAY_CONFIG"); path != "" {
		paths = []string{path}
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			cfg, err := config.Load(path)
			return cfg, path, err
		}
	}
	cfg, err := config.Load(paths[0])
	return cfg, "", err
}

func routerCodecs(codecs []config.Codec) []domain.Codec {
	out := make([]domain.Codec, 0, len(codecs))
	for _, c := range codecs {
		out = append(out, domain.Codec{
			Kind:        domain.MediaKind(c.Kind),
			MimeType:    c.MimeType,
			ClockRate:   c.ClockRate,
			Channels:    c.Channels,
			SDPFmtpLine: c.SDPFmtpLine,
		})
	}
	return out
}

func destinations(servers []string) []domain.Destination {
	out := make([]domain.Destination, 0, len(servers))
	for _, s := range servers {
		out = append(out, domain.Destination(s))
	}
	return out
}

func main() {
	cfg, path, err := loadConfig()
	if err != nil {
		zap.NewExample().Sugar().Fatalw("invalid configuration", "path", path, "error", err)
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()
	if path != "" {
		log.Infow("configuration loaded", "path", path)
	} else {
		log.Infow("no configuration file found, using defaults")
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerEndpoint,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialise tracing", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage
	repoFactory := repositories.NewRepositoryFactory(cfg, log)
	store := repoFactory.CreateRoomStore()

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := monitoring.NewPrometheusCollector(registry)

	// Media workers
	factory := media.NewFactory(media.Config{
		ListenIP:    cfg.Media.ListenIP,
		AnnouncedIP: cfg.Media.AnnouncedIP,
		ICEServers:  cfg.Media.ICEServers,
		PortMin:     cfg.Media.PortRange.Min,
		PortMax:     cfg.Media.PortRange.Max,
	}, log)
	workers, err := factory.Pool(ctx, cfg.Media.Workers)
	if err != nil {
		log.Fatalw("failed to start media workers", "count", cfg.Media.Workers, "error", err)
	}
	balancer := services.NewLoadBalancer(ctx, workers, factory, collector, log)

	// Federation
	relayClient := relay.NewClient(relay.Config{
		Timeout:      cfg.Federation.RequestTimeout,
		MaxRetries:   cfg.Federation.MaxRetries,
		RetryBase:    cfg.Federation.RetryBaseDelay,
		SharedSecret: cfg.Federation.SharedSecret,
	}, log)

	var locker ports.KeyedLocker = services.NewDestinationLock()
	if cfg.Federation.DistributedLock {
		if client := repoFactory.RedisClient(); client != nil {
			locker = distributed.NewKeyedLocker(locker, client, lockPrefix, lockTTL, lockTTL)
			log.Infow("federation handshakes queued across instances through redis", "prefix", lockPrefix)
		} else {
			log.Warnw("distributed lock requested but redis is unavailable, using process-local lock")
		}
	}

	replicator := services.NewReplicator(services.ReplicatorConfig{
		SelfAddress:          domain.Destination(cfg.Federation.SelfAddress),
		RemoteServers:        destinations(cfg.Federation.RemoteServers),
		FailCacheTTL:         cfg.Federation.FailCacheTTL,
		KeyFrameRequestDelay: cfg.Media.KeyFrameRequestDelay,
	}, relayClient, locker, collector, log)
	replicator.StartJanitor(ctx, cfg.Federation.FailCacheTTL)

	// Rooms
	rooms := services.NewRoomManager(services.RoomConfig{
		MaxParticipantsPerShard: cfg.Sharding.MaxParticipantsPerShard,
		CPUThreshold:            cfg.Sharding.CPUThreshold,
		Codecs:                  routerCodecs(cfg.Media.Codecs),
		CreateRetry: retry.Config{
			MaxAttempts:  cfg.Sharding.CreateRetries + 1,
			InitialDelay: cfg.Sharding.CreateInitialDelay,
			MaxDelay:     cfg.Sharding.CreateMaxDelay,
			Multiplier:   2,
		},
	}, balancer, replicator, nil, store, collector, log)
	receiver := services.NewRelayReceiver(rooms, log)

	// Signaling
	hubCfg := signalhub.Config{
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		AllowedOrigins: cfg.Signal.AllowedOrigins,
	}
	if cfg.RateLimiting.Enabled {
		hubCfg.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		hubCfg.Burst = cfg.RateLimiting.WebSocket.Burst
		hubCfg.MaxMessageSize = cfg.RateLimiting.WebSocket.MaxMessageSizeBytes
	}
	hub := signalhub.NewHub(rooms, hubCfg, log)
	rooms.SetBroadcaster(hub)

	// Monitoring
	var gatherer prometheus.Gatherer
	if cfg.Monitoring.PrometheusEnabled {
		if err := collector.WatchRooms(rooms.Stats); err != nil {
			log.Fatalw("failed to register room metrics", "error", err)
		}
		if err := collector.WatchConnections(hub.ConnectionCount); err != nil {
			log.Fatalw("failed to register connection metrics", "error", err)
		}
		gatherer = registry
		log.Infow("prometheus metrics enabled", "path", cfg.Monitoring.MetricsPath)
	}

	health := monitoring.NewHealthChecker()
	health.AddWorkerCheck(balancer.Workers, checkTimeout)
	health.AddRoomStoreCheck(store, checkTimeout)
	health.AddCheck("redis", repoFactory.HealthCheck, checkTimeout)

	// HTTP
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.RequestIDMiddleware(logger.NewContextLogger(zapLogger)),
		middleware.TracingMiddleware(),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	httphandlers.NewRoomHandler(rooms, health).SetupRoutes(router, cfg.Monitoring.MetricsPath, gatherer)
	httphandlers.NewPipeHandler(receiver, cfg.Federation.SharedSecret, log).SetupRoutes(router)
	router.GET(cfg.Signal.Path,
		middleware.AuthMiddleware(middleware.NewTokenVerifier(cfg), log),
		gin.WrapF(hub.HandleWebSocket),
	)

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting mediarelay",
			"address", cfg.Server.Address,
			"workers", len(workers),
			"self_address", cfg.Federation.SelfAddress,
			"remote_servers", len(cfg.Federation.RemoteServers),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}

	// in-flight fan-outs stop before rooms close so remote servers hear
	// about closed rooms last
	hub.Close()
	rooms.Shutdown(shutdownCtx)
	balancer.Close()
	cancel()

	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error shutting down tracer", "error", err)
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}
	log.Info("mediarelay stopped")
}
