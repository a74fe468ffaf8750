// Package main runs one Connect node: HTTP API, WebSocket signaling, media
// worker pool and cluster coordination, with ordered startup and graceful
// shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-connect/backend/config"
	"github.com/aura-connect/backend/internal/auth"
	"github.com/aura-connect/backend/internal/chat"
	"github.com/aura-connect/backend/internal/cluster"
	"github.com/aura-connect/backend/internal/health"
	"github.com/aura-connect/backend/internal/media"
	"github.com/aura-connect/backend/internal/middleware"
	"github.com/aura-connect/backend/internal/mute"
	"github.com/aura-connect/backend/internal/recording"
	"github.com/aura-connect/backend/internal/rooms"
	"github.com/aura-connect/backend/internal/routing"
	"github.com/aura-connect/backend/internal/rtc"
	"github.com/aura-connect/backend/internal/signaling"
	"github.com/aura-connect/backend/pkg/database"
	"github.com/aura-connect/backend/pkg/metrics"
	"github.com/aura-connect/backend/pkg/queue"
	"github.com/aura-connect/backend/pkg/redisstore"
	"github.com/aura-connect/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	serverID := cfg.Server.InstanceID
	logger = logger.With(zap.String("server_id", serverID))

	ctx := context.Background()
	m := metrics.New()

	// Database first: nothing else is usable without durable state.
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()
	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}
	db := database.NewClient(pool, logger)
	db.ObserveLatency(m.DatabaseLatency)

	store, err := redisstore.NewClient(ctx, cfg.Redis.Addr(), cfg.Redis.Password, cfg.Redis.DB,
		clusterAddrs(cfg.Redis), logger)
	if err != nil {
		logger.Fatal("shared store", zap.Error(err))
	}
	defer store.Close()
	store.ObserveLatency(m.RedisLatency)

	apiPort := atoiOr(cfg.Server.Port, 8080)
	signalingPort := atoiOr(cfg.Server.SignalingPort, 8081)

	routingSvc := routing.NewService(store, serverID, apiPort, signalingPort, logger)
	routingSvc.Start(ctx)

	workerSettings := media.WorkerSettings{
		Bin:        cfg.Mediasoup.WorkerBin,
		LogLevel:   cfg.Mediasoup.LogLevel,
		LogTags:    cfg.Mediasoup.LogTags,
		RTCMinPort: cfg.Mediasoup.RTCMinPort,
		RTCMaxPort: cfg.Mediasoup.RTCMaxPort,
	}
	mediaPool, err := media.NewPool(cfg.Mediasoup.NumWorkers,
		media.PoolSpawner(workerSettings, cfg.Mediasoup.NumWorkers, logger), logger)
	if err != nil {
		logger.Fatal("media workers", zap.Error(err))
	}
	mediaPool.NotifyLive(func(live int) { m.Workers.Set(float64(live)) })

	mirror := rtc.NewMirror(store, logger)
	routers := rtc.NewRouterRegistry(mediaPool, mirror, routingSvc, serverID, logger)
	transports := rtc.NewTransportRegistry(mirror, rtc.TransportOptions{
		ListenIP:    cfg.Mediasoup.ListenIP,
		AnnouncedIP: media.AnnouncedIP(cfg.Mediasoup.AnnouncedIP),
	}, serverID, logger)
	producers := rtc.NewProducerRegistry(mirror, serverID, logger)
	consumers := rtc.NewConsumerRegistry(mirror, serverID, logger)

	var s3Client *storage.S3
	if cfg.Recording.S3Bucket != "" {
		s3Client, err = storage.NewS3(ctx, storage.S3Config{
			Region:          cfg.AWS.Region,
			AccessKeyID:     cfg.AWS.AccessKeyID,
			SecretAccessKey: cfg.AWS.SecretAccessKey,
			Bucket:          cfg.Recording.S3Bucket,
			Prefix:          cfg.Recording.S3Prefix,
			SSE:             cfg.Recording.S3SSE,
		}, logger)
		if err != nil {
			logger.Warn("object storage disabled", zap.Error(err))
		}
	}
	uploads := queue.NewQueue(store.Raw(), logger)

	tokens := auth.NewTokenService(cfg.JWT.Secret,
		parseDurationOr(cfg.JWT.ExpiresIn, 15*time.Minute),
		parseDurationOr(cfg.JWT.RefreshExpiresIn, 168*time.Hour))
	authRepo := auth.NewRepository(db)
	authHandler := auth.NewHandler(authRepo, tokens, logger)

	roomSvc := rooms.NewService(rooms.NewRepository(db), logger)
	roomHandler := rooms.NewHandler(roomSvc, logger)
	chatRepo := chat.NewRepository(db)
	muteSvc := mute.NewService(store, db, logger)

	recordingRepo := recording.NewRepository(db)
	recorder := recording.NewOrchestrator(cfg.Recording, routers, producers, recordingRepo,
		store, s3Client, uploads, m, logger)
	recordingHandler := recording.NewHandler(recorder, recordingRepo, roomSvc, s3Client, logger)

	hub := signaling.NewHub(store, serverID, logger)
	bus := cluster.NewBus(store, serverID, logger)
	deps := &signaling.Deps{
		Rooms:      roomSvc,
		Chat:       chatRepo,
		Mute:       muteSvc,
		Routers:    routers,
		Transports: transports,
		Producers:  producers,
		Consumers:  consumers,
		Mirror:     mirror,
		Routing:    routingSvc,
		Cluster:    bus,
		Hub:        hub,
		Recorder:   recorder,
		Metrics:    m,
		Logger:     logger,
	}
	if err := bus.Listen(signaling.NewCoordinator(deps)); err != nil {
		logger.Fatal("cluster bus", zap.Error(err))
	}

	healthHandler := health.NewHandler(db, store, mediaPool, routers, serverID, logger)

	// HTTP API.
	gin.SetMode(gin.ReleaseMode)
	api := gin.New()
	api.Use(gin.Recovery())
	api.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	api.Use(middleware.Logger(logger))
	api.Use(middleware.RateLimit(store, cfg.Server.RateLimitMax,
		time.Duration(cfg.Server.RateLimitWindowSec)*time.Second))

	healthHandler.Register(api)
	api.GET("/metrics", m.Handler())

	authGroup := api.Group("/auth")
	{
		authGroup.POST("/register", authHandler.Register)
		authGroup.POST("/login", authHandler.Login)
		authGroup.POST("/refresh", authHandler.Refresh)
	}

	protected := api.Group("")
	protected.Use(middleware.JWT(tokens))
	{
		protected.GET("/auth/me", authHandler.Me)
		roomHandler.Register(protected)
		recordingHandler.Register(protected)
	}

	// Signaling runs on its own port so front doors can route WebSocket
	// traffic separately from REST.
	ws := gin.New()
	ws.Use(gin.Recovery())
	ws.GET("/health/live", healthHandler.Live)
	ws.GET("/ws", signaling.ServeWs(deps, tokens))

	apiSrv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      api,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}
	// No read/write timeouts: signaling connections are long-lived.
	wsSrv := &http.Server{
		Addr:    ":" + cfg.Server.SignalingPort,
		Handler: ws,
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	if s3Client != nil {
		go recording.NewProcessor(uploads, recordingRepo, s3Client, logger).Run(workerCtx)
	}

	go func() {
		logger.Info("api listening", zap.String("port", cfg.Server.Port))
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("api server", zap.Error(err))
		}
	}()
	go func() {
		logger.Info("signaling listening", zap.String("port", cfg.Server.SignalingPort))
		if err := wsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("signaling server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	// Reverse of startup: stop accepting work, then tear down media, then
	// coordination, then stores (deferred closes).
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := wsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("signaling shutdown", zap.Error(err))
	}
	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown", zap.Error(err))
	}
	workerCancel()
	hub.Close()
	bus.Close()
	routers.CloseAll(shutdownCtx)
	mediaPool.Close()
	routingSvc.Stop(shutdownCtx)
	logger.Info("server stopped")
}

func clusterAddrs(cfg config.RedisConfig) []string {
	if !cfg.ClusterEnabled {
		return nil
	}
	return cfg.ClusterNodes
}

func atoiOr(s string, fallback int) int {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return fallback
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return fallback
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
