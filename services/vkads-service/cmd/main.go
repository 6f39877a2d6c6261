package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/grigta/vkads/pkg/cache"
	"github.com/grigta/vkads/pkg/config"
	"github.com/grigta/vkads/pkg/crypto"
	"github.com/grigta/vkads/pkg/database"
	"github.com/grigta/vkads/pkg/logger"
	"github.com/grigta/vkads/pkg/messaging"
	"github.com/grigta/vkads/pkg/middleware"
	vkadsconfig "github.com/grigta/vkads/services/vkads-service/internal/config"
	"github.com/grigta/vkads/services/vkads-service/internal/engine"
	"github.com/grigta/vkads/services/vkads-service/internal/handlers"
	"github.com/grigta/vkads/services/vkads-service/internal/leadstech"
	"github.com/grigta/vkads/services/vkads-service/internal/repository"
	"github.com/grigta/vkads/services/vkads-service/internal/roi"
	"github.com/grigta/vkads/services/vkads-service/internal/service"
	"github.com/grigta/vkads/services/vkads-service/internal/stats"
	"github.com/grigta/vkads/services/vkads-service/internal/vkads"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", logger.Err(err))
	}
	svcCfg, err := vkadsconfig.Load(vkadsconfig.PathFromEnv())
	if err != nil {
		logger.Fatal("Failed to load service configuration", logger.Err(err))
	}

	log := logger.New(svcCfg.Service.LogLevel, svcCfg.Service.LogFormat).
		WithField("service", svcCfg.Service.Name)
	logger.SetDefault(log)
	log.Info("Starting VK Ads automation service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logger.IntoContext(ctx, log)

	// MongoDB
	mongo, err := database.NewMongoDB(ctx, database.MongoOptions{
		URI:      cfg.Database.URI,
		Database: cfg.Database.DBName,
		Timeout:  cfg.Database.Timeout,
	})
	if err != nil {
		log.Fatal("Failed to connect to MongoDB", logger.Err(err))
	}
	defer mongo.Close()

	if err := mongo.EnsureIndexes(ctx, repository.Indexes()); err != nil {
		log.Error("Failed to create indexes", logger.Err(err))
	}

	encryptor, err := crypto.NewEncryptor(cfg.Encryption.Key)
	if err != nil {
		log.Fatal("Failed to initialize encryptor", logger.Err(err))
	}

	db := mongo.GetDatabase()
	accountRepo := repository.NewAccountRepository(db, encryptor)
	ruleRepo := repository.NewRuleRepository(db)
	scalingRepo := repository.NewScalingConfigRepository(db)
	settingsRepo := repository.NewSettingsRepository(db)
	taskRepo := repository.NewTaskRepository(db)
	logRepo := repository.NewLogRepository(db)

	// Redis holds LeadsTech tokens and run locks. Without it both fall back
	// to process memory.
	var tokenStore leadstech.TokenStore
	var locker service.RunLocker
	var redisCache *cache.RedisCache
	if cfg.Redis.Enabled {
		redisCache, err = cache.NewRedisCache(ctx, cache.RedisOptions{
			Host:      cfg.Redis.Host,
			Port:      cfg.Redis.Port,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: "vkads:",
		})
		if err != nil {
			log.Fatal("Failed to connect to Redis", logger.Err(err))
		}
		defer redisCache.Close()
		tokenStore = redisCache

		lockClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer lockClient.Close()
		locker = service.NewRedisLocker(lockClient)
	}

	// RabbitMQ
	var mq messaging.Client
	if cfg.RabbitMQ.Enabled {
		mq, err = messaging.NewClient(cfg.RabbitMQ.URL, log)
		if err != nil {
			log.Fatal("Failed to connect to RabbitMQ", logger.Err(err))
		}
		defer mq.Close()

		if err := mq.SetupTopology(service.Topology()); err != nil {
			log.Fatal("Failed to setup RabbitMQ topology", logger.Err(err))
		}
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := service.NewMetricsCollector(registry)

	// Revenue source
	httpClient := vkads.NewHTTPClient(svcCfg.VKAds.RequestTimeout, svcCfg.VKAds.MaxConnsPerHost)
	var revenue engine.RevenueSource
	if lt := svcCfg.LeadsTech; lt.Enabled() {
		client := leadstech.NewClient(httpClient, leadstech.Config{
			BaseURL:    lt.BaseURL,
			Login:      lt.Login,
			Password:   lt.Password,
			PageSize:   lt.PageSize,
			MaxRetries: lt.MaxRetries,
			TokenTTL:   lt.TokenTTL,
		}, tokenStore)
		revenue = roi.NewEnricher(client, lt.SubFields, lt.IDsPerRequest)
	} else {
		log.Warn("LeadsTech is not configured, ROI conditions will never match")
	}

	// Engines
	vk := svcCfg.VKAds
	targets := service.NewTargetFactory(httpClient, vkads.Config{
		BaseURL:        vk.BaseURL,
		APIDelay:       vk.APIDelay,
		MaxRetries:     vk.MaxRetries,
		RetryBaseDelay: vk.RetryBaseDelay,
		RetryMaxDelay:  vk.RetryMaxDelay,
		PageSize:       vk.PageSize,
		MinDailyBudget: vk.MinDailyBudget,
	}, stats.Config{
		BatchSize:         vk.StatsBatchSize,
		FallbackBatchSize: vk.StatsFallbackBatchSize,
		Delay:             vk.StatsDelay,
		Metrics:           vk.StatsMetrics,
	}, revenue, metrics)

	runner := svcCfg.Runner
	disable := engine.NewDisableEngine(logRepo, engine.DisableConfig{
		BatchSize:           vk.StatsBatchSize,
		MassActionBatchSize: vk.MassActionBatchSize,
		DefaultLookbackDays: runner.DefaultLookbackDays,
	})
	budget := engine.NewBudgetEngine(logRepo, engine.BudgetConfig{
		BatchSize:           vk.StatsBatchSize,
		DefaultLookbackDays: runner.DefaultLookbackDays,
	})
	scaler := engine.NewScalingEngine(engine.NewClassifier(runner.ClassificationBatchSize), logRepo)

	var notifier service.Notifier
	if svcCfg.Telegram.Enabled {
		notifier, err = service.NewTelegramNotifier(svcCfg.Telegram.BotToken)
		if err != nil {
			log.Fatal("Failed to initialize Telegram notifier", logger.Err(err))
		}
	}

	automation := service.NewAutomationService(service.Dependencies{
		Accounts:  accountRepo,
		Rules:     ruleRepo,
		Scaling:   scalingRepo,
		Settings:  settingsRepo,
		Tasks:     taskRepo,
		Logs:      logRepo,
		Targets:   targets,
		Disable:   disable,
		Budget:    budget,
		Scaler:    scaler,
		Messaging: mq,
		Notifier:  notifier,
		Locker:    locker,
		Metrics:   metrics,
		Logger:    log,
		Options: service.RunnerOptions{
			MaxConcurrentAccounts: runner.MaxConcurrentAccounts,
			CancelPollInterval:    runner.CancelPollInterval,
			LockTTL:               runner.LockTTL,
		},
	})

	if err := automation.StartWorkers(ctx); err != nil {
		log.Fatal("Failed to start workers", logger.Err(err))
	}

	// gRPC health
	healthServer := health.NewServer()
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)
	go startGRPCServer(svcCfg.Service.GRPCPort, grpcServer, log)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	// HTTP
	auth := middleware.NewAuthMiddleware(cfg.JWT.Secret, cfg.JWT.ExpiresIn)
	limiter := middleware.NewRateLimiter(100*time.Millisecond, 20)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", func(c *gin.Context) {
		if err := mongo.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
		if redisCache != nil {
			if err := redisCache.Ping(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": svcCfg.Service.Name})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	handlers.NewHTTPHandler(automation, log).SetupRoutes(router, auth.Authenticate(), limiter.Middleware())

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", svcCfg.Service.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("Starting HTTP server", logger.Field{Key: "port", Value: svcCfg.Service.HTTPPort})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start HTTP server", logger.Err(err))
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down VK Ads automation service")
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Failed to shutdown HTTP server", logger.Err(err))
	}
	grpcServer.GracefulStop()

	done := make(chan struct{})
	go func() {
		automation.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Warn("Runs still in progress at shutdown")
	}

	log.Info("VK Ads automation service stopped")
}

func startGRPCServer(port int, server *grpc.Server, log logger.Logger) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		log.Fatal("Failed to listen on gRPC port", logger.Field{Key: "port", Value: port}, logger.Err(err))
	}

	log.Info("Starting gRPC server", logger.Field{Key: "port", Value: port})
	if err := server.Serve(lis); err != nil {
		log.Error("gRPC server stopped", logger.Err(err))
	}
}
