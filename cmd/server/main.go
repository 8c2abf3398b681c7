package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"botmail/backend/internal/auth"
	jwtpkg "botmail/backend/internal/auth/jwt"
	"botmail/backend/internal/config"
	"botmail/backend/internal/health"
	"botmail/backend/internal/logger"
	"botmail/backend/internal/mailer"
	"botmail/backend/internal/monitoring"
	"botmail/backend/internal/review"
	"botmail/backend/internal/service"
	"botmail/backend/internal/storage"
	"botmail/backend/internal/storage/memory"
	"botmail/backend/internal/storage/redis"
	sqlstore "botmail/backend/internal/storage/sql"
	httptransport "botmail/backend/internal/transport/http"
	"botmail/backend/internal/websocket"
)

// main 启动 Bot 邮件中继的 HTTP 服务。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 设置 Gin 模式（基于开发环境标志）
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// 初始化日志系统
	log, err := logger.NewLogger(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()
	log.Info("starting botmail relay server",
		zap.String("mail_domain", cfg.Mail.Domain),
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
	)

	// 初始化存储层
	var store storage.Store
	if cfg.Database.Type != "" && cfg.Database.DSN != "" {
		store, err = sqlstore.NewStore(
			cfg.Database.Type,
			cfg.Database.DSN,
			cfg.Database.MaxOpenConns,
			cfg.Database.MaxIdleConns,
			cfg.Database.ConnMaxLifetime,
		)
		if err != nil {
			panic(fmt.Sprintf("failed to initialize database storage: %v", err))
		}
		log.Info("using database storage", zap.String("type", cfg.Database.Type))
	} else {
		store = memory.NewStore()
		log.Info("using memory storage (development mode)")
	}
	defer store.Close()

	// 初始化 Redis 缓存（可选，用于 API Key 查询缓存与入站限流）
	var cache *redis.Cache
	if cfg.Redis.Enabled {
		cache, err = redis.NewCache(&cfg.Redis)
		if err != nil {
			log.Warn("failed to connect redis, continuing without cache", zap.Error(err))
			cache = nil
		} else {
			defer cache.Close()
			log.Info("redis cache initialized", zap.String("address", cfg.Redis.Address))
		}
	}

	// 初始化监控与健康检查
	metrics := monitoring.NewMetrics()
	healthChecker := health.NewHealthChecker(store, cache, log)

	// 初始化投递通道与异常分析服务
	transport := mailer.NewTransport(cfg.Provider, log)
	analyzer := review.NewAnalyzer(cfg.Review, log)

	// 创建 WebSocket Hub（入站邮件实时推送）
	wsHub := websocket.NewHub(cfg.CORS.AllowedOrigins, log)
	wsHub.SetConnectionsGauge(metrics.WebsocketConnections)

	// 初始化服务层。cache 为空指针时不能直接赋给接口，否则接口非 nil
	var invalidator service.BotCacheInvalidator
	if cache != nil {
		invalidator = cache
	}
	identityService := service.NewIdentityService(store, invalidator, log)
	sendService := service.NewSendService(store, transport, cfg, log)
	inboundService := service.NewInboundService(store, cfg, wsHub, log)
	securityService := service.NewSecurityService(store, analyzer, invalidator, log)
	authService := auth.NewService(store)

	jwtManager := jwtpkg.NewManager(
		cfg.JWT.Secret,
		cfg.JWT.Issuer,
		cfg.JWT.AccessExpiry,
		cfg.JWT.RefreshExpiry,
	)

	// 创建 HTTP 路由
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:          cfg,
		IdentityService: identityService,
		SendService:     sendService,
		InboundService:  inboundService,
		SecurityService: securityService,
		AuthService:     authService,
		JWTManager:      jwtManager,
		WebSocketHub:    wsHub,
		RedisCache:      cache,
		Metrics:         metrics,
		HealthChecker:   healthChecker,
		Logger:          log,
	})

	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// 信号处理
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// WebSocket Hub goroutine
	group.Go(func() error {
		log.Info("starting WebSocket hub")
		wsHub.Run(groupCtx)
		return nil
	})

	// 定时触发 Bot 行为复核 goroutine（仅在配置了分析服务时启用）
	if cfg.Review.AnalyzerURL != "" {
		group.Go(func() error {
			ticker := time.NewTicker(24 * time.Hour)
			defer ticker.Stop()

			log.Info("starting periodic behaviour review task", zap.Duration("interval", 24*time.Hour))

			for {
				select {
				case <-groupCtx.Done():
					log.Info("behaviour review task stopped")
					return nil
				case <-ticker.C:
					created, summary, err := securityService.TriggerReview(groupCtx, time.Time{}, time.Time{})
					if err != nil {
						log.Error("periodic behaviour review failed", zap.Error(err))
						continue
					}
					log.Info("periodic behaviour review completed",
						zap.Int("flags_created", created),
						zap.String("summary", summary),
					)
				}
			}
		})
	}

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}

		log.Info("server stopped")
		return nil
	})

	if err := group.Wait(); err != nil && err != context.Canceled {
		log.Fatal("server error", zap.Error(err))
	}

	log.Info("server exited cleanly")
}
