// Package main runs the collaboration platform signaling server with
// WebSocket push and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pulseworks/collab-backend/config"
	"github.com/pulseworks/collab-backend/internal/auth"
	"github.com/pulseworks/collab-backend/internal/meetings"
	"github.com/pulseworks/collab-backend/internal/middleware"
	"github.com/pulseworks/collab-backend/internal/notify"
	"github.com/pulseworks/collab-backend/internal/realtime"
	"github.com/pulseworks/collab-backend/internal/users"
	"github.com/pulseworks/collab-backend/pkg/database"
	"github.com/pulseworks/collab-backend/pkg/redis"
	"github.com/pulseworks/collab-backend/pkg/response"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	// Redis is optional: without it, event delivery is local to this
	// instance only.
	var redisPubSub *realtime.RedisPubSub
	if cfg.Redis.Addr != "" {
		rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			logger.Fatal("redis", zap.Error(err))
		}
		defer rdb.Close()
		redisPubSub = realtime.NewRedisPubSub(rdb.Client, logger)
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)

	// Presence + dispatch. Subscriber and publisher are nil without Redis.
	var sub realtime.Subscriber
	var pub notify.Publisher
	if redisPubSub != nil {
		sub = redisPubSub
		pub = redisPubSub
	}
	registry := realtime.NewRegistry(logger, sub)
	dispatcher := notify.NewDispatcher(registry, pub, logger)
	registry.SetRemoteHandler(dispatcher.DeliverLocal)

	// Session store + signaling engine.
	meetingRepo := meetings.NewPostgresRepository(pool)
	store := meetings.NewStore(meetingRepo, logger)
	if err := store.Recover(ctx); err != nil {
		logger.Fatal("session store recovery", zap.Error(err))
	}
	userRepo := users.NewRepository(pool)
	engine := meetings.NewEngine(store, userRepo, dispatcher, logger)

	meetingHandler := meetings.NewHandler(engine, logger)
	userHandler := users.NewHandler(userRepo, logger)
	authRepo := auth.NewRepository(pool)
	authHandler := auth.NewHandler(authRepo, jwtService, logger)

	jwtValidate := func(token string) (uuid.UUID, error) {
		claims, err := jwtService.Validate(token)
		if err != nil {
			return uuid.Nil, err
		}
		return claims.UserID, nil
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// Auth (public)
	authGroup := router.Group("/auth")
	{
		authGroup.POST("/login", authHandler.Login)
		authGroup.POST("/register", authHandler.Register)
	}

	// Protected API (JWT required)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		api.GET("/users", userHandler.List)

		api.GET("/meetings", meetingHandler.List)
		api.POST("/meetings", meetingHandler.Create)
		api.GET("/meetings/:id", meetingHandler.GetByID)
		api.POST("/meetings/:id/respond", meetingHandler.Respond)
		api.POST("/meetings/:id/join", meetingHandler.Join)
		api.POST("/meetings/:id/leave", meetingHandler.Leave)
		api.POST("/meetings/:id/end", meetingHandler.End)
		api.POST("/meetings/:id/invite", meetingHandler.Invite)
	}

	// WebSocket (token in query; no Authorization header on the handshake)
	router.GET("/ws", realtime.ServeWs(registry, engine, logger, jwtValidate))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Janitor: evict long-ended meetings from memory.
	janitorCtx, janitorCancel := context.WithCancel(context.Background())
	defer janitorCancel()
	go runJanitor(janitorCtx, store, cfg.Meetings, logger)

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	janitorCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

// runJanitor periodically drops ended meetings from the in-memory store.
func runJanitor(ctx context.Context, store *meetings.Store, cfg config.MeetingsConfig, logger *zap.Logger) {
	interval := time.Duration(cfg.EvictIntervalMinutes) * time.Minute
	retention := time.Duration(cfg.EndedRetentionMinutes) * time.Minute
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := store.EvictEndedBefore(time.Now().Add(-retention)); n > 0 {
				logger.Debug("evicted ended meetings", zap.Int("count", n))
			}
		}
	}
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
