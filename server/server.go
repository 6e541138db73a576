package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"JamFM/cache"
	"JamFM/config"
	"JamFM/core/auth"
	"JamFM/core/jam"
	"JamFM/db"
	"JamFM/logger"
	"JamFM/model"
	"JamFM/repository"

	"github.com/gorilla/mux"
)

// Start initializes and starts the HTTP server.
func Start() {
	cfg := config.Load()

	logger.Init(cfg.LogLevel, cfg.LogPath)
	auth.SetSecret(cfg.JWTSecret)

	// 设置服务器超时
	server := &http.Server{
		Addr:         cfg.ListenAddr,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Connect to the database
	if err := db.Connect(cfg); err != nil {
		logger.Fatal("Failed to connect to database", logger.ErrorField(err))
	}
	defer db.Close()

	// Initialize database schema
	if err := db.AutoMigrate(&model.User{}, &model.Session{}, &model.Participant{}); err != nil {
		logger.Fatal("Failed to migrate database", logger.ErrorField(err))
	}

	// Connect to Redis
	if err := cache.ConnectRedis(cfg); err != nil {
		logger.Fatal("Failed to connect to Redis", logger.ErrorField(err))
	}
	defer cache.CloseRedis()
	logger.Info("Successfully connected to Redis")

	userRepo := repository.NewGormUserRepository(db.DB)
	sessionRepo := repository.NewGormSessionRepository(db.DB)
	sessionCache := cache.NewSessionCache()

	// 启动 WebSocket 集线器
	hub := jam.NewHub()
	go hub.Run()
	defer hub.Stop()

	presence := jam.NewPresenceTracker(sessionRepo, sessionCache, hub, cfg.PresenceStaleAfter)
	registry := jam.NewRegistry(sessionRepo, sessionCache, presence, hub,
		cfg.MaxParticipants, cfg.CodeLength, cfg.CodeMaxAttempts)
	replicator := jam.NewReplicator(sessionRepo, sessionCache, hub)

	// 初始化处理器
	authHandler := NewAuthHandler(userRepo)
	sessionHandler := NewSessionHandler(registry, presence, replicator, hub)

	// 使用 gorilla/mux 创建路由器
	router := mux.NewRouter()

	// 添加 CORS 中间件
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS, HEAD")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	})

	// 用户认证相关的API端点
	router.HandleFunc("/api/auth/login", authHandler.LoginHandler).Methods(http.MethodPost)
	router.HandleFunc("/api/auth/register", authHandler.RegisterHandler).Methods(http.MethodPost)

	// Jam 会话相关的API端点
	RegisterSessionRoutes(router, sessionHandler)

	server.Handler = router

	// 创建一个通道来接收操作系统信号
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	// 在goroutine中启动服务器
	go func() {
		logger.Info("Server starting", logger.String("addr", cfg.ListenAddr))

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", logger.ErrorField(err))
		}
	}()

	// 等待中断信号
	<-stop
	logger.Info("Shutting down server...")

	// 创建一个5秒超时的上下文
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 优雅关闭服务器
	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", logger.ErrorField(err))
	}

	logger.Info("Server stopped")
}
