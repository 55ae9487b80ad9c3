package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"tripflow/internal/ai"
	"tripflow/internal/config"
	"tripflow/internal/handler"
	"tripflow/internal/pkg/asr"
	"tripflow/internal/pkg/cache"
	"tripflow/internal/pkg/jwt"
	"tripflow/internal/pkg/mongodb"
	"tripflow/internal/ratelimit"
	"tripflow/internal/repository"
	"tripflow/internal/server/middleware"
	"tripflow/internal/service"
	"tripflow/internal/speech"
)

// 端点类别，限流预算按类别独立计数
const (
	ClassChat       = "chat"
	ClassChatStream = "chat_stream"
	ClassSpeech     = "speech"
)

// Server HTTP 服务器
type Server struct {
	cfg    *config.Config
	engine *gin.Engine
	mongo  *mongodb.Client
	redis  *cache.RedisCache

	aiClient   *ai.Client
	recognizer asr.Recognizer
	speechMgr  *speech.Manager

	speechCancel context.CancelFunc
}

// New 创建服务器实例
func New(cfg *config.Config) (*Server, error) {
	switch cfg.Server.Mode {
	case "debug":
		gin.SetMode(gin.DebugMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()

	// 初始化 MongoDB (可选)
	var mongoClient *mongodb.Client
	if cfg.Mongo.URI != "" {
		client, err := mongodb.New(&cfg.Mongo)
		if err != nil {
			log.Warn().Err(err).Msg("failed to connect to MongoDB, continuing without it")
		} else {
			mongoClient = client
			log.Info().Str("database", cfg.Mongo.Database).Msg("connected to MongoDB")

			if err := mongodb.EnsureIndexes(mongoClient.Database()); err != nil {
				log.Warn().Err(err).Msg("failed to ensure indexes")
			}
		}
	}

	// 初始化 Redis (可选)
	var redisCache *cache.RedisCache
	if cfg.Redis.Addr != "" {
		rc, err := cache.NewRedisCache(&cfg.Redis)
		if err != nil {
			log.Warn().Err(err).Msg("failed to connect to Redis, continuing without it")
		} else {
			redisCache = rc
			log.Info().Str("addr", cfg.Redis.Addr).Msg("connected to Redis")
		}
	}

	// 初始化 AI 客户端 (可选)
	var aiClient *ai.Client
	if cfg.AI.APIKey != "" {
		client, err := ai.NewClient(context.Background(), &cfg.AI)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize AI client, chat endpoints disabled")
		} else {
			aiClient = client
			log.Info().Str("provider", cfg.AI.Provider).Str("model", cfg.AI.Model).
				Msg("initialized AI client")
		}
	}

	// 初始化语音识别 (可选)
	var recognizer asr.Recognizer
	if cfg.Speech.Provider == "google" {
		rec, err := asr.NewGoogleRecognizer(context.Background())
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize speech recognizer, speech endpoints disabled")
		} else {
			recognizer = rec
			log.Info().Str("language", cfg.Speech.Language).Int("sample_rate", cfg.Speech.SampleRate).
				Msg("initialized speech recognizer")
		}
	}

	srv := &Server{
		cfg:        cfg,
		engine:     engine,
		mongo:      mongoClient,
		redis:      redisCache,
		aiClient:   aiClient,
		recognizer: recognizer,
	}

	srv.setupRoutes()

	return srv, nil
}

// setupRoutes 设置路由
func (s *Server) setupRoutes() {
	// 全局中间件
	s.engine.Use(middleware.Recovery())
	s.engine.Use(middleware.RequestID())
	s.engine.Use(middleware.Logger())
	s.engine.Use(middleware.CORS())

	// 健康检查
	healthHandler := handler.NewHealthHandler()
	s.engine.GET("/health", healthHandler.Health)
	s.engine.GET("/ready", healthHandler.Ready)

	// Swagger 文档
	s.engine.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	jwtSecret := s.cfg.Auth.JWTSecret
	if jwtSecret == "" {
		jwtSecret = "default-secret-key-change-in-production"
		log.Warn().Msg("JWT secret not configured, using default (NOT SECURE for production)")
	}
	jwtUtil := jwt.NewJWT(jwtSecret, 24*time.Hour)

	limiter := ratelimit.New(s.cfg.RateLimit)

	// API v1，全部需要认证
	v1 := s.engine.Group("/api/v1")
	v1.Use(middleware.Auth(jwtUtil))
	{
		// 对话存储接口
		if s.mongo != nil {
			convRepo := repository.NewConversationRepo(s.mongo.Database(), s.redis)

			convHdl := handler.NewConversationHandler(convRepo)
			v1.POST("/chat/conversations", convHdl.Create)
			v1.GET("/chat/conversations", convHdl.List)
			v1.GET("/chat/conversations/:id", convHdl.Get)
			v1.PUT("/chat/conversations/:id", convHdl.Update)
			v1.DELETE("/chat/conversations/:id", convHdl.Delete)
			v1.POST("/chat/conversations/:id/clear", convHdl.Clear)

			// Chat 接口，流式与非流式限流预算独立
			if s.aiClient != nil {
				chatSvc := service.NewChatService(s.aiClient, convRepo, s.cfg.AI.Model)
				chatHdl := handler.NewChatHandler(chatSvc)
				v1.POST("/chat/completions",
					middleware.RateLimit(limiter, ClassChat), chatHdl.Chat)
				v1.POST("/chat/completions/stream",
					middleware.RateLimit(limiter, ClassChatStream), chatHdl.ChatStream)
			} else {
				log.Warn().Msg("AI client not configured, chat endpoints disabled")
			}
		} else {
			log.Warn().Msg("MongoDB not configured, conversation endpoints disabled")
		}

		// 实时语音识别接口
		if s.recognizer != nil {
			s.speechMgr = speech.NewManager(s.recognizer, s.cfg.Speech)

			speechHdl := handler.NewSpeechHandler(s.speechMgr, s.cfg.Speech)
			v1.GET("/speech/config", speechHdl.Config)
			v1.GET("/speech/sessions/:id", speechHdl.GetSession)
			v1.GET("/speech/realtime",
				middleware.RateLimit(limiter, ClassSpeech), speechHdl.Realtime)
		} else {
			log.Warn().Msg("speech recognizer not configured, speech endpoints disabled")
		}
	}
}

// Run 启动服务器
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	// 空闲语音会话回收
	if s.speechMgr != nil {
		speechCtx, cancel := context.WithCancel(context.Background())
		s.speechCancel = cancel
		go s.speechMgr.Run(speechCtx)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down server...")
		s.close()
		return srv.Shutdown(context.Background())
	case err := <-errCh:
		s.close()
		return err
	}
}

// close 释放外部连接
func (s *Server) close() {
	if s.speechCancel != nil {
		s.speechCancel()
	}
	if s.recognizer != nil {
		if err := s.recognizer.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close speech recognizer")
		}
	}
	if s.aiClient != nil {
		if err := s.aiClient.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close AI client")
		}
	}
	if s.mongo != nil {
		if err := s.mongo.Close(context.Background()); err != nil {
			log.Error().Err(err).Msg("failed to close MongoDB connection")
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close Redis connection")
		}
	}
}

// Engine 获取 Gin 引擎 (用于测试)
func (s *Server) Engine() *gin.Engine {
	return s.engine
}
