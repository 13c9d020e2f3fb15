package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/timur-nocodia/n8n-streaming-microservice/internal/api"
	"github.com/timur-nocodia/n8n-streaming-microservice/internal/api/middleware"
	"github.com/timur-nocodia/n8n-streaming-microservice/internal/ledger"
	"github.com/timur-nocodia/n8n-streaming-microservice/internal/notifier"
	"github.com/timur-nocodia/n8n-streaming-microservice/internal/relay"
	"github.com/timur-nocodia/n8n-streaming-microservice/internal/session"
	"github.com/timur-nocodia/n8n-streaming-microservice/internal/store"
	"github.com/timur-nocodia/n8n-streaming-microservice/internal/ws"
	"github.com/timur-nocodia/n8n-streaming-microservice/pkg/anthropic"
	"github.com/timur-nocodia/n8n-streaming-microservice/pkg/llm"
	"github.com/timur-nocodia/n8n-streaming-microservice/pkg/openai"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logrus.WithError(err).Debug(".env file not found")
	}

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if getEnv("LOG_LEVEL", "") == "debug" {
		logrus.SetLevel(logrus.DebugLevel)
	}

	// Get configuration from environment
	port := getEnv("PORT", "8080")
	baseURL := getEnv("BASE_URL", "http://localhost:"+port)
	jwtSecret := getEnv("JWT_SECRET", "")
	redisURL := getEnv("REDIS_URL", "")
	openaiAPIKey := getEnv("OPENAI_API_KEY", "")
	anthropicAPIKey := getEnv("ANTHROPIC_API_KEY", "")
	databaseURL := getEnv("DATABASE_URL", "")
	allowedOrigins := splitList(getEnv("ALLOWED_ORIGINS", ""))
	devMode := getEnv("DEV_MODE", "") == "true"

	if jwtSecret == "" {
		logrus.Fatal("JWT_SECRET is required")
	}
	if openaiAPIKey == "" && anthropicAPIKey == "" {
		logrus.Fatal("OPENAI_API_KEY or ANTHROPIC_API_KEY is required")
	}

	// Initialize session store
	var sessionStore store.SessionStore
	if redisURL != "" {
		redisStore, err := store.NewRedisStoreFromURL(context.Background(), redisURL)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer redisStore.Close()
		sessionStore = redisStore
		logrus.Info("✅ Redis session store connected")
	} else {
		memStore := store.NewMemoryStore()
		defer memStore.Close()
		sessionStore = memStore
		logrus.Warn("REDIS_URL not set, using in-memory session store")
	}

	// Initialize completion ledger (optional)
	var recorder relay.Recorder
	if databaseURL != "" {
		db, err := ledger.Open(databaseURL)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to connect to database")
		}
		defer db.Close()
		recorder = db
		logrus.Info("✅ Completion ledger connected")
	}

	// Initialize provider clients
	var openaiClient, anthropicClient llm.StreamClient
	if openaiAPIKey != "" {
		openaiClient = openai.NewHTTPClient(openai.Config{APIKey: openaiAPIKey})
		logrus.Info("✅ OpenAI client initialized")
	}
	if anthropicAPIKey != "" {
		anthropicClient = anthropic.NewHTTPClient(anthropic.Config{APIKey: anthropicAPIKey})
		logrus.Info("✅ Anthropic client initialized")
	}

	relayLogger := logrus.WithField("component", "relay")
	streamRelay := relay.New(
		relay.PickByPrefix(anthropicClient, openaiClient),
		notifier.New(notifier.Config{}, logrus.WithField("component", "notifier")),
		sessionStore,
		recorder,
		relayLogger,
	)

	sessions := session.NewService(sessionStore, jwtSecret, baseURL, logrus.WithField("component", "session"))

	// Initialize handlers
	initHandler := api.NewInitHandler(sessions, logrus.WithField("component", "api"))
	streamHandler := api.NewStreamHandler(streamRelay, sessionStore, jwtSecret, logrus.WithField("component", "api"))
	wsHandler := ws.NewStreamHandler(streamRelay, sessionStore, jwtSecret, logrus.WithField("component", "ws"))

	// Setup Gin router
	if !devMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	// Apply CORS middleware
	router.Use(middleware.CORS(allowedOrigins, devMode))

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	router.POST("/init-stream", initHandler.InitStream)
	router.GET("/stream/:streamId", streamHandler.HandleStream)
	router.GET("/ws/stream/:streamId", wsHandler.HandleStream)

	if devMode {
		router.GET("/test-stream", streamHandler.HandleTestStream)
		logrus.Info("DEV_MODE enabled: /test-stream registered")
	}

	// Create HTTP server
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	// Start server in goroutine
	go func() {
		logrus.Infof("🚀 Server starting on http://localhost:%s", port)
		logrus.Info("   POST /init-stream")
		logrus.Info("   GET  /stream/:streamId")
		logrus.Info("   WS   /ws/stream/:streamId")
		logrus.Info("   GET  /health")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logrus.WithError(err).Fatal("Server forced to shutdown")
	}

	logrus.Info("Server exited")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
