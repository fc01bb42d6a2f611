package main

import (
	"fmt"
	"log"

	"github.com/gofiber/fiber/v2"

	"github.com/octrack/policy"
	"github.com/octrack/policy/internal/config"
	"github.com/octrack/policy/internal/db"
	"github.com/octrack/policy/internal/routes"
	"github.com/octrack/policy/zapLogger"
)

func main() {
	// Initialize zapLogger
	logFile := zapLogger.Init()

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		zapLogger.Log.Fatalf("Failed to load config: %v", err)
	}

	pgDB, err := db.NewPostgresDB(cfg)
	if err != nil {
		zapLogger.Log.Fatalf("Failed to initialize PostgreSQL: %v", err)
	}
	zapLogger.Log.Info("Successfully connected to PostgreSQL database")
	defer pgDB.Close()

	redisDB, err := db.NewRedisClient(cfg)
	if err != nil {
		zapLogger.Log.Fatalf("Failed to initialize Redis: %v", err)
	}
	zapLogger.Log.Info("Successfully connected to Redis")
	defer redisDB.Close()

	svc, err := policy.NewService(policy.Config{
		DB:                 pgDB.GormDB,
		RedisClient:        redisDB,
		CacheTTL:           cfg.CacheTTL,
		CachePrefix:        cfg.CachePrefix,
		AutoMigrate:        true,
		EnableAuditLogging: true,
	})
	if err != nil {
		zapLogger.Log.Fatalf("Failed to initialize policy engine: %v", err)
	}

	// Set up Fiber app
	app := fiber.New()

	// Middleware
	app.Use(zapLogger.FiberLoggingMiddleware(logFile))

	// Set up routes
	routes.Setup(app, svc)

	// Start server
	addr := fmt.Sprintf(":%d", cfg.AppPort)
	zapLogger.Log.Infof("Server started on port %d", cfg.AppPort)
	log.Fatal(app.Listen(addr))
}
