package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/muneeb-U-rehman329/web-chat-app/internal/config"
	"github.com/muneeb-U-rehman329/web-chat-app/internal/database"
	"github.com/muneeb-U-rehman329/web-chat-app/internal/handlers"
	"github.com/muneeb-U-rehman329/web-chat-app/internal/logger"
	"github.com/muneeb-U-rehman329/web-chat-app/internal/queue"
	"github.com/muneeb-U-rehman329/web-chat-app/internal/repository"
	"github.com/muneeb-U-rehman329/web-chat-app/internal/routes"
	"github.com/muneeb-U-rehman329/web-chat-app/internal/services"
	chatws "github.com/muneeb-U-rehman329/web-chat-app/internal/websocket"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// 1. Load Config
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zlog, err := logger.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = zlog.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to Database
	if cfg.DBUrl == "" {
		zlog.Fatal("DB_URL is required")
	}
	pool, err := database.Connect(ctx, cfg.DBUrl)
	if err != nil {
		zlog.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	// 3. Realtime router and optional Redis relay
	hub := chatws.NewHub(zlog.Named("hub"))

	var publisher chatws.Publisher = hub
	if cfg.RelayEnabled() {
		redisClient, err := chatws.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			zlog.Fatal("Failed to connect to redis", zap.Error(err))
		}
		defer func() { _ = redisClient.Close() }()

		relay := chatws.NewRedisRelay(redisClient, cfg.EventsTopic, hub, zlog.Named("relay"))
		publisher = relay
		go func() {
			if err := relay.Run(ctx); err != nil {
				zlog.Error("event relay stopped", zap.Error(err))
			}
		}()
	}

	// 4. Stores and services
	userRepo := repository.NewUserRepository(pool)
	conversationRepo := repository.NewConversationRepository(pool)
	messageRepo := repository.NewMessageRepository(pool)
	directoryRepo := repository.NewDirectoryRepository(pool)

	views := services.ViewOptions{
		MediaBaseURL:     cfg.MediaBaseURL,
		DefaultAvatarURL: cfg.DefaultAvatarURL,
	}
	directoryService := services.NewDirectoryService(directoryRepo, conversationRepo, zlog.Named("directory"))

	var taskClient queue.Client
	if cfg.RelayEnabled() {
		asynqClient, err := queue.NewAsynqClient(cfg.RedisURL)
		if err != nil {
			zlog.Fatal("Failed to create task client", zap.Error(err))
		}
		defer func() { _ = asynqClient.Close() }()
		taskClient = asynqClient
	}
	repairer := services.NewDirectoryRepairer(directoryService, taskClient, publisher, views, zlog.Named("repair"))

	if cfg.RelayEnabled() && cfg.RunWorker {
		worker, err := queue.NewAsynqServer(cfg.RedisURL, cfg.WorkerConcurrency, zlog.Named("worker"))
		if err != nil {
			zlog.Fatal("Failed to create task worker", zap.Error(err))
		}
		repairer.Register(worker)
		go func() {
			if err := worker.Run(ctx); err != nil {
				zlog.Error("task worker stopped", zap.Error(err))
			}
		}()
	}

	chatService := services.NewChatService(
		conversationRepo,
		messageRepo,
		directoryService,
		userRepo,
		publisher,
		repairer,
		views,
		zlog.Named("chat"),
	)

	// 5. Setup Fiber
	app := fiber.New(fiber.Config{
		AppName:               "web-chat-app",
		DisableStartupMessage: cfg.AppEnv == "production",
	})

	// Middleware
	app.Use(cors.New(cors.Config{AllowOrigins: cfg.CORSOrigins}))
	app.Use(fiberlogger.New())
	app.Use(recover.New())

	// Routes
	chatHandler := handlers.NewChatHandler(chatService, hub, zlog.Named("http"))
	if err := routes.RegisterRoutes(app, cfg, chatHandler, handlers.NewHealthHandler(pool)); err != nil {
		zlog.Fatal("Failed to register routes", zap.Error(err))
	}

	go func() {
		<-ctx.Done()
		zlog.Info("shutting down")
		hub.Close()
		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			zlog.Warn("server shutdown", zap.Error(err))
		}
	}()

	// 6. Start Server
	zlog.Info("server starting", zap.String("port", cfg.Port), zap.String("env", cfg.AppEnv), zap.Bool("relay", cfg.RelayEnabled()))
	if err := app.Listen(":" + cfg.Port); err != nil {
		zlog.Error("server stopped", zap.Error(err))
	}
}
