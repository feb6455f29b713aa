package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/hoanle0126/TimeManagement-sub000/internal/api/routes"
	"github.com/hoanle0126/TimeManagement-sub000/internal/auth"
	"github.com/hoanle0126/TimeManagement-sub000/internal/config"
	"github.com/hoanle0126/TimeManagement-sub000/internal/ingest"
	"github.com/hoanle0126/TimeManagement-sub000/internal/relay"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}
	setupLogger()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	slog.Info("Starting relay server")

	// Presence is optional; the relay runs fine without Redis.
	var presence relay.Presence
	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			slog.Error("Failed to connect to Redis", "error", err)
			cancel()
			os.Exit(1)
		}
		cancel()
		presence = relay.NewRedisPresence(redisClient)
	}

	hub := relay.NewHub(relay.NewSessionRegistry(), relay.NewRoomDirectory(), presence)
	validator := auth.NewJWTValidator(cfg.JWT.Secret)

	// Optional Kafka ingress alongside the HTTP control endpoint.
	ingestCtx, stopIngest := context.WithCancel(context.Background())
	defer stopIngest()
	if len(cfg.Kafka.Brokers) > 0 {
		source := ingest.NewKafkaSource(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.GroupID, hub)
		defer source.Close()
		go source.Run(ingestCtx)
	}

	router := routes.NewRouter(hub, validator, cfg)
	router.SetupRoutes()

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.GetEngine(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		slog.Info("Server starting", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Server shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stopIngest()
	hub.Stop()

	if err := server.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Server stopped")
}

func setupLogger() {
	level := slog.LevelInfo
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
}
