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

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/boxaltcoin/fosscord-server/internal/config"
	"github.com/boxaltcoin/fosscord-server/internal/events"
	"github.com/boxaltcoin/fosscord-server/internal/gateway"
	"github.com/boxaltcoin/fosscord-server/internal/store"
	"github.com/boxaltcoin/fosscord-server/internal/telemetry"
)

func main() {
	// Optional .env for local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	slog.Info("Starting gateway")

	redisClient, err := store.NewRedisConnection(
		cfg.Redis.URI,
		cfg.Redis.MaxRetries,
		cfg.Redis.PoolSize,
		cfg.Redis.MinIdleConns,
		cfg.Redis.DialTimeout,
		cfg.Redis.ReadTimeout,
		cfg.Redis.WriteTimeout,
	)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	db, err := store.NewPostgresConnection(cfg.Database.URI)
	if err != nil {
		slog.Error("Failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}

	var reporter telemetry.Reporter = telemetry.SlogReporter{}
	if len(cfg.Telemetry.KafkaBrokers) > 0 {
		producer, err := telemetry.NewKafkaProducer(cfg.Telemetry.KafkaBrokers)
		if err != nil {
			slog.Error("Failed to connect to Kafka, falling back to log-only telemetry", "error", err)
		} else {
			reporter = telemetry.NewKafkaReporter(producer, cfg.Telemetry.KafkaTopic)
		}
	}
	defer reporter.Close()

	bus := events.NewBus()
	gw := gateway.New(gateway.Options{
		JWTSecret:         cfg.JWT.Secret,
		IdentifyTimeout:   cfg.Gateway.IdentifyTimeout,
		HeartbeatInterval: cfg.Gateway.HeartbeatInterval,
		EndpointPublic:    cfg.Gateway.EndpointPublic,
	},
		store.NewPostgresStore(db),
		store.NewRedisSessionStore(redisClient, cfg.Gateway.SessionTTL),
		bus,
		reporter,
	)

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/gateway", gw.Handler())
	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		slog.Info("Gateway listening", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Gateway shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	gw.Shutdown(ctx)

	if err := server.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Gateway stopped")
}
