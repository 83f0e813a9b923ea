package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/fathima-sithara/realtime-service/internal/api"
	"github.com/fathima-sithara/realtime-service/internal/auth"
	"github.com/fathima-sithara/realtime-service/internal/config"
	"github.com/fathima-sithara/realtime-service/internal/coordinator"
	"github.com/fathima-sithara/realtime-service/internal/hub"
	"github.com/fathima-sithara/realtime-service/internal/kafka"
	"github.com/fathima-sithara/realtime-service/internal/logger"
	"github.com/fathima-sithara/realtime-service/internal/membership"
	"github.com/fathima-sithara/realtime-service/internal/metrics"
	"github.com/fathima-sithara/realtime-service/internal/presence"
	"github.com/fathima-sithara/realtime-service/internal/store"
)

func main() {
	_ = godotenv.Load()

	// load config
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		panic(err)
	}

	// logger
	log, err := logger.New(logger.Config{
		Development: cfg.App.Env != "production",
		Level:       cfg.App.LogLevel,
	})
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	// Mongo
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if cfg.Mongo.URI == "" {
		log.Fatal("mongo.uri is required")
	}
	mc, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		log.Fatalf("mongo connect: %v", err)
	}
	if err := mc.Ping(ctx, nil); err != nil {
		log.Fatalf("mongo ping: %v", err)
	}
	st := store.NewMongoStore(mc.Database(cfg.Mongo.Database), cfg.AppendTimeout, log)

	// presence: Redis when configured, in-process otherwise
	var tracker presence.Tracker
	var rc *redis.Client
	if cfg.Redis.Addr != "" {
		rc = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rc.Ping(ctx).Err(); err != nil {
			log.Fatalf("redis ping: %v", err)
		}
		tracker = presence.NewRedisTracker(rc, cfg.Redis.Prefix, 2*cfg.HeartbeatTimeout)
	} else {
		log.Warn("redis.addr not set, presence is per-instance only")
		tracker = presence.NewMemoryTracker()
	}

	// Kafka producer for persisted-message events
	var producer coordinator.Producer
	if len(cfg.Kafka.Brokers) > 0 {
		kp := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicMessageSent)
		defer func() { _ = kp.Close() }()
		producer = kp
	}

	// membership authorizer
	var authz membership.Authorizer = membership.AllowAll{}
	if cfg.Membership.BaseURL != "" {
		authz = membership.NewHTTPAuthorizer(cfg.Membership.BaseURL,
			time.Duration(cfg.Membership.TimeoutSeconds)*time.Second, 10*time.Second)
	}

	// JWT verifier
	var jv *auth.JWTValidator
	switch cfg.JWT.Algorithm {
	case "RS256":
		jv, err = auth.NewJWTValidatorRS256(cfg.JWT.PublicKeyPath)
	default:
		jv, err = auth.NewJWTValidatorHS256(cfg.JWT.HSSecret)
	}
	if err != nil {
		log.Fatalf("jwt init: %v", err)
	}

	// fan-out core
	h := hub.New(log)
	coord := coordinator.New(h, st, tracker, authz, producer, coordinator.Config{
		AppendTimeout:    cfg.AppendTimeout,
		RetryBase:        cfg.RetryBase,
		RetryMaxAttempts: cfg.Coordinator.RetryMaxAttempts,
		TypingTTL:        cfg.TypingTTL,
		CrossInstance:    cfg.Coordinator.CrossInstance,
	}, log)

	app := api.NewServer(cfg, coord, st, authz, jv, log)

	// metrics listener, kept off the public port
	go func() {
		addr := fmt.Sprintf(":%d", cfg.App.MetricsPort)
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		log.Infof("metrics listening on %s", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Errorf("metrics listen: %v", err)
		}
	}()

	// start server
	go func() {
		addr := ":" + cfg.App.PortString()
		log.Infof("realtime service listening on %s", addr)
		if err := app.Listen(addr); err != nil {
			log.Fatalf("listen failed: %v", err)
		}
	}()

	// graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Info("shutdown requested")
	shutdownCtx, cancel2 := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel2()

	_ = app.Shutdown()
	if rc != nil {
		_ = rc.Close()
	}
	_ = mc.Disconnect(shutdownCtx)
	log.Info("shutdown completed")
}
