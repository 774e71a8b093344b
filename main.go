package main

import (
	"context"
	"hash/crc32"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/siddharth-movaliya/os-chat/config"
	"github.com/siddharth-movaliya/os-chat/logger"
	"github.com/siddharth-movaliya/os-chat/service/bus"
	"github.com/siddharth-movaliya/os-chat/service/gateway"
	"github.com/siddharth-movaliya/os-chat/service/presence"
	"github.com/siddharth-movaliya/os-chat/service/relay"
	"github.com/siddharth-movaliya/os-chat/service/storage"
	"github.com/siddharth-movaliya/os-chat/tools/ids"
	"github.com/siddharth-movaliya/os-chat/tools/safe"
)

func main() {
	cfg := config.Load()
	ids.SetNodeID(int64(crc32.ChecksumIEEE([]byte(cfg.GatewayID)) % 1024))

	// Presence store. Startup requires it; runtime unavailability later
	// degrades presence to best-effort without touching connections.
	if err := storage.InitRedis(storage.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}); err != nil {
		logger.Error("redis init failed", zap.Error(err))
		os.Exit(1)
	}

	// Handshake verification fails closed: without a key set every
	// connection would be rejected, so refuse to start instead.
	if cfg.JWKSURL == "" {
		logger.Error("JWKS_URL is required")
		os.Exit(1)
	}
	if cfg.Issuer == "" {
		logger.Warn("JWT_ISSUER not set, issuer claim will not be checked")
	}
	if cfg.Audience == "" {
		logger.Warn("JWT_AUDIENCE not set, audience claim will not be checked")
	}
	verifier, err := gateway.NewJWKSVerifier(cfg.JWKSURL, cfg.Issuer, cfg.Audience)
	if err != nil {
		logger.Error("jwks verifier init failed", zap.Error(err))
		os.Exit(1)
	}
	defer verifier.Close()

	// Durable log.
	if err := relay.EnsureTopic(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.TopicPartitions, cfg.TopicReplicas); err != nil {
		// Auto-creation may be broker-side; the producer will surface
		// real failures per send.
		logger.Warn("topic bootstrap failed", zap.Error(err))
	}
	producer, err := relay.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	if err != nil {
		logger.Error("kafka producer init failed", zap.Error(err))
		os.Exit(1)
	}
	defer func() { _ = producer.Close() }()

	// Fan-out bus.
	b, err := bus.Connect(cfg.NatsURL, cfg.GatewayID, cfg.LivenessWindow)
	if err != nil {
		logger.Error("nats connect failed", zap.Error(err))
		os.Exit(1)
	}
	defer b.Close()

	// External message store; without it the durable consumer (and the
	// friendship check) stay off and this instance is gateway-only.
	var store *storage.PgStore
	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		store, err = storage.OpenPgStore(ctx, cfg.DatabaseURL)
		cancel()
		if err != nil {
			logger.Error("postgres init failed", zap.Error(err))
			os.Exit(1)
		}
		defer store.Close()
	} else {
		logger.Warn("DATABASE_URL not set, relay consumer disabled")
	}

	coord := presence.NewCoordinator(storage.NewRedisPresence(), b)

	var friends storage.FriendGraph
	if store != nil {
		friends = store
	}
	srv := gateway.NewServer(verifier, coord, producer, b, friends, cfg.SendQueueSize)
	if err := b.Start(srv.Registry()); err != nil {
		logger.Error("bus start failed", zap.Error(err))
		os.Exit(1)
	}

	var consumer *relay.Consumer
	if store != nil {
		dlq, err := relay.NewDLQPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			logger.Error("dlq producer init failed", zap.Error(err))
			os.Exit(1)
		}
		defer func() { _ = dlq.Close() }()

		consumer, err = relay.NewConsumer(cfg.KafkaBrokers, cfg.KafkaGroupID, cfg.KafkaTopic,
			store, dlq, cfg.ConsumerRetryMax, cfg.ConsumerRetryBackoff)
		if err != nil {
			logger.Error("kafka consumer init failed", zap.Error(err))
			os.Exit(1)
		}
		consumer.Start()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	srv.Routes(r)

	httpSrv := &http.Server{Addr: cfg.Addr, Handler: r}
	safe.Go("http-server", func() {
		logger.Infof("gateway %s listening on %s", cfg.GatewayID, cfg.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", zap.Error(err))
		}
	})

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	if consumer != nil {
		if err := consumer.Stop(); err != nil {
			logger.Warn("consumer shutdown", zap.Error(err))
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	_ = storage.CloseRedis()
}
