package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/siddharth-movaliya/os-chat/logger"
)

// Config is the full runtime configuration for one gateway instance.
// Everything comes from the environment; a local .env file is loaded
// first if present.
type Config struct {
	// HTTP/WebSocket listen address.
	Addr string
	// GatewayID identifies this instance in logs and liveness replies.
	GatewayID string

	// Kafka
	KafkaBrokers    []string
	KafkaTopic      string
	KafkaGroupID    string
	TopicPartitions int32
	TopicReplicas   int16
	// ConsumerRetryMax bounds in-place persistence retries before a
	// record is quarantined to the DLQ topic.
	ConsumerRetryMax     int
	ConsumerRetryBackoff time.Duration

	// Redis presence store
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// NATS fan-out bus
	NatsURL string
	// LivenessWindow is how long a connect-time liveness query waits for
	// peer instances to report their live connection ids.
	LivenessWindow time.Duration

	// Postgres message store. Empty disables the store adapter (the
	// consumer then refuses to start).
	DatabaseURL string

	// Auth. JWKSURL is required at startup. Issuer and Audience are
	// enforced on every token when set; leaving one empty DISABLES that
	// claim check entirely, which is only safe when the key set is not
	// shared with any other service. Startup warns about each unset one.
	JWKSURL  string
	Issuer   string
	Audience string

	// Per-connection outbound queue size; events to a full queue drop.
	SendQueueSize int
}

func Load() *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Warnf("config: .env not loaded: %v", err)
	}

	return &Config{
		Addr:      envOr("ADDR", ":8000"),
		GatewayID: envOr("GATEWAY_ID", "gw-"+envOr("HOSTNAME", "local")),

		KafkaBrokers:         strings.Split(envOr("KAFKA_BROKERS", "localhost:9092"), ","),
		KafkaTopic:           envOr("KAFKA_TOPIC", "chat-messages"),
		KafkaGroupID:         envOr("KAFKA_GROUP_ID", "message-processor-group"),
		TopicPartitions:      int32(envInt("KAFKA_TOPIC_PARTITIONS", 3)),
		TopicReplicas:        int16(envInt("KAFKA_TOPIC_REPLICAS", 1)),
		ConsumerRetryMax:     envInt("CONSUMER_RETRY_MAX", 5),
		ConsumerRetryBackoff: envDuration("CONSUMER_RETRY_BACKOFF", 500*time.Millisecond),

		RedisAddr:     envOr("REDIS_ADDR", "localhost:6379"),
		RedisPassword: envOr("REDIS_PASSWORD", ""),
		RedisDB:       envInt("REDIS_DB", 0),

		NatsURL:        envOr("NATS_URL", "nats://localhost:4222"),
		LivenessWindow: envDuration("LIVENESS_WINDOW", 200*time.Millisecond),

		DatabaseURL: envOr("DATABASE_URL", ""),

		JWKSURL:  envOr("JWKS_URL", ""),
		Issuer:   envOr("JWT_ISSUER", ""),
		Audience: envOr("JWT_AUDIENCE", ""),

		SendQueueSize: envInt("SEND_QUEUE_SIZE", 256),
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logger.Warnf("config: %s=%q is not an int, using %d", key, v, def)
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		logger.Warnf("config: %s=%q is not a duration, using %s", key, v, def)
		return def
	}
	return d
}
