// Package config reads the environment shared by the producer, consumer, api and
// webhook binaries.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/Sumit189/cronhook/common/models"
	"github.com/Sumit189/cronhook/common/nextrun"
)

type Config struct {
	PollTick      time.Duration
	PollBatchSize int
	PollWorkers   int
	LockTTL       time.Duration
	LockBackend   string // redis, store or fallback
	MissedPolicy  nextrun.MissedPolicy
	StaleAfter    time.Duration

	DefaultRetry models.RetryPolicy

	StoreBackend    string // sqlite or mongo
	SQLitePath      string
	MongoURI        string
	MongoDatabase   string
	RedisAddress    string
	RedisPassword   string
	RedisDB         int
	QueueBackend    string // kafka or redis
	KafkaBrokers    []string
	KafkaTopic      string
	KafkaGroupID    string
	KafkaSASL       string
	AWSRegion       string
	ConsumerWorkers int
	WebhookTimeout  time.Duration
	WebhookRate     float64
	EncryptionKey   string
	APIAddr         string
	CallbackAddr    string
	InstanceID      string
	LogLevel        string
	LogFile         string
}

// LoadDotEnv loads .env into the process environment. A missing file is fine.
func LoadDotEnv() {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file loaded")
		return
	}
	log.Info().Msg("loaded environment from .env")
}

type reader struct {
	lookup func(string) (string, bool)
	errs   []string
}

func (r *reader) str(key, def string) string {
	if v, ok := r.lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (r *reader) int(key string, def, min int) int {
	v, ok := r.lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		r.errs = append(r.errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	if n < min {
		r.errs = append(r.errs, fmt.Sprintf("%s: must be >= %d", key, min))
		return def
	}
	return n
}

func (r *reader) seconds(key string, def, min int) time.Duration {
	return time.Duration(r.int(key, def, min)) * time.Second
}

func (r *reader) float(key string, def float64) float64 {
	v, ok := r.lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || f <= 0 {
		r.errs = append(r.errs, fmt.Sprintf("%s: must be a positive number", key))
		return def
	}
	return f
}

func (r *reader) oneOf(key, def string, allowed ...string) string {
	v := r.str(key, def)
	for _, a := range allowed {
		if v == a {
			return v
		}
	}
	r.errs = append(r.errs, fmt.Sprintf("%s: %q is not one of %s", key, v, strings.Join(allowed, ", ")))
	return def
}

// Load reads the process environment.
func Load() (Config, error) {
	return load(os.LookupEnv)
}

func load(lookup func(string) (string, bool)) (Config, error) {
	r := &reader{lookup: lookup}
	cfg := Config{
		PollTick:      r.seconds("POLL_TICK_SECONDS", 5, 1),
		PollBatchSize: r.int("POLL_BATCH_SIZE", 100, 1),
		PollWorkers:   r.int("POLL_WORKERS", 8, 1),
		LockTTL:       r.seconds("LOCK_TTL_SECONDS", 30, 1),
		LockBackend:   r.oneOf("LOCK_BACKEND", "fallback", "redis", "store", "fallback"),
		StaleAfter:    r.seconds("RUN_STALE_AFTER_SECONDS", 600, 1),
		DefaultRetry: models.RetryPolicy{
			MaxAttempts:    r.int("DEFAULT_MAX_ATTEMPTS", 3, 1),
			BackoffSeconds: r.int("DEFAULT_BACKOFF_SECONDS", 60, 0),
			BackoffType: models.BackoffType(r.oneOf("DEFAULT_BACKOFF_TYPE", "exponential",
				string(models.BackoffFixed), string(models.BackoffLinear), string(models.BackoffExponential))),
		},
		StoreBackend:    r.oneOf("STORE_BACKEND", "sqlite", "sqlite", "mongo"),
		SQLitePath:      r.str("SQLITE_PATH", "cronhook.db"),
		MongoURI:        r.str("MONGODB_URI", ""),
		MongoDatabase:   r.str("MONGODB_DATABASE", "cronhook"),
		RedisAddress:    r.str("REDIS_ADDRESS", "localhost:6379"),
		RedisPassword:   r.str("REDIS_PASSWORD", ""),
		RedisDB:         r.int("REDIS_DB", 0, 0),
		QueueBackend:    r.oneOf("QUEUE_BACKEND", "kafka", "kafka", "redis"),
		KafkaBrokers:    strings.Split(r.str("KAFKA_BROKERS", "localhost:9092"), ","),
		KafkaTopic:      r.str("KAFKA_TOPIC", "scheduled_tasks"),
		KafkaGroupID:    r.str("KAFKA_GROUP_ID", "schedule_processor_group"),
		KafkaSASL:       r.oneOf("KAFKA_SASL", "none", "none", "aws_msk_iam"),
		AWSRegion:       r.str("AWS_REGION", ""),
		ConsumerWorkers: r.int("CONSUMER_WORKERS", 5, 1),
		WebhookTimeout:  r.seconds("WEBHOOK_TIMEOUT_SECONDS", 30, 1),
		WebhookRate:     r.float("WEBHOOK_RATE_PER_SEC", 50),
		EncryptionKey:   r.str("PAYLOAD_ENCRYPTION_KEY", ""),
		APIAddr:         r.str("API_ADDR", ":8081"),
		CallbackAddr:    r.str("CALLBACK_ADDR", ":8082"),
		InstanceID:      r.str("INSTANCE_ID", defaultInstanceID()),
		LogLevel:        r.str("LOG_LEVEL", "info"),
		LogFile:         r.str("LOG_FILE", ""),
	}

	policy, err := nextrun.ParseMissedPolicy(r.str("MISSED_RUN_POLICY", "skip"))
	if err != nil {
		r.errs = append(r.errs, fmt.Sprintf("MISSED_RUN_POLICY: %v", err))
	}
	cfg.MissedPolicy = policy

	if cfg.StoreBackend == "mongo" && cfg.MongoURI == "" {
		r.errs = append(r.errs, "MONGODB_URI: required when STORE_BACKEND=mongo")
	}
	if cfg.KafkaSASL == "aws_msk_iam" && cfg.AWSRegion == "" {
		r.errs = append(r.errs, "AWS_REGION: required when KAFKA_SASL=aws_msk_iam")
	}
	if cfg.LockTTL >= cfg.StaleAfter {
		r.errs = append(r.errs, "LOCK_TTL_SECONDS: must be shorter than RUN_STALE_AFTER_SECONDS")
	}
	switch len(cfg.EncryptionKey) {
	case 0, 16, 24, 32:
	default:
		r.errs = append(r.errs, "PAYLOAD_ENCRYPTION_KEY: must be 16, 24 or 32 bytes")
	}

	if len(r.errs) > 0 {
		return cfg, fmt.Errorf("config: %s", strings.Join(r.errs, "; "))
	}
	return cfg, nil
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "cronhook"
	}
	return host + "-" + uuid.NewString()[:8]
}
