// Package app opens the backends selected by configuration. Each binary calls
// into it from main.
package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sumit189/cronhook/common/config"
	"github.com/Sumit189/cronhook/common/database"
	"github.com/Sumit189/cronhook/common/lock"
	"github.com/Sumit189/cronhook/common/queue"
	"github.com/Sumit189/cronhook/common/repository"
)

// OpenStore connects the configured storage backend and prepares its schema.
func OpenStore(ctx context.Context, cfg config.Config) (repository.Store, func(), error) {
	switch cfg.StoreBackend {
	case "mongo":
		client, err := database.ConnectMongo(ctx, cfg.MongoURI)
		if err != nil {
			return nil, nil, err
		}
		store := repository.NewMongo(client, cfg.MongoDatabase)
		if err := store.EnsureIndexes(ctx); err != nil {
			client.Disconnect(ctx)
			return nil, nil, fmt.Errorf("ensure indexes: %w", err)
		}
		return store, func() { client.Disconnect(context.Background()) }, nil
	default:
		db, err := database.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		if err := repository.EnsureSchema(db); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
		return repository.NewSQLite(db), func() { db.Close() }, nil
	}
}

func needsRedis(cfg config.Config) bool {
	return cfg.QueueBackend == "redis" || cfg.LockBackend != "store"
}

// OpenRedis returns nil when neither the lock nor the queue uses Redis.
func OpenRedis(ctx context.Context, cfg config.Config, log zerolog.Logger) (*redis.Client, error) {
	if !needsRedis(cfg) {
		return nil, nil
	}
	client, err := database.ConnectRedis(ctx, cfg.RedisAddress, cfg.RedisPassword, cfg.RedisDB)
	if err == nil {
		return client, nil
	}
	// the fallback lock can run without Redis, the others cannot
	if cfg.LockBackend == "fallback" && cfg.QueueBackend != "redis" {
		log.Warn().Err(err).Msg("redis unreachable, locking through the store")
		return redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddress,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}), nil
	}
	return nil, err
}

func NewLocks(cfg config.Config, rdb *redis.Client, rows lock.RowLocker, log zerolog.Logger) lock.Coordinator {
	switch cfg.LockBackend {
	case "redis":
		return lock.NewRedis(rdb, cfg.InstanceID)
	case "store":
		return lock.NewStore(rows, cfg.InstanceID)
	default:
		return lock.NewFallback(lock.NewRedis(rdb, cfg.InstanceID), lock.NewStore(rows, cfg.InstanceID), log)
	}
}

func kafkaConfig(cfg config.Config) queue.KafkaConfig {
	return queue.KafkaConfig{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.KafkaTopic,
		GroupID: cfg.KafkaGroupID,
		SASL:    cfg.KafkaSASL,
		Region:  cfg.AWSRegion,
	}
}

type Dispatcher interface {
	queue.Dispatcher
	Close() error
}

func OpenDispatcher(ctx context.Context, cfg config.Config, rdb *redis.Client, log zerolog.Logger) (Dispatcher, error) {
	if cfg.QueueBackend == "redis" {
		return queue.NewRedisQueue(rdb, "", log), nil
	}
	return queue.NewKafkaDispatcher(ctx, kafkaConfig(cfg), log)
}

func OpenSource(ctx context.Context, cfg config.Config, rdb *redis.Client, log zerolog.Logger) (queue.Source, error) {
	if cfg.QueueBackend == "redis" {
		return queue.NewRedisQueue(rdb, "", log), nil
	}
	return queue.NewKafkaSource(ctx, kafkaConfig(cfg), log)
}
