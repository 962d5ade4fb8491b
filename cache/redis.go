package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"dukapay/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis holds the gateway auth token and short-lived reconciliation reports.
// Payment and refund status is never cached; every read goes to the ledger.

func InitRedis(cfg config.Config, logger *zap.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.RedisHost, cfg.RedisPort),
		Password: cfg.RedisPassword,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Redis connection established")
	return rdb, nil
}

func reportKey(start, end string) string {
	return fmt.Sprintf("recon:report:%s:%s", start, end)
}

func GetReport(ctx context.Context, rdb *redis.Client, start, end string, out any) (bool, error) {
	data, err := rdb.Get(ctx, reportKey(start, end)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, err
	}
	return true, nil
}

func SetReport(ctx context.Context, rdb *redis.Client, start, end string, report any, ttl time.Duration) error {
	data, err := json.Marshal(report)
	if err != nil {
		return err
	}
	return rdb.Set(ctx, reportKey(start, end), data, ttl).Err()
}
