package di

import (
	"github.com/redis/go-redis/v9"

	"converse/internal/channel"
	"converse/internal/config"
)

func ProvideRedisClient(cfg *config.Config) (*redis.Client, error) {
	return channel.NewRedisClient(cfg.Redis.URL, cfg.Redis.DB)
}
