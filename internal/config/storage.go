package config

import (
	"github.com/spf13/viper"
)

// Storage selects the backing store. An empty PostgresDSN runs the node
// on the in-memory store, which is only useful for development.
type Storage struct {
	PostgresDSN string
	RedisAddr   string
	NATSURL     string
	WebhookURL  string
}

const (
	Cfg_storage_postgresDSN = "storage.postgres_dsn"
	Cfg_storage_redisAddr   = "storage.redis_addr"
	Cfg_storage_natsURL     = "storage.nats_url"
	Cfg_storage_webhookURL  = "alerts.webhook_url"
)

func buildStorageConfig() (*Storage, error) {
	return &Storage{
		PostgresDSN: viper.GetString(Cfg_storage_postgresDSN),
		RedisAddr:   viper.GetString(Cfg_storage_redisAddr),
		NATSURL:     viper.GetString(Cfg_storage_natsURL),
		WebhookURL:  viper.GetString(Cfg_storage_webhookURL),
	}, nil
}
