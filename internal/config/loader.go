package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("DSC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("channel.heartbeat_interval", "30s")
	v.SetDefault("channel.reconnect_base_delay", "1s")
	v.SetDefault("channel.reconnect_max_delay", "30s")
	v.SetDefault("channel.reconnect_factor", 1.5)
	v.SetDefault("channel.max_reconnect_attempts", 10)
	v.SetDefault("channel.outbound_buffer_size", 256)

	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.base_delay", "200ms")
	v.SetDefault("retry.max_delay", "10s")
	v.SetDefault("retry.backoff_factor", 2.0)
	v.SetDefault("retry.request_timeout", "15s")
	v.SetDefault("retry.retry_post", true)

	v.SetDefault("breaker.max_failures", 5)
	v.SetDefault("breaker.window", "1m")
	v.SetDefault("breaker.reset_timeout", "30s")

	v.SetDefault("queue.path", "dispatch-sync.db")
	v.SetDefault("queue.retry_ceiling", 5)
	v.SetDefault("queue.failed_cap", 100)

	v.SetDefault("resolver.default_strategy", "newest_wins")
	v.SetDefault("resolver.timestamp_field", "updatedAt")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", "@every 30s")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8091)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
