package config

import (
	"time"
)

type Config struct {
	Remote    RemoteConfig    `mapstructure:"remote"`
	Channel   ChannelConfig   `mapstructure:"channel"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Resolver  ResolverConfig  `mapstructure:"resolver"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// RemoteConfig points at the dispatch API this client writes to.
type RemoteConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

type ChannelConfig struct {
	URL                  string  `mapstructure:"url"`
	Token                string  `mapstructure:"token"`
	HeartbeatInterval    string  `mapstructure:"heartbeat_interval"`
	ReconnectBaseDelay   string  `mapstructure:"reconnect_base_delay"`
	ReconnectMaxDelay    string  `mapstructure:"reconnect_max_delay"`
	ReconnectFactor      float64 `mapstructure:"reconnect_factor"`
	MaxReconnectAttempts int     `mapstructure:"max_reconnect_attempts"`
	OutboundBufferSize   int     `mapstructure:"outbound_buffer_size"`
}

func (c ChannelConfig) GetHeartbeatInterval() time.Duration {
	return parseDuration(c.HeartbeatInterval, 30*time.Second)
}

func (c ChannelConfig) GetReconnectBaseDelay() time.Duration {
	return parseDuration(c.ReconnectBaseDelay, time.Second)
}

func (c ChannelConfig) GetReconnectMaxDelay() time.Duration {
	return parseDuration(c.ReconnectMaxDelay, 30*time.Second)
}

type RetryConfig struct {
	MaxRetries     int     `mapstructure:"max_retries"`
	BaseDelay      string  `mapstructure:"base_delay"`
	MaxDelay       string  `mapstructure:"max_delay"`
	BackoffFactor  float64 `mapstructure:"backoff_factor"`
	RequestTimeout string  `mapstructure:"request_timeout"`
	RetryPost      bool    `mapstructure:"retry_post"`
}

func (c RetryConfig) GetBaseDelay() time.Duration {
	return parseDuration(c.BaseDelay, 200*time.Millisecond)
}

func (c RetryConfig) GetMaxDelay() time.Duration {
	return parseDuration(c.MaxDelay, 10*time.Second)
}

func (c RetryConfig) GetRequestTimeout() time.Duration {
	return parseDuration(c.RequestTimeout, 15*time.Second)
}

type BreakerConfig struct {
	MaxFailures  int    `mapstructure:"max_failures"`
	Window       string `mapstructure:"window"`
	ResetTimeout string `mapstructure:"reset_timeout"`
}

func (c BreakerConfig) GetWindow() time.Duration {
	return parseDuration(c.Window, time.Minute)
}

func (c BreakerConfig) GetResetTimeout() time.Duration {
	return parseDuration(c.ResetTimeout, 30*time.Second)
}

type QueueConfig struct {
	Path         string `mapstructure:"path"`
	RetryCeiling int    `mapstructure:"retry_ceiling"`
	FailedCap    int    `mapstructure:"failed_cap"`
}

type ResolverConfig struct {
	DefaultStrategy string `mapstructure:"default_strategy"`
	TimestampField  string `mapstructure:"timestamp_field"`
	SystemABaseURL  string `mapstructure:"system_a_base_url"`
	SystemBBaseURL  string `mapstructure:"system_b_base_url"`
}

type SchedulerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Interval string `mapstructure:"interval"`
}

type ServerConfig struct {
	Port         int      `mapstructure:"port"`
	Host         string   `mapstructure:"host"`
	AuthToken    string   `mapstructure:"auth_token"`
	ReadTimeout  string   `mapstructure:"read_timeout"`
	WriteTimeout string   `mapstructure:"write_timeout"`
	CorsOrigins  []string `mapstructure:"cors_origins"`
}

func (s ServerConfig) GetReadTimeout() time.Duration {
	return parseDuration(s.ReadTimeout, 10*time.Second)
}

func (s ServerConfig) GetWriteTimeout() time.Duration {
	return parseDuration(s.WriteTimeout, 10*time.Second)
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
