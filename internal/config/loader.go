package config

import (
	"strconv"
	"time"

	"github.com/spf13/viper"
)

type AppConfig struct {
	Env         string `mapstructure:"env"`
	Port        int    `mapstructure:"port"`
	MetricsPort int    `mapstructure:"metrics_port"`
	LogLevel    string `mapstructure:"log_level"`
}

func (a AppConfig) PortString() string { return strconv.Itoa(a.Port) }

type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type KafkaConfig struct {
	Brokers          []string `mapstructure:"brokers"`
	TopicMessageSent string   `mapstructure:"topic_message_sent"`
}

type JWTConfig struct {
	Algorithm     string `mapstructure:"algorithm"`
	HSSecret      string `mapstructure:"hs_secret"`
	PublicKeyPath string `mapstructure:"public_key_path"`
}

type WSConfig struct {
	PingIntervalSeconds     int   `mapstructure:"ping_interval_seconds"`
	WriteDeadlineSeconds    int   `mapstructure:"write_deadline_seconds"`
	HeartbeatTimeoutSeconds int   `mapstructure:"heartbeat_timeout_seconds"`
	SendBuffer              int   `mapstructure:"send_buffer"`
	MaxMessageSizeBytes     int64 `mapstructure:"max_message_size_bytes"`
}

type CoordinatorConfig struct {
	AppendTimeoutSeconds int  `mapstructure:"append_timeout_seconds"`
	RetryBaseMillis      int  `mapstructure:"retry_base_millis"`
	RetryMaxAttempts     int  `mapstructure:"retry_max_attempts"`
	TypingTTLSeconds     int  `mapstructure:"typing_ttl_seconds"`
	CrossInstance        bool `mapstructure:"cross_instance"`
}

type MembershipConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

type RateLimitConfig struct {
	PerSecond float64 `mapstructure:"per_second"`
	Burst     int     `mapstructure:"burst"`
}

type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Mongo       MongoConfig       `mapstructure:"mongo"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	JWT         JWTConfig         `mapstructure:"jwt"`
	WS          WSConfig          `mapstructure:"ws"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Membership  MembershipConfig  `mapstructure:"membership"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`

	// derived
	PingInterval     time.Duration
	WriteDeadline    time.Duration
	HeartbeatTimeout time.Duration
	AppendTimeout    time.Duration
	RetryBase        time.Duration
	TypingTTL        time.Duration
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, err
	}
	c.fillDefaults()
	return &c, nil
}

func (c *Config) fillDefaults() {
	if c.App.Port == 0 {
		c.App.Port = 8080
	}
	if c.App.MetricsPort == 0 {
		c.App.MetricsPort = 9090
	}
	if c.Mongo.Database == "" {
		c.Mongo.Database = "realtime"
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "rt"
	}
	if c.JWT.Algorithm == "" {
		c.JWT.Algorithm = "HS256"
	}
	if c.WS.PingIntervalSeconds == 0 {
		c.WS.PingIntervalSeconds = 25
	}
	if c.WS.WriteDeadlineSeconds == 0 {
		c.WS.WriteDeadlineSeconds = 10
	}
	if c.WS.HeartbeatTimeoutSeconds == 0 {
		c.WS.HeartbeatTimeoutSeconds = 30
	}
	if c.WS.SendBuffer == 0 {
		c.WS.SendBuffer = 256
	}
	if c.WS.MaxMessageSizeBytes == 0 {
		c.WS.MaxMessageSizeBytes = 64 * 1024
	}
	if c.Coordinator.AppendTimeoutSeconds == 0 {
		c.Coordinator.AppendTimeoutSeconds = 5
	}
	if c.Coordinator.RetryBaseMillis == 0 {
		c.Coordinator.RetryBaseMillis = 500
	}
	if c.Coordinator.RetryMaxAttempts == 0 {
		c.Coordinator.RetryMaxAttempts = 5
	}
	if c.Coordinator.TypingTTLSeconds == 0 {
		c.Coordinator.TypingTTLSeconds = 2
	}
	if c.Membership.TimeoutSeconds == 0 {
		c.Membership.TimeoutSeconds = 3
	}
	if c.RateLimit.PerSecond == 0 {
		c.RateLimit.PerSecond = 50
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 100
	}

	c.PingInterval = time.Duration(c.WS.PingIntervalSeconds) * time.Second
	c.WriteDeadline = time.Duration(c.WS.WriteDeadlineSeconds) * time.Second
	c.HeartbeatTimeout = time.Duration(c.WS.HeartbeatTimeoutSeconds) * time.Second
	c.AppendTimeout = time.Duration(c.Coordinator.AppendTimeoutSeconds) * time.Second
	c.RetryBase = time.Duration(c.Coordinator.RetryBaseMillis) * time.Millisecond
	c.TypingTTL = time.Duration(c.Coordinator.TypingTTLSeconds) * time.Second
}
