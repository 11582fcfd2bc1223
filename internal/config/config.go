package config

import (
	"bytes"
	_ "embed"
	"time"

	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

// ---- Root ----

type Config struct {
	HTTP       HTTPConfig      `mapstructure:"http"`
	Postgres   DatabaseConfig  `mapstructure:"postgres"`
	ClickHouse DatabaseConfig  `mapstructure:"clickhouse"`
	Redis      RedisConfig     `mapstructure:"redis"`
	Kafka      KafkaConfig     `mapstructure:"kafka"`
	SMTP       SMTPConfig      `mapstructure:"smtp"`
	Auth       AuthConfig      `mapstructure:"auth"`
	Scheduler  SchedulerConfig `mapstructure:"scheduler"`
	RateLimit  RateLimitConfig `mapstructure:"rate_limit"`
	Log        LogConfig       `mapstructure:"log"`
}

// ---- Leaf structs ----

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
	// PullRedeliverAfter is how far GET /v1/mail pushes each served
	// dispatch into the future before the unacked row comes back.
	PullRedeliverAfter time.Duration `mapstructure:"pull_redeliver_after"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type KafkaConfig struct {
	Brokers        []string `mapstructure:"brokers"`
	Topic          string   `mapstructure:"topic"`
	GroupID        string   `mapstructure:"group_id"`
	MinBytes       int      `mapstructure:"min_bytes"`
	MaxBytes       int      `mapstructure:"max_bytes"`
	CommitInterval int      `mapstructure:"commit_interval_ms"`
}

type SMTPConfig struct {
	Addr    string `mapstructure:"addr"`
	Domain  string `mapstructure:"domain"`
	MaxSize int64  `mapstructure:"max_size"` // bytes per message
}

type AuthConfig struct {
	JWTSecret   string        `mapstructure:"jwt_secret"`
	TokenExpiry time.Duration `mapstructure:"token_expiry"` // 0 = token without exp claim
	AdminAPIKey string        `mapstructure:"admin_api_key"`
}

type SchedulerConfig struct {
	PollInterval    time.Duration   `mapstructure:"poll_interval"`
	DeliveryTimeout time.Duration   `mapstructure:"delivery_timeout"`
	RefreshInterval time.Duration   `mapstructure:"refresh_interval"`
	Backoff         BackoffConfig   `mapstructure:"backoff"`
	Endpoints       EndpointsConfig `mapstructure:"endpoints"`
}

type BackoffConfig struct {
	Initial    time.Duration `mapstructure:"initial"`
	Max        time.Duration `mapstructure:"max"`
	Multiplier float64       `mapstructure:"multiplier"`
	Jitter     float64       `mapstructure:"jitter"` // 0..1 fraction of the delay
}

type EndpointsConfig struct {
	TimeoutMs     int `mapstructure:"timeout_ms"`
	FailThreshold int `mapstructure:"fail_threshold"`
	OpenForMs     int `mapstructure:"open_for_ms"`
}

type RateLimitConfig struct {
	RPS int `mapstructure:"rps"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads embedded defaults, merges user YAML (if provided), and applies
// env overrides (MAILARC_*).
func Load(path string) (Config, error) {
	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		_ = v.MergeInConfig()
	}

	// env override (MAILARC_*)
	v.SetEnvPrefix("MAILARC")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
