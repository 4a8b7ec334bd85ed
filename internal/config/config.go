package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Fuse          FuseConfig          `yaml:"fuse"`
	Storage       StorageConfig       `yaml:"storage"`
	Database      DatabaseConfig      `yaml:"database"`
	Auth          AuthConfig          `yaml:"auth"`
	Caching       CachingConfig       `yaml:"caching"`
	Sync          SyncConfig          `yaml:"sync"`
	S3            S3Config            `yaml:"s3"`
	Control       ControlConfig       `yaml:"control"`
	Logging       LoggingConfig       `yaml:"logging"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Dev           DevConfig           `yaml:"dev"`
}

type FuseConfig struct {
	RootMountPath string `yaml:"root_mount_path"`
	AllowOther    bool   `yaml:"allow_other"`
	EntryTTLSecs  int    `yaml:"entry_ttl_secs"`
}

type StorageConfig struct {
	BackingRoot string `yaml:"backing_root"`
}

type DatabaseConfig struct {
	Path               string `yaml:"path"`
	PoolSize           int    `yaml:"pool_size"`
	AcquireTimeoutSecs int    `yaml:"acquire_timeout_secs"`
}

type AuthConfig struct {
	JWTSecret              string `yaml:"jwt_secret"`
	TokenExpiryMinutes     int    `yaml:"token_expiry_minutes"`
	RefreshTokenExpiryDays int    `yaml:"refresh_token_expiry_days"`
}

type CachingConfig struct {
	Path       string          `yaml:"path"`
	MaxSizeMB  int64           `yaml:"max_size_mb"`
	Files      CacheLaneConfig `yaml:"files"`
	Thumbnails CacheLaneConfig `yaml:"thumbnails"`
}

type CacheLaneConfig struct {
	ExpiryDays int `yaml:"expiry_days"`
}

type SyncConfig struct {
	IntervalSecs       int `yaml:"interval_secs"`
	HeartbeatSecs      int `yaml:"heartbeat_secs"`
	StallThresholdSecs int `yaml:"stall_threshold_secs"`
	MaxRetries         int `yaml:"max_retries"`
}

type S3Config struct {
	TimeoutSecs     int `yaml:"timeout_secs"`
	PartTimeoutSecs int `yaml:"part_timeout_secs"`
}

type ControlConfig struct {
	SocketPath string `yaml:"socket_path"`
}

type LoggingConfig struct {
	Level  string            `yaml:"level"`
	Levels map[string]string `yaml:"levels"`
}

type NotificationsConfig struct {
	MaxWorkers    int                       `yaml:"max_workers"`
	QueueSize     int                       `yaml:"queue_size"`
	TimeoutSecs   int                       `yaml:"timeout_secs"`
	MaxRetries    int                       `yaml:"max_retries"`
	WebhookURL    string                    `yaml:"webhook_url"`
	Kafka         KafkaNotifyConfig         `yaml:"kafka"`
	NATS          NATSNotifyConfig          `yaml:"nats"`
	Redis         RedisNotifyConfig         `yaml:"redis"`
	AMQP          AMQPNotifyConfig          `yaml:"amqp"`
	Postgres      PostgresNotifyConfig      `yaml:"postgres"`
	Elasticsearch ElasticsearchNotifyConfig `yaml:"elasticsearch"`
}

type KafkaNotifyConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type NATSNotifyConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

type RedisNotifyConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Channel string `yaml:"channel"`
	ListKey string `yaml:"list_key"`
}

type AMQPNotifyConfig struct {
	Enabled    bool   `yaml:"enabled"`
	URL        string `yaml:"url"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
}

type PostgresNotifyConfig struct {
	Enabled bool   `yaml:"enabled"`
	ConnStr string `yaml:"conn_str"`
	Table   string `yaml:"table"`
}

type ElasticsearchNotifyConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Index   string `yaml:"index"`
}

type DevConfig struct {
	Enabled bool `yaml:"enabled"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Defaults returns a config populated with the documented defaults.
func Defaults() *Config {
	return &Config{
		Fuse: FuseConfig{
			RootMountPath: "/mnt/vaulthalla",
			EntryTTLSecs:  60,
		},
		Storage: StorageConfig{
			BackingRoot: "/var/lib/vaulthalla",
		},
		Database: DatabaseConfig{
			Path:               "/var/lib/vaulthalla/metadata.db",
			PoolSize:           10,
			AcquireTimeoutSecs: 5,
		},
		Auth: AuthConfig{
			TokenExpiryMinutes:     30,
			RefreshTokenExpiryDays: 14,
		},
		Caching: CachingConfig{
			Path:       ".cache",
			Files:      CacheLaneConfig{ExpiryDays: 14},
			Thumbnails: CacheLaneConfig{ExpiryDays: 30},
		},
		Sync: SyncConfig{
			IntervalSecs:       300,
			HeartbeatSecs:      10,
			StallThresholdSecs: 120,
			MaxRetries:         3,
		},
		S3: S3Config{
			TimeoutSecs:     60,
			PartTimeoutSecs: 600,
		},
		Control: ControlConfig{
			SocketPath: "/run/vaulthalla.sock",
		},
		Notifications: NotificationsConfig{
			MaxWorkers:  4,
			QueueSize:   256,
			TimeoutSecs: 10,
			MaxRetries:  3,
		},
	}
}

func (c *Config) Validate() error {
	if c.Fuse.RootMountPath == "" {
		return fmt.Errorf("fuse.root_mount_path must be set")
	}
	if c.Storage.BackingRoot == "" {
		return fmt.Errorf("storage.backing_root must be set")
	}
	if c.Database.PoolSize <= 0 {
		return fmt.Errorf("database.pool_size must be positive, got %d", c.Database.PoolSize)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML config values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("VAULTHALLA_MOUNT_PATH"); v != "" {
		cfg.Fuse.RootMountPath = v
	}
	if v := os.Getenv("VAULTHALLA_BACKING_ROOT"); v != "" {
		cfg.Storage.BackingRoot = v
	}
	if v := os.Getenv("VAULTHALLA_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("VAULTHALLA_DB_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Database.PoolSize = n
		}
	}
	if v := os.Getenv("VAULTHALLA_CONTROL_SOCKET"); v != "" {
		cfg.Control.SocketPath = v
	}
	if v := os.Getenv("VAULTHALLA_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("VAULTHALLA_DEV"); v == "1" || v == "true" {
		cfg.Dev.Enabled = true
	}
}
