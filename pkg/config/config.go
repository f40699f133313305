package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Store    StoreConfig    `mapstructure:"store"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Bus      BusConfig      `mapstructure:"bus"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Outbox   OutboxConfig   `mapstructure:"outbox"`
	Inbox    InboxConfig    `mapstructure:"inbox"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type ServerConfig struct {
	MetricsPort     int           `mapstructure:"metrics_port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

type StoreConfig struct {
	Driver  string `mapstructure:"driver" validate:"oneof=postgres memory"`
	Migrate bool   `mapstructure:"migrate"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"min=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	LogQueries      bool          `mapstructure:"log_queries"`
}

type RedisConfig struct {
	Addresses   []string `mapstructure:"addresses"`
	Password    string   `mapstructure:"password"`
	DB          int      `mapstructure:"db"`
	PoolSize    int      `mapstructure:"pool_size"`
	ClusterMode bool     `mapstructure:"cluster_mode"`
}

type BusConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=rabbitmq kafka memory"`
}

type RabbitMQConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	UserName     string        `mapstructure:"user_name"`
	Password     string        `mapstructure:"password"`
	VHost        string        `mapstructure:"vhost"`
	Queue        string        `mapstructure:"queue"`
	Prefetch     int           `mapstructure:"prefetch" validate:"min=0"`
	DialAttempts int           `mapstructure:"dial_attempts" validate:"min=0"`
	DialInterval time.Duration `mapstructure:"dial_interval"`
}

type KafkaConfig struct {
	Brokers     []string `mapstructure:"brokers"`
	ClientID    string   `mapstructure:"client_id"`
	GroupID     string   `mapstructure:"group_id"`
	TopicPrefix string   `mapstructure:"topic_prefix"`
	RetryTopic  string   `mapstructure:"retry_topic"`
	DLQTopic    string   `mapstructure:"dlq_topic"`
	MaxRetries  int      `mapstructure:"max_retries" validate:"min=0"`
}

type OutboxConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	BatchSize      int           `mapstructure:"batch_size" validate:"min=1"`
	Concurrency    int           `mapstructure:"concurrency" validate:"min=1"`
	MaxRetries     int           `mapstructure:"max_retries" validate:"min=1"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" validate:"gt=0"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" validate:"gtefield=InitialBackoff"`
	LeaseTTL       time.Duration `mapstructure:"lease_ttl" validate:"gt=0"`
	NotifyChannel  string        `mapstructure:"notify_channel"`
}

type InboxConfig struct {
	// DataTypes are the message types the consumer subscribes to.
	DataTypes []string      `mapstructure:"data_types"`
	Dedupe    string        `mapstructure:"dedupe" validate:"oneof=redis memory none"`
	DedupeTTL time.Duration `mapstructure:"dedupe_ttl" validate:"gt=0"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/storeflow/")
	v.AddConfigPath(".")

	v.SetEnvPrefix("STOREFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	return decode(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.metrics_port", 9091)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.migrate", true)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "storeflow")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.log_queries", false)
	v.SetDefault("redis.addresses", []string{"localhost:6379"})
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 100)
	v.SetDefault("redis.cluster_mode", false)
	v.SetDefault("bus.driver", "rabbitmq")
	v.SetDefault("rabbitmq.host", "localhost")
	v.SetDefault("rabbitmq.port", 5672)
	v.SetDefault("rabbitmq.user_name", "guest")
	v.SetDefault("rabbitmq.password", "guest")
	v.SetDefault("rabbitmq.vhost", "/")
	v.SetDefault("rabbitmq.queue", "storeflow.inbox")
	v.SetDefault("rabbitmq.prefetch", 16)
	v.SetDefault("rabbitmq.dial_attempts", 10)
	v.SetDefault("rabbitmq.dial_interval", "2s")
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.client_id", "storeflow")
	v.SetDefault("kafka.group_id", "storeflow-inbox")
	v.SetDefault("kafka.topic_prefix", "storeflow.")
	v.SetDefault("kafka.retry_topic", "storeflow.inbox.retry")
	v.SetDefault("kafka.dlq_topic", "storeflow.inbox.dlq")
	v.SetDefault("kafka.max_retries", 3)
	v.SetDefault("outbox.poll_interval", "5s")
	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.concurrency", 1)
	v.SetDefault("outbox.max_retries", 3)
	v.SetDefault("outbox.initial_backoff", "200ms")
	v.SetDefault("outbox.max_backoff", "2h")
	v.SetDefault("outbox.lease_ttl", "30s")
	v.SetDefault("outbox.notify_channel", "store_messages")
	v.SetDefault("inbox.data_types", []string{})
	v.SetDefault("inbox.dedupe", "redis")
	v.SetDefault("inbox.dedupe_ttl", "24h")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the loaded values against their declared constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Store.Driver == "postgres" && c.Database.Host == "" {
		return fmt.Errorf("invalid configuration: database.host is required for the postgres store")
	}
	if c.Inbox.Dedupe == "redis" && len(c.Redis.Addresses) == 0 {
		return fmt.Errorf("invalid configuration: redis.addresses is required for redis dedupe")
	}
	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
