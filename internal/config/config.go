package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all runtime configuration. It is built once by Load and passed
// by pointer to every component; nothing else reads the environment.
type Config struct {
	Broker   BrokerConfig   `mapstructure:"broker"`
	Reminder ReminderConfig `mapstructure:"reminder"`
	Notifier NotifierConfig `mapstructure:"notifier"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Log      LogConfig      `mapstructure:"log"`
}

// BrokerConfig describes the RabbitMQ endpoint and the connection policy.
type BrokerConfig struct {
	Host        string `mapstructure:"host" validate:"required"`
	Port        int    `mapstructure:"port" validate:"gt=0,lt=65536"`
	VHost       string `mapstructure:"vhost" validate:"required"`
	Username    string `mapstructure:"username" validate:"required"`
	Password    string `mapstructure:"password"`
	Queue       string `mapstructure:"queue" validate:"required"`
	ConsumerTag string `mapstructure:"consumer_tag" validate:"required"`

	// ConnectAttempts bounds the startup/reconnect retry loop.
	ConnectAttempts int           `mapstructure:"connect_attempts" validate:"gt=0"`
	RetryDelay      time.Duration `mapstructure:"retry_delay" validate:"gt=0"`
	// RecoveryInterval is the delay between redials after a dropped connection.
	RecoveryInterval time.Duration `mapstructure:"recovery_interval" validate:"gt=0"`
	Heartbeat        time.Duration `mapstructure:"heartbeat" validate:"gte=0"`
	DialTimeout      time.Duration `mapstructure:"dial_timeout" validate:"gt=0"`

	// FailFast stops the worker when the startup connect budget is exhausted.
	// When false the worker keeps polling without a broker and reconnects on demand.
	FailFast bool `mapstructure:"fail_fast"`
}

// ReminderConfig drives the overdue poller and the publisher.
type ReminderConfig struct {
	APIBaseURL string        `mapstructure:"api_base_url" validate:"required,url"`
	APITimeout time.Duration `mapstructure:"api_timeout" validate:"gt=0"`

	PollIntervalSeconds int `mapstructure:"poll_interval_seconds" validate:"gt=0"`
	// PollSchedule is an optional standard cron expression that replaces the
	// fixed interval, e.g. "0 9 * * *".
	PollSchedule string `mapstructure:"poll_schedule"`

	FetchLimit      int           `mapstructure:"fetch_limit" validate:"gt=0"`
	DedupeWindow    time.Duration `mapstructure:"dedupe_window" validate:"gt=0"`
	ErrorBackoff    time.Duration `mapstructure:"error_backoff" validate:"gt=0"`
	PlaceholderName string        `mapstructure:"placeholder_name" validate:"required"`
	ConsumerEnabled bool          `mapstructure:"consumer_enabled"`
}

// PollInterval returns the configured poll interval as a duration.
func (r ReminderConfig) PollInterval() time.Duration {
	return time.Duration(r.PollIntervalSeconds) * time.Second
}

// NotifierConfig selects the notification sinks used by the consumer.
type NotifierConfig struct {
	// WebhookURL enables the webhook sink in addition to the log sink.
	WebhookURL string        `mapstructure:"webhook_url" validate:"omitempty,url"`
	Timeout    time.Duration `mapstructure:"timeout" validate:"gt=0"`
	// RateLimit is the maximum number of deliveries per second per sink.
	RateLimit int `mapstructure:"rate_limit" validate:"gt=0"`
}

// LedgerConfig selects where dedupe records are kept.
type LedgerConfig struct {
	Backend     string `mapstructure:"backend" validate:"oneof=memory postgres"`
	DatabaseURL string `mapstructure:"database_url" validate:"required_if=Backend postgres"`
	MaxConns    int32  `mapstructure:"max_conns" validate:"gt=0"`
	MinConns    int32  `mapstructure:"min_conns" validate:"gte=0"`
}

// HTTPConfig controls the operational HTTP server (health, readiness, metrics).
type HTTPConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Port            string        `mapstructure:"port" validate:"required,numeric"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
}

// Load reads configuration from defaults, the optional file at path and the
// environment, in increasing order of precedence. Keys map to environment
// variables by upper-casing and replacing dots with underscores, so
// broker.host is read from BROKER_HOST.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints declared in the struct tags.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("broker.host", "localhost")
	v.SetDefault("broker.port", 5672)
	v.SetDefault("broker.vhost", "/")
	v.SetDefault("broker.username", "guest")
	v.SetDefault("broker.password", "guest")
	v.SetDefault("broker.queue", "Remainder")
	v.SetDefault("broker.consumer_tag", "TaskRemainderConsumer")
	v.SetDefault("broker.connect_attempts", 5)
	v.SetDefault("broker.retry_delay", 2*time.Second)
	v.SetDefault("broker.recovery_interval", 10*time.Second)
	v.SetDefault("broker.heartbeat", 10*time.Second)
	v.SetDefault("broker.dial_timeout", 30*time.Second)
	v.SetDefault("broker.fail_fast", true)

	v.SetDefault("reminder.api_base_url", "http://localhost:5000/api")
	v.SetDefault("reminder.api_timeout", 10*time.Second)
	v.SetDefault("reminder.poll_interval_seconds", 300)
	v.SetDefault("reminder.poll_schedule", "")
	v.SetDefault("reminder.fetch_limit", 200)
	v.SetDefault("reminder.dedupe_window", 12*time.Hour)
	v.SetDefault("reminder.error_backoff", 10*time.Second)
	v.SetDefault("reminder.placeholder_name", "Unknown")
	v.SetDefault("reminder.consumer_enabled", true)

	v.SetDefault("notifier.webhook_url", "")
	v.SetDefault("notifier.timeout", 10*time.Second)
	v.SetDefault("notifier.rate_limit", 20)

	v.SetDefault("ledger.backend", "memory")
	v.SetDefault("ledger.database_url", "")
	v.SetDefault("ledger.max_conns", 5)
	v.SetDefault("ledger.min_conns", 1)

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.port", "8081")
	v.SetDefault("http.read_timeout", 5*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.shutdown_timeout", 30*time.Second)

	v.SetDefault("log.level", "info")
}
