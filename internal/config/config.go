package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v9"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/forgerelay/forgerelay/internal/backoff"
	"github.com/forgerelay/forgerelay/internal/ingest"
	"github.com/forgerelay/forgerelay/internal/models"
	"github.com/forgerelay/forgerelay/internal/mqs"
	"github.com/forgerelay/forgerelay/internal/retry"
)

func getConfigLocations() []string {
	return []string{
		// Relative paths
		".env",
		".forgerelay.yaml",
		"config/forgerelay.yaml",
		"config/forgerelay/config.yaml",
		"config/forgerelay/.env",

		// Container-friendly absolute paths
		"/config/forgerelay.yaml",
		"/config/forgerelay/config.yaml",
		"/config/forgerelay/.env",
	}
}

type Config struct {
	Port int `yaml:"port" env:"PORT"`

	Ingest     IngestConfig     `yaml:"ingest"`
	Store      StoreConfig      `yaml:"store"`
	Redis      RedisConfig      `yaml:"redis"`
	Queue      QueueConfig      `yaml:"queue"`
	Delivery   DeliveryConfig   `yaml:"delivery"`
	Retry      RetryConfig      `yaml:"retry"`
	Security   SecurityConfig   `yaml:"security"`
	Processing ProcessingConfig `yaml:"processing"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

type IngestConfig struct {
	WebhookSecret string `yaml:"webhook_secret" env:"WEBHOOK_SECRET"`
}

type StoreConfig struct {
	// Kind selects the event store driver: "postgres" or "memory".
	Kind        string `yaml:"kind" env:"STORE_KIND"`
	PostgresURL string `yaml:"postgres_url" env:"POSTGRES_URL"`
	// MasterEncryptionSecret derives the per-event keys protecting stored
	// header bundles.
	MasterEncryptionSecret string `yaml:"master_encryption_secret" env:"MASTER_ENCRYPTION_SECRET"`
}

type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST"`
	Port     int    `yaml:"port" env:"REDIS_PORT"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	Database int    `yaml:"database" env:"REDIS_DATABASE"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Enabled reports whether a subscriber cache backend is configured.
func (c RedisConfig) Enabled() bool {
	return c.Host != ""
}

type QueueConfig struct {
	// Kind selects the fan-out queue adapter: "memory", "sqs" or "rabbitmq".
	Kind                     string `yaml:"kind" env:"QUEUE_KIND"`
	MaxRetries               int    `yaml:"max_retries" env:"QUEUE_MAX_RETRIES"`
	VisibilityTimeoutSeconds int    `yaml:"visibility_timeout_seconds" env:"QUEUE_VISIBILITY_TIMEOUT_SECONDS"`
	RetentionPeriodSeconds   int    `yaml:"retention_period_seconds" env:"QUEUE_RETENTION_PERIOD_SECONDS"`
	// DeadLetterThreshold is the queue depth above which readiness degrades.
	DeadLetterThreshold int `yaml:"dead_letter_threshold" env:"QUEUE_DEAD_LETTER_THRESHOLD"`

	SQS      SQSConfig      `yaml:"sqs"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

type SQSConfig struct {
	QueueURL  string `yaml:"queue_url" env:"SQS_QUEUE_URL"`
	Region    string `yaml:"region" env:"SQS_REGION"`
	Endpoint  string `yaml:"endpoint" env:"SQS_ENDPOINT"`
	AccessKey string `yaml:"access_key" env:"SQS_ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" env:"SQS_SECRET_KEY"`
}

type RabbitMQConfig struct {
	ServerURL string `yaml:"server_url" env:"RABBITMQ_SERVER_URL"`
	Exchange  string `yaml:"exchange" env:"RABBITMQ_EXCHANGE"`
	Queue     string `yaml:"queue" env:"RABBITMQ_QUEUE"`
}

// DeliveryConfig holds per-transport delivery timeouts in seconds.
type DeliveryConfig struct {
	WebhookTimeoutSeconds   int    `yaml:"webhook_timeout_seconds" env:"DELIVERY_WEBHOOK_TIMEOUT_SECONDS"`
	PubSubTimeoutSeconds    int    `yaml:"pubsub_timeout_seconds" env:"DELIVERY_PUBSUB_TIMEOUT_SECONDS"`
	LogStreamTimeoutSeconds int    `yaml:"log_stream_timeout_seconds" env:"DELIVERY_LOG_STREAM_TIMEOUT_SECONDS"`
	QueueTimeoutSeconds     int    `yaml:"queue_timeout_seconds" env:"DELIVERY_QUEUE_TIMEOUT_SECONDS"`
	EventBusTimeoutSeconds  int    `yaml:"event_bus_timeout_seconds" env:"DELIVERY_EVENT_BUS_TIMEOUT_SECONDS"`
	AMQPTimeoutSeconds      int    `yaml:"amqp_timeout_seconds" env:"DELIVERY_AMQP_TIMEOUT_SECONDS"`
	MaxConcurrency          int    `yaml:"max_concurrency" env:"DELIVERY_MAX_CONCURRENCY"`
	UserAgent               string `yaml:"user_agent" env:"DELIVERY_USER_AGENT"`
	AllowInsecureWebhooks   bool   `yaml:"allow_insecure_webhooks" env:"DELIVERY_ALLOW_INSECURE_WEBHOOKS"`
}

// Timeout returns the configured delivery timeout for a transport kind,
// or zero when unset so adapters fall back to their own defaults.
func (c DeliveryConfig) Timeout(kind models.TransportKind) time.Duration {
	seconds := 0
	switch kind {
	case models.TransportKindWebhook:
		seconds = c.WebhookTimeoutSeconds
	case models.TransportKindPubSub:
		seconds = c.PubSubTimeoutSeconds
	case models.TransportKindLogStream:
		seconds = c.LogStreamTimeoutSeconds
	case models.TransportKindQueue:
		seconds = c.QueueTimeoutSeconds
	case models.TransportKindEventBus:
		seconds = c.EventBusTimeoutSeconds
	case models.TransportKindAMQP:
		seconds = c.AMQPTimeoutSeconds
	}
	return time.Duration(seconds) * time.Second
}

type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts" env:"RETRY_MAX_ATTEMPTS"`
	// BackoffStrategy is "linear" or "exponential".
	BackoffStrategy string `yaml:"backoff_strategy" env:"RETRY_BACKOFF_STRATEGY"`
	InitialDelayMS  int    `yaml:"initial_delay_ms" env:"RETRY_INITIAL_DELAY_MS"`
	MaxDelayMS      int    `yaml:"max_delay_ms" env:"RETRY_MAX_DELAY_MS"`
	// RetryableStatusCodes overrides the default transient set when set.
	RetryableStatusCodes []int `yaml:"retryable_status_codes" env:"RETRY_RETRYABLE_STATUS_CODES" envSeparator:","`
}

type SecurityConfig struct {
	RateLimitingEnabled bool     `yaml:"rate_limiting_enabled" env:"SECURITY_RATE_LIMITING_ENABLED"`
	RequestsPerMinute   int      `yaml:"requests_per_minute" env:"SECURITY_REQUESTS_PER_MINUTE"`
	PayloadSizeLimitMB  int      `yaml:"payload_size_limit_mb" env:"SECURITY_PAYLOAD_SIZE_LIMIT_MB"`
	IPAllowlist         []string `yaml:"ip_allowlist" env:"SECURITY_IP_ALLOWLIST" envSeparator:","`
}

type ProcessingConfig struct {
	BatchSize            int `yaml:"batch_size" env:"PROCESSING_BATCH_SIZE"`
	ProcessingIntervalMS int `yaml:"processing_interval_ms" env:"PROCESSING_INTERVAL_MS"`
	// Async moves fan-out behind the queue; responses then report
	// acceptance instead of delivery outcomes.
	Async bool `yaml:"async" env:"PROCESSING_ASYNC"`
}

type MonitoringConfig struct {
	LogLevel             string `yaml:"log_level" env:"LOG_LEVEL"`
	FailedDeliveryAlerts bool   `yaml:"failed_delivery_alerts" env:"FAILED_DELIVERY_ALERTS"`
	// FailureRateThreshold degrades readiness when the trailing-hour
	// delivery failure rate crosses it.
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" env:"FAILURE_RATE_THRESHOLD"`
}

var (
	ErrMissingWebhookSecret    = errors.New("missing ingest webhook secret")
	ErrMissingEncryptionSecret = errors.New("missing master encryption secret")
	ErrMissingPostgresURL      = errors.New("missing postgres url for postgres store")
	ErrInvalidStoreKind        = errors.New("invalid store kind")
	ErrInvalidBackoffStrategy  = errors.New("invalid retry backoff strategy")
)

const (
	StoreKindPostgres = "postgres"
	StoreKindMemory   = "memory"
)

func (c *Config) initDefaults() {
	c.Port = 8080
	c.Store.Kind = StoreKindPostgres
	c.Redis.Port = 6379
	c.Queue.Kind = mqs.KindMemory
	c.Queue.MaxRetries = 5
	c.Queue.VisibilityTimeoutSeconds = 30
	c.Queue.RetentionPeriodSeconds = 86400
	c.Queue.DeadLetterThreshold = 1000
	c.Delivery.WebhookTimeoutSeconds = 30
	c.Delivery.MaxConcurrency = 10
	c.Delivery.UserAgent = "forgerelay/1.0"
	c.Retry.MaxAttempts = 5
	c.Retry.BackoffStrategy = "exponential"
	c.Retry.InitialDelayMS = 1000
	c.Retry.MaxDelayMS = 300_000
	c.Security.RateLimitingEnabled = true
	c.Security.RequestsPerMinute = 600
	c.Security.PayloadSizeLimitMB = 10
	c.Processing.BatchSize = 50
	c.Processing.ProcessingIntervalMS = 5000
	c.Monitoring.LogLevel = "info"
	c.Monitoring.FailureRateThreshold = 0.5
}

func (c *Config) parseConfigFile(flagPath string, osInterface OSInterface) error {
	// Config file path comes from the flag or the CONFIG env var.
	configPath := flagPath
	if envPath := osInterface.Getenv("CONFIG"); envPath != "" {
		if configPath != "" && configPath != envPath {
			return fmt.Errorf("conflicting config paths: flag=%s env=%s", configPath, envPath)
		}
		configPath = envPath
	}

	if configPath == "" {
		for _, loc := range getConfigLocations() {
			if _, err := osInterface.Stat(loc); err == nil {
				configPath = loc
				break
			}
		}
	}

	if configPath == "" {
		return nil
	}

	data, err := osInterface.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}

	if strings.HasSuffix(strings.ToLower(configPath), ".env") {
		envMap, err := godotenv.Unmarshal(string(data))
		if err != nil {
			return fmt.Errorf("error loading .env file: %w", err)
		}
		if err := env.ParseWithOptions(c, env.Options{
			Environment: envMap,
		}); err != nil {
			return fmt.Errorf("error parsing .env file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("error parsing yaml config: %w", err)
		}
	}
	return nil
}

func (c *Config) parseEnvVariables() error {
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("error parsing environment variables: %w", err)
	}
	return nil
}

func (c *Config) validate() error {
	if c.Ingest.WebhookSecret == "" {
		return ErrMissingWebhookSecret
	}
	switch c.Store.Kind {
	case StoreKindPostgres:
		if c.Store.PostgresURL == "" {
			return ErrMissingPostgresURL
		}
		if c.Store.MasterEncryptionSecret == "" {
			return ErrMissingEncryptionSecret
		}
	case StoreKindMemory:
		if c.Store.MasterEncryptionSecret == "" {
			return ErrMissingEncryptionSecret
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStoreKind, c.Store.Kind)
	}
	switch c.Retry.BackoffStrategy {
	case "linear", "exponential":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidBackoffStrategy, c.Retry.BackoffStrategy)
	}
	return nil
}

type Flags struct {
	Config string
}

func Parse(flags Flags) (*Config, error) {
	return ParseWithOS(flags, defaultOS)
}

func ParseWithOS(flags Flags, osInterface OSInterface) (*Config, error) {
	var config Config

	config.initDefaults()

	if err := config.parseConfigFile(flags.Config, osInterface); err != nil {
		return nil, err
	}

	// Environment variables take highest priority.
	if err := config.parseEnvVariables(); err != nil {
		return nil, err
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// ToRetryPolicy builds the delivery retry policy from the retry section.
func (c *Config) ToRetryPolicy() *retry.Policy {
	initial := time.Duration(c.Retry.InitialDelayMS) * time.Millisecond
	max := time.Duration(c.Retry.MaxDelayMS) * time.Millisecond

	var strategy backoff.Backoff
	switch c.Retry.BackoffStrategy {
	case "linear":
		strategy = &backoff.LinearBackoff{Interval: initial, Max: max}
	default:
		strategy = &backoff.ExponentialBackoff{Interval: initial, Max: max}
	}

	policy := &retry.Policy{
		MaxAttempts: c.Retry.MaxAttempts,
		Backoff:     &backoff.JitterBackoff{Base: strategy, Fraction: 0.1},
	}
	if len(c.Retry.RetryableStatusCodes) > 0 {
		policy.RetryableStatusCodes = c.Retry.RetryableStatusCodes
	}
	return policy
}

// ToMQConfig builds the fan-out queue config from the queue section.
func (c *Config) ToMQConfig() mqs.QueueConfig {
	return mqs.QueueConfig{
		Kind:              c.Queue.Kind,
		VisibilityTimeout: time.Duration(c.Queue.VisibilityTimeoutSeconds) * time.Second,
		RetentionPeriod:   time.Duration(c.Queue.RetentionPeriodSeconds) * time.Second,
		MaxAttempts:       c.Queue.MaxRetries,
		SQS: &mqs.SQSConfig{
			QueueURL:  c.Queue.SQS.QueueURL,
			Region:    c.Queue.SQS.Region,
			Endpoint:  c.Queue.SQS.Endpoint,
			AccessKey: c.Queue.SQS.AccessKey,
			SecretKey: c.Queue.SQS.SecretKey,
		},
		RabbitMQ: &mqs.RabbitMQConfig{
			ServerURL: c.Queue.RabbitMQ.ServerURL,
			Exchange:  c.Queue.RabbitMQ.Exchange,
			Queue:     c.Queue.RabbitMQ.Queue,
		},
	}
}

// ToIngestConfig builds the admission config from the ingest and
// security sections.
func (c *Config) ToIngestConfig() ingest.Config {
	cfg := ingest.Config{
		Secret:          c.Ingest.WebhookSecret,
		MaxPayloadBytes: int64(c.Security.PayloadSizeLimitMB) << 20,
		AllowedIPs:      c.Security.IPAllowlist,
	}
	if c.Security.RateLimitingEnabled {
		cfg.RequestsPerMinute = c.Security.RequestsPerMinute
	}
	return cfg
}
