package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the deliverytrack processes.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Redis     RedisConfig     `yaml:"redis"`
	Tracking  TrackingConfig  `yaml:"tracking"`
	Policy    PolicyConfig    `yaml:"policy"`
	Retention RetentionConfig `yaml:"retention"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Transport TransportConfig `yaml:"transport"`
	SQS       SQSConfig       `yaml:"sqs"`
	Export    ExportConfig    `yaml:"export"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	LogLevel  string          `yaml:"log_level"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host               string   `yaml:"host"`
	Port               int      `yaml:"port"`
	ReadTimeoutSec     int      `yaml:"read_timeout_seconds"`
	WriteTimeoutSec    int      `yaml:"write_timeout_seconds"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
}

// Addr returns host:port for http.Server.
func (c ServerConfig) Addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver       string `yaml:"driver"` // "postgres" or "bolt"
	DatabaseURL  string `yaml:"database_url"`
	BoltPath     string `yaml:"bolt_path"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig enables the Redis-backed retry queue and sweep lock.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// TrackingConfig holds the public tracking endpoint settings.
type TrackingConfig struct {
	BaseURL    string `yaml:"base_url"`
	SigningKey string `yaml:"signing_key"`
	Port       int    `yaml:"port"`

	// ClickRedirectStatus is 302 or 307.
	ClickRedirectStatus int `yaml:"click_redirect_status"`
}

// PolicyConfig tunes the bounce policy.
type PolicyConfig struct {
	SoftBounceWindowHours int `yaml:"soft_bounce_window_hours"`
	SoftBounceThreshold   int `yaml:"soft_bounce_threshold"`
	TemporaryTTLHours     int `yaml:"temporary_ttl_hours"`
	RetryMaxAttempts      int `yaml:"retry_max_attempts"`
	RetryPollIntervalSec  int `yaml:"retry_poll_interval_seconds"`
}

// SoftBounceWindow is the trailing window for soft bounce escalation.
func (c PolicyConfig) SoftBounceWindow() time.Duration {
	return time.Duration(c.SoftBounceWindowHours) * time.Hour
}

// TemporaryTTL is the lifetime of a temporary suppression.
func (c PolicyConfig) TemporaryTTL() time.Duration {
	return time.Duration(c.TemporaryTTLHours) * time.Hour
}

// RetryPollInterval is the idle wait of the suppression retry drainer.
func (c PolicyConfig) RetryPollInterval() time.Duration {
	return time.Duration(c.RetryPollIntervalSec) * time.Second
}

// RetentionConfig controls the cleanup sweeps.
type RetentionConfig struct {
	DeliveryDays    int `yaml:"delivery_days"`
	IntervalMinutes int `yaml:"interval_minutes"`
	BatchSize       int `yaml:"batch_size"`
}

// Horizon is how long terminal delivery records are kept.
func (c RetentionConfig) Horizon() time.Duration {
	return time.Duration(c.DeliveryDays) * 24 * time.Hour
}

// Interval is the sweep period.
func (c RetentionConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// RealtimeConfig tunes the broadcaster.
type RealtimeConfig struct {
	SubscriberBuffer int    `yaml:"subscriber_buffer"`
	RecentEvents     int    `yaml:"recent_events"`
	DebounceMillis   int    `yaml:"debounce_millis"`
	OverflowPolicy   string `yaml:"overflow_policy"` // "drop_oldest" or "disconnect"
	NotifyChannel    string `yaml:"notify_channel"`
}

// Debounce is the snapshot coalescing delay.
func (c RealtimeConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMillis) * time.Millisecond
}

// TransportConfig selects and configures the mail transport.
type TransportConfig struct {
	Type        string          `yaml:"type"` // "ses", "sparkpost" or "log"
	FromEmail   string          `yaml:"from_email"`
	FromName    string          `yaml:"from_name"`
	MaxAttempts int             `yaml:"max_attempts"`
	SES         SESConfig       `yaml:"ses"`
	SparkPost   SparkPostConfig `yaml:"sparkpost"`
}

// SESConfig holds AWS SES v2 settings.
type SESConfig struct {
	Region           string `yaml:"region"`
	AccessKey        string `yaml:"access_key"`
	SecretKey        string `yaml:"secret_key"`
	ConfigurationSet string `yaml:"configuration_set"`

	// SNSTopicARNs restricts the SES webhook to these topics when set.
	SNSTopicARNs []string `yaml:"sns_topic_arns"`
}

// SparkPostConfig holds SparkPost API settings.
type SparkPostConfig struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	WebhookUser    string `yaml:"webhook_user"`
	WebhookPass    string `yaml:"webhook_pass"`
}

// Timeout returns the HTTP client timeout.
func (c SparkPostConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SQSConfig enables the asynchronous tracking pipeline.
type SQSConfig struct {
	TrackingQueueURL string `yaml:"tracking_queue_url"`
	Region           string `yaml:"region"`
}

// ExportConfig configures suppression exports to S3.
type ExportConfig struct {
	S3Bucket string `yaml:"s3_bucket"`
	S3Prefix string `yaml:"s3_prefix"`
	S3Region string `yaml:"s3_region"`
}

// KafkaConfig enables the provider event consumer.
type KafkaConfig struct {
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	GroupID  string   `yaml:"group_id"`
	DLQTopic string   `yaml:"dlq_topic"`
}

// Enabled reports whether a consumer should be started.
func (c KafkaConfig) Enabled() bool { return len(c.Brokers) > 0 && c.Topic != "" }

// TelemetryConfig holds OTLP export settings.
type TelemetryConfig struct {
	ServiceName  string  `yaml:"service_name"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRatio  float64 `yaml:"sample_ratio"`
}

// Load reads a YAML file and applies defaults. An empty path yields the
// defaults alone.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.ReadTimeoutSec == 0 {
		cfg.Server.ReadTimeoutSec = 15
	}
	if cfg.Server.WriteTimeoutSec == 0 {
		cfg.Server.WriteTimeoutSec = 30
	}
	if len(cfg.Server.CORSAllowedOrigins) == 0 {
		cfg.Server.CORSAllowedOrigins = []string{"*"}
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "postgres"
	}
	if cfg.Storage.BoltPath == "" {
		cfg.Storage.BoltPath = "deliverytrack.db"
	}
	if cfg.Storage.MaxOpenConns == 0 {
		cfg.Storage.MaxOpenConns = 25
	}
	if cfg.Storage.MaxIdleConns == 0 {
		cfg.Storage.MaxIdleConns = 5
	}
	if cfg.Tracking.Port == 0 {
		cfg.Tracking.Port = 8081
	}
	if cfg.Tracking.ClickRedirectStatus == 0 {
		cfg.Tracking.ClickRedirectStatus = 302
	}
	if cfg.Policy.SoftBounceWindowHours == 0 {
		cfg.Policy.SoftBounceWindowHours = 7 * 24
	}
	if cfg.Policy.SoftBounceThreshold == 0 {
		cfg.Policy.SoftBounceThreshold = 3
	}
	if cfg.Policy.TemporaryTTLHours == 0 {
		cfg.Policy.TemporaryTTLHours = 24
	}
	if cfg.Policy.RetryMaxAttempts == 0 {
		cfg.Policy.RetryMaxAttempts = 8
	}
	if cfg.Policy.RetryPollIntervalSec == 0 {
		cfg.Policy.RetryPollIntervalSec = 5
	}
	if cfg.Retention.DeliveryDays == 0 {
		cfg.Retention.DeliveryDays = 90
	}
	if cfg.Retention.IntervalMinutes == 0 {
		cfg.Retention.IntervalMinutes = 60
	}
	if cfg.Retention.BatchSize == 0 {
		cfg.Retention.BatchSize = 5000
	}
	if cfg.Realtime.SubscriberBuffer == 0 {
		cfg.Realtime.SubscriberBuffer = 64
	}
	if cfg.Realtime.RecentEvents == 0 {
		cfg.Realtime.RecentEvents = 50
	}
	if cfg.Realtime.DebounceMillis == 0 {
		cfg.Realtime.DebounceMillis = 250
	}
	if cfg.Realtime.OverflowPolicy == "" {
		cfg.Realtime.OverflowPolicy = "drop_oldest"
	}
	if cfg.Realtime.NotifyChannel == "" {
		cfg.Realtime.NotifyChannel = "delivery_events"
	}
	if cfg.Transport.Type == "" {
		cfg.Transport.Type = "log"
	}
	if cfg.Transport.MaxAttempts == 0 {
		cfg.Transport.MaxAttempts = 3
	}
	if cfg.Transport.SES.Region == "" {
		cfg.Transport.SES.Region = "us-west-2"
	}
	if cfg.Transport.SparkPost.BaseURL == "" {
		cfg.Transport.SparkPost.BaseURL = "https://api.sparkpost.com/api/v1"
	}
	if cfg.Transport.SparkPost.TimeoutSeconds == 0 {
		cfg.Transport.SparkPost.TimeoutSeconds = 30
	}
	if cfg.SQS.Region == "" {
		cfg.SQS.Region = cfg.Transport.SES.Region
	}
	if cfg.Export.S3Prefix == "" {
		cfg.Export.S3Prefix = "suppressions/"
	}
	if cfg.Export.S3Region == "" {
		cfg.Export.S3Region = cfg.Transport.SES.Region
	}
	if cfg.Kafka.GroupID == "" {
		cfg.Kafka.GroupID = "deliverytrack"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "deliverytrack"
	}
	if cfg.Telemetry.SampleRatio == 0 {
		cfg.Telemetry.SampleRatio = 1
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// A .env file is read first when present so local secrets can live there.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = n
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DatabaseURL = v
	}
	if v := os.Getenv("STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("BOLT_PATH"); v != "" {
		cfg.Storage.BoltPath = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("TRACKING_BASE_URL"); v != "" {
		cfg.Tracking.BaseURL = v
	}
	if v := os.Getenv("SIGNING_KEY"); v != "" {
		cfg.Tracking.SigningKey = v
	}
	if v := os.Getenv("TRANSPORT_TYPE"); v != "" {
		cfg.Transport.Type = v
	}
	if v := os.Getenv("AWS_SES_ACCESS_KEY"); v != "" {
		cfg.Transport.SES.AccessKey = v
	}
	if v := os.Getenv("AWS_SES_SECRET_KEY"); v != "" {
		cfg.Transport.SES.SecretKey = v
	}
	if v := os.Getenv("AWS_SES_REGION"); v != "" {
		cfg.Transport.SES.Region = v
	}
	if v := os.Getenv("SES_SNS_TOPIC_ARNS"); v != "" {
		cfg.Transport.SES.SNSTopicARNs = strings.Split(v, ",")
	}
	if v := os.Getenv("SPARKPOST_API_KEY"); v != "" {
		cfg.Transport.SparkPost.APIKey = v
	}
	if v := os.Getenv("SPARKPOST_BASE_URL"); v != "" {
		cfg.Transport.SparkPost.BaseURL = v
	}
	if v := os.Getenv("SQS_TRACKING_QUEUE_URL"); v != "" {
		cfg.SQS.TrackingQueueURL = v
	}
	if v := os.Getenv("EXPORT_S3_BUCKET"); v != "" {
		cfg.Export.S3Bucket = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("KAFKA_TOPIC"); v != "" {
		cfg.Kafka.Topic = v
	}
	if v := os.Getenv("KAFKA_DLQ_TOPIC"); v != "" {
		cfg.Kafka.DLQTopic = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg, nil
}

// Validate reports configuration that would prevent a process from
// starting.
func (cfg *Config) Validate() error {
	switch cfg.Storage.Driver {
	case "postgres":
		if cfg.Storage.DatabaseURL == "" {
			return fmt.Errorf("storage: database_url is required for the postgres driver")
		}
	case "bolt":
	default:
		return fmt.Errorf("storage: unknown driver %q", cfg.Storage.Driver)
	}
	if cfg.Tracking.BaseURL == "" {
		return fmt.Errorf("tracking: base_url is required")
	}
	if cfg.Tracking.SigningKey == "" {
		return fmt.Errorf("tracking: signing_key is required")
	}
	switch cfg.Realtime.OverflowPolicy {
	case "drop_oldest", "disconnect":
	default:
		return fmt.Errorf("realtime: unknown overflow_policy %q", cfg.Realtime.OverflowPolicy)
	}
	switch cfg.Transport.Type {
	case "ses", "sparkpost", "log":
	default:
		return fmt.Errorf("transport: unknown type %q", cfg.Transport.Type)
	}
	return nil
}
