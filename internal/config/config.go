package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/kursadbilgin/call-dispatcher/internal/domain"
	"gopkg.in/yaml.v3"
)

const defaultBackoffSchedule = "30s,60s,120s"

type Config struct {
	DatabaseDSN string `env:"DATABASE_DSN,required=true"`
	RabbitMQURL string `env:"RABBITMQ_URL,required=true"`
	RedisURL    string `env:"REDIS_URL,required=true"`

	DBMaxOpenConns int `env:"DB_MAX_OPEN_CONNS,default=25"`
	DBMaxIdleConns int `env:"DB_MAX_IDLE_CONNS,default=5"`

	APNsKeyID          string `env:"APNS_KEY_ID"`
	APNsTeamID         string `env:"APNS_TEAM_ID"`
	APNsTopic          string `env:"APNS_TOPIC"`
	APNsPrivateKey     string `env:"APNS_PRIVATE_KEY"`
	APNsPrivateKeyPath string `env:"APNS_PRIVATE_KEY_PATH"`
	APNsProduction     bool   `env:"APNS_PRODUCTION,default=false"`

	ExpoPushURL     string `env:"EXPO_PUSH_URL,default=https://exp.host/--/api/v2/push/send"`
	ExpoAccessToken string `env:"EXPO_ACCESS_TOKEN"`

	ContentServiceURL string `env:"CONTENT_SERVICE_URL"`

	SchedulerInterval string `env:"SCHEDULER_INTERVAL,default=60s"`
	RetryInterval     string `env:"RETRY_INTERVAL,default=20s"`
	RetryScanLimit    int    `env:"RETRY_SCAN_LIMIT,default=100"`
	DeliveryTimeout   string `env:"DELIVERY_TIMEOUT,default=10s"`

	MaxAttempts     int    `env:"RETRY_MAX_ATTEMPTS,default=3"`
	BackoffSchedule string `env:"RETRY_BACKOFF_SCHEDULE"`
	AckTimeout      string `env:"ACK_TIMEOUT,default=60s"`
	RetryPolicyFile string `env:"RETRY_POLICY_FILE"`

	DispatchConcurrency int    `env:"DISPATCH_CONCURRENCY,default=10"`
	ReceiptPrefetch     int    `env:"RECEIPT_PREFETCH,default=10"`
	ReceiptWorkers      int    `env:"RECEIPT_WORKERS,default=2"`
	ReceiptTTL          string `env:"RECEIPT_TTL"`
	RateLimitPerSec     int    `env:"RATE_LIMIT_PER_SEC,default=100"`
	APIPort             int    `env:"API_PORT,default=8080"`
	WorkerMetricsPort   int    `env:"WORKER_METRICS_PORT,default=9090"`
	LogLevel            string `env:"LOG_LEVEL,default=info"`

	schedulerInterval time.Duration
	retryInterval     time.Duration
	deliveryTimeout   time.Duration
	receiptTTL        time.Duration
	retryPolicy       domain.RetryPolicy
}

type retryPolicyFile struct {
	MaxAttempts     *int            `yaml:"maxAttempts"`
	AckTimeout      *time.Duration  `yaml:"ackTimeout"`
	BackoffSchedule []time.Duration `yaml:"backoffSchedule"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.resolve(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) SchedulerIntervalDuration() time.Duration { return c.schedulerInterval }
func (c *Config) RetryIntervalDuration() time.Duration     { return c.retryInterval }
func (c *Config) DeliveryTimeoutDuration() time.Duration   { return c.deliveryTimeout }
func (c *Config) RetryPolicy() domain.RetryPolicy          { return c.retryPolicy }

// ReceiptTTLDuration is zero when receipts never expire in the queue.
func (c *Config) ReceiptTTLDuration() time.Duration { return c.receiptTTL }

// APNsEnabled reports whether enough APNs settings are present to build a client.
func (c *Config) APNsEnabled() bool {
	return c.APNsKeyID != "" && c.APNsTeamID != "" &&
		(c.APNsPrivateKey != "" || c.APNsPrivateKeyPath != "")
}

// APNsKeyBytes returns the .p8 signing key, inline or read from disk.
func (c *Config) APNsKeyBytes() ([]byte, error) {
	if key := strings.TrimSpace(c.APNsPrivateKey); key != "" {
		return []byte(strings.ReplaceAll(key, `\n`, "\n")), nil
	}
	if c.APNsPrivateKeyPath == "" {
		return nil, fmt.Errorf("apns private key is not configured")
	}
	raw, err := os.ReadFile(c.APNsPrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read apns private key: %w", err)
	}
	return raw, nil
}

func (c *Config) resolve() error {
	var err error
	if c.schedulerInterval, err = parsePositiveDuration("SCHEDULER_INTERVAL", c.SchedulerInterval); err != nil {
		return err
	}
	if c.retryInterval, err = parsePositiveDuration("RETRY_INTERVAL", c.RetryInterval); err != nil {
		return err
	}
	if c.deliveryTimeout, err = parsePositiveDuration("DELIVERY_TIMEOUT", c.DeliveryTimeout); err != nil {
		return err
	}

	if strings.TrimSpace(c.ReceiptTTL) != "" {
		if c.receiptTTL, err = parsePositiveDuration("RECEIPT_TTL", c.ReceiptTTL); err != nil {
			return err
		}
	}

	ackTimeout, err := parsePositiveDuration("ACK_TIMEOUT", c.AckTimeout)
	if err != nil {
		return err
	}
	rawSchedule := c.BackoffSchedule
	if strings.TrimSpace(rawSchedule) == "" {
		rawSchedule = defaultBackoffSchedule
	}
	schedule, err := domain.ParseBackoffSchedule(rawSchedule)
	if err != nil {
		return fmt.Errorf("RETRY_BACKOFF_SCHEDULE: %w", err)
	}

	policy := domain.RetryPolicy{
		MaxAttempts:     c.MaxAttempts,
		BackoffSchedule: schedule,
		AckTimeout:      ackTimeout,
	}
	if c.RetryPolicyFile != "" {
		policy, err = applyRetryPolicyFile(policy, c.RetryPolicyFile)
		if err != nil {
			return err
		}
	}
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("invalid retry policy: %w", err)
	}
	c.retryPolicy = policy

	return nil
}

func applyRetryPolicyFile(policy domain.RetryPolicy, path string) (domain.RetryPolicy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return policy, fmt.Errorf("failed to read retry policy file: %w", err)
	}

	var file retryPolicyFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return policy, fmt.Errorf("failed to parse retry policy file: %w", err)
	}

	if file.MaxAttempts != nil {
		policy.MaxAttempts = *file.MaxAttempts
	}
	if file.AckTimeout != nil {
		policy.AckTimeout = *file.AckTimeout
	}
	if len(file.BackoffSchedule) > 0 {
		policy.BackoffSchedule = file.BackoffSchedule
	}
	return policy, nil
}

func parsePositiveDuration(name string, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", name, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: must be positive", name)
	}
	return d, nil
}
