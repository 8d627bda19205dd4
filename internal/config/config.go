// Package config loads the queue configuration from file and environment.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kimhsiao/supportsync/internal/crypto"
	apperrors "github.com/kimhsiao/supportsync/internal/errors"
	"github.com/kimhsiao/supportsync/internal/models"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SUPPORTSYNC_"

// MaxRetryAttemptsLimit bounds MaxRetryAttempts so the backoff exponent
// stays representable.
const MaxRetryAttemptsLimit = 30

// Transport kinds for a destination.
const (
	TransportWebhook = "webhook"
	TransportKafka   = "kafka"
)

// QueueConfig is the complete queue configuration. It is treated as
// immutable once the queue is constructed.
type QueueConfig struct {
	MaxTicketItems   int   `yaml:"maxTicketItems" json:"maxTicketItems"`
	MaxFeedbackItems int   `yaml:"maxFeedbackItems" json:"maxFeedbackItems"`
	MaxLogSizeBytes  int64 `yaml:"maxLogSizeBytes" json:"maxLogSizeBytes"`

	MaxRetryAttempts int `yaml:"maxRetryAttempts" json:"maxRetryAttempts"`
	RetryBackoffMs   int `yaml:"retryBackoffMs" json:"retryBackoffMs"`
	RetryJitterMs    int `yaml:"retryJitterMs" json:"retryJitterMs"`

	SyncIntervalMs    int `yaml:"syncIntervalMs" json:"syncIntervalMs"`
	CleanupIntervalMs int `yaml:"cleanupIntervalMs" json:"cleanupIntervalMs"`
	AdapterTimeoutMs  int `yaml:"adapterTimeoutMs" json:"adapterTimeoutMs"`

	EncryptionKey   string `yaml:"encryptionKey" json:"encryptionKey"`
	StorageLocation string `yaml:"storageLocation" json:"storageLocation"`

	CompletedRetentionHours int `yaml:"completedRetentionHours" json:"completedRetentionHours"`
	FailedRetentionHours    int `yaml:"failedRetentionHours" json:"failedRetentionHours"`
	LogRetentionHours       int `yaml:"logRetentionHours" json:"logRetentionHours"`
	IntegrityPurgeThreshold int `yaml:"integrityPurgeThreshold" json:"integrityPurgeThreshold"`

	FeedbackDestination models.Destination                       `yaml:"feedbackDestination" json:"feedbackDestination"`
	Destinations        map[models.Destination]DestinationConfig `yaml:"destinations" json:"destinations"`

	LogLevel    string `yaml:"logLevel" json:"logLevel"`
	MetricsAddr string `yaml:"metricsAddr" json:"metricsAddr"`
}

// DestinationConfig describes how items reach one destination.
type DestinationConfig struct {
	Transport string `yaml:"transport" json:"transport"`

	// webhook
	URL           string            `yaml:"url,omitempty" json:"url,omitempty"`
	AuthToken     string            `yaml:"authToken,omitempty" json:"authToken,omitempty"`
	SigningSecret string            `yaml:"signingSecret,omitempty" json:"signingSecret,omitempty"`
	Headers       map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`

	// kafka
	Brokers []string `yaml:"brokers,omitempty" json:"brokers,omitempty"`
	Topic   string   `yaml:"topic,omitempty" json:"topic,omitempty"`
}

// Default returns built-in defaults. EncryptionKey has no default.
func Default() QueueConfig {
	return QueueConfig{
		MaxTicketItems:          1000,
		MaxFeedbackItems:        1000,
		MaxLogSizeBytes:         50 << 20,
		MaxRetryAttempts:        5,
		RetryBackoffMs:          1000,
		RetryJitterMs:           500,
		SyncIntervalMs:          30_000,
		CleanupIntervalMs:       3_600_000,
		AdapterTimeoutMs:        30_000,
		StorageLocation:         "./data",
		CompletedRetentionHours: 24,
		FailedRetentionHours:    168,
		LogRetentionHours:       168,
		IntegrityPurgeThreshold: 3,
		FeedbackDestination:     models.DestinationZendesk,
		LogLevel:                "info",
		MetricsAddr:             "127.0.0.1:9464",
	}
}

// Load reads configuration from a JSON or YAML file (by extension) on top of
// the defaults. If path is empty, returns defaults.
func Load(path string) (QueueConfig, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return QueueConfig{}, apperrors.Wrap(apperrors.ErrConfig, "read config file", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	default:
		err = json.Unmarshal(b, &cfg)
	}
	if err != nil {
		return QueueConfig{}, apperrors.Wrap(apperrors.ErrConfig, fmt.Sprintf("parse %s", path), err)
	}
	return cfg, nil
}

// LoadDotEnv loads variables from the given .env files into the process
// environment and returns the files it read. Missing files are ignored;
// existing variables win.
func LoadDotEnv(paths ...string) ([]string, error) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var present []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			present = append(present, p)
		}
	}
	if len(present) == 0 {
		return nil, nil
	}
	if err := godotenv.Load(present...); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfig, "load .env", err)
	}
	return present, nil
}

// ApplyEnv overrides fields from SUPPORTSYNC_* environment variables.
func (c *QueueConfig) ApplyEnv() error {
	strs := map[string]*string{
		"ENCRYPTION_KEY":   &c.EncryptionKey,
		"STORAGE_LOCATION": &c.StorageLocation,
		"LOG_LEVEL":        &c.LogLevel,
		"METRICS_ADDR":     &c.MetricsAddr,
	}
	for name, dst := range strs {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"MAX_TICKET_ITEMS":          &c.MaxTicketItems,
		"MAX_FEEDBACK_ITEMS":        &c.MaxFeedbackItems,
		"MAX_RETRY_ATTEMPTS":        &c.MaxRetryAttempts,
		"RETRY_BACKOFF_MS":          &c.RetryBackoffMs,
		"RETRY_JITTER_MS":           &c.RetryJitterMs,
		"SYNC_INTERVAL_MS":          &c.SyncIntervalMs,
		"CLEANUP_INTERVAL_MS":       &c.CleanupIntervalMs,
		"ADAPTER_TIMEOUT_MS":        &c.AdapterTimeoutMs,
		"COMPLETED_RETENTION_HOURS": &c.CompletedRetentionHours,
		"FAILED_RETENTION_HOURS":    &c.FailedRetentionHours,
		"LOG_RETENTION_HOURS":       &c.LogRetentionHours,
		"INTEGRITY_PURGE_THRESHOLD": &c.IntegrityPurgeThreshold,
	}
	for name, dst := range ints {
		v, ok := os.LookupEnv(EnvPrefix + name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return apperrors.Wrap(apperrors.ErrConfig, fmt.Sprintf("%s%s must be an integer", EnvPrefix, name), err)
		}
		*dst = n
	}

	if v, ok := os.LookupEnv(EnvPrefix + "MAX_LOG_SIZE_BYTES"); ok {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrConfig, EnvPrefix+"MAX_LOG_SIZE_BYTES must be an integer", err)
		}
		c.MaxLogSizeBytes = n
	}
	if v, ok := os.LookupEnv(EnvPrefix + "FEEDBACK_DESTINATION"); ok {
		c.FeedbackDestination = models.Destination(strings.ToLower(strings.TrimSpace(v)))
	}

	return nil
}

func invalid(format string, args ...interface{}) error {
	return apperrors.New(apperrors.ErrConfig, fmt.Sprintf(format, args...))
}

// Validate checks every option and returns a CONFIG_INVALID error naming
// the first offending one.
func (c *QueueConfig) Validate() error {
	switch {
	case c.MaxTicketItems <= 0:
		return invalid("maxTicketItems must be positive, got %d", c.MaxTicketItems)
	case c.MaxFeedbackItems <= 0:
		return invalid("maxFeedbackItems must be positive, got %d", c.MaxFeedbackItems)
	case c.MaxLogSizeBytes <= 0:
		return invalid("maxLogSizeBytes must be positive, got %d", c.MaxLogSizeBytes)
	case c.MaxRetryAttempts < 1 || c.MaxRetryAttempts > MaxRetryAttemptsLimit:
		return invalid("maxRetryAttempts must be between 1 and %d, got %d", MaxRetryAttemptsLimit, c.MaxRetryAttempts)
	case c.RetryBackoffMs <= 0:
		return invalid("retryBackoffMs must be positive, got %d", c.RetryBackoffMs)
	case c.RetryJitterMs < 0:
		return invalid("retryJitterMs must not be negative, got %d", c.RetryJitterMs)
	case c.SyncIntervalMs <= 0:
		return invalid("syncIntervalMs must be positive, got %d", c.SyncIntervalMs)
	case c.CleanupIntervalMs <= 0:
		return invalid("cleanupIntervalMs must be positive, got %d", c.CleanupIntervalMs)
	case c.AdapterTimeoutMs <= 0:
		return invalid("adapterTimeoutMs must be positive, got %d", c.AdapterTimeoutMs)
	case len(c.EncryptionKey) < crypto.MinSecretLength:
		return invalid("encryptionKey must be at least %d bytes", crypto.MinSecretLength)
	case strings.TrimSpace(c.StorageLocation) == "":
		return invalid("storageLocation is required")
	case c.CompletedRetentionHours <= 0 || c.FailedRetentionHours <= 0 || c.LogRetentionHours <= 0:
		return invalid("retention windows must be positive")
	case c.IntegrityPurgeThreshold < 1:
		return invalid("integrityPurgeThreshold must be at least 1, got %d", c.IntegrityPurgeThreshold)
	case !c.FeedbackDestination.Valid():
		return invalid("feedbackDestination %q is not a known destination", c.FeedbackDestination)
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return invalid("logLevel %q is not one of debug, info, warn, error", c.LogLevel)
	}

	for dest, dc := range c.Destinations {
		if !dest.Valid() {
			return invalid("destinations: unknown destination %q", dest)
		}
		if err := dc.validate(); err != nil {
			return invalid("destinations.%s: %v", dest, err)
		}
	}
	return nil
}

func (d DestinationConfig) validate() error {
	switch d.Transport {
	case TransportWebhook:
		if d.URL == "" {
			return fmt.Errorf("webhook transport needs a url")
		}
	case TransportKafka:
		if len(d.Brokers) == 0 || d.Topic == "" {
			return fmt.Errorf("kafka transport needs brokers and a topic")
		}
	default:
		return fmt.Errorf("unknown transport %q", d.Transport)
	}
	return nil
}

// RetryBackoff is the base retry delay.
func (c *QueueConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMs) * time.Millisecond
}

// RetryJitter is the upper bound of the random delay added to each backoff.
func (c *QueueConfig) RetryJitter() time.Duration {
	return time.Duration(c.RetryJitterMs) * time.Millisecond
}

func (c *QueueConfig) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalMs) * time.Millisecond
}

func (c *QueueConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalMs) * time.Millisecond
}

func (c *QueueConfig) AdapterTimeout() time.Duration {
	return time.Duration(c.AdapterTimeoutMs) * time.Millisecond
}

func (c *QueueConfig) CompletedRetention() time.Duration {
	return time.Duration(c.CompletedRetentionHours) * time.Hour
}

func (c *QueueConfig) FailedRetention() time.Duration {
	return time.Duration(c.FailedRetentionHours) * time.Hour
}

func (c *QueueConfig) LogRetention() time.Duration {
	return time.Duration(c.LogRetentionHours) * time.Hour
}
