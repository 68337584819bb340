package config

import (
	"fmt"
	"log"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/migadu/ruled/helpers"
)

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// DatabaseEndpointConfig holds configuration for a single Postgres endpoint
type DatabaseEndpointConfig struct {
	Hosts           []string `toml:"hosts"`
	Port            int      `toml:"port"`
	User            string   `toml:"user"`
	Password        string   `toml:"password"`
	Name            string   `toml:"name"`
	TLSMode         bool     `toml:"tls"`
	MaxConns        int      `toml:"max_conns"`
	MinConns        int      `toml:"min_conns"`
	MaxConnLifetime string   `toml:"max_conn_lifetime"`
	MaxConnIdleTime string   `toml:"max_conn_idle_time"`
}

// GetMaxConnLifetime parses the max connection lifetime duration for an endpoint
func (e *DatabaseEndpointConfig) GetMaxConnLifetime() (time.Duration, error) {
	if e.MaxConnLifetime == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(e.MaxConnLifetime)
}

// GetMaxConnIdleTime parses the max connection idle time duration for an endpoint
func (e *DatabaseEndpointConfig) GetMaxConnIdleTime() (time.Duration, error) {
	if e.MaxConnIdleTime == "" {
		return 30 * time.Minute, nil
	}
	return helpers.ParseDuration(e.MaxConnIdleTime)
}

// ConnString builds a postgres:// URL for the first host of the endpoint.
func (e *DatabaseEndpointConfig) ConnString() string {
	host := "localhost"
	if len(e.Hosts) > 0 {
		host = e.Hosts[0]
	}
	if !strings.Contains(host, ":") {
		port := e.Port
		if port == 0 {
			port = 5432
		}
		host = fmt.Sprintf("%s:%d", host, port)
	}
	sslMode := "disable"
	if e.TLSMode {
		sslMode = "require"
	}
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=%s", e.User, e.Password, host, e.Name, sslMode)
}

// DatabaseConfig selects and configures the storage backend.
type DatabaseConfig struct {
	Driver       string                  `toml:"driver"`        // "postgres" or "sqlite"
	SQLitePath   string                  `toml:"sqlite_path"`   // Database file for the sqlite driver
	AutoMigrate  bool                    `toml:"auto_migrate"`  // Apply pending migrations at startup
	LogQueries   bool                    `toml:"log_queries"`   // Log every SQL statement at debug level
	QueryTimeout string                  `toml:"query_timeout"` // Default timeout for read queries (default: "30s")
	WriteTimeout string                  `toml:"write_timeout"` // Timeout for a single atomic step (default: "10s")
	Write        *DatabaseEndpointConfig `toml:"write"`
	Read         *DatabaseEndpointConfig `toml:"read"`
}

// GetQueryTimeout parses the general query timeout duration.
func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	if d.QueryTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(d.QueryTimeout)
}

// GetWriteTimeout parses the write timeout duration
func (d *DatabaseConfig) GetWriteTimeout() (time.Duration, error) {
	if d.WriteTimeout == "" {
		return 10 * time.Second, nil
	}
	return helpers.ParseDuration(d.WriteTimeout)
}

// EngineConfig controls rule processing.
type EngineConfig struct {
	Workers           int     `toml:"workers"`             // Concurrent message-processing invocations
	QueueSize         int     `toml:"queue_size"`          // Pending submissions before Submit blocks
	DeleteMode        string  `toml:"delete_mode"`         // "soft" (move to Trash) or "hard"
	MaxStepAttempts   int     `toml:"max_step_attempts"`   // Attempts per atomic step on conflicts
	StepRetryBackoff  string  `toml:"step_retry_backoff"`  // Initial delay between step attempts
	QuotaWarningRatio float64 `toml:"quota_warning_ratio"` // Usage ratio above which a warning is emitted
	Notifier          string  `toml:"notifier"`            // "log" or "broker"
}

// GetStepRetryBackoff parses the step retry backoff.
func (e *EngineConfig) GetStepRetryBackoff() (time.Duration, error) {
	if e.StepRetryBackoff == "" {
		return 20 * time.Millisecond, nil
	}
	return helpers.ParseDuration(e.StepRetryBackoff)
}

// HardDelete reports whether DELETE rules remove messages outright.
func (e *EngineConfig) HardDelete() bool {
	return strings.EqualFold(e.DeleteMode, "hard")
}

// OutboxConfig configures the dispatcher and janitor.
type OutboxConfig struct {
	Interval          string              `toml:"interval"`
	BatchSize         int                 `toml:"batch_size"`
	MaxRetries        int                 `toml:"max_retries"`
	InitialBackoff    string              `toml:"initial_backoff"`
	MaxBackoff        string              `toml:"max_backoff"`
	ProcessingTimeout string              `toml:"processing_timeout"` // PROCESSING rows older than this are recovered
	Retention         string              `toml:"retention"`          // PUBLISHED rows older than this are purged
	JanitorInterval   string              `toml:"janitor_interval"`
	PublishRate       float64             `toml:"publish_rate"` // Events per second, 0 for unlimited
	PublishBurst      int                 `toml:"publish_burst"`
	Routes            map[string][]string `toml:"routes"` // event type (or "*") -> broker names

	CircuitBreakerThreshold   int    `toml:"circuit_breaker_threshold"`
	CircuitBreakerTimeout     string `toml:"circuit_breaker_timeout"`
	CircuitBreakerMaxRequests int    `toml:"circuit_breaker_max_requests"`
}

func parseOr(value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	return helpers.ParseDuration(value)
}

// GetInterval returns the dispatch interval.
func (o *OutboxConfig) GetInterval() (time.Duration, error) {
	return parseOr(o.Interval, 5*time.Second)
}

// GetInitialBackoff returns the delay before the first retry.
func (o *OutboxConfig) GetInitialBackoff() (time.Duration, error) {
	return parseOr(o.InitialBackoff, 10*time.Second)
}

// GetMaxBackoff caps the retry delay.
func (o *OutboxConfig) GetMaxBackoff() (time.Duration, error) {
	return parseOr(o.MaxBackoff, 30*time.Minute)
}

func (o *OutboxConfig) GetProcessingTimeout() (time.Duration, error) {
	return parseOr(o.ProcessingTimeout, 5*time.Minute)
}

func (o *OutboxConfig) GetRetention() (time.Duration, error) {
	return parseOr(o.Retention, 7*24*time.Hour)
}

func (o *OutboxConfig) GetJanitorInterval() (time.Duration, error) {
	return parseOr(o.JanitorInterval, time.Hour)
}

func (o *OutboxConfig) GetCircuitBreakerTimeout() (time.Duration, error) {
	return parseOr(o.CircuitBreakerTimeout, 30*time.Second)
}

// PGNotifyBrokerConfig publishes events with pg_notify.
type PGNotifyBrokerConfig struct {
	Enabled bool   `toml:"enabled"`
	Channel string `toml:"channel"`
}

// S3BrokerConfig archives every event as an object.
type S3BrokerConfig struct {
	Enabled   bool   `toml:"enabled"`
	Endpoint  string `toml:"endpoint"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Bucket    string `toml:"bucket"`
	Prefix    string `toml:"prefix"`
	UseSSL    bool   `toml:"use_ssl"`
	Trace     bool   `toml:"trace"`
}

// LogBrokerConfig writes events to the log. Useful in development.
type LogBrokerConfig struct {
	Enabled bool `toml:"enabled"`
}

// BrokersConfig holds all broker configurations.
type BrokersConfig struct {
	PGNotify PGNotifyBrokerConfig `toml:"pgnotify"`
	S3       S3BrokerConfig       `toml:"s3"`
	Log      LogBrokerConfig      `toml:"log"`
}

// MetricsConfig holds Prometheus endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	Path    string `toml:"path"`
}

// OpsAPIConfig holds the operator HTTP API configuration.
type OpsAPIConfig struct {
	Start        bool     `toml:"start"`
	Addr         string   `toml:"addr"`
	APIKey       string   `toml:"api_key"`
	AllowedHosts []string `toml:"allowed_hosts"`
}

// Config holds the full service configuration.
type Config struct {
	Logging  LoggingConfig  `toml:"logging"`
	Database DatabaseConfig `toml:"database"`
	Engine   EngineConfig   `toml:"engine"`
	Outbox   OutboxConfig   `toml:"outbox"`
	Brokers  BrokersConfig  `toml:"brokers"`
	Compose  ComposeConfig  `toml:"compose"`
	Metrics  MetricsConfig  `toml:"metrics"`
	OpsAPI   OpsAPIConfig   `toml:"ops_api"`
}

// NewDefaultConfig returns a Config with every default filled in.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Database: DatabaseConfig{
			Driver:       "postgres",
			SQLitePath:   "ruled.db",
			AutoMigrate:  true,
			QueryTimeout: "30s",
			WriteTimeout: "10s",
			Write: &DatabaseEndpointConfig{
				Hosts:           []string{"localhost"},
				Port:            5432,
				User:            "postgres",
				Name:            "ruled",
				MaxConns:        50,
				MinConns:        5,
				MaxConnLifetime: "1h",
				MaxConnIdleTime: "30m",
			},
		},
		Engine: EngineConfig{
			Workers:           8,
			QueueSize:         256,
			DeleteMode:        "soft",
			MaxStepAttempts:   3,
			StepRetryBackoff:  "20ms",
			QuotaWarningRatio: 0.9,
			Notifier:          "log",
		},
		Outbox: OutboxConfig{
			Interval:          "5s",
			BatchSize:         100,
			MaxRetries:        8,
			InitialBackoff:    "10s",
			MaxBackoff:        "30m",
			ProcessingTimeout: "5m",
			Retention:         "7d",
			JanitorInterval:   "1h",
			PublishBurst:      1,
			Routes: map[string][]string{
				"*": {"log"},
			},
			CircuitBreakerThreshold:   5,
			CircuitBreakerTimeout:     "30s",
			CircuitBreakerMaxRequests: 3,
		},
		Brokers: BrokersConfig{
			PGNotify: PGNotifyBrokerConfig{Channel: "ruled_events"},
			Log:      LogBrokerConfig{Enabled: true},
		},
		Compose: ComposeConfig{
			Transport:       "smtp",
			Hostname:        "localhost",
			AutoReplyWindow: "7d",
			SMTPTLS:         true,
			SMTPTLSVerify:   true,
			SES:             SESConfig{Region: "us-east-1"},
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9464",
			Path:    "/metrics",
		},
		OpsAPI: OpsAPIConfig{
			Addr: "127.0.0.1:8089",
		},
	}
}

// Validate checks values that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.Write == nil || len(c.Database.Write.Hosts) == 0 {
			return fmt.Errorf("database.write: at least one host is required for the postgres driver")
		}
	case "sqlite":
		if c.Database.SQLitePath == "" {
			return fmt.Errorf("database.sqlite_path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("database.driver: unsupported driver %q", c.Database.Driver)
	}

	switch strings.ToLower(c.Engine.DeleteMode) {
	case "soft", "hard":
	default:
		return fmt.Errorf("engine.delete_mode: must be \"soft\" or \"hard\", got %q", c.Engine.DeleteMode)
	}
	if c.Engine.MaxStepAttempts < 1 {
		return fmt.Errorf("engine.max_step_attempts: must be at least 1")
	}
	if c.Engine.QuotaWarningRatio <= 0 || c.Engine.QuotaWarningRatio > 1 {
		return fmt.Errorf("engine.quota_warning_ratio: must be in (0, 1]")
	}
	if c.Outbox.MaxRetries < 1 {
		return fmt.Errorf("outbox.max_retries: must be at least 1")
	}
	if c.Outbox.BatchSize < 1 {
		return fmt.Errorf("outbox.batch_size: must be at least 1")
	}
	if c.Outbox.PublishRate < 0 {
		return fmt.Errorf("outbox.publish_rate: must not be negative")
	}

	durations := map[string]string{
		"database.query_timeout":         c.Database.QueryTimeout,
		"database.write_timeout":         c.Database.WriteTimeout,
		"engine.step_retry_backoff":      c.Engine.StepRetryBackoff,
		"outbox.interval":                c.Outbox.Interval,
		"outbox.initial_backoff":         c.Outbox.InitialBackoff,
		"outbox.max_backoff":             c.Outbox.MaxBackoff,
		"outbox.processing_timeout":      c.Outbox.ProcessingTimeout,
		"outbox.retention":               c.Outbox.Retention,
		"outbox.janitor_interval":        c.Outbox.JanitorInterval,
		"compose.auto_reply_window":      c.Compose.AutoReplyWindow,
		"outbox.circuit_breaker_timeout": c.Outbox.CircuitBreakerTimeout,
	}
	for key, value := range durations {
		if value == "" {
			continue
		}
		if _, err := helpers.ParseDuration(value); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}

	if c.Brokers.S3.Enabled && (c.Brokers.S3.Endpoint == "" || c.Brokers.S3.Bucket == "") {
		return fmt.Errorf("brokers.s3: endpoint and bucket are required when enabled")
	}
	if c.Compose.Enabled {
		if err := c.Compose.Validate(); err != nil {
			return fmt.Errorf("compose: %w", err)
		}
	}
	if c.OpsAPI.Start && c.OpsAPI.Addr == "" {
		return fmt.Errorf("ops_api.addr is required when the ops API is started")
	}
	return nil
}

// LoadConfigFromFile decodes the TOML file at configPath into cfg. Keys the
// file sets override the defaults already present in cfg.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		return enhanceConfigError(err)
	}

	// Warn about unknown keys (might be typos or deprecated settings)
	if len(metadata.Undecoded()) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range metadata.Undecoded() {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

// enhanceConfigError adds a hint to common TOML parse failures.
func enhanceConfigError(err error) error {
	errMsg := err.Error()

	if strings.Contains(errMsg, "has already been defined") {
		return fmt.Errorf("%w\n\nHINT: You have a duplicate configuration key in your TOML file.\n"+
			"Please remove or comment out the duplicate entry", err)
	}

	if strings.Contains(errMsg, "expected value but found \"f\"") ||
		strings.Contains(errMsg, "expected value but found \"t\"") {
		return fmt.Errorf("%w\n\nHINT: Invalid boolean value in your TOML configuration file\n"+
			"In TOML, boolean values must be exactly 'true' or 'false' (lowercase, unquoted)", err)
	}

	return err
}

// trimStringFields recursively trims whitespace from all string fields in a struct
func trimStringFields(v reflect.Value) {
	if !v.IsValid() || !v.CanSet() {
		return
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(strings.TrimSpace(v.String()))

	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			elem := v.Index(i)
			if elem.Kind() == reflect.String {
				elem.SetString(strings.TrimSpace(elem.String()))
			} else {
				trimStringFields(elem)
			}
		}

	case reflect.Map:
		// Map values are not addressable; rebuild string slices in place.
		for _, key := range v.MapKeys() {
			val := v.MapIndex(key)
			if val.Kind() != reflect.Slice || val.Type().Elem().Kind() != reflect.String {
				continue
			}
			trimmed := reflect.MakeSlice(val.Type(), val.Len(), val.Len())
			for i := 0; i < val.Len(); i++ {
				trimmed.Index(i).SetString(strings.TrimSpace(val.Index(i).String()))
			}
			v.SetMapIndex(key, trimmed)
		}

	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			field := v.Field(i)
			if field.CanSet() {
				trimStringFields(field)
			}
		}

	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}
	}
}
