package config

import (
	"fmt"
	"time"
)

// SESConfig holds AWS SES v2 credentials. Empty keys fall back to the default
// AWS credential chain.
type SESConfig struct {
	Region          string `toml:"region"`
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`
}

// ComposeConfig defines how auto-replies and forwards are submitted.
type ComposeConfig struct {
	Enabled         bool   `toml:"enabled"`
	Transport       string `toml:"transport"`         // "smtp" or "ses"
	Hostname        string `toml:"hostname"`          // Used in generated Message-ID headers
	FromAddress     string `toml:"from_address"`      // Envelope sender for forwards; auto-replies use the user address
	AutoReplyWindow string `toml:"auto_reply_window"` // Suppress repeat auto-replies to one sender within this window

	// SMTP submission configuration
	SMTPHost        string `toml:"smtp_host"`          // SMTP server address (e.g., "smtp.example.com:587")
	SMTPTLS         bool   `toml:"smtp_tls"`           // Use TLS for SMTP connection
	SMTPTLSVerify   bool   `toml:"smtp_tls_verify"`    // Verify TLS certificates
	SMTPUseStartTLS bool   `toml:"smtp_use_starttls"`  // Use STARTTLS instead of direct TLS
	SMTPTLSCertFile string `toml:"smtp_tls_cert_file"` // Client certificate for mTLS (optional)
	SMTPTLSKeyFile  string `toml:"smtp_tls_key_file"`  // Client key for mTLS (optional)

	SES SESConfig `toml:"ses"`

	CircuitBreakerThreshold   int    `toml:"circuit_breaker_threshold"`
	CircuitBreakerTimeout     string `toml:"circuit_breaker_timeout"`
	CircuitBreakerMaxRequests int    `toml:"circuit_breaker_max_requests"`
}

// IsSMTP returns true if submission goes through an SMTP relay
func (c *ComposeConfig) IsSMTP() bool {
	return c.Transport == "" || c.Transport == "smtp"
}

// IsSES returns true if submission goes through AWS SES
func (c *ComposeConfig) IsSES() bool {
	return c.Transport == "ses"
}

// GetAutoReplyWindow parses the auto-reply suppression window.
func (c *ComposeConfig) GetAutoReplyWindow() (time.Duration, error) {
	return parseOr(c.AutoReplyWindow, 7*24*time.Hour)
}

// GetCircuitBreakerTimeout parses the breaker recovery interval.
func (c *ComposeConfig) GetCircuitBreakerTimeout() (time.Duration, error) {
	return parseOr(c.CircuitBreakerTimeout, 30*time.Second)
}

// Validate checks the transport-specific settings.
func (c *ComposeConfig) Validate() error {
	switch {
	case c.IsSMTP():
		if c.SMTPHost == "" {
			return fmt.Errorf("smtp_host is required for the smtp transport")
		}
	case c.IsSES():
		if c.SES.Region == "" {
			return fmt.Errorf("ses.region is required for the ses transport")
		}
	default:
		return fmt.Errorf("unsupported transport %q", c.Transport)
	}
	if c.FromAddress == "" {
		return fmt.Errorf("from_address is required")
	}
	return nil
}
