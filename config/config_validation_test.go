package config

import (
	"strings"
	"testing"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults are valid", func(c *Config) {}, ""},
		{"sqlite needs path", func(c *Config) {
			c.Database.Driver = "sqlite"
			c.Database.SQLitePath = ""
		}, "sqlite_path"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, "unsupported driver"},
		{"postgres needs host", func(c *Config) { c.Database.Write.Hosts = nil }, "at least one host"},
		{"bad delete mode", func(c *Config) { c.Engine.DeleteMode = "shred" }, "delete_mode"},
		{"zero step attempts", func(c *Config) { c.Engine.MaxStepAttempts = 0 }, "max_step_attempts"},
		{"warning ratio out of range", func(c *Config) { c.Engine.QuotaWarningRatio = 1.5 }, "quota_warning_ratio"},
		{"zero retries", func(c *Config) { c.Outbox.MaxRetries = 0 }, "max_retries"},
		{"bad duration", func(c *Config) { c.Outbox.Retention = "forever" }, "outbox.retention"},
		{"negative publish rate", func(c *Config) { c.Outbox.PublishRate = -1 }, "publish_rate"},
		{"s3 without bucket", func(c *Config) {
			c.Brokers.S3.Enabled = true
			c.Brokers.S3.Endpoint = "s3.example.com"
		}, "brokers.s3"},
		{"compose smtp without host", func(c *Config) {
			c.Compose.Enabled = true
			c.Compose.FromAddress = "rules@example.com"
		}, "smtp_host"},
		{"compose ses ok", func(c *Config) {
			c.Compose.Enabled = true
			c.Compose.Transport = "ses"
			c.Compose.FromAddress = "rules@example.com"
		}, ""},
		{"compose unknown transport", func(c *Config) {
			c.Compose.Enabled = true
			c.Compose.Transport = "pigeon"
			c.Compose.FromAddress = "rules@example.com"
		}, "unsupported transport"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
