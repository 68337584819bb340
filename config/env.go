package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// EnvPrefix is the prefix of every environment variable read by ApplyEnvOverrides.
const EnvPrefix = "RULED_"

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment.
// Variables already set in the environment win. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}

// ApplyEnvOverrides copies secrets and deployment specific values from
// RULED_* environment variables into cfg. It returns the names of the
// variables that were applied.
func ApplyEnvOverrides(cfg *Config) []string {
	var applied []string
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			*dst = strings.TrimSpace(v)
			applied = append(applied, EnvPrefix+name)
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
				*dst = b
				applied = append(applied, EnvPrefix+name)
			}
		}
	}

	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FORMAT", &cfg.Logging.Format)
	str("DATABASE_DRIVER", &cfg.Database.Driver)
	str("DATABASE_SQLITE_PATH", &cfg.Database.SQLitePath)

	if cfg.Database.Write == nil {
		cfg.Database.Write = &DatabaseEndpointConfig{}
	}
	if v, ok := os.LookupEnv(EnvPrefix + "DATABASE_HOST"); ok {
		cfg.Database.Write.Hosts = []string{strings.TrimSpace(v)}
		applied = append(applied, EnvPrefix+"DATABASE_HOST")
	}
	str("DATABASE_USER", &cfg.Database.Write.User)
	str("DATABASE_PASSWORD", &cfg.Database.Write.Password)
	str("DATABASE_NAME", &cfg.Database.Write.Name)

	str("S3_ACCESS_KEY", &cfg.Brokers.S3.AccessKey)
	str("S3_SECRET_KEY", &cfg.Brokers.S3.SecretKey)
	str("SES_ACCESS_KEY_ID", &cfg.Compose.SES.AccessKeyID)
	str("SES_SECRET_ACCESS_KEY", &cfg.Compose.SES.SecretAccessKey)
	str("SMTP_HOST", &cfg.Compose.SMTPHost)
	boolean("COMPOSE_ENABLED", &cfg.Compose.Enabled)
	str("OPS_API_KEY", &cfg.OpsAPI.APIKey)

	return applied
}
