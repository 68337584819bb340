package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
)

// TestLoadConfigFromFile_UnknownKeys tests that unknown keys produce warnings but don't fail
func TestLoadConfigFromFile_UnknownKeys(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test_unknown.toml")

	content := `
[database]
driver = "postgres"
[database.write]
hosts = ["localhost:5432"]
user = "postgres"
name = "ruled"

# Unknown keys
unknown_key = "should warn"

[engine]
workers = 4
another_unknown = "value"
`

	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to create test config: %v", err)
	}

	cfg := NewDefaultConfig()
	if err := LoadConfigFromFile(configPath, &cfg); err != nil {
		t.Errorf("LoadConfigFromFile returned unexpected error: %v", err)
	}

	if cfg.Database.Write == nil {
		t.Fatal("Expected database.write to be loaded")
	}
	if cfg.Database.Write.User != "postgres" {
		t.Errorf("Expected user=postgres, got %s", cfg.Database.Write.User)
	}
	if cfg.Engine.Workers != 4 {
		t.Errorf("Expected engine.workers=4, got %d", cfg.Engine.Workers)
	}
	// Keys the file does not set keep their defaults.
	if cfg.Engine.MaxStepAttempts != 3 {
		t.Errorf("Expected default max_step_attempts=3, got %d", cfg.Engine.MaxStepAttempts)
	}
}

func TestLoadConfigFromFile_TrimsAndRoutes(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "routes.toml")

	content := `
[database]
driver = " sqlite "
sqlite_path = "  /var/lib/ruled/ruled.db "

[outbox]
interval = "2s"
max_retries = 4

[outbox.routes]
"*" = [" log "]
ComposeAutoReplyRequested = ["compose", "s3"]
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to create test config: %v", err)
	}

	cfg := NewDefaultConfig()
	if err := LoadConfigFromFile(configPath, &cfg); err != nil {
		t.Fatalf("LoadConfigFromFile: %v", err)
	}

	if cfg.Database.Driver != "sqlite" {
		t.Errorf("driver not trimmed: %q", cfg.Database.Driver)
	}
	if cfg.Database.SQLitePath != "/var/lib/ruled/ruled.db" {
		t.Errorf("sqlite_path not trimmed: %q", cfg.Database.SQLitePath)
	}
	if got := cfg.Outbox.Routes["*"]; len(got) != 1 || got[0] != "log" {
		t.Errorf("default route not trimmed: %v", got)
	}
	if got := cfg.Outbox.Routes["ComposeAutoReplyRequested"]; len(got) != 2 {
		t.Errorf("compose route: %v", got)
	}
	interval, err := cfg.Outbox.GetInterval()
	if err != nil || interval != 2*time.Second {
		t.Errorf("interval = %v, %v", interval, err)
	}
}

func TestLoadConfigFromFile_SyntaxError(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "bad.toml")
	if err := os.WriteFile(configPath, []byte("[engine]\nworkers = = 3\n"), 0644); err != nil {
		t.Fatalf("Failed to create test config: %v", err)
	}

	cfg := NewDefaultConfig()
	if err := LoadConfigFromFile(configPath, &cfg); err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestLoadConfigFromFile_Missing(t *testing.T) {
	cfg := NewDefaultConfig()
	err := LoadConfigFromFile(filepath.Join(t.TempDir(), "nope.toml"), &cfg)
	if !os.IsNotExist(err) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestExampleConfigMatchesStruct(t *testing.T) {
	cfg := NewDefaultConfig()
	md, err := toml.DecodeFile(filepath.Join("..", "config.toml.example"), &cfg)
	if err != nil {
		t.Fatalf("config.toml.example does not parse: %v", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		t.Errorf("config.toml.example has keys the Config struct does not know: %v", undecoded)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("config.toml.example does not validate: %v", err)
	}
	if got := cfg.Outbox.Routes["*"]; len(got) != 1 || got[0] != "log" {
		t.Errorf("Expected the catch-all route to the log broker, got %v", got)
	}
}
