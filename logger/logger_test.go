package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/migadu/ruled/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}

func TestSetOutputJSON(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, "json", slog.LevelInfo)
	t.Cleanup(func() { globalLogger = nil })

	Debug("hidden")
	Info("Outbox: published", "event_id", 7)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "Outbox: published", rec["msg"])
	assert.EqualValues(t, 7, rec["event_id"])
}

func TestInitializeFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ruled.log")
	f, err := Initialize(config.LoggingConfig{Output: path, Format: "console", Level: "debug"})
	require.NoError(t, err)
	require.NotNil(t, f)
	t.Cleanup(func() {
		f.Close()
		globalLogger = nil
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	})

	Warnf("Engine: rule %d skipped", 3)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Engine: rule 3 skipped")
}
