package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_InvalidLevel(t *testing.T) {
	_, err := NewLogger(Config{Level: "loud"})
	assert.Error(t, err)
}

func TestNewLogger_WritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")

	log, err := NewLogger(Config{Level: "debug", Format: "json", Timezone: "UTC", File: FileConfig{Filename: path, MaxSize: 1}})
	require.NoError(t, err)

	log.Info("schedule published")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"schedule published"`)
	assert.Contains(t, string(data), `"level":"info"`)
}
