package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/example/storefront/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_WritesJSONToConfiguredPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")

	logger, err := New(config.LogConfig{Level: "debug", Encoding: "json", OutputPaths: []string{path}})
	require.NoError(t, err)

	logger.Debug("cart resolved", zap.String("session_token", "abc"))
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"cart resolved"`)
	assert.Contains(t, string(data), `"session_token":"abc"`)
}

func TestNew_RejectsUnknownLevel(t *testing.T) {
	_, err := New(config.LogConfig{Level: "loud"})
	assert.ErrorContains(t, err, "failed to parse log level")
}
