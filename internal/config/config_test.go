package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, data string) string {
	path := filepath.Join(t.TempDir(), "tcpplus.yaml")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	return path
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
port: 9000
family: ipv4
strict: true
secret: hunter2
timeout: 2s
`))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "ipv4", cfg.Family)
	assert.True(t, cfg.Strict)
	assert.Equal(t, "hunter2", cfg.Secret)
	assert.Equal(t, 2*time.Second, cfg.Timeout)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadInvalid(t *testing.T) {
	for _, data := range []string{
		"port: 70000",
		"family: ipx",
		"timeout: -1s",
		"port: [",
	} {
		_, err := Load(writeConfig(t, data))
		assert.Error(t, err, data)
	}
}
