package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadHostConfigDefaults(t *testing.T) {
	cfg, err := LoadHostConfig("")
	require.NoError(t, err)
	assert.Equal(t, ":8000", cfg.ListenAddr)
	assert.Equal(t, 15*time.Second, cfg.HeartbeatTimeout)
}

func TestLoadHostConfigFromFile(t *testing.T) {
	path := writeTempConfig(t, "listen_addr: \":9000\"\ndata_dir: /data/kohakuriver\noverlay_subnet: \"10.128.0.0/12/6/14\"\n")

	cfg, err := LoadHostConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, "/data/kohakuriver", cfg.DataDir)
	assert.Equal(t, "10.128.0.0/12/6/14", cfg.OverlaySubnet)
}

func TestLoadHostConfigRejectsUnknownKeys(t *testing.T) {
	path := writeTempConfig(t, "listen_addr: \":9000\"\nnot_a_real_key: true\n")

	_, err := LoadHostConfig(path)
	assert.Error(t, err)
}

func TestEnvOverridesFileValue(t *testing.T) {
	path := writeTempConfig(t, "listen_addr: \":9000\"\n")

	t.Setenv("KOHAKURIVER_HOST_LISTEN_ADDR", ":9999")
	cfg, err := LoadHostConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.ListenAddr)
}

func TestEnvOverridesDurationAndBool(t *testing.T) {
	t.Setenv("KOHAKURIVER_HOST_HEARTBEAT_TIMEOUT", "30s")
	t.Setenv("KOHAKURIVER_HOST_AUTH_ENABLED", "true")

	cfg, err := LoadHostConfig("")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatTimeout)
	assert.True(t, cfg.AuthEnabled)
}

func TestLoadRunnerConfigDefaults(t *testing.T) {
	cfg, err := LoadRunnerConfig("")
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.VMBaseSSHPort)
	assert.Equal(t, "overlay", cfg.NetworkMode)
}

func TestLoadRunnerConfigRejectsUnknownKeys(t *testing.T) {
	path := writeTempConfig(t, "hostname: runner-1\nbogus_field: 1\n")
	_, err := LoadRunnerConfig(path)
	assert.Error(t, err)
}
