package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, []string{"127.0.0.1:2379"}, cfg.Server.PDEndpoints)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 8, cfg.Write.WriteConcurrency)
	assert.Equal(t, 1024, cfg.Write.SnapshotBatchGetSize)
	assert.Equal(t, 20, cfg.Write.LockTTLSeconds)
}

func TestLoadConfig_EmptyPath(t *testing.T) {
	cfg, err := LoadConfig("")

	require.NoError(t, err)
	assert.NotNil(t, cfg)
	assert.Equal(t, 8, cfg.Write.WriteConcurrency)
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	cfg, err := LoadConfig("non_existent_config.json")

	assert.Error(t, err)
	assert.Nil(t, cfg)
}

func TestLoadConfig_InvalidJSON(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.json")

	err := os.WriteFile(configPath, []byte("{invalid json"), 0644)
	require.NoError(t, err)

	cfg, err := LoadConfig(configPath)

	assert.Error(t, err)
	assert.Nil(t, cfg)
}

func TestLoadConfig_InvalidWriteConcurrency(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")

	configData := map[string]interface{}{
		"write": map[string]interface{}{
			"write_concurrency": -1,
		},
	}

	jsonData, _ := json.Marshal(configData)
	err := os.WriteFile(configPath, jsonData, 0644)
	require.NoError(t, err)

	cfg, err := LoadConfig(configPath)

	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "write_concurrency")
}

func TestLoadConfig_ValidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")

	configData := map[string]interface{}{
		"server": map[string]interface{}{
			"pd_endpoints": []string{"10.0.0.1:2379"},
		},
		"write": map[string]interface{}{
			"write_concurrency": 16,
		},
	}

	jsonData, _ := json.Marshal(configData)
	err := os.WriteFile(configPath, jsonData, 0644)
	require.NoError(t, err)

	cfg, err := LoadConfig(configPath)

	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1:2379"}, cfg.Server.PDEndpoints)
	assert.Equal(t, 16, cfg.Write.WriteConcurrency)
	// Untouched fields keep their default.
	assert.Equal(t, 1024, cfg.Write.SnapshotBatchGetSize)
}

func TestLoadConfigOrDefault_WithEnvVar(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test_config.json")

	configData := map[string]interface{}{
		"write": map[string]interface{}{
			"write_concurrency": 32,
		},
	}

	jsonData, _ := json.Marshal(configData)
	err := os.WriteFile(configPath, jsonData, 0644)
	require.NoError(t, err)

	oldEnv := os.Getenv("BATCHWRITE_CONFIG")
	t.Cleanup(func() {
		os.Setenv("BATCHWRITE_CONFIG", oldEnv)
	})
	os.Setenv("BATCHWRITE_CONFIG", configPath)

	cfg := LoadConfigOrDefault()

	assert.Equal(t, 32, cfg.Write.WriteConcurrency)
}

func TestLoadConfigOrDefault_NoConfigFile(t *testing.T) {
	tmpDir := t.TempDir()

	oldWd, _ := os.Getwd()
	os.Chdir(tmpDir)
	t.Cleanup(func() {
		os.Chdir(oldWd)
	})
	os.Unsetenv("BATCHWRITE_CONFIG")

	cfg := LoadConfigOrDefault()

	assert.Equal(t, 8, cfg.Write.WriteConcurrency)
}

func TestWriteOptions_Fill(t *testing.T) {
	knobs := DefaultConfig().Write

	opts := WriteOptions{Replace: true}.Fill(knobs)

	assert.True(t, opts.Replace)
	assert.Equal(t, knobs.WriteConcurrency, opts.WriteConcurrency)
	assert.Equal(t, knobs.SnapshotBatchGetSize, opts.SnapshotBatchGetSize)
	assert.Equal(t, knobs.LockTTLSeconds, opts.LockTTLSeconds)

	// Explicit non-zero values are preserved.
	opts2 := WriteOptions{WriteConcurrency: 4}.Fill(knobs)
	assert.Equal(t, 4, opts2.WriteConcurrency)
}

func TestConfigStructTags(t *testing.T) {
	cfg := DefaultConfig()

	jsonData, err := json.Marshal(cfg)
	require.NoError(t, err)
	assert.NotEmpty(t, jsonData)

	var parsed Config
	err = json.Unmarshal(jsonData, &parsed)
	require.NoError(t, err)
	assert.Equal(t, cfg.Server.PDEndpoints, parsed.Server.PDEndpoints)
	assert.Equal(t, cfg.Write.WriteConcurrency, parsed.Write.WriteConcurrency)
}
