package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))

	return configPath
}

func TestLoad_Defaults(t *testing.T) {
	configPath := writeConfig(t, `
global:
  log_level: ""
`)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, DefaultLogLevel, cfg.Global.LogLevel)
	assert.Equal(t, DefaultStoreDriver, cfg.Store.Driver)
	assert.Equal(t, DefaultStorePath, cfg.Store.SQLite.Path)
	assert.Equal(t, DefaultExecTimeout, cfg.Sandbox.Timeout)
	assert.Equal(t, DefaultMemoryLimit, cfg.Sandbox.MemoryLimit)
	assert.Equal(t, DefaultMaxRows, cfg.Sandbox.MaxRows)
	assert.Equal(t, DefaultPythonImage, cfg.Sandbox.PythonImage)
	assert.Equal(t, DefaultWorkers, cfg.Runner.Workers)
	assert.Equal(t, DefaultListen, cfg.API.Listen)

	require.NoError(t, cfg.Validate())
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	configContent := `
global:
  log_level: info
store:
  driver: sqlite
  sqlite:
    path: ./original.db
sandbox:
  timeout: 2500ms
  memory_limit: 256m
  max_rows: 2000
runner:
  workers: 2
`

	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(t *testing.T, cfg *Config)
	}{
		{
			name:    "no env vars uses yaml values",
			envVars: map[string]string{},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "info", cfg.Global.LogLevel)
				assert.Equal(t, "./original.db", cfg.Store.SQLite.Path)
				assert.Equal(t, 2, cfg.Runner.Workers)
			},
		},
		{
			name: "string override - log_level",
			envVars: map[string]string{
				"QUERYBENCH_GLOBAL_LOG_LEVEL": "debug",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "debug", cfg.Global.LogLevel)
			},
		},
		{
			name: "nested override - sqlite path",
			envVars: map[string]string{
				"QUERYBENCH_STORE_SQLITE_PATH": "/tmp/override.db",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "/tmp/override.db", cfg.Store.SQLite.Path)
			},
		},
		{
			name: "int override - workers",
			envVars: map[string]string{
				"QUERYBENCH_RUNNER_WORKERS": "8",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 8, cfg.Runner.Workers)
			},
		},
		{
			name: "multiple overrides",
			envVars: map[string]string{
				"QUERYBENCH_GLOBAL_LOG_LEVEL": "trace",
				"QUERYBENCH_SANDBOX_TIMEOUT":  "5s",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "trace", cfg.Global.LogLevel)
				assert.Equal(t, "5s", cfg.Sandbox.Timeout)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			configPath := writeConfig(t, configContent)

			cfg, err := Load(configPath)
			require.NoError(t, err)

			tt.validate(t, cfg)
		})
	}
}

func TestLoad_MergeMultipleFiles(t *testing.T) {
	base := writeConfig(t, `
global:
  log_level: info
sandbox:
  timeout: 2500ms
`)
	override := writeConfig(t, `
sandbox:
  timeout: 10s
`)

	cfg, err := Load(base, override)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Global.LogLevel)
	assert.Equal(t, "10s", cfg.Sandbox.Timeout)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name:    "bad driver",
			mutate:  func(cfg *Config) { cfg.Store.Driver = "mysql" },
			wantErr: "unsupported store driver",
		},
		{
			name:    "bad timeout",
			mutate:  func(cfg *Config) { cfg.Sandbox.Timeout = "soon" },
			wantErr: "invalid sandbox timeout",
		},
		{
			name:    "bad memory limit",
			mutate:  func(cfg *Config) { cfg.Sandbox.MemoryLimit = "lots" },
			wantErr: "invalid sandbox memory_limit",
		},
		{
			name:    "negative max rows",
			mutate:  func(cfg *Config) { cfg.Sandbox.MaxRows = -1 },
			wantErr: "max_rows must be positive",
		},
		{
			name:    "zero workers",
			mutate:  func(cfg *Config) { cfg.Runner.Workers = -2 },
			wantErr: "workers must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.applyDefaults()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSandboxConfig_Parsing(t *testing.T) {
	cfg := SandboxConfig{Timeout: "1500ms", MemoryLimit: "128m"}

	d, err := cfg.TimeoutDuration()
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, d)

	n, err := cfg.MemoryBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(128*1024*1024), n)
}
