package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/viper"
)

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultStoreDriver is the default database driver.
	DefaultStoreDriver = "sqlite"

	// DefaultStorePath is the default sqlite database path.
	DefaultStorePath = "./querybench.db"

	// DefaultExecTimeout is the default wall-clock limit for a single
	// code execution.
	DefaultExecTimeout = "2500ms"

	// DefaultMemoryLimit is the default memory ceiling for a single
	// code execution.
	DefaultMemoryLimit = "256m"

	// DefaultMaxRows is the default cap on rows fetched from one execution.
	DefaultMaxRows = 2000

	// DefaultPythonImage is the default container image for the Python
	// sandbox.
	DefaultPythonImage = "python:3.12-alpine"

	// DefaultWorkers is the default number of concurrent item evaluations.
	DefaultWorkers = 2

	// DefaultListen is the default API listen address.
	DefaultListen = ":8080"

	// DefaultContextCacheDir is the default cache directory for fetched
	// data contexts.
	DefaultContextCacheDir = "./context-cache"

	// envPrefix is the prefix for environment variable overrides,
	// e.g. QUERYBENCH_SANDBOX_TIMEOUT.
	envPrefix = "QUERYBENCH"
)

// Config is the root configuration for querybench.
type Config struct {
	Global   GlobalConfig   `yaml:"global" mapstructure:"global"`
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Contexts ContextsConfig `yaml:"contexts" mapstructure:"contexts"`
	Sandbox  SandboxConfig  `yaml:"sandbox" mapstructure:"sandbox"`
	Runner   RunnerConfig   `yaml:"runner" mapstructure:"runner"`
	API      APIConfig      `yaml:"api" mapstructure:"api"`
	Upload   UploadConfig   `yaml:"upload" mapstructure:"upload"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Driver   string         `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite" mapstructure:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres" mapstructure:"postgres"`
}

// SQLiteConfig configures the sqlite driver.
type SQLiteConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig configures the postgres driver.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode" mapstructure:"ssl_mode"`
}

// ContextsConfig configures data-context resolution.
type ContextsConfig struct {
	// RootDir is the base directory for storage links given as relative
	// paths.
	RootDir string `yaml:"root_dir" mapstructure:"root_dir"`

	// CacheDir is where remote contexts are materialized.
	CacheDir string `yaml:"cache_dir" mapstructure:"cache_dir"`

	// S3 enables fetching contexts from S3-compatible object storage.
	S3 *ContextS3Config `yaml:"s3,omitempty" mapstructure:"s3"`
}

// ContextS3Config configures the object-storage client used to fetch
// data contexts referenced by s3:// storage links.
type ContextS3Config struct {
	Endpoint        string `yaml:"endpoint" mapstructure:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" mapstructure:"secret_access_key"`
	UseSSL          bool   `yaml:"use_ssl" mapstructure:"use_ssl"`
}

// SandboxConfig bounds a single code execution.
type SandboxConfig struct {
	// Timeout is the wall-clock limit per execution (duration string).
	Timeout string `yaml:"timeout" mapstructure:"timeout"`

	// MemoryLimit is the memory ceiling per execution (e.g. "256m").
	MemoryLimit string `yaml:"memory_limit" mapstructure:"memory_limit"`

	// MaxRows caps the result set size of one execution.
	MaxRows int `yaml:"max_rows" mapstructure:"max_rows"`

	// PythonImage is the container image for the Python sandbox.
	PythonImage string `yaml:"python_image" mapstructure:"python_image"`
}

// RunnerConfig configures run orchestration.
type RunnerConfig struct {
	// Workers is the bounded parallelism for item evaluation within a run.
	Workers int `yaml:"workers" mapstructure:"workers"`

	// QuestionsFile optionally seeds the question bank from a YAML file.
	QuestionsFile string `yaml:"questions_file" mapstructure:"questions_file"`

	// ContextsFile optionally seeds the data-context catalog from a YAML
	// file.
	ContextsFile string `yaml:"contexts_file" mapstructure:"contexts_file"`

	// MinFreeMemory aborts a run when host available memory drops below
	// this threshold (e.g. "512m"). Empty disables the guard.
	MinFreeMemory string `yaml:"min_free_memory" mapstructure:"min_free_memory"`
}

// Load reads one or more YAML configuration files, merges them in order,
// applies QUERYBENCH_* environment overrides, and fills in defaults.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	for i, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}

		if i == 0 {
			if err := v.ReadConfig(strings.NewReader(string(data))); err != nil {
				return nil, fmt.Errorf("parsing config file %s: %w", path, err)
			}
		} else {
			if err := v.MergeConfig(strings.NewReader(string(data))); err != nil {
				return nil, fmt.Errorf("merging config file %s: %w", path, err)
			}
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv alone does not surface env vars during Unmarshal, so
	// bind every key seen in the files explicitly.
	for _, key := range v.AllKeys() {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("binding env for %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Store.Driver == "" {
		c.Store.Driver = DefaultStoreDriver
	}

	if c.Store.SQLite.Path == "" {
		c.Store.SQLite.Path = DefaultStorePath
	}

	if c.Contexts.CacheDir == "" {
		c.Contexts.CacheDir = DefaultContextCacheDir
	}

	if c.Sandbox.Timeout == "" {
		c.Sandbox.Timeout = DefaultExecTimeout
	}

	if c.Sandbox.MemoryLimit == "" {
		c.Sandbox.MemoryLimit = DefaultMemoryLimit
	}

	if c.Sandbox.MaxRows == 0 {
		c.Sandbox.MaxRows = DefaultMaxRows
	}

	if c.Sandbox.PythonImage == "" {
		c.Sandbox.PythonImage = DefaultPythonImage
	}

	if c.Runner.Workers == 0 {
		c.Runner.Workers = DefaultWorkers
	}

	if c.API.Listen == "" {
		c.API.Listen = DefaultListen
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported store driver: %s", c.Store.Driver)
	}

	if _, err := c.Sandbox.TimeoutDuration(); err != nil {
		return fmt.Errorf("invalid sandbox timeout: %w", err)
	}

	if _, err := c.Sandbox.MemoryBytes(); err != nil {
		return fmt.Errorf("invalid sandbox memory_limit: %w", err)
	}

	if c.Sandbox.MaxRows < 1 {
		return fmt.Errorf("sandbox max_rows must be positive")
	}

	if c.Runner.Workers < 1 {
		return fmt.Errorf("runner workers must be positive")
	}

	if c.Runner.MinFreeMemory != "" {
		if _, err := units.RAMInBytes(c.Runner.MinFreeMemory); err != nil {
			return fmt.Errorf("invalid runner min_free_memory: %w", err)
		}
	}

	if c.Contexts.S3 != nil && c.Contexts.S3.Endpoint == "" {
		return fmt.Errorf("contexts s3 endpoint is required when s3 is configured")
	}

	return nil
}

// TimeoutDuration parses the configured execution timeout.
func (c *SandboxConfig) TimeoutDuration() (time.Duration, error) {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 0, fmt.Errorf("parsing timeout %q: %w", c.Timeout, err)
	}

	if d <= 0 {
		return 0, fmt.Errorf("timeout must be positive")
	}

	return d, nil
}

// MemoryBytes parses the configured memory ceiling.
func (c *SandboxConfig) MemoryBytes() (int64, error) {
	n, err := units.RAMInBytes(c.MemoryLimit)
	if err != nil {
		return 0, fmt.Errorf("parsing memory_limit %q: %w", c.MemoryLimit, err)
	}

	return n, nil
}

// MinFreeMemoryBytes parses the host memory guard threshold. Returns 0 when
// the guard is disabled.
func (c *RunnerConfig) MinFreeMemoryBytes() int64 {
	if c.MinFreeMemory == "" {
		return 0
	}

	n, err := units.RAMInBytes(c.MinFreeMemory)
	if err != nil {
		return 0
	}

	return n
}
