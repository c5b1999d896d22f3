package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the catalogsync engine configuration.
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Database DatabaseConfig `yaml:"database"`
	Engine   EngineConfig   `yaml:"engine"`
	Matcher  MatcherConfig  `yaml:"matcher"`
	Index    IndexConfig    `yaml:"index"`
	Audit    AuditConfig    `yaml:"audit"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port            int `yaml:"port"`
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
	ShutdownSec     int `yaml:"shutdown_timeout_sec"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Addrs            []string `yaml:"addrs"`
	Username         string   `yaml:"username"`
	Password         string   `yaml:"password"`
	ReadinessTimeout int      `yaml:"readiness_timeout_sec"`
}

// EngineConfig holds change batching and evaluation settings.
type EngineConfig struct {
	BatchMaxSize   int `yaml:"batch_max_size"`   // close batch at this many work items
	BatchWindowSec int `yaml:"batch_window_sec"` // or after this long, whichever first
	EvalTimeoutSec int `yaml:"eval_timeout_sec"` // deadline per batch evaluation
	MaxAttempts    int `yaml:"max_attempts"`     // retries before a batch is stalled
	Concurrency    int `yaml:"concurrency"`      // parallel work items per batch
}

// MatcherConfig selects and tunes the matching backend.
type MatcherConfig struct {
	Backend   string  `yaml:"backend"`    // local (default) or oracle
	OracleQPS float64 `yaml:"oracle_qps"` // rate limit toward the search engine, 0 = unlimited
}

// AttributeFieldConfig declares one filterable attribute in the FT schemas.
type AttributeFieldConfig struct {
	Name    string `yaml:"name"`
	Numeric bool   `yaml:"numeric"`
}

// IndexConfig holds search index settings.
type IndexConfig struct {
	Name            string                 `yaml:"name"`              // projected index name
	OracleIndexName string                 `yaml:"oracle_index_name"` // content index the oracle queries
	KeyPrefix       string                 `yaml:"key_prefix"`
	AttributeFields []AttributeFieldConfig `yaml:"attribute_fields"`
}

// AuditConfig holds attribute-index self-audit settings.
type AuditConfig struct {
	IntervalSec int `yaml:"interval_sec"` // 0 disables the periodic audit
}

// Load reads configuration from a YAML file by environment name (local, dev, prod).
func Load(env string) (Config, error) {
	configPath := findConfigPath(env)

	data, err := os.ReadFile(filepath.Clean(configPath))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", configPath, err)
	}

	// Substitute env variables of the form ${VAR}
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 10
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		c.HTTP.WriteTimeoutSec = 10
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}
	if c.Database.ReadinessTimeout <= 0 {
		c.Database.ReadinessTimeout = 10
	}
	if c.Engine.BatchMaxSize <= 0 {
		c.Engine.BatchMaxSize = 100
	}
	if c.Engine.BatchWindowSec <= 0 {
		c.Engine.BatchWindowSec = 30
	}
	if c.Engine.EvalTimeoutSec <= 0 {
		c.Engine.EvalTimeoutSec = 60
	}
	if c.Engine.MaxAttempts <= 0 {
		c.Engine.MaxAttempts = 3
	}
	if c.Engine.Concurrency <= 0 {
		c.Engine.Concurrency = 8
	}
	if c.Matcher.Backend == "" {
		c.Matcher.Backend = "local"
	}
	if c.Index.Name == "" {
		c.Index.Name = "catalogsync-idx"
	}
	if c.Index.OracleIndexName == "" {
		c.Index.OracleIndexName = c.Index.Name + "-content"
	}
	if c.Index.KeyPrefix == "" {
		c.Index.KeyPrefix = "catalogsync:"
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	if len(c.Database.Addrs) == 0 {
		return fmt.Errorf("database.addrs is required")
	}
	switch c.Matcher.Backend {
	case "local", "oracle":
		// ok
	default:
		return fmt.Errorf("matcher.backend must be \"local\" or \"oracle\", got %q", c.Matcher.Backend)
	}
	for i, af := range c.Index.AttributeFields {
		if af.Name == "" {
			return fmt.Errorf("index.attribute_fields[%d].name is required", i)
		}
	}
	return nil
}

// findConfigPath locates the config file.
func findConfigPath(env string) string {
	filename := fmt.Sprintf("%s.yaml", env)

	// 1. Check ./config/
	if path := filepath.Join("config", filename); fileExists(path) {
		return path
	}

	// 2. Check relative to the source file
	_, b, _, _ := runtime.Caller(0)
	projectRoot := filepath.Dir(filepath.Dir(filepath.Dir(b))) // internal/config -> project root
	if path := filepath.Join(projectRoot, "config", filename); fileExists(path) {
		return path
	}

	// 3. Fallback to ./config/
	return filepath.Join("config", filename)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1]) // strip ${ and }
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
