// Package config loads and validates pageaudit configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix prefixes every environment override, e.g. PAGEAUDIT_SERVER_API_PORT.
const EnvPrefix = "PAGEAUDIT"

// Storage backends.
const (
	BackendLocal    = "local"
	BackendMemory   = "memory"
	BackendGCS      = "gcs"
	BackendPostgres = "postgres"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Discovery   DiscoveryConfig   `mapstructure:"discovery"`
	Browser     BrowserConfig     `mapstructure:"browser"`
	Lighthouse  LighthouseConfig  `mapstructure:"lighthouse"`
	Calibration CalibrationConfig `mapstructure:"calibration"`
	Preflight   PreflightConfig   `mapstructure:"preflight"`
	Storage     StorageConfig     `mapstructure:"storage"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Channel     ChannelConfig     `mapstructure:"channel"`
	API         APIConfig         `mapstructure:"api"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig controls the two listeners.
type ServerConfig struct {
	ChannelPort     int           `mapstructure:"channel_port"`
	APIPort         int           `mapstructure:"api_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// CacheConfig locates the persisted benchmark index and test results.
type CacheConfig struct {
	// Dir overrides the cache root. Empty means <user cache dir>/pageaudit.
	Dir string `mapstructure:"dir"`
}

// DiscoveryConfig bounds the crawl.
type DiscoveryConfig struct {
	MaxURLs int      `mapstructure:"max_urls"`
	Exclude []string `mapstructure:"exclude"`
}

// BrowserConfig configures the shared Chrome process.
type BrowserConfig struct {
	Port              int           `mapstructure:"port"`
	ExecPath          string        `mapstructure:"exec_path"`
	Headless          bool          `mapstructure:"headless"`
	UserAgent         string        `mapstructure:"user_agent"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	SettleDelay       time.Duration `mapstructure:"settle_delay"`
}

// LighthouseConfig configures the audit engine and retry policy.
type LighthouseConfig struct {
	Binary      string        `mapstructure:"binary"`
	Timeout     time.Duration `mapstructure:"timeout"`
	ExtraArgs   []string      `mapstructure:"extra_args"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
}

// CalibrationConfig controls benchmark sampling.
type CalibrationConfig struct {
	Samples int `mapstructure:"samples"`
}

// PreflightConfig controls the target liveness probe.
type PreflightConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
}

// StorageConfig selects the result store backend.
type StorageConfig struct {
	Backend       string `mapstructure:"backend"`
	GCSBucket     string `mapstructure:"gcs_bucket"`
	Prefix        string `mapstructure:"prefix"`
	PostgresDSN   string `mapstructure:"postgres_dsn"`
	PostgresTable string `mapstructure:"postgres_table"`
}

// PubSubConfig enables completed-test notifications when both fields are set.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Enabled reports whether the Pub/Sub sink should be wired.
func (p PubSubConfig) Enabled() bool {
	return p.ProjectID != "" && p.TopicName != ""
}

// ChannelConfig tunes the progress channel.
type ChannelConfig struct {
	NotFoundAsError bool          `mapstructure:"not_found_as_error"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
}

// APIConfig tunes the artifact API.
type APIConfig struct {
	PublicBaseURL  string        `mapstructure:"public_base_url"`
	CacheMaxAge    time.Duration `mapstructure:"cache_max_age"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// flagKeys maps CLI flags onto config keys.
var flagKeys = map[string]string{
	"max-urls": "discovery.max_urls",
	"exclude":  "discovery.exclude",
}

// LoadDotEnv exports the variables in each existing file into the process
// environment without overriding variables that are already set. Missing
// files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// Load builds a Config from an optional file, the environment and, when
// flags is non-nil, the command line. Flags win over env, env over file.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if flags != nil {
		for name, key := range flagKeys {
			flag := flags.Lookup(name)
			if flag == nil {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.channel_port", 3819)
	v.SetDefault("server.api_port", 3820)
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("cache.dir", "")
	v.SetDefault("discovery.max_urls", 200)
	v.SetDefault("discovery.exclude", []string{})
	v.SetDefault("browser.port", 9222)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.navigation_timeout", "45s")
	v.SetDefault("browser.settle_delay", "0s")
	v.SetDefault("lighthouse.binary", "lighthouse")
	v.SetDefault("lighthouse.timeout", "3m")
	v.SetDefault("lighthouse.extra_args", []string{})
	v.SetDefault("lighthouse.max_attempts", 5)
	v.SetDefault("lighthouse.retry_delay", "0s")
	v.SetDefault("calibration.samples", 5)
	v.SetDefault("preflight.timeout", "15s")
	v.SetDefault("preflight.user_agent", "pageaudit/1.0")
	v.SetDefault("storage.backend", BackendLocal)
	v.SetDefault("storage.prefix", "tests")
	v.SetDefault("storage.postgres_dsn", "")
	v.SetDefault("storage.postgres_table", "audit_results")
	v.SetDefault("channel.not_found_as_error", false)
	v.SetDefault("channel.write_timeout", "10s")
	v.SetDefault("api.cache_max_age", "24h")
	v.SetDefault("api.request_timeout", "30s")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.ChannelPort <= 0 || c.Server.APIPort <= 0 {
		return errors.New("server.channel_port and server.api_port must be > 0")
	}
	if c.Server.ChannelPort == c.Server.APIPort {
		return fmt.Errorf("server.channel_port and server.api_port must differ, both are %d", c.Server.APIPort)
	}
	if c.Discovery.MaxURLs <= 0 {
		return fmt.Errorf("discovery.max_urls must be > 0, got %d", c.Discovery.MaxURLs)
	}
	if c.Browser.Port <= 0 {
		return errors.New("browser.port must be > 0")
	}
	if c.Lighthouse.MaxAttempts <= 0 {
		return errors.New("lighthouse.max_attempts must be > 0")
	}
	if c.Calibration.Samples <= 0 {
		return errors.New("calibration.samples must be > 0")
	}
	switch c.Storage.Backend {
	case BackendLocal, BackendMemory:
	case BackendGCS:
		if c.Storage.GCSBucket == "" {
			return errors.New("storage.gcs_bucket must be set when storage.backend is gcs")
		}
	case BackendPostgres:
		if c.Storage.PostgresDSN == "" {
			return errors.New("storage.postgres_dsn must be set when storage.backend is postgres")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return errors.New("pubsub.project_id and pubsub.topic_name must be set together")
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	return nil
}

// CacheRoot returns the directory holding the benchmark index and test results.
func (c Config) CacheRoot() (string, error) {
	if c.Cache.Dir != "" {
		return c.Cache.Dir, nil
	}
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolve user cache dir: %w", err)
	}
	return filepath.Join(base, "pageaudit"), nil
}

// TestsDir returns the directory holding one result file per tested URL.
func (c Config) TestsDir() (string, error) {
	root, err := c.CacheRoot()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, "tests"), nil
}
