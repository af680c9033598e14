package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, 3819, cfg.Server.ChannelPort)
	assert.Equal(t, 3820, cfg.Server.APIPort)
	assert.Equal(t, 200, cfg.Discovery.MaxURLs)
	assert.Empty(t, cfg.Discovery.Exclude)
	assert.Equal(t, 9222, cfg.Browser.Port)
	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, 45*time.Second, cfg.Browser.NavigationTimeout)
	assert.Equal(t, "lighthouse", cfg.Lighthouse.Binary)
	assert.Equal(t, 3*time.Minute, cfg.Lighthouse.Timeout)
	assert.Equal(t, 5, cfg.Lighthouse.MaxAttempts)
	assert.Equal(t, 5, cfg.Calibration.Samples)
	assert.Equal(t, BackendLocal, cfg.Storage.Backend)
	assert.False(t, cfg.Channel.NotFoundAsError)
	assert.Equal(t, 24*time.Hour, cfg.API.CacheMaxAge)
	assert.False(t, cfg.PubSub.Enabled())
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
server:
  channel_port: 4819
  api_port: 4820
cache:
  dir: /var/cache/pa
discovery:
  max_urls: 25
  exclude: ["/blog/*", "/search?*"]
lighthouse:
  timeout: 90s
  extra_args: ["--locale=de"]
storage:
  backend: gcs
  gcs_bucket: audits
  prefix: site/tests
pubsub:
  project_id: proj
  topic_name: audits
channel:
  not_found_as_error: true
api:
  public_base_url: https://audits.example.com
logging:
  development: false
  level: debug
`)

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 4819, cfg.Server.ChannelPort)
	assert.Equal(t, 25, cfg.Discovery.MaxURLs)
	assert.Equal(t, []string{"/blog/*", "/search?*"}, cfg.Discovery.Exclude)
	assert.Equal(t, 90*time.Second, cfg.Lighthouse.Timeout)
	assert.Equal(t, []string{"--locale=de"}, cfg.Lighthouse.ExtraArgs)
	assert.Equal(t, BackendGCS, cfg.Storage.Backend)
	assert.Equal(t, "audits", cfg.Storage.GCSBucket)
	assert.True(t, cfg.PubSub.Enabled())
	assert.True(t, cfg.Channel.NotFoundAsError)
	assert.Equal(t, "https://audits.example.com", cfg.API.PublicBaseURL)
	assert.False(t, cfg.Logging.Development)

	root, err := cfg.CacheRoot()
	require.NoError(t, err)
	assert.Equal(t, "/var/cache/pa", root)
	tests, err := cfg.TestsDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/var/cache/pa", "tests"), tests)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PAGEAUDIT_SERVER_API_PORT", "5000")
	t.Setenv("PAGEAUDIT_DISCOVERY_MAX_URLS", "7")
	t.Setenv("PAGEAUDIT_CHANNEL_NOT_FOUND_AS_ERROR", "true")

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, 5000, cfg.Server.APIPort)
	assert.Equal(t, 7, cfg.Discovery.MaxURLs)
	assert.True(t, cfg.Channel.NotFoundAsError)
}

func TestLoadFlagsWin(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "discovery:\n  max_urls: 50\n")
	flags := pflag.NewFlagSet("pageaudit", pflag.ContinueOnError)
	flags.Int("max-urls", 200, "")
	flags.StringSlice("exclude", nil, "")
	require.NoError(t, flags.Parse([]string{"--max-urls=3", "--exclude=/a/*,/b/*"}))

	cfg, err := Load(path, flags)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Discovery.MaxURLs)
	assert.Equal(t, []string{"/a/*", "/b/*"}, cfg.Discovery.Exclude)
}

func TestLoadUnsetFlagsKeepFileValues(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "discovery:\n  max_urls: 50\n")
	flags := pflag.NewFlagSet("pageaudit", pflag.ContinueOnError)
	flags.Int("max-urls", 200, "")
	require.NoError(t, flags.Parse(nil))

	cfg, err := Load(path, flags)
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Discovery.MaxURLs)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base, err := Load("", nil)
	require.NoError(t, err)

	cases := map[string]func(*Config){
		"zero port":        func(c *Config) { c.Server.APIPort = 0 },
		"same ports":       func(c *Config) { c.Server.APIPort = c.Server.ChannelPort },
		"zero max urls":    func(c *Config) { c.Discovery.MaxURLs = 0 },
		"zero attempts":    func(c *Config) { c.Lighthouse.MaxAttempts = 0 },
		"zero samples":     func(c *Config) { c.Calibration.Samples = 0 },
		"unknown backend":  func(c *Config) { c.Storage.Backend = "s3" },
		"gcs no bucket":    func(c *Config) { c.Storage.Backend = BackendGCS },
		"postgres no dsn":  func(c *Config) { c.Storage.Backend = BackendPostgres },
		"half pubsub":      func(c *Config) { c.PubSub.ProjectID = "proj" },
		"bad log level":    func(c *Config) { c.Logging.Level = "loud" },
		"zero chrome port": func(c *Config) { c.Browser.Port = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
	require.NoError(t, base.Validate())
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("PAGEAUDIT_SERVER_CHANNEL_PORT=4100\nPAGEAUDIT_LOGGING_LEVEL=warn\n"), 0o600))
	t.Setenv("PAGEAUDIT_LOGGING_LEVEL", "error")
	t.Setenv("PAGEAUDIT_SERVER_CHANNEL_PORT", "")
	require.NoError(t, os.Unsetenv("PAGEAUDIT_SERVER_CHANNEL_PORT"))

	require.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env"), path))

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, 4100, cfg.Server.ChannelPort)
	assert.Equal(t, "error", cfg.Logging.Level)
}
