package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pageaudit/internal/config"
)

// Tests in this file swap the package-level run and must not be parallel.

func stubRun(t *testing.T) (*config.Config, *rootOptions, *string) {
	t.Helper()
	var (
		gotCfg  config.Config
		gotOpts rootOptions
		gotRoot string
	)
	orig := run
	run = func(_ context.Context, cfg config.Config, opts rootOptions, root string) error {
		gotCfg, gotOpts, gotRoot = cfg, opts, root
		return nil
	}
	t.Cleanup(func() { run = orig })
	return &gotCfg, &gotOpts, &gotRoot
}

func TestRootRequiresURL(t *testing.T) {
	stubRun(t)

	cmd := newRootCmd()
	cmd.SetArgs([]string{})
	require.Error(t, cmd.Execute())

	cmd = newRootCmd()
	cmd.SetArgs([]string{"https://a.com", "https://b.com"})
	require.Error(t, cmd.Execute())
}

func TestRootPassesFlags(t *testing.T) {
	cfg, opts, root := stubRun(t)

	cmd := newRootCmd()
	cmd.SetArgs([]string{
		"https://site.com/",
		"--max-urls=12",
		"--exclude=/blog/*,/search?*",
		"--reload-benchmark",
		"--reload-tests",
	})
	require.NoError(t, cmd.Execute())

	assert.Equal(t, "https://site.com/", *root)
	assert.Equal(t, 12, cfg.Discovery.MaxURLs)
	assert.Equal(t, []string{"/blog/*", "/search?*"}, cfg.Discovery.Exclude)
	assert.True(t, opts.reloadBenchmark)
	assert.True(t, opts.reloadTests)
}

func TestRootDefaults(t *testing.T) {
	cfg, opts, _ := stubRun(t)

	cmd := newRootCmd()
	cmd.SetArgs([]string{"https://site.com"})
	require.NoError(t, cmd.Execute())

	assert.Equal(t, 200, cfg.Discovery.MaxURLs)
	assert.False(t, opts.reloadBenchmark)
	assert.False(t, opts.reloadTests)
}

func TestBuildTarget(t *testing.T) {
	cfg, err := config.Load("", nil)
	require.NoError(t, err)

	target, err := buildTarget(cfg, "https://site.com/")
	require.NoError(t, err)
	assert.Equal(t, "https://site.com", target.Root)
	assert.Equal(t, 200, target.MaxURLs)

	_, err = buildTarget(cfg, "   ")
	require.Error(t, err)

	cfg.Discovery.Exclude = []string{"[unclosed"}
	_, err = buildTarget(cfg, "https://site.com")
	require.Error(t, err)
}
