// Package local_test tests the filesystem result store.
package local_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pageaudit/internal/audit"
	"github.com/JakeFAU/pageaudit/internal/storage/local"
)

func sampleEntry(url string) audit.Entry {
	perf := 0.87
	return audit.NewEntry(url, audit.Report{
		Summary: audit.Summary{
			Scores:          audit.Scores{Performance: &perf},
			Timings:         []audit.Timing{{Timing: 300, Timestamp: 1, Data: "data:image/jpeg;base64,AAAA"}},
			FinalScreenshot: "data:image/jpeg;base64,AAAA",
		},
		HTML: "<html>report</html>",
	}, 2.4, time.Unix(100, 0).UTC())
}

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})

	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "cache", "tests")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
}

func TestPutGetRoundTrip(t *testing.T) {
	t.Parallel()

	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	ctx := context.Background()

	url := "https://site.com/blog/post-1"
	entry := sampleEntry(url)
	id, err := store.Put(ctx, entry)
	require.NoError(t, err)
	assert.Equal(t, audit.ID(url), id)

	byID, err := store.Get(ctx, audit.Lookup{ID: id})
	require.NoError(t, err)
	byURL, err := store.Get(ctx, audit.Lookup{URL: url})
	require.NoError(t, err)

	assert.Equal(t, entry, byID)
	assert.Equal(t, byID, byURL)

	_, err = os.Stat(filepath.Join(store.Dir(), id+".json"))
	require.NoError(t, err)
}

func TestGetMissing(t *testing.T) {
	t.Parallel()

	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = store.Get(ctx, audit.Lookup{URL: "https://site.com/nope"})
	require.ErrorIs(t, err, audit.ErrNotFound)

	_, err = store.Get(ctx, audit.Lookup{})
	require.ErrorIs(t, err, audit.ErrMissingID)

	_, err = store.Get(ctx, audit.Lookup{ID: "../secrets"})
	require.ErrorIs(t, err, audit.ErrInvalidID)
}

func TestExistsAndReset(t *testing.T) {
	t.Parallel()

	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	ctx := context.Background()

	id, err := store.Put(ctx, sampleEntry("https://site.com"))
	require.NoError(t, err)

	ok, err := store.Exists(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.Reset(ctx))

	ok, err = store.Exists(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.Put(ctx, sampleEntry("https://site.com"))
	require.NoError(t, err)
}

func TestPutRequiresURL(t *testing.T) {
	t.Parallel()

	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.Put(context.Background(), audit.Entry{})
	require.Error(t, err)
}
