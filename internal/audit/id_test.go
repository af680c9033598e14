package audit

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDRoundTrip(t *testing.T) {
	t.Parallel()

	urls := []string{
		"https://site.com",
		"https://site.com/blog/post-1?page=2#top",
		"https://site.com/~ü/??>>",
	}
	for _, u := range urls {
		id := ID(u)
		assert.NotContains(t, id, "/")
		assert.NotContains(t, id, "+")
		got, err := URLFromID(id)
		require.NoError(t, err)
		assert.Equal(t, u, got)
	}
}

func TestURLFromIDErrors(t *testing.T) {
	t.Parallel()

	_, err := URLFromID("")
	require.ErrorIs(t, err, ErrMissingID)

	_, err = URLFromID("not base64!")
	require.ErrorIs(t, err, ErrInvalidID)

	_, err = URLFromID("../../etc/passwd")
	require.True(t, errors.Is(err, ErrInvalidID))
}

func TestLookupKey(t *testing.T) {
	t.Parallel()

	u := "https://site.com/about"
	byURL, err := Lookup{URL: u}.Key()
	require.NoError(t, err)
	byID, err := Lookup{ID: ID(u)}.Key()
	require.NoError(t, err)
	assert.Equal(t, byURL, byID)

	_, err = Lookup{}.Key()
	require.ErrorIs(t, err, ErrMissingID)

	_, err = Lookup{ID: "%%%"}.Key()
	require.ErrorIs(t, err, ErrInvalidID)
}
