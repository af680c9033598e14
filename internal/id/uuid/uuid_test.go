package uuid

import (
	"testing"

	googleuuid "github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestIDsAreDistinctUUIDs(t *testing.T) {
	t.Parallel()

	gen := New()
	seen := make(map[string]struct{})
	for range 16 {
		id, err := gen.NewID()
		require.NoError(t, err)
		parsed, err := googleuuid.Parse(id)
		require.NoError(t, err)
		assert.Equal(t, googleuuid.Version(7), parsed.Version())
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, 16)
}

func TestSessionIDsSortByCreation(t *testing.T) {
	t.Parallel()

	var gen Generator
	first, err := gen.NewSessionID()
	require.NoError(t, err)
	second, err := gen.NewSessionID()
	require.NoError(t, err)

	assert.NotEqual(t, googleuuid.Nil, first)
	assert.Less(t, first.String(), second.String())
}
