package audit

import (
	"encoding/base64"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func score(v float64) *float64 { return &v }

func TestScoresComplete(t *testing.T) {
	t.Parallel()

	full := Scores{
		Performance:   score(0.9),
		Accessibility: score(1),
		BestPractices: score(0.5),
		SEO:           score(0.7),
		PWA:           score(0),
	}
	assert.True(t, full.Complete())
	assert.Empty(t, full.Missing())

	partial := full
	partial.Performance = nil
	partial.PWA = score(math.NaN())
	assert.False(t, partial.Complete())
	assert.Equal(t, []string{"performance", "pwa"}, partial.Missing())
}

func TestTargetValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, Target{Root: "https://site.com", MaxURLs: 1}.Validate())
	require.Error(t, Target{MaxURLs: 1}.Validate())
	require.Error(t, Target{Root: "https://site.com"}.Validate())
}

func TestEntryJSONLayout(t *testing.T) {
	t.Parallel()

	entry := NewEntry("https://site.com", Report{
		Summary: Summary{Scores: Scores{SEO: score(0.4)}},
		HTML:    "<html></html>",
		Raw:     json.RawMessage(`{"lighthouseVersion":"12"}`),
	}, 2.4, time.Unix(10, 0).UTC())

	data, err := json.Marshal(entry)
	require.NoError(t, err)

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &fields))
	for _, key := range []string{"id", "url", "usefulInfo", "html", "result", "benchmarkIndex", "createdAt"} {
		assert.Contains(t, fields, key)
	}
	assert.Equal(t, ID("https://site.com"), entry.ID)
	assert.JSONEq(t, "2.4", string(fields["benchmarkIndex"]))
}

func TestDecodeImage(t *testing.T) {
	t.Parallel()

	payload := []byte{0xff, 0xd8, 0xff}
	encoded := base64.StdEncoding.EncodeToString(payload)

	img, err := DecodeImage("data:image/jpeg;base64," + encoded)
	require.NoError(t, err)
	assert.Equal(t, payload, img)

	img, err = DecodeImage(encoded)
	require.NoError(t, err)
	assert.Equal(t, payload, img)

	_, err = DecodeImage("data:image/jpeg;base64")
	require.Error(t, err)
	_, err = DecodeImage("")
	require.Error(t, err)
	_, err = DecodeImage("data:image/jpeg;base64,***")
	require.Error(t, err)
}
