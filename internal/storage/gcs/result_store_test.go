package gcs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/JakeFAU/pageaudit/internal/audit"
)

// newTestStore creates a ResultStore pointed at a fake GCS endpoint.
func newTestStore(t *testing.T, handler http.Handler) *ResultStore {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(
		context.Background(),
		option.WithEndpoint(server.URL),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, Config{Bucket: "test-bucket", Prefix: "/pageaudit/tests/"})
	require.NoError(t, err)
	return store
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	_, err = New(client, Config{})
	require.Error(t, err)
}

func TestObjectName(t *testing.T) {
	t.Parallel()

	store := &ResultStore{prefix: "pageaudit/tests"}
	assert.Equal(t, "pageaudit/tests/abc=.json", store.ObjectName("abc="))

	store.prefix = ""
	assert.Equal(t, "abc=.json", store.ObjectName("abc="))
}

func TestPutUploadsEntry(t *testing.T) {
	t.Parallel()

	url := "https://site.com/about"
	objectName := "pageaudit/tests/" + audit.ID(url) + ".json"

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/test-bucket/o")
		assert.Equal(t, objectName, r.URL.Query().Get("name"))

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), `"url":"https://site.com/about"`)

		fmt.Fprintln(w, `{ "name": "`+objectName+`", "bucket": "test-bucket" }`)
	})
	store := newTestStore(t, handler)

	id, err := store.Put(context.Background(), audit.Entry{URL: url})
	require.NoError(t, err)
	assert.Equal(t, audit.ID(url), id)
}

func TestPutUnencodableEntryUploadsNothing(t *testing.T) {
	t.Parallel()

	var requests atomic.Int32
	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := store.Put(context.Background(), audit.Entry{URL: "https://site.com/", Report: json.RawMessage(`{"truncated":`)})
	require.ErrorContains(t, err, "encode entry")
	assert.Zero(t, requests.Load())
}

func TestExistsMapsNotFound(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/b/test-bucket/o/")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintln(w, `{"error": {"code": 404, "message": "No such object"}}`)
	})
	store := newTestStore(t, handler)

	ok, err := store.Exists(context.Background(), audit.ID("https://site.com"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExistsRejectsInvalidID(t *testing.T) {
	t.Parallel()

	store := &ResultStore{bucket: "b"}
	_, err := store.Exists(context.Background(), "../x")
	require.ErrorIs(t, err, audit.ErrInvalidID)
}
