// Package gcs provides a result store backed by Google Cloud Storage.
package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/JakeFAU/pageaudit/internal/audit"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	// Prefix is prepended to every object name, e.g. "pageaudit/tests".
	Prefix string
}

// ResultStore writes cache entries to a configured GCS bucket.
type ResultStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS-backed result store.
func New(client *storage.Client, cfg Config) (*ResultStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &ResultStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// Put uploads the entry as JSON and returns its id.
func (s *ResultStore) Put(ctx context.Context, entry audit.Entry) (string, error) {
	if strings.TrimSpace(entry.URL) == "" {
		return "", fmt.Errorf("entry url is required")
	}
	entry.ID = audit.ID(entry.URL)
	data, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("encode entry: %w", err)
	}

	// Canceling writeCtx before Close aborts the upload.
	writeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	writer := s.object(entry.ID).NewWriter(writeCtx)
	writer.ContentType = "application/json"
	if _, err := writer.Write(data); err != nil {
		cancel()
		_ = writer.Close()
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return entry.ID, nil
}

// Get downloads and decodes the entry for the lookup.
func (s *ResultStore) Get(ctx context.Context, lookup audit.Lookup) (audit.Entry, error) {
	id, err := lookup.Key()
	if err != nil {
		return audit.Entry{}, err
	}
	reader, err := s.object(id).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return audit.Entry{}, fmt.Errorf("%w: %s", audit.ErrNotFound, id)
		}
		return audit.Entry{}, fmt.Errorf("open object: %w", err)
	}
	defer func() {
		_ = reader.Close()
	}()
	data, err := io.ReadAll(reader)
	if err != nil {
		return audit.Entry{}, fmt.Errorf("read object: %w", err)
	}
	var entry audit.Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return audit.Entry{}, fmt.Errorf("decode entry %s: %w", id, err)
	}
	return entry, nil
}

// Exists checks the object's metadata without downloading it.
func (s *ResultStore) Exists(ctx context.Context, id string) (bool, error) {
	if err := audit.ValidateID(id); err != nil {
		return false, err
	}
	if _, err := s.object(id).Attrs(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("object attrs: %w", err)
	}
	return true, nil
}

// Reset deletes every entry under the configured prefix.
func (s *ResultStore) Reset(ctx context.Context) error {
	query := &storage.Query{}
	if s.prefix != "" {
		query.Prefix = s.prefix + "/"
	}
	bucket := s.client.Bucket(s.bucket)
	it := bucket.Objects(ctx, query)
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("list objects: %w", err)
		}
		if !strings.HasSuffix(attrs.Name, ".json") {
			continue
		}
		if err := bucket.Object(attrs.Name).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("delete %s: %w", attrs.Name, err)
		}
	}
}

// ObjectName returns the object name an id is stored under.
func (s *ResultStore) ObjectName(id string) string {
	if s.prefix == "" {
		return id + ".json"
	}
	return path.Join(s.prefix, id+".json")
}

func (s *ResultStore) object(id string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.ObjectName(id))
}
