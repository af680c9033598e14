package audit

import (
	"context"
	"time"
)

// Engine runs one audit of a page.
type Engine interface {
	Audit(ctx context.Context, url string, opts AuditOptions) (Report, error)
}

// LinkSource returns the href targets of every anchor on a page.
type LinkSource interface {
	Links(ctx context.Context, url string) ([]string, error)
}

// Navigator loads a page in the shared browser tab.
type Navigator interface {
	Visit(ctx context.Context, url string) error
}

// ResultStore persists cache entries keyed by content address.
type ResultStore interface {
	Put(ctx context.Context, entry Entry) (string, error)
	Get(ctx context.Context, lookup Lookup) (Entry, error)
	Exists(ctx context.Context, id string) (bool, error)
	Reset(ctx context.Context) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
