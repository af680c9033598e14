// Package discover finds the pages of a site by breadth-first traversal of
// same-prefix anchor links.
package discover

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/pageaudit/internal/audit"
)

// Discoverer explores a site through a LinkSource.
type Discoverer struct {
	links  audit.LinkSource
	logger *zap.Logger
}

// New constructs a Discoverer.
func New(links audit.LinkSource, logger *zap.Logger) (*Discoverer, error) {
	if links == nil {
		return nil, errors.New("link source is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discoverer{links: links, logger: logger}, nil
}

// Normalize strips a single trailing slash from a URL.
func Normalize(rawURL string) string {
	return strings.TrimSuffix(strings.TrimSpace(rawURL), "/")
}

// Discover returns at most target.MaxURLs URLs in discovery order, root first.
// Pages are expanded in the order they were admitted; candidates are admitted
// when new, prefixed by the root, and not excluded. Cancellation is checked
// between pages; a link extraction already in flight runs to completion.
func (d *Discoverer) Discover(ctx context.Context, target audit.Target) ([]string, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	matcher, err := NewMatcher(target.Exclude)
	if err != nil {
		return nil, err
	}

	root := Normalize(target.Root)
	urls := []string{root}
	seen := map[string]struct{}{root: {}}
	callCtx := context.WithoutCancel(ctx)

	for i := 0; i < len(urls) && len(urls) < target.MaxURLs; i++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("discovery canceled: %w", err)
		}
		page := urls[i]
		links, err := d.links.Links(callCtx, page)
		if err != nil {
			if i == 0 {
				return nil, fmt.Errorf("extract links from root: %w", err)
			}
			d.logger.Warn("link extraction failed", zap.String("url", page), zap.Error(err))
			continue
		}
		admitted := 0
		for _, link := range links {
			if len(urls) >= target.MaxURLs {
				break
			}
			candidate := Normalize(link)
			if candidate == "" {
				continue
			}
			if _, dup := seen[candidate]; dup {
				continue
			}
			if !strings.HasPrefix(candidate, root) || matcher.Excluded(candidate) {
				continue
			}
			seen[candidate] = struct{}{}
			urls = append(urls, candidate)
			admitted++
		}
		d.logger.Debug("page expanded",
			zap.String("url", page),
			zap.Int("links", len(links)),
			zap.Int("admitted", admitted),
			zap.Int("total", len(urls)),
		)
	}
	return urls, nil
}
