package audit

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// ID returns the content address for a page URL. The URL-safe alphabet keeps
// ids usable as file names and query values.
func ID(url string) string {
	return base64.URLEncoding.EncodeToString([]byte(url))
}

// URLFromID decodes a content address back into its URL.
func URLFromID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", ErrMissingID
	}
	raw, err := base64.URLEncoding.DecodeString(id)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	if len(raw) == 0 {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return string(raw), nil
}

// ValidateID reports whether id is a well-formed content address.
func ValidateID(id string) error {
	_, err := URLFromID(id)
	return err
}

// Lookup selects a cached entry either by id or by URL. When both are set the
// id wins.
type Lookup struct {
	ID  string
	URL string
}

// Key resolves the lookup into a content address.
func (l Lookup) Key() (string, error) {
	if id := strings.TrimSpace(l.ID); id != "" {
		if err := ValidateID(id); err != nil {
			return "", err
		}
		return id, nil
	}
	if l.URL == "" {
		return "", ErrMissingID
	}
	return ID(l.URL), nil
}
