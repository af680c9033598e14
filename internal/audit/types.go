package audit

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Target is the immutable per-run crawl configuration.
type Target struct {
	// Root is the normalized root URL; every discovered URL shares it as a prefix.
	Root string
	// MaxURLs bounds the number of URLs handed to the test loop.
	MaxURLs int
	// Exclude holds shell-glob patterns matched against path+query+fragment.
	Exclude []string
}

// Validate checks the target before any crawling starts.
func (t Target) Validate() error {
	if strings.TrimSpace(t.Root) == "" {
		return errors.New("root url is required")
	}
	if t.MaxURLs <= 0 {
		return fmt.Errorf("max urls must be > 0, got %d", t.MaxURLs)
	}
	return nil
}

// Scores holds the five category scores reported by the audit engine. A nil
// score means the engine skipped the category.
type Scores struct {
	Performance   *float64 `json:"performance"`
	Accessibility *float64 `json:"accessibility"`
	BestPractices *float64 `json:"bestPractices"`
	SEO           *float64 `json:"seo"`
	PWA           *float64 `json:"pwa"`
}

func (s Scores) named() []namedScore {
	return []namedScore{
		{"performance", s.Performance},
		{"accessibility", s.Accessibility},
		{"best-practices", s.BestPractices},
		{"seo", s.SEO},
		{"pwa", s.PWA},
	}
}

type namedScore struct {
	name  string
	value *float64
}

// Missing lists the categories whose score is absent or non-finite.
func (s Scores) Missing() []string {
	var missing []string
	for _, score := range s.named() {
		if score.value == nil || math.IsNaN(*score.value) || math.IsInf(*score.value, 0) {
			missing = append(missing, score.name)
		}
	}
	return missing
}

// Complete reports whether every category carries a finite score.
func (s Scores) Complete() bool {
	return len(s.Missing()) == 0
}

// Timing is one screenshot-thumbnail sample taken while the page loaded.
type Timing struct {
	// Timing is the offset in milliseconds from navigation start.
	Timing float64 `json:"timing"`
	// Timestamp is the engine's monotonic timestamp for the frame.
	Timestamp float64 `json:"timestamp"`
	// Data is the frame as a data URI.
	Data string `json:"data"`
}

// Summary is the subset of a report the dashboard reads.
type Summary struct {
	Scores          Scores   `json:"scores"`
	Timings         []Timing `json:"timings"`
	FinalScreenshot string   `json:"finalScreenshot"`
}

// Report is the outcome of one audit engine run.
type Report struct {
	Summary
	// BenchmarkIndex is the engine's environment-reported host CPU index.
	BenchmarkIndex float64
	// HTML is the rendered HTML report.
	HTML string
	// Raw is the engine's full JSON result.
	Raw json.RawMessage
}

// Entry is the persisted cache unit for a tested URL. Entries are written once
// and never mutated.
type Entry struct {
	ID         string          `json:"id"`
	URL        string          `json:"url"`
	Summary    Summary         `json:"usefulInfo"`
	HTML       string          `json:"html"`
	Report     json.RawMessage `json:"result,omitempty"`
	Multiplier float64         `json:"benchmarkIndex"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// NewEntry builds the cache entry for url from a committed report.
func NewEntry(url string, report Report, multiplier float64, now time.Time) Entry {
	return Entry{
		ID:         ID(url),
		URL:        url,
		Summary:    report.Summary,
		HTML:       report.HTML,
		Report:     report.Raw,
		Multiplier: multiplier,
		CreatedAt:  now,
	}
}

// NetworkProfile describes simulated network conditions for an audit.
type NetworkProfile struct {
	RTTMs                  float64 `json:"rttMs"`
	ThroughputKbps         float64 `json:"throughputKbps"`
	RequestLatencyMs       float64 `json:"requestLatencyMs"`
	DownloadThroughputKbps float64 `json:"downloadThroughputKbps"`
	UploadThroughputKbps   float64 `json:"uploadThroughputKbps"`
}

// MobileSlow4G is the fixed mobile network baseline every audit runs under.
var MobileSlow4G = NetworkProfile{
	RTTMs:                  150,
	ThroughputKbps:         1638.4,
	RequestLatencyMs:       562.5,
	DownloadThroughputKbps: 1474.56,
	UploadThroughputKbps:   675,
}

// Throttling combines the network baseline with the host-relative CPU multiplier.
type Throttling struct {
	Network               NetworkProfile
	CPUSlowdownMultiplier float64
}

// AuditOptions is passed to the audit engine for every run.
type AuditOptions struct {
	Throttling Throttling
	// Port is the remote debugging port of the shared browser.
	Port int
}

// DecodeImage decodes a base64 data URI (or bare base64 payload) into bytes.
func DecodeImage(data string) ([]byte, error) {
	payload := data
	if strings.HasPrefix(payload, "data:") {
		idx := strings.Index(payload, ",")
		if idx < 0 {
			return nil, errors.New("malformed data uri")
		}
		payload = payload[idx+1:]
	}
	if payload == "" {
		return nil, errors.New("empty image payload")
	}
	img, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}
