package lighthouse

import (
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/pageaudit/internal/audit"
)

// Category ids in the Lighthouse result.
const (
	categoryPerformance   = "performance"
	categoryAccessibility = "accessibility"
	categoryBestPractices = "best-practices"
	categorySEO           = "seo"
	categoryPWA           = "pwa"
)

const (
	auditThumbnails      = "screenshot-thumbnails"
	auditFinalScreenshot = "final-screenshot"
)

type result struct {
	Categories map[string]struct {
		Score *float64 `json:"score"`
	} `json:"categories"`
	Audits      map[string]json.RawMessage `json:"audits"`
	Environment struct {
		BenchmarkIndex float64 `json:"benchmarkIndex"`
	} `json:"environment"`
	RuntimeError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"runtimeError"`
}

type thumbnailsAudit struct {
	Details struct {
		Items []audit.Timing `json:"items"`
	} `json:"details"`
}

type screenshotAudit struct {
	Details struct {
		Data string `json:"data"`
	} `json:"details"`
}

// ParseReport builds an audit.Report from a Lighthouse JSON result and its
// HTML rendering. Missing categories leave their score nil. The second result
// is the runtime error Lighthouse recorded, empty when the run was clean.
func ParseReport(raw, html []byte) (audit.Report, string, error) {
	var lhr result
	if err := json.Unmarshal(raw, &lhr); err != nil {
		return audit.Report{}, "", fmt.Errorf("%w: decode lighthouse result: %w", audit.ErrAuditAttemptFailed, err)
	}

	score := func(id string) *float64 {
		c, ok := lhr.Categories[id]
		if !ok {
			return nil
		}
		return c.Score
	}
	report := audit.Report{
		Summary: audit.Summary{
			Scores: audit.Scores{
				Performance:   score(categoryPerformance),
				Accessibility: score(categoryAccessibility),
				BestPractices: score(categoryBestPractices),
				SEO:           score(categorySEO),
				PWA:           score(categoryPWA),
			},
			Timings: []audit.Timing{},
		},
		BenchmarkIndex: lhr.Environment.BenchmarkIndex,
		HTML:           string(html),
		Raw:            json.RawMessage(raw),
	}

	if data, ok := lhr.Audits[auditThumbnails]; ok {
		var thumbs thumbnailsAudit
		if err := json.Unmarshal(data, &thumbs); err != nil {
			return audit.Report{}, "", fmt.Errorf("%w: decode %s: %w", audit.ErrAuditAttemptFailed, auditThumbnails, err)
		}
		if thumbs.Details.Items != nil {
			report.Timings = thumbs.Details.Items
		}
	}
	if data, ok := lhr.Audits[auditFinalScreenshot]; ok {
		var shot screenshotAudit
		if err := json.Unmarshal(data, &shot); err != nil {
			return audit.Report{}, "", fmt.Errorf("%w: decode %s: %w", audit.ErrAuditAttemptFailed, auditFinalScreenshot, err)
		}
		report.FinalScreenshot = shot.Details.Data
	}
	return report, lhr.runtimeError(), nil
}

func (lhr result) runtimeError() string {
	if lhr.RuntimeError == nil {
		return ""
	}
	if lhr.RuntimeError.Message != "" {
		return lhr.RuntimeError.Code + ": " + lhr.RuntimeError.Message
	}
	return lhr.RuntimeError.Code
}
