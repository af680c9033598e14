// Package preflight checks that the audit target answers before any browser
// or audit engine is started.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/pageaudit/internal/audit"
	"github.com/JakeFAU/pageaudit/internal/metrics"
)

// Config controls the probe collector.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Result describes the root page as the probe saw it.
type Result struct {
	URL        string
	StatusCode int
	Duration   time.Duration
	// Title and Links summarize an HTML root page.
	Title string
	Links int
}

// Prober issues a single GET against the target root.
type Prober struct {
	cfg       Config
	transport http.RoundTripper
	base      *colly.Collector
	logger    *zap.Logger
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnHTML(string, colly.HTMLCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Prober. A nil transport uses a pooled http.Transport.
func New(cfg Config, transport http.RoundTripper, logger *zap.Logger) *Prober {
	metrics.Init()
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if transport == nil {
		transport = newHTTPTransport()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	c.AllowURLRevisit = true
	c.WithTransport(transport)
	return &Prober{cfg: cfg, transport: transport, base: c, logger: logger}
}

// Probe fetches url once. Any transport failure wraps audit.ErrTargetUnreachable.
// HTTP error statuses still count as reachable.
func (p *Prober) Probe(ctx context.Context, url string) (Result, error) {
	if strings.TrimSpace(url) == "" {
		return Result{}, fmt.Errorf("%w: empty url", audit.ErrTargetUnreachable)
	}
	var (
		result   Result
		fetchErr error
	)
	start := time.Now()
	collector := p.buildCollector()
	p.configureHooks(collector, start, &result, &fetchErr)

	if err := p.run(ctx, collector, url, &fetchErr, &result); err != nil {
		if isTLSHandshakeTimeout(err) {
			metrics.ObservePreflightTLSHandshakeTimeout()
		}
		p.logger.Warn("target unreachable", zap.String("url", url), zap.Error(err))
		return Result{}, fmt.Errorf("%w: %s: %w", audit.ErrTargetUnreachable, url, err)
	}
	p.logger.Info("target reachable",
		zap.String("url", result.URL),
		zap.Int("status", result.StatusCode),
		zap.String("title", result.Title),
		zap.Int("links", result.Links),
		zap.Duration("duration", result.Duration),
	)
	if result.Links == 0 {
		p.logger.Warn("root page has no links; only the root will be tested", zap.String("url", result.URL))
	}
	return result, nil
}

func (p *Prober) buildCollector() *colly.Collector {
	collector := p.base.Clone()
	if p.cfg.UserAgent != "" {
		collector.UserAgent = p.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = true
	collector.AllowURLRevisit = true
	collector.SetRequestTimeout(p.cfg.Timeout)
	collector.WithTransport(p.transport)
	return collector
}

func (p *Prober) configureHooks(hooks collectorHooks, start time.Time, result *Result, fetchErr *error) {
	hooks.OnResponse(func(r *colly.Response) {
		*result = Result{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Duration:   time.Since(start),
		}
	})
	hooks.OnHTML("html", func(e *colly.HTMLElement) {
		result.Title, result.Links = summarize(e.DOM)
	})
	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			*result = Result{
				URL:        r.Request.URL.String(),
				StatusCode: r.StatusCode,
				Duration:   time.Since(start),
			}
			return
		}
		*fetchErr = err
	})
}

func (p *Prober) run(ctx context.Context, collector *colly.Collector, url string, fetchErr *error, result *Result) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("probe canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return *fetchErr
		}
		if err != nil && result.StatusCode == 0 {
			return err
		}
		if result.StatusCode == 0 {
			return errors.New("no response")
		}
		return nil
	}
}

// summarize returns the document title and the number of anchors with an href.
func summarize(doc *goquery.Selection) (string, int) {
	title := strings.TrimSpace(doc.Find("title").First().Text())
	return title, doc.Find("a[href]").Length()
}

func isTLSHandshakeTimeout(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() && strings.Contains(err.Error(), "TLS handshake") {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "tls handshake timeout")
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}
}
