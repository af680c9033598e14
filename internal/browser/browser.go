// Package browser drives the single shared Chrome instance: it extracts links
// for discovery and exposes the remote debugging port the audit engine
// attaches to.
package browser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// DefaultPort is the remote debugging port Chrome listens on.
const DefaultPort = 9222

// linksScript returns the resolved href of every anchor on the page.
const linksScript = `Array.from(document.querySelectorAll('a')).map(a => a.href)`

// Config controls the browser process.
type Config struct {
	// Port is the remote debugging port shared with the audit engine.
	Port int
	// ExecPath overrides the Chrome binary.
	ExecPath string
	// Headless runs Chrome without a window.
	Headless bool
	// UserAgent overrides the browser user agent when set.
	UserAgent string
	// Headers are sent with every navigation.
	Headers http.Header
	// NavigationTimeout bounds each navigation and extraction.
	NavigationTimeout time.Duration
	// SettleDelay is waited after the body is ready, before reading links.
	SettleDelay time.Duration
}

// Browser owns one Chrome process and one tab. All page operations are
// serialized because the tab is shared.
type Browser struct {
	cfg    Config
	logger *zap.Logger

	mu          sync.Mutex
	allocCtx    context.Context
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	closed      bool
}

// New configures a Browser. Chrome is launched on first use.
func New(cfg Config, logger *zap.Logger) (*Browser, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid remote debugging port %d", cfg.Port)
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Browser{cfg: cfg, logger: logger}, nil
}

// Port returns the remote debugging port.
func (b *Browser) Port() int {
	return b.cfg.Port
}

// Start launches Chrome if it is not running yet.
func (b *Browser) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.tab(ctx)
	return err
}

// Close shuts down the tab and the Chrome process.
func (b *Browser) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.tabCancel != nil {
		b.tabCancel()
	}
	if b.allocCancel != nil {
		b.allocCancel()
	}
	b.tabCtx, b.tabCancel, b.allocCtx, b.allocCancel = nil, nil, nil, nil
}

// Visit navigates the shared tab to url and waits for the body.
func (b *Browser) Visit(ctx context.Context, url string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.navigate(ctx, url)
	return err
}

// Links navigates to url and returns the absolute http(s) targets of its anchors
// in document order.
func (b *Browser) Links(ctx context.Context, url string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	opCtx, cancel, err := b.op(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	nav, err := b.run(opCtx, url)
	if err != nil {
		return nil, err
	}
	var hrefs []string
	if err := chromedp.Run(opCtx, chromedp.Evaluate(linksScript, &hrefs)); err != nil {
		return nil, fmt.Errorf("extract links from %s: %w", url, err)
	}
	links := cleanLinks(hrefs)
	b.logger.Debug("links extracted",
		zap.String("url", url),
		zap.String("final_url", nav.url),
		zap.Int("status", nav.status),
		zap.Int("links", len(links)),
	)
	return links, nil
}

func (b *Browser) navigate(ctx context.Context, url string) (navigation, error) {
	opCtx, cancel, err := b.op(ctx)
	if err != nil {
		return navigation{}, err
	}
	defer cancel()
	return b.run(opCtx, url)
}

// op derives a bounded context on the shared tab that also ends when ctx does.
func (b *Browser) op(ctx context.Context) (context.Context, context.CancelFunc, error) {
	tabCtx, err := b.tab(ctx)
	if err != nil {
		return nil, nil, err
	}
	opCtx, cancel := context.WithTimeout(tabCtx, b.cfg.NavigationTimeout)
	stop := context.AfterFunc(ctx, cancel)
	return opCtx, func() {
		stop()
		cancel()
	}, nil
}

func (b *Browser) run(ctx context.Context, url string) (navigation, error) {
	meta := newResponseMeta()
	listenCtx, stopListening := context.WithCancel(ctx)
	defer stopListening()
	chromedp.ListenTarget(listenCtx, meta.captureEvent)

	var finalURL string
	actions := []chromedp.Action{
		b.networkSetupAction(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if b.cfg.SettleDelay > 0 {
		actions = append(actions, chromedp.Sleep(b.cfg.SettleDelay))
	}
	actions = append(actions, chromedp.Location(&finalURL))
	if err := chromedp.Run(ctx, actions...); err != nil {
		return navigation{}, fmt.Errorf("navigate to %s: %w", url, err)
	}
	return meta.snapshotWithFallbacks(url, finalURL), nil
}

func (b *Browser) tab(ctx context.Context) (context.Context, error) {
	if b.closed {
		return nil, errors.New("browser closed")
	}
	if b.tabCtx != nil {
		return b.tabCtx, nil
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), b.allocatorOptions()...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	startCtx, cancel := context.WithTimeout(tabCtx, b.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(startCtx); err != nil {
		tabCancel()
		allocCancel()
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	b.allocCtx, b.allocCancel = allocCtx, allocCancel
	b.tabCtx, b.tabCancel = tabCtx, tabCancel
	b.logger.Info("browser started", zap.Int("port", b.cfg.Port), zap.Bool("headless", b.cfg.Headless))
	return tabCtx, nil
}

func (b *Browser) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("remote-debugging-port", fmt.Sprint(b.cfg.Port)),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if b.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if b.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(b.cfg.ExecPath))
	}
	return opts
}

func (b *Browser) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if b.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(b.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(b.cfg.Headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(b.cfg.Headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

// cleanLinks drops empty and non-http(s) targets such as mailto: and javascript:.
func cleanLinks(hrefs []string) []string {
	out := make([]string, 0, len(hrefs))
	for _, href := range hrefs {
		href = strings.TrimSpace(href)
		lower := strings.ToLower(href)
		if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
			continue
		}
		out = append(out, href)
	}
	return out
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			headers[key] = values[0]
		} else {
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
