package browser

import (
	"net/http"
	"sync"

	"github.com/chromedp/cdproto/network"
)

// navigation records the main document response of a page load.
type navigation struct {
	status int
	url    string
}

type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) navigation {
	m.mu.RLock()
	nav := navigation{status: m.status, url: m.url}
	m.mu.RUnlock()
	switch {
	case nav.url != "":
	case finalURL != "":
		nav.url = finalURL
	default:
		nav.url = requestURL
	}
	if nav.status == 0 {
		nav.status = http.StatusOK
	}
	return nav
}
