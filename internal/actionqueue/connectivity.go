package actionqueue

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"
)

// Probe answers whether the server is reachable right now.
type Probe interface {
	Online() bool
}

// HTTPProbe pings the API health endpoint with a short timeout.
type HTTPProbe struct {
	url        string
	httpClient *http.Client
}

func NewHTTPProbe(baseURL string, timeout time.Duration) *HTTPProbe {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPProbe{
		url:        strings.TrimRight(baseURL, "/") + "/health",
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProbe) Online() bool {
	resp, err := p.httpClient.Get(p.url)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 500
}

// ConnectivityWatcher polls a probe and invokes onChange whenever the
// online/offline answer flips.
type ConnectivityWatcher struct {
	probe    Probe
	interval time.Duration
	onChange func(online bool)
}

func NewConnectivityWatcher(probe Probe, interval time.Duration, onChange func(online bool)) *ConnectivityWatcher {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &ConnectivityWatcher{probe: probe, interval: interval, onChange: onChange}
}

// Run blocks until ctx is cancelled. The first probe fires immediately
// and always reports, so startup state reaches the callback.
func (w *ConnectivityWatcher) Run(ctx context.Context) {
	last := w.probe.Online()
	if w.onChange != nil {
		w.onChange(last)
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			online := w.probe.Online()
			if online != last {
				last = online
				if w.onChange != nil {
					w.onChange(online)
				}
			}
		}
	}
}
