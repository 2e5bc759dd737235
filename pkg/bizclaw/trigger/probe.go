// Package trigger – probe.go fetches condition source values. Sources are
// URLs probed with a plain GET; the trimmed body is the value the condition
// expression is evaluated against.
package trigger

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// maxProbeBody bounds how much of a probe response is read.
const maxProbeBody = 64 * 1024

// HTTPProber probes http(s) condition sources.
type HTTPProber struct {
	client *http.Client
}

// NewHTTPProber creates a prober with a bounded request timeout.
func NewHTTPProber(timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProber{client: &http.Client{Timeout: timeout}}
}

// Probe GETs the source URL and returns the trimmed response body.
func (p *HTTPProber) Probe(ctx context.Context, source string) (string, error) {
	if !strings.HasPrefix(source, "http://") && !strings.HasPrefix(source, "https://") {
		return "", fmt.Errorf("unsupported condition source %q", source)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return "", fmt.Errorf("build probe request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("probe %s: %w", source, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("probe %s: status %d", source, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))
	if err != nil {
		return "", fmt.Errorf("read probe body: %w", err)
	}
	return strings.TrimSpace(string(body)), nil
}
