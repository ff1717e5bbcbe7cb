// internal/dispatch/client.go
// Package dispatch sends the benchmark workload to a ready inference server.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

// GeneratePath is appended to the endpoint announced by the server.
const GeneratePath = "/api/latest/generate"

// Client issues the single generate request of a run.
type Client struct {
	httpClient *http.Client
	prompt     string
	options    map[string]any
	logger     *slog.Logger
}

// NewClient returns a Client that posts prompt merged with options. A zero
// timeout leaves the request bounded only by the caller's context.
func NewClient(prompt string, options map[string]any, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: newHTTPClient(timeout),
		prompt:     prompt,
		options:    options,
		logger:     logger,
	}
}

// Payload returns the JSON body: the prompt followed by the options. An
// option named "prompt" replaces the prompt.
func (c *Client) Payload() ([]byte, error) {
	body := make(map[string]any, len(c.options)+1)
	body["prompt"] = c.prompt
	for k, v := range c.options {
		body[k] = v
	}
	return json.Marshal(body)
}

// Dispatch posts the workload to endpoint. It does not retry; any transport
// error or non-2xx status is returned. The response body is not inspected.
func (c *Client) Dispatch(ctx context.Context, endpoint string) error {
	body, err := c.Payload()
	if err != nil {
		return fmt.Errorf("encode workload: %w", err)
	}

	url := strings.TrimSuffix(endpoint, "/") + GeneratePath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	c.logger.Info("sending prompt", "url", url)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send prompt: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	c.logger.Info("prompt sent", "status", resp.Status)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("generate returned status %d", resp.StatusCode)
	}
	return nil
}

// newHTTPClient returns an HTTP client with its own transport so one run's
// connections never leak into the next server's.
func newHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:           http.ProxyFromEnvironment,
		MaxIdleConns:    4,
		IdleConnTimeout: 30 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		DisableKeepAlives: true,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
