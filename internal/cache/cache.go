// Package cache invalidates rendered pages after content changes.
package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

type Invalidator interface {
	Invalidate(ctx context.Context, paths []string) error
}

// Nop discards invalidations.
type Nop struct{}

func (Nop) Invalidate(context.Context, []string) error { return nil }

// Log records invalidations without contacting anything. Useful when the
// site is rendered on demand.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Invalidate(_ context.Context, paths []string) error {
	if l.Logger != nil {
		l.Logger.Info("cache invalidation", "paths", paths)
	}
	return nil
}

// HTTP posts {"paths": [...]} to a revalidation endpoint.
type HTTP struct {
	Endpoint   string
	Secret     string
	HTTPClient *http.Client
}

func NewHTTP(endpoint, secret string, timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTP{Endpoint: endpoint, Secret: secret, HTTPClient: &http.Client{Timeout: timeout}}
}

func (h *HTTP) Invalidate(ctx context.Context, paths []string) error {
	if h.Endpoint == "" {
		return fmt.Errorf("cache endpoint not configured")
	}
	body, err := json.Marshal(map[string][]string{"paths": paths})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.Secret != "" {
		req.Header.Set("X-Revalidate-Secret", h.Secret)
	}
	client := h.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("invalidate: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("invalidate %s: %s", resp.Status, strings.TrimSpace(string(payload)))
	}
	return nil
}

// Paths lists the pages affected by publishing slug.
func Paths(indexPath, postPrefix, slug string) []string {
	if indexPath == "" {
		indexPath = "/blog"
	}
	if postPrefix == "" {
		postPrefix = "/blog/"
	}
	if !strings.HasSuffix(postPrefix, "/") {
		postPrefix += "/"
	}
	return []string{indexPath, postPrefix + slug}
}
