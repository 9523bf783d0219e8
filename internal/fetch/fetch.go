// Package fetch downloads web pages and reduces them to readable text
// for the fetch_url tool.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nugget/parley/internal/httpkit"
)

// Limits applied to every fetch.
const (
	DefaultTimeout        = 20 * time.Second
	DefaultMaxBytes int64 = 2 << 20
	DefaultMaxChars       = 20000
)

// Result is what the model sees for a fetched page.
type Result struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Content     string `json:"content"`
	ContentType string `json:"contentType,omitempty"`
	StatusCode  int    `json:"statusCode"`
	Truncated   bool   `json:"truncated,omitempty"`
}

// Fetcher downloads pages and extracts their text.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
	logger   *slog.Logger
}

// New creates a Fetcher. A nil client gets a shared httpkit client.
func New(client *http.Client, logger *slog.Logger) *Fetcher {
	if client == nil {
		client = httpkit.NewClient(httpkit.WithTimeout(DefaultTimeout))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{client: client, maxBytes: DefaultMaxBytes, logger: logger}
}

// Fetch downloads rawURL and returns at most maxChars runes of readable
// text. A URL without a scheme is treated as https; any scheme other
// than http or https is rejected.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, maxChars int) (*Result, error) {
	target, err := normalizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", target, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", target, err)
	}

	ct := resp.Header.Get("Content-Type")
	mediaType, _, _ := mime.ParseMediaType(ct)

	res := &Result{URL: target, ContentType: ct, StatusCode: resp.StatusCode}
	switch {
	case mediaType == "text/html" || mediaType == "application/xhtml+xml":
		res.Title, res.Content = extractHTML(string(body))
	case strings.HasPrefix(mediaType, "text/") || utf8.Valid(body):
		res.Content = strings.TrimSpace(string(body))
	default:
		res.Content = fmt.Sprintf("Binary content (%s), %d bytes.", mediaType, len(body))
	}
	res.Content, res.Truncated = truncateRunes(res.Content, maxChars)

	f.logger.Debug("page fetched",
		"url", target,
		"status", resp.StatusCode,
		"bytes", len(body),
		"truncated", res.Truncated,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return res, nil
}

func normalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("url is required")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", raw)
	}
	return u.String(), nil
}

// truncateRunes cuts s to at most n runes.
func truncateRunes(s string, n int) (string, bool) {
	if utf8.RuneCountInString(s) <= n {
		return s, false
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i], true
		}
		count++
	}
	return s, false
}
