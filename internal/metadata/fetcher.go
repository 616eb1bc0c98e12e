// Package metadata resolves a human-readable title for a stream source by
// scraping the page's Open Graph markup. Resolution is best-effort: every
// failure mode surfaces as "no title" so callers can fall back without
// treating it as an error.
package metadata

import (
	"context"
	"html"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"
)

var ogTitlePattern = regexp.MustCompile(`<meta\s+property="og:title"\s+content="([^"]+)"\s*/?>`)

const defaultBodyLimit = 1 << 20 // read at most 1 MiB of markup

// Fetcher retrieves page titles over HTTP.
type Fetcher struct {
	client    *http.Client
	bodyLimit int64
	logger    *slog.Logger
}

// Config controls the Fetcher's HTTP behaviour.
type Config struct {
	Client    *http.Client
	Timeout   time.Duration
	BodyLimit int64
	Logger    *slog.Logger
}

// NewFetcher builds a Fetcher with sane defaults for the single metadata call
// performed per session start.
func NewFetcher(cfg Config) *Fetcher {
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	limit := cfg.BodyLimit
	if limit <= 0 {
		limit = defaultBodyLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{client: client, bodyLimit: limit, logger: logger}
}

// PageTitle fetches the og:title of the page at url. The boolean reports
// whether a non-empty title was found; network and parse failures are logged
// at debug level and reported as absent.
func (f *Fetcher) PageTitle(ctx context.Context, url string) (string, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		f.logger.Debug("metadata request build failed", "url", url, "error", err)
		return "", false
	}
	resp, err := f.client.Do(req)
	if err != nil {
		f.logger.Debug("metadata fetch failed", "url", url, "error", err)
		return "", false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		f.logger.Debug("metadata fetch returned non-OK status", "url", url, "status", resp.StatusCode)
		return "", false
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.bodyLimit))
	if err != nil {
		f.logger.Debug("metadata read failed", "url", url, "error", err)
		return "", false
	}

	match := ogTitlePattern.FindSubmatch(body)
	if match == nil {
		return "", false
	}
	title := strings.TrimSpace(html.UnescapeString(string(match[1])))
	if title == "" {
		return "", false
	}
	return title, true
}
