// Package enrich resolves a work email from a LinkedIn profile URL.
package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	cache "github.com/patrickmn/go-cache"
	"github.com/tidwall/gjson"

	"github.com/example/outreach/internal/logging"
	"github.com/example/outreach/internal/metrics"
)

// ErrUnavailable means the lookup could not be performed at all. A lookup
// that ran and found nothing is not an error.
var ErrUnavailable = errors.New("enrichment unavailable")

type Client interface {
	Lookup(ctx context.Context, profileURL string) (email string, found bool, err error)
}

// Func adapts a function to Client.
type Func func(ctx context.Context, profileURL string) (string, bool, error)

func (f Func) Lookup(ctx context.Context, profileURL string) (string, bool, error) {
	return f(ctx, profileURL)
}

type Options struct {
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
	CacheTTL time.Duration
	Metrics  *metrics.Metrics
	Logger   *logging.Logger
}

type result struct {
	email string
	found bool
}

// HTTPClient calls the enrichment provider and caches answers, including
// negative ones, for CacheTTL.
type HTTPClient struct {
	base    string
	key     string
	http    *http.Client
	cache   *cache.Cache
	metrics *metrics.Metrics
	log     *logging.Logger
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(opts Options) (*HTTPClient, error) {
	if opts.APIKey == "" {
		return nil, errors.New("enrich: api key required")
	}
	if opts.BaseURL == "" {
		return nil, errors.New("enrich: base url required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 24 * time.Hour
	}
	log := opts.Logger
	if log == nil {
		log = logging.Discard()
	}
	return &HTTPClient{
		base:    strings.TrimRight(opts.BaseURL, "/"),
		key:     opts.APIKey,
		http:    &http.Client{Timeout: opts.Timeout},
		cache:   cache.New(opts.CacheTTL, opts.CacheTTL/4),
		metrics: opts.Metrics,
		log:     log.With("module", "enrich"),
	}, nil
}

func (c *HTTPClient) Lookup(ctx context.Context, profileURL string) (string, bool, error) {
	key := cacheKey(profileURL)
	if key == "" {
		return "", false, nil
	}
	if v, ok := c.cache.Get(key); ok {
		r := v.(result)
		c.metrics.RecordEnrichment("cached")
		return r.email, r.found, nil
	}

	payload, err := json.Marshal(map[string]string{"linkedin_url": profileURL})
	if err != nil {
		return "", false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/v1/enrich/email", bytes.NewReader(payload))
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Authorization", "Bearer "+c.key)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.RecordEnrichment("unavailable")
		return "", false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		c.metrics.RecordEnrichment("unavailable")
		return "", false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var r result
	switch {
	case resp.StatusCode == http.StatusNotFound:
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		r.email = strings.TrimSpace(firstNonEmpty(
			gjson.GetBytes(data, "email").String(),
			gjson.GetBytes(data, "data.email").String(),
		))
		r.found = r.email != ""
	default:
		c.metrics.RecordEnrichment("unavailable")
		c.log.Warn("enrichment lookup failed", "status", resp.StatusCode)
		return "", false, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	c.cache.SetDefault(key, r)
	if r.found {
		c.metrics.RecordEnrichment("found")
	} else {
		c.metrics.RecordEnrichment("not_found")
	}
	return r.email, r.found, nil
}

func cacheKey(profileURL string) string {
	return strings.TrimRight(strings.ToLower(strings.TrimSpace(profileURL)), "/")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
