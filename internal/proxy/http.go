package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/example/outreach/internal/logging"
	"github.com/example/outreach/internal/metrics"
	"github.com/example/outreach/internal/models"
)

const maxBody = 4 << 20

type Options struct {
	// BaseURL is the account's API host, with or without scheme.
	BaseURL           string
	APIKey            string
	AccountID         string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	MaxRetries        int
	RetryInitial      time.Duration
	RetryMax          time.Duration
	HTTPClient        *http.Client
	Metrics           *metrics.Metrics
	Logger            *logging.Logger
}

// HTTPClient implements Client against the proxy's REST API. Calls share
// one token bucket per account and transient failures are retried with
// exponential backoff.
type HTTPClient struct {
	base    string
	opts    Options
	http    *http.Client
	limiter *rate.Limiter
	log     *logging.Logger
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(opts Options) (*HTTPClient, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("proxy: base url required")
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}
	if opts.APIKey == "" {
		return nil, errors.New("proxy: api key required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 1
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = time.Second
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 30 * time.Second
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	log := opts.Logger
	if log == nil {
		log = logging.Discard()
	}
	return &HTTPClient{
		base:    base,
		opts:    opts,
		http:    hc,
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
		log:     log.With("module", "proxy", "account", opts.AccountID),
	}, nil
}

func (c *HTTPClient) Search(ctx context.Context, q SearchQuery) ([]Profile, error) {
	body := map[string]any{
		"api":      "classic",
		"category": "people",
		"keywords": q.Keywords,
	}
	if d := distanceCode(q.NetworkDistance); d > 0 {
		body["network_distance"] = []int{d}
	}
	if q.Location != "" {
		body["location"] = []string{q.Location}
	}
	if q.Language != "" {
		body["profile_language"] = []string{q.Language}
	}
	if q.CompanyName != "" {
		body["company"] = []string{q.CompanyName}
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 25
	}

	var out []Profile
	cursor := ""
	for len(out) < limit {
		query := c.account()
		query.Set("limit", strconv.Itoa(limit-len(out)))
		if cursor != "" {
			query.Set("cursor", cursor)
		}
		data, err := c.do(ctx, "search", http.MethodPost, "/api/v1/linkedin/search", query, body)
		if err != nil {
			return out, err
		}
		items := gjson.GetBytes(data, "items")
		items.ForEach(func(_, item gjson.Result) bool {
			if t := item.Get("type").String(); t != "" && !strings.EqualFold(t, "PEOPLE") {
				return true
			}
			p := profileFromJSON(item)
			if p.ProfileID != "" && len(out) < limit {
				out = append(out, p)
			}
			return true
		})
		cursor = gjson.GetBytes(data, "cursor").String()
		if cursor == "" || len(items.Array()) == 0 {
			break
		}
	}
	return out, nil
}

func (c *HTTPClient) GetProfile(ctx context.Context, profileID string) (Profile, error) {
	data, err := c.do(ctx, "get_profile", http.MethodGet, "/api/v1/users/"+url.PathEscape(profileID), c.account(), nil)
	if err != nil {
		return Profile{}, err
	}
	return profileFromJSON(gjson.ParseBytes(data)), nil
}

func (c *HTTPClient) SendInvitation(ctx context.Context, profileID, note string) error {
	body := map[string]any{
		"provider_id": profileID,
		"account_id":  c.opts.AccountID,
	}
	if note != "" {
		body["message"] = note
	}
	_, err := c.do(ctx, "send_invitation", http.MethodPost, "/api/v1/users/invite", nil, body)
	return err
}

func (c *HTTPClient) GetRecentPosts(ctx context.Context, profileID string, limit int) ([]Post, error) {
	query := c.account()
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	data, err := c.do(ctx, "get_recent_posts", http.MethodGet, "/api/v1/users/"+url.PathEscape(profileID)+"/posts", query, nil)
	if err != nil {
		return nil, err
	}
	var posts []Post
	gjson.GetBytes(data, "items").ForEach(func(_, item gjson.Result) bool {
		p := Post{ID: item.Get("id").String(), SocialID: item.Get("social_id").String()}
		if p.SocialID == "" {
			p.SocialID = p.ID
		}
		if p.ID != "" {
			posts = append(posts, p)
		}
		return true
	})
	return posts, nil
}

func (c *HTTPClient) LikePost(ctx context.Context, postID string) error {
	body := map[string]any{
		"account_id":    c.opts.AccountID,
		"post_id":       postID,
		"reaction_type": "like",
	}
	_, err := c.do(ctx, "like_post", http.MethodPost, "/api/v1/posts/reaction", nil, body)
	return err
}

func (c *HTTPClient) SendMessage(ctx context.Context, profileID, text string) error {
	body := map[string]any{
		"account_id":    c.opts.AccountID,
		"attendees_ids": []string{profileID},
		"text":          text,
	}
	_, err := c.do(ctx, "send_message", http.MethodPost, "/api/v1/chats", nil, body)
	return err
}

func (c *HTTPClient) GetConnectionStatus(ctx context.Context, profileID string) (models.ConnectionStatus, error) {
	p, err := c.GetProfile(ctx, profileID)
	if err != nil {
		return "", err
	}
	switch {
	case p.Distance == models.DistanceFirst:
		return models.ConnectionConnected, nil
	case p.Invited:
		return models.ConnectionInvited, nil
	}
	return models.ConnectionNotConnected, nil
}

func (c *HTTPClient) account() url.Values {
	q := url.Values{}
	if c.opts.AccountID != "" {
		q.Set("account_id", c.opts.AccountID)
	}
	return q
}

func (c *HTTPClient) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.RetryInitial
	b.MaxInterval = c.opts.RetryMax
	return b
}

// do performs one logical call, retrying transient failures.
func (c *HTTPClient) do(ctx context.Context, op, method, path string, query url.Values, body any) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("proxy %s: encode: %w", op, err)
		}
	}
	started := time.Now()
	attempt := 0
	data, err := backoff.Retry(ctx, func() ([]byte, error) {
		attempt++
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}
		data, err := c.once(ctx, op, method, path, query, payload)
		if err == nil {
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		if IsTransient(err) {
			c.log.Warn("proxy call failed, retrying", "op", op, "attempt", attempt, "err", err)
			return nil, err
		}
		return nil, backoff.Permanent(err)
	},
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(uint(c.opts.MaxRetries+1)),
	)
	c.opts.Metrics.RecordProxyCall(op, outcome(err), time.Since(started).Seconds())
	return data, err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAlreadyInvited):
		return "already_invited"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case IsTransient(err):
		return "transient"
	case IsFatal(err):
		return "fatal"
	}
	return "error"
}

func (c *HTTPClient) once(ctx context.Context, op, method, path string, query url.Values, payload []byte) ([]byte, error) {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rdr io.Reader
	if payload != nil {
		rdr = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return nil, &FatalError{Op: op, Err: err}
	}
	req.Header.Set("X-API-KEY", c.opts.APIKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, &TransientError{Op: op, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}
	return nil, classify(op, resp.StatusCode, resp.Header, data)
}

// classify maps an error response onto the engine's error taxonomy.
func classify(op string, status int, header http.Header, data []byte) error {
	typ := strings.ToLower(gjson.GetBytes(data, "type").String())
	msg := firstNonEmpty(
		gjson.GetBytes(data, "detail").String(),
		gjson.GetBytes(data, "message").String(),
		gjson.GetBytes(data, "title").String(),
		http.StatusText(status),
	)
	cause := errors.New(msg)
	switch {
	// An existing connection is treated the same way; the next status
	// check observes it.
	case strings.Contains(typ, "already_invited"), strings.Contains(typ, "already_connected"):
		return fmt.Errorf("%w: %s", ErrAlreadyInvited, msg)
	case status == http.StatusNotFound, strings.Contains(typ, "not_found"):
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	case status == http.StatusTooManyRequests:
		return &TransientError{Op: op, Status: status, RetryAfter: retryAfter(header), Err: cause}
	case status == http.StatusRequestTimeout, status >= 500:
		return &TransientError{Op: op, Status: status, Err: cause}
	}
	return &FatalError{Op: op, Status: status, Err: cause}
}

func retryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	return 0
}

func profileFromJSON(item gjson.Result) Profile {
	p := Profile{
		ProfileID:  firstNonEmpty(item.Get("provider_id").String(), item.Get("id").String()),
		PublicID:   item.Get("public_identifier").String(),
		ProfileURL: firstNonEmpty(item.Get("profile_url").String(), item.Get("public_profile_url").String()),
		Name:       item.Get("name").String(),
		Headline:   item.Get("headline").String(),
		Distance:   parseDistance(item.Get("network_distance").String()),
		Invited:    strings.EqualFold(item.Get("invitation.status").String(), "PENDING"),
		Raw:        []byte(item.Raw),
	}
	if p.Name == "" {
		p.Name = strings.TrimSpace(item.Get("first_name").String() + " " + item.Get("last_name").String())
	}
	if p.ProfileURL == "" && p.PublicID != "" {
		p.ProfileURL = "https://www.linkedin.com/in/" + p.PublicID
	}
	p.CompanyDomain = firstNonEmpty(
		item.Get("current_positions.0.company_domain").String(),
		item.Get("company_domain").String(),
	)
	if item.Get("is_relationship").Bool() {
		p.Distance = models.DistanceFirst
	}
	return p
}

func parseDistance(s string) models.NetworkDistance {
	switch strings.ToUpper(s) {
	case "":
		return ""
	case "FIRST_DEGREE", "DISTANCE_1", "1", "F":
		return models.DistanceFirst
	case "SECOND_DEGREE", "DISTANCE_2", "2", "S":
		return models.DistanceSecond
	}
	return models.DistanceThirdOrFurther
}

func distanceCode(d models.NetworkDistance) int {
	switch d {
	case models.DistanceFirst:
		return 1
	case models.DistanceSecond:
		return 2
	case models.DistanceThirdOrFurther:
		return 3
	}
	return 0
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
