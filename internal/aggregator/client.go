// Package aggregator implements the Aggregator Client (C1): authenticated
// paginated JSON reads and PATCH/POST writes against the external IPTV
// channel aggregator, with one-shot re-login-and-retry on 401. Transport
// reuses the teacher's internal/httpclient retry-with-backoff policy and
// explicit-timeout http.Client (internal/httpclient/{retry,httpclient}.go);
// request pacing is new, using golang.org/x/time/rate the way the rest of
// the pack reaches for it rather than a hand-rolled token bucket.
package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/snapetech/streamqc/internal/httpclient"
)

// APIError is a typed transport error carrying the HTTP status and body
// (spec.md §4.1, §7: "surfaced to the caller as a typed transport error").
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("aggregator: %s %s: HTTP %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// Client is the aggregator's HTTP/JSON transport. Safe for concurrent use;
// tokenMu guards only the stored token. Token refresh is not single-flighted:
// every caller that gets a 401 performs its own re-login, and the token
// stored last wins.
type Client struct {
	baseURL    string
	username   string
	password   string
	userAgent  string
	httpClient *http.Client
	limiter    *rate.Limiter
	timeout    time.Duration

	tokenMu sync.Mutex
	token   string
}

// Config is the subset of internal/config.Config the aggregator client needs.
type Config struct {
	BaseURL   string
	Username  string
	Password  string
	UserAgent string
	Timeout   time.Duration
}

// New constructs a Client. requestsPerSecond paces outgoing calls so a
// misbehaving scheduler loop can never hammer the aggregator (spec.md §4.1
// "Timeouts are explicit per call" — pacing is the companion guard for rate).
func New(cfg Config, requestsPerSecond float64) *Client {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 10
	}
	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		username:   cfg.Username,
		password:   cfg.Password,
		userAgent:  cfg.UserAgent,
		httpClient: httpclient.Default(),
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		timeout:    cfg.Timeout,
	}
}

type loginResponse struct {
	Access string `json:"access"`
	Token  string `json:"token"`
}

// login implements POST /api/accounts/token/ (spec.md §6).
func (c *Client) login(ctx context.Context) error {
	body, _ := json.Marshal(map[string]string{"username": c.username, "password": c.password})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/accounts/token/", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("aggregator: build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setUserAgent(req)

	resp, err := httpclient.DoWithRetry(ctx, c.httpClient, req, httpclient.AggregatorRetryPolicy)
	if err != nil {
		return fmt.Errorf("aggregator: login: %w", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Method: "POST", Path: "/api/accounts/token/", Status: resp.StatusCode, Body: string(data)}
	}
	var lr loginResponse
	if err := json.Unmarshal(data, &lr); err != nil {
		return fmt.Errorf("aggregator: decode login response: %w", err)
	}
	token := lr.Access
	if token == "" {
		token = lr.Token
	}
	if token == "" {
		return fmt.Errorf("aggregator: login response carried no token")
	}
	c.tokenMu.Lock()
	c.token = token
	c.tokenMu.Unlock()
	return nil
}

func (c *Client) currentToken() string {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	return c.token
}

func (c *Client) setUserAgent(req *http.Request) {
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
}

// do performs one authenticated request, refreshing the token and retrying
// once on a 401, and applying rate pacing and an explicit per-call timeout.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) ([]byte, int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, 0, fmt.Errorf("aggregator: rate limiter: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.effectiveTimeout())
	defer cancel()

	if c.currentToken() == "" {
		if err := c.login(ctx); err != nil {
			return nil, 0, err
		}
	}

	data, status, err := c.doOnce(ctx, method, path, query, body)
	if err != nil {
		return nil, status, err
	}
	if status == http.StatusUnauthorized {
		if err := c.login(ctx); err != nil {
			return nil, status, err
		}
		data, status, err = c.doOnce(ctx, method, path, query, body)
		if err != nil {
			return nil, status, err
		}
	}
	if status < 200 || status >= 300 {
		return nil, status, &APIError{Method: method, Path: path, Status: status, Body: string(data)}
	}
	return data, status, nil
}

func (c *Client) effectiveTimeout() time.Duration {
	if c.timeout <= 0 {
		return 30 * time.Second
	}
	return c.timeout
}

func (c *Client) doOnce(ctx context.Context, method, path string, query url.Values, body any) ([]byte, int, error) {
	full := c.baseURL + path
	if len(query) > 0 {
		full += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("aggregator: encode body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, full, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("aggregator: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.currentToken())
	c.setUserAgent(req)

	resp, err := httpclient.DoWithRetry(ctx, c.httpClient, req, httpclient.AggregatorRetryPolicy)
	if err != nil {
		return nil, 0, fmt.Errorf("aggregator: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("aggregator: read body: %w", err)
	}
	return data, resp.StatusCode, nil
}

// Fetch implements the Aggregator Client's generic GET (spec.md §4.1).
func (c *Client) Fetch(ctx context.Context, path string, query url.Values) ([]byte, error) {
	data, _, err := c.do(ctx, http.MethodGet, path, query, nil)
	return data, err
}

// Patch implements the generic PATCH.
func (c *Client) Patch(ctx context.Context, path string, body any) error {
	_, _, err := c.do(ctx, http.MethodPatch, path, nil, body)
	return err
}

// Post implements the generic POST.
func (c *Client) Post(ctx context.Context, path string, body any) error {
	_, _, err := c.do(ctx, http.MethodPost, path, nil, body)
	return err
}

// page is the aggregator's paginated list envelope.
type page struct {
	Next    *string           `json:"next"`
	Results []json.RawMessage `json:"results"`
}

// fetchAllPages follows `next` links until null and returns every page's
// raw result items; callers decode them with decodeAll (spec.md §4.1
// "Paginated reads follow next links until null").
func (c *Client) fetchAllPages(ctx context.Context, path string, query url.Values) ([]json.RawMessage, error) {
	var all []json.RawMessage
	next := path
	q := query
	for next != "" {
		data, err := c.Fetch(ctx, next, q)
		if err != nil {
			return nil, err
		}
		var pg page
		if err := json.Unmarshal(data, &pg); err != nil {
			// Some endpoints return a bare list instead of a paginated envelope.
			var bare []json.RawMessage
			if err2 := json.Unmarshal(data, &bare); err2 == nil {
				all = append(all, bare...)
				return all, nil
			}
			return nil, fmt.Errorf("aggregator: decode page for %s: %w", path, err)
		}
		all = append(all, pg.Results...)
		q = nil
		if pg.Next == nil || *pg.Next == "" {
			break
		}
		next = relativePath(c.baseURL, *pg.Next)
	}
	return all, nil
}

func relativePath(baseURL, next string) string {
	if u, err := url.Parse(next); err == nil {
		if strings.HasPrefix(next, baseURL) {
			return strings.TrimPrefix(next, baseURL)
		}
		return u.Path + "?" + u.RawQuery
	}
	return next
}
