// Package backend is the REST client for the DCM backend API
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dandantas/dcm/internal/model"
)

// maxErrorBody limits how much of an error response is kept
const maxErrorBody = 4096

// Auth holds the credentials sent with every request. A bearer token takes
// precedence over basic auth.
type Auth struct {
	Token    string
	User     string
	Password string
	Cookie   string
}

// Options configures a Client
type Options struct {
	BaseURL    string
	Timeout    time.Duration
	Auth       Auth
	Retry      RetryConfig
	Breaker    BreakerConfig
	HTTPClient *http.Client
}

// Client talks to the DCM backend
type Client struct {
	baseURL    string
	httpClient *http.Client
	retry      *RetryStrategy
	breaker    *Breaker
	auth       Auth
}

// NewClient creates a backend client
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		if opts.Timeout <= 0 {
			opts.Timeout = 10 * time.Second
		}
		httpClient = NewHTTPClient(opts.Timeout)
	}

	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		httpClient: httpClient,
		retry:      NewRetryStrategy(opts.Retry),
		breaker:    NewBreaker(opts.Breaker),
		auth:       opts.Auth,
	}
}

type submitResponse struct {
	Value string `json:"value"`
}

// SubmitJob starts an execution of a job configuration and returns its token
func (c *Client) SubmitJob(ctx context.Context, jobConfigID string) (string, error) {
	var resp submitResponse
	query := url.Values{"id": {jobConfigID}}
	if err := c.do(ctx, http.MethodPost, "/api/curator/job", query, nil, &resp, fmt.Sprintf("job config '%s'", jobConfigID)); err != nil {
		return "", err
	}
	if resp.Value == "" {
		return "", fmt.Errorf("backend returned no token for job config '%s'", jobConfigID)
	}
	return resp.Value, nil
}

// FetchJobInfo returns the current info of a job
func (c *Client) FetchJobInfo(ctx context.Context, token string) (*model.JobInfo, error) {
	var info model.JobInfo
	query := url.Values{"token": {token}}
	if err := c.do(ctx, http.MethodGet, "/api/curator/job/info", query, nil, &info, fmt.Sprintf("job '%s'", token)); err != nil {
		return nil, err
	}
	return &info, nil
}

// AbortJob asks the backend to cancel a job
func (c *Client) AbortJob(ctx context.Context, token string) error {
	body := map[string]string{"token": token}
	return c.do(ctx, http.MethodDelete, "/api/curator/job", nil, body, nil, fmt.Sprintf("job '%s'", token))
}

// FetchJobConfig returns a job configuration
func (c *Client) FetchJobConfig(ctx context.Context, id string) (*model.JobConfig, error) {
	var cfg model.JobConfig
	query := url.Values{"id": {id}}
	if err := c.do(ctx, http.MethodGet, "/api/curator/job-config", query, nil, &cfg, fmt.Sprintf("job config '%s'", id)); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type userConfig struct {
	WidgetConfig model.Layout `json:"widgetConfig"`
}

// FetchWidgetLayout returns the widget layout of the authenticated user
func (c *Client) FetchWidgetLayout(ctx context.Context) (model.Layout, error) {
	var cfg userConfig
	if err := c.do(ctx, http.MethodGet, "/api/user/config", nil, nil, &cfg, "user configuration"); err != nil {
		return nil, err
	}
	if cfg.WidgetConfig == nil {
		return model.Layout{}, nil
	}
	return cfg.WidgetConfig, nil
}

// PersistWidgetLayout overwrites the widget layout of the authenticated user
func (c *Client) PersistWidgetLayout(ctx context.Context, layout model.Layout) error {
	if layout == nil {
		layout = model.Layout{}
	}
	return c.do(ctx, http.MethodPut, "/api/user/widgets", nil, layout, nil, "widget configuration")
}

// do sends a request and decodes a JSON response into out. 503 responses
// are retried according to the retry strategy.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}, resource string) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request for %s: %w", resource, err)
		}
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	for retries := 0; ; retries++ {
		if !c.breaker.Allow() {
			return fmt.Errorf("request for %s failed: %w", resource, ErrUnavailable)
		}

		status, respBody, err := c.send(ctx, method, target, payload)
		if err != nil {
			if ctx.Err() == nil {
				c.breaker.Failure()
			}
			return fmt.Errorf("request for %s failed: %w", resource, err)
		}
		if status >= 500 && status != http.StatusServiceUnavailable {
			c.breaker.Failure()
		} else if status != http.StatusServiceUnavailable {
			c.breaker.Success()
		}

		if status >= 200 && status < 300 {
			if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
				return nil
			}
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("failed to decode response for %s: %w", resource, err)
			}
			return nil
		}

		if !c.retry.ShouldRetry(retries, status, nil) {
			if status == http.StatusServiceUnavailable {
				c.breaker.Failure()
			}
			return &StatusError{Code: status, Body: strings.TrimSpace(string(respBody)), Resource: resource}
		}

		delay := c.retry.CalculateDelay(retries + 1)
		slog.Warn("Backend responded with 503, retrying",
			"resource", resource,
			"attempt", retries+1,
			"next_retry_ms", delay.Milliseconds(),
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) send(ctx context.Context, method, target string, payload []byte) (int, []byte, error) {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	slog.Debug("Backend request", "method", method, "url", target)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	limit := int64(maxErrorBody)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		limit = 64 << 20
	}
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

// BreakerState reports the state of the circuit breaker
func (c *Client) BreakerState() BreakerState {
	return c.breaker.State()
}

func (c *Client) authorize(req *http.Request) {
	switch {
	case c.auth.Token != "":
		req.Header.Set("Authorization", "Bearer "+c.auth.Token)
	case c.auth.User != "":
		req.SetBasicAuth(c.auth.User, c.auth.Password)
	}
	if c.auth.Cookie != "" {
		req.Header.Set("Cookie", c.auth.Cookie)
	}
}
