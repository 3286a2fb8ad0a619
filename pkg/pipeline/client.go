// Package pipeline is the HTTP client for the requirements analysis
// pipeline: a synchronous call that collects stories, analyzes them,
// identifies and prioritizes requirements and renders a report.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shawkym/reqchat/pkg/log"
	"github.com/shawkym/reqchat/pkg/metrics"
	"github.com/shawkym/reqchat/pkg/ratelimit"
)

const (
	pathPipeline     = "/mcp/pipeline"
	pathAnalyze      = "/mcp/analyze"
	pathRequirements = "/mcp/requirements"
	pathReport       = "/mcp/report"

	// DefaultTimeout bounds one pipeline call. Full runs call several
	// model-backed stages and are slow.
	DefaultTimeout = 120 * time.Second
)

// ErrEmptyRequest is returned when a request carries neither text nor stories.
var ErrEmptyRequest = errors.New("pipeline request needs raw_text or stories")

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
	// RetryAfter is set from the Retry-After header on 429/503.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("pipeline API error: HTTP %d: %s", e.StatusCode, e.Body)
}

// Client calls the pipeline endpoints. It never retries.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	metrics    *metrics.Metrics
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithLimiter throttles calls client-side.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithMetrics enables Prometheus recording.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates a client for the backend at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Limiter returns the client's rate limiter, or nil.
func (c *Client) Limiter() *ratelimit.Limiter {
	return c.limiter
}

// Run executes the full pipeline.
func (c *Client) Run(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.RawText) == "" && len(req.Stories) == 0 {
		return nil, ErrEmptyRequest
	}

	var res Result
	if err := c.post(ctx, pathPipeline, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Analyze runs only the analyzer stage.
func (c *Client) Analyze(ctx context.Context, stories []Story) (*Analysis, error) {
	var out struct {
		Analysis Analysis `json:"analysis"`
	}
	body := map[string]interface{}{"stories": nonNilStories(stories)}
	if err := c.post(ctx, pathAnalyze, body, &out); err != nil {
		return nil, err
	}
	return &out.Analysis, nil
}

// ExtractAndPrioritize identifies requirements in stories and ranks them.
func (c *Client) ExtractAndPrioritize(ctx context.Context, stories []Story) ([]Requirement, error) {
	var out struct {
		Requirements []Requirement `json:"requirements"`
	}
	body := map[string]interface{}{"stories": nonNilStories(stories)}
	if err := c.post(ctx, pathRequirements, body, &out); err != nil {
		return nil, err
	}
	return out.Requirements, nil
}

// BuildReport renders the final report for requirements.
func (c *Client) BuildReport(ctx context.Context, reqs []Requirement, projectID string) (*Report, error) {
	if reqs == nil {
		reqs = []Requirement{}
	}
	body := map[string]interface{}{"requirements": reqs}
	if projectID != "" {
		body["project_id"] = projectID
	}

	var out Report
	if err := c.post(ctx, pathReport, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func nonNilStories(s []Story) []Story {
	if s == nil {
		return []Story{}
	}
	return s
}

// post sends body to path and decodes the response into out. Stage
// endpoints may wrap their payload in {"response": ...}; both forms decode.
func (c *Client) post(ctx context.Context, path string, body, out interface{}) (err error) {
	endpoint := strings.TrimPrefix(path, "/mcp/")
	start := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.RecordPipelineCall(endpoint, time.Since(start), err)
		}
	}()

	if err := c.wait(ctx); err != nil {
		return err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	log.WithFields(map[string]interface{}{
		"url":  httpReq.URL.String(),
		"size": len(payload),
	}).Debug("sending pipeline request")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := c.handleErrorResponse(resp)
		if apiErr.RetryAfter > 0 && c.limiter != nil {
			c.limiter.Pause(apiErr.RetryAfter)
		}
		return apiErr
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if err := decode(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	log.WithFields(map[string]interface{}{
		"endpoint": endpoint,
		"duration": time.Since(start).String(),
	}).Debug("pipeline request completed")
	return nil
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil || c.limiter.Allow() {
		return nil
	}
	if c.metrics != nil {
		c.metrics.RecordRateLimitWait()
	}
	log.WithField("limiter", c.limiter.String()).Debug("waiting for pipeline rate limit")
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

func decode(data []byte, out interface{}) error {
	var wrapped struct {
		Response json.RawMessage `json:"response"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && len(wrapped.Response) > 0 && wrapped.Response[0] == '{' {
		data = wrapped.Response
	}
	return json.Unmarshal(data, out)
}

// handleErrorResponse builds an APIError. FastAPI style {"detail": ...}
// bodies are reduced to the detail.
func (c *Client) handleErrorResponse(resp *http.Response) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		apiErr.Body = fmt.Sprintf("(failed to read error body: %v)", err)
		return apiErr
	}

	var detail struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &detail); err == nil && len(detail.Detail) > 0 {
		var s string
		if json.Unmarshal(detail.Detail, &s) == nil {
			apiErr.Body = s
		} else {
			apiErr.Body = string(detail.Detail)
		}
		return apiErr
	}

	apiErr.Body = strings.TrimSpace(string(body))
	return apiErr
}
