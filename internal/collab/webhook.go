package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ghostworker/flow/internal/expressions"
	"github.com/ghostworker/flow/pkg/schema"
)

const (
	defaultWebhookTimeout = 30 * time.Second
	// Run logs carry a body preview, not payloads.
	maxCapturedBody = 500
	maxReadBody     = 1 << 20 // 1MB read limit
)

// WebhookResult captures the outcome of an outbound webhook call. Body is
// the full response (bounded by the read limit) so response filters see
// valid JSON; use BodyPreview for anything that gets persisted.
type WebhookResult struct {
	StatusCode int    `json:"status_code"`
	Body       string `json:"body,omitempty"`
}

// BodyPreview returns the body truncated for run-log storage.
func (r *WebhookResult) BodyPreview() string {
	if len(r.Body) > maxCapturedBody {
		return r.Body[:maxCapturedBody]
	}
	return r.Body
}

// WebhookCaller is the outbound HTTP contract used by webhook nodes.
type WebhookCaller interface {
	Call(ctx context.Context, cfg schema.WebhookConfig, payload, queryParams map[string]any) (*WebhookResult, error)
}

// WebhookClient calls external HTTP endpoints with a bounded timeout,
// a bounded response read, and a per-endpoint circuit breaker.
type WebhookClient struct {
	client  *http.Client
	breaker *BreakerRegistry
}

// NewWebhookClient creates a WebhookClient with the given breaker config.
func NewWebhookClient(breakerCfg BreakerConfig) *WebhookClient {
	return &WebhookClient{
		client:  &http.Client{Timeout: defaultWebhookTimeout},
		breaker: NewBreakerRegistry(breakerCfg),
	}
}

// Call performs the webhook request. POST (default) sends the payload as a
// JSON body; GET encodes queryParams into the URL. Transport failures count
// against the endpoint's circuit breaker; any completed exchange, whatever
// the status code, counts as success.
func (c *WebhookClient) Call(ctx context.Context, cfg schema.WebhookConfig, payload, queryParams map[string]any) (*WebhookResult, error) {
	if cfg.URL == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "no webhook URL configured")
	}

	endpoint := breakerKey(cfg.URL)
	if err := c.breaker.Allow(endpoint); err != nil {
		return nil, err
	}

	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodPost
	}

	var req *http.Request
	var err error
	switch method {
	case http.MethodGet:
		req, err = c.buildGet(ctx, cfg.URL, queryParams)
	default:
		req, err = c.buildPost(ctx, method, cfg.URL, payload)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "build webhook request: %s", err.Error()).WithCause(err)
	}

	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.breaker.RecordFailure(endpoint)
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "webhook call failed: %s", err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxReadBody))
	c.breaker.RecordSuccess(endpoint)

	return &WebhookResult{
		StatusCode: resp.StatusCode,
		Body:       string(body),
	}, nil
}

func (c *WebhookClient) buildPost(ctx context.Context, method, rawURL string, payload map[string]any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (c *WebhookClient) buildGet(ctx context.Context, rawURL string, queryParams map[string]any) (*http.Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	for k, v := range queryParams {
		q.Set(k, expressions.Stringify(v))
	}
	u.RawQuery = q.Encode()
	return http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
}

// breakerKey normalizes a URL to its endpoint identity (scheme://host/path),
// so querystring variation shares one breaker.
func breakerKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
