package anthropic

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/routecore/routecore/internal/executor"
	"github.com/routecore/routecore/internal/providers"
)

// Adapter implements executor.Sender for Anthropic.
type Adapter struct {
	id      string
	apiKey  string
	baseURL string
	client  *http.Client
}

// New creates a new Anthropic adapter. The HTTP client timeout defaults to
// 30s; WithTimeout overrides it.
func New(id, apiKey, baseURL string, opts ...Option) *Adapter {
	a := &Adapter{
		id:      id,
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		a.client.Timeout = d
	}
}

// WithHTTPClient replaces the HTTP client wholesale, e.g. to install a
// tracing transport.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) {
		a.client = c
	}
}

func (a *Adapter) ID() string { return a.id }

// HealthEndpoint returns a URL for health probing. A GET to the messages
// endpoint returns 405 (Method Not Allowed) which proves reachability.
func (a *Adapter) HealthEndpoint() string {
	return a.baseURL + "/v1/messages"
}

func (a *Adapter) Send(ctx context.Context, model string, req executor.Request) (executor.ProviderResponse, error) {
	messages := make([]map[string]string, len(req.Messages))
	for i, msg := range req.Messages {
		messages[i] = map[string]string{
			"role":    msg.Role,
			"content": msg.Content,
		}
	}

	payload := map[string]any{
		"model":      model,
		"messages":   messages,
		"max_tokens": 4096,
	}

	return a.makeRequest(ctx, "/v1/messages", payload)
}

func (a *Adapter) ClassifyError(err error) *executor.ClassifiedError {
	var se *providers.StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == 429 || se.StatusCode == 529:
			ce := &executor.ClassifiedError{Err: err, Class: executor.ErrRateLimited}
			if se.RetryAfterSecs > 0 {
				ce.RetryAfter = se.RetryAfterSecs
			}
			return ce
		case se.StatusCode >= 500:
			return &executor.ClassifiedError{Err: err, Class: executor.ErrTransient}
		case strings.Contains(se.Body, "prompt is too long") || strings.Contains(se.Body, "prompt_too_long"):
			return &executor.ClassifiedError{Err: err, Class: executor.ErrContextOverflow}
		}
	}
	return &executor.ClassifiedError{Err: err, Class: executor.ErrFatal}
}

func (a *Adapter) makeRequest(ctx context.Context, endpoint string, payload any) ([]byte, error) {
	return providers.DoRequest(ctx, a.client, a.baseURL+endpoint, payload, map[string]string{
		"x-api-key":         a.apiKey,
		"anthropic-version": "2023-06-01",
	})
}
