package vllm

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/routecore/routecore/internal/executor"
	"github.com/routecore/routecore/internal/providers"
)

// Adapter implements executor.Sender for vLLM instances.
// Supports round-robin across multiple endpoints.
type Adapter struct {
	id        string
	endpoints []string
	counter   atomic.Uint64
	client    *http.Client
}

// New creates a new vLLM adapter with one or more endpoints.
// The HTTP client timeout defaults to 30s; WithTimeout overrides it.
func New(id string, endpoint string, opts ...Option) *Adapter {
	a := &Adapter{
		id:        id,
		endpoints: []string{endpoint},
		client:    &http.Client{Timeout: 30 * time.Second},
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

// WithEndpoints adds additional endpoints for round-robin balancing.
func WithEndpoints(endpoints ...string) Option {
	return func(a *Adapter) {
		a.endpoints = append(a.endpoints, endpoints...)
	}
}

func (a *Adapter) ID() string { return a.id }

// nextEndpoint returns the next endpoint in round-robin order.
func (a *Adapter) nextEndpoint() string {
	idx := a.counter.Add(1) - 1
	return a.endpoints[idx%uint64(len(a.endpoints))]
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
		"model":    model,
		"messages": messages,
	}

	baseURL := a.nextEndpoint()
	return a.makeRequest(ctx, baseURL, "/v1/chat/completions", payload)
}

func (a *Adapter) ClassifyError(err error) *executor.ClassifiedError {
	var se *providers.StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == 429:
			ce := &executor.ClassifiedError{Err: err, Class: executor.ErrRateLimited}
			if se.RetryAfterSecs > 0 {
				ce.RetryAfter = se.RetryAfterSecs
			}
			return ce
		case se.StatusCode >= 500:
			return &executor.ClassifiedError{Err: err, Class: executor.ErrTransient}
		}
	}
	return &executor.ClassifiedError{Err: err, Class: executor.ErrFatal}
}

func (a *Adapter) makeRequest(ctx context.Context, baseURL, endpoint string, payload any) ([]byte, error) {
	return providers.DoRequest(ctx, a.client, baseURL+endpoint, payload, nil)
}
