package openai

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/routecore/routecore/internal/executor"
	"github.com/routecore/routecore/internal/providers"
)

// Adapter implements executor.Sender for OpenAI.
type Adapter struct {
	id      string
	apiKey  string
	baseURL string
	client  *http.Client
}

// New creates a new OpenAI adapter.
func New(id, apiKey, baseURL string, opts ...Option) *Adapter {
	a := &Adapter{
		id:      id,
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithHTTPClient replaces the HTTP client wholesale, e.g. to install a
// tracing transport or a timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) {
		a.client = c
	}
}

func (a *Adapter) ID() string { return a.id }

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

	return a.makeRequest(ctx, "/v1/chat/completions", payload)
}

func (a *Adapter) ClassifyError(err error) *executor.ClassifiedError {
	var se *providers.StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == 429:
			return &executor.ClassifiedError{Err: err, Class: executor.ErrRateLimited}
		case se.StatusCode >= 500:
			return &executor.ClassifiedError{Err: err, Class: executor.ErrTransient}
		case strings.Contains(se.Body, "context_length_exceeded"):
			return &executor.ClassifiedError{Err: err, Class: executor.ErrContextOverflow}
		}
	}
	return &executor.ClassifiedError{Err: err, Class: executor.ErrFatal}
}

func (a *Adapter) makeRequest(ctx context.Context, endpoint string, payload any) ([]byte, error) {
	return providers.DoRequest(ctx, a.client, a.baseURL+endpoint, payload, map[string]string{
		"Authorization": "Bearer " + a.apiKey,
	})
}
