package app

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/routecore/routecore/internal/executor"
)

// echoSender is the testMode adapter: it answers every request locally with
// a deterministic completion so the full pipeline can be exercised without
// paying a provider.
type echoSender struct {
	id string
}

func newEchoSender(id string) *echoSender { return &echoSender{id: id} }

func (e *echoSender) ID() string { return e.id }

func (e *echoSender) Send(_ context.Context, model string, req executor.Request) (executor.ProviderResponse, error) {
	prompt := ""
	if len(req.Messages) > 0 {
		prompt = req.Messages[len(req.Messages)-1].Content
	}
	body := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]string{
				"content": fmt.Sprintf("test-mode completion from %s for prompt of %d chars", model, len(prompt)),
			}},
		},
	}
	b, _ := json.Marshal(body)
	return b, nil
}

func (e *echoSender) ClassifyError(err error) *executor.ClassifiedError {
	return &executor.ClassifiedError{Err: err, Class: executor.ErrFatal}
}
