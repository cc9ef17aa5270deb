// Package openaiclient adapts github.com/sashabaranov/go-openai to the
// planner's ChatCompleter interface, tagging provider errors with their
// retry-relevant errkind so the planner's retry loop doesn't need to
// know about HTTP status codes.
package openaiclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/flowforge/orchestrator/internal/errkind"
	"github.com/flowforge/orchestrator/internal/planner"
)

type Adapter struct {
	client *openai.Client
	model  string
}

func New(apiKey, model string) *Adapter {
	if model == "" {
		model = openai.GPT4oMini
	}
	return &Adapter{client: openai.NewClient(apiKey), model: model}
}

var _ planner.ChatCompleter = (*Adapter)(nil)

func (a *Adapter) Complete(ctx context.Context, messages []planner.Message) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:    a.model,
		Messages: toOpenAIMessages(messages),
	}
	resp, err := a.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", errkind.Tag(errkind.Transient, errors.New("openai returned no choices"))
	}
	return resp.Choices[0].Message.Content, nil
}

func toOpenAIMessages(messages []planner.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		out[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

// classify maps the provider's error shape onto the transient/permanent
// taxonomy in the error handling design: 5xx and 429 are transient,
// other 4xx API errors (auth, malformed request) are permanent, and
// transport failures or errors of any other shape are transient.
func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			return errkind.Tag(errkind.Transient, err)
		case apiErr.HTTPStatusCode >= 500:
			return errkind.Tag(errkind.Transient, err)
		case apiErr.HTTPStatusCode >= 400:
			return errkind.Tag(errkind.Permanent, err)
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return errkind.Tag(errkind.Transient, err)
	}
	return errkind.Tag(errkind.Transient, fmt.Errorf("openai call failed: %w", err))
}
