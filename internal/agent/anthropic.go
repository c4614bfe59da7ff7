package agent

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicCompleter calls the Anthropic Messages API.
type AnthropicCompleter struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropicCompleter returns a completer for model. It returns nil when
// apiKey is empty so callers can leave agents disabled.
func NewAnthropicCompleter(apiKey, model string) *AnthropicCompleter {
	if strings.TrimSpace(apiKey) == "" {
		return nil
	}
	return &AnthropicCompleter{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(model),
	}
}

// Complete sends one user turn with an optional system prompt.
func (c *AnthropicCompleter) Complete(ctx context.Context, in Completion) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: int64(in.MaxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(in.Prompt)),
		},
	}
	if in.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: in.System, Type: "text"}}
	}
	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", err
	}
	if resp == nil || len(resp.Content) == 0 {
		return "", errors.New("agent: empty response from model")
	}
	var b strings.Builder
	for i := range resp.Content {
		block := &resp.Content[i]
		if block.Type == "text" {
			b.WriteString(block.AsText().Text)
		}
	}
	return b.String(), nil
}
