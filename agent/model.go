// Package agent drives the LLM tool-calling loop for chat analysis turns:
// streaming tokens and reasoning to the realtime channel, dispatching SQL
// jobs to the worker pool, passing chart specs through to the client, and
// accounting token usage against the rate limiter.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"

	"querychat/config"
)

// NewChatModel builds the configured chat model. Providers that speak the
// OpenAI wire format (the default and any "-Compatible" proxy) all go through
// the openai component with a custom base URL.
func NewChatModel(ctx context.Context, cfg config.Config) (model.ChatModel, error) {
	chatModel, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		APIKey:  cfg.APIKey,
		BaseURL: cfg.BaseURL,
		Model:   cfg.ModelName,
		Timeout: 5 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %v", err)
	}
	return chatModel, nil
}
