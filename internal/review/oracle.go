package review

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// ErrOracle marks a failed review-service call. The caller degrades the
// affected slice to zero findings and reports per the throttle policy.
var ErrOracle = errors.New("review: oracle request failed")

// Oracle turns review instructions plus a diff into a response text that is
// expected to contain a JSON issue array.
type Oracle interface {
	Review(ctx context.Context, system, user string) (string, error)
}

const defaultModel = "gpt-4.1-mini"

type OracleConfig struct {
	BaseURL string
	Model   string
	APIKey  string
}

type OpenAIOracle struct {
	client openai.Client
	model  string
}

func NewOpenAIOracle(cfg OracleConfig) *OpenAIOracle {
	var opts []option.RequestOption
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	if key := strings.TrimSpace(cfg.APIKey); key != "" {
		opts = append(opts, option.WithAPIKey(key))
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	return &OpenAIOracle{client: openai.NewClient(opts...), model: model}
}

func (o *OpenAIOracle) Review(ctx context.Context, system, user string) (string, error) {
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		MaxTokens: openai.Int(4096),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrOracle, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: empty response", ErrOracle)
	}
	return resp.Choices[0].Message.Content, nil
}
