package providers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/courier-ai/courier/internal/config"
	openai "github.com/sashabaranov/go-openai"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAI is the chat-completions backend. With a base_url override it
// serves any OpenAI-compatible server (vLLM, Ollama, LM Studio).
type OpenAI struct {
	client *openai.Client
	model  string
}

// NewOpenAI builds the chat-completions backend.
func NewOpenAI(cfg config.ProviderConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAI{client: openai.NewClientWithConfig(clientCfg), model: model}, nil
}

func (o *OpenAI) Name() string { return "openai" }

// Complete sends the transcript as chat messages. Native function calls
// in the reply become macro lines after the text content.
func (o *OpenAI) Complete(ctx context.Context, messages []Message) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: convertOpenAIMessages(messages),
	}

	return withRetries(ctx, func() (string, error) {
		resp, err := o.client.CreateChatCompletion(ctx, req)
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			return "", errors.New("openai: empty choices in response")
		}
		return flattenOpenAIMessage(resp.Choices[0].Message), nil
	})
}

func convertOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		role := m.Role
		switch role {
		case "system":
			role = openai.ChatMessageRoleSystem
		case "assistant":
			role = openai.ChatMessageRoleAssistant
		default:
			// Tool results travel as user text; the transcript already
			// tags them with their call IDs.
			role = openai.ChatMessageRoleUser
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}

func flattenOpenAIMessage(msg openai.ChatCompletionMessage) string {
	var sb strings.Builder
	if msg.Content != "" {
		sb.WriteString(msg.Content)
	}
	for _, tc := range msg.ToolCalls {
		if tc.Function.Name == "" {
			continue
		}
		macro := toolCallMacro(tc.Function.Name, json.RawMessage(tc.Function.Arguments))
		if macro == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(macro)
	}
	return sb.String()
}
