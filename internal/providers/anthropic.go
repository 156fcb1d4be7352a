package providers

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/courier-ai/courier/internal/config"
	"github.com/courier-ai/courier/internal/protocol"
)

const defaultAnthropicModel = "claude-sonnet-4-20250514"

// Anthropic is the Claude backend over the official SDK.
type Anthropic struct {
	client anthropic.Client
	model  string
}

// NewAnthropic builds the Claude backend.
func NewAnthropic(cfg config.ProviderConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	return &Anthropic{client: anthropic.NewClient(opts...), model: model}, nil
}

func (a *Anthropic) Name() string { return "anthropic" }

// Complete streams the reply and reassembles it into macro wire text.
// Text deltas concatenate; native tool_use blocks become !tool lines in
// block order.
func (a *Anthropic) Complete(ctx context.Context, messages []Message) (string, error) {
	system, rest := splitSystem(messages)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: 4096,
		Messages:  convertAnthropicMessages(rest),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	return withRetries(ctx, func() (string, error) {
		stream := a.client.Messages.NewStreaming(ctx, params)
		acc := protocol.NewStreamAccumulator()

		// Argument deltas carry no call ID of their own; correlate them
		// through the content block index.
		callByIndex := map[int64]string{}
		for stream.Next() {
			event := stream.Current()
			switch variant := event.AsAny().(type) {
			case anthropic.ContentBlockStartEvent:
				if variant.ContentBlock.Type != "tool_use" {
					continue
				}
				callByIndex[variant.Index] = variant.ContentBlock.ID
				acc.Add(protocol.Chunk{
					Kind:   protocol.ChunkToolStart,
					CallID: variant.ContentBlock.ID,
					Name:   variant.ContentBlock.Name,
				})
			case anthropic.ContentBlockDeltaEvent:
				switch delta := variant.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					acc.Add(protocol.Chunk{Kind: protocol.ChunkText, Text: delta.Text})
				case anthropic.InputJSONDelta:
					id, ok := callByIndex[variant.Index]
					if !ok || delta.PartialJSON == "" {
						continue
					}
					acc.Add(protocol.Chunk{Kind: protocol.ChunkToolDelta, CallID: id, ArgsDelta: delta.PartialJSON})
				}
			}
		}
		if err := stream.Err(); err != nil {
			return "", err
		}
		return acc.Wire(), nil
	})
}

func convertAnthropicMessages(messages []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == "assistant" {
			out = append(out, anthropic.NewAssistantMessage(block))
			continue
		}
		// Tool results travel as user text; the transcript already tags
		// them with their call IDs.
		out = append(out, anthropic.NewUserMessage(block))
	}
	return out
}
