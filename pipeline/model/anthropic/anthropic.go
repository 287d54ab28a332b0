// Package anthropic adapts Anthropic's Claude API to the model.ChatModel
// interface, including native tool use.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/viniciusai/pipeline-go/pipeline/model"
)

const defaultModel = "claude-sonnet-4-20250514"

// ChatModel implements model.ChatModel on the official anthropic-sdk-go
// client. Safe for concurrent use.
type ChatModel struct {
	client    *anthropic.Client
	modelName string
	maxTokens int64
}

// NewChatModel builds a Claude-backed chat model. An empty modelName selects
// the default.
func NewChatModel(apiKey, modelName string) *ChatModel {
	if modelName == "" {
		modelName = defaultModel
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &ChatModel{
		client:    &client,
		modelName: modelName,
		maxTokens: 4096,
	}
}

// Chat implements model.ChatModel. System messages are lifted into the
// separate system parameter Anthropic expects.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	if ctx.Err() != nil {
		return model.ChatOut{}, ctx.Err()
	}

	system, conversation := splitSystemPrompt(messages)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(m.modelName),
		MaxTokens: m.maxTokens,
		Messages:  convertMessages(conversation),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(tools) > 0 {
		params.Tools = convertTools(tools)
	}

	message, err := m.client.Messages.New(ctx, params)
	if err != nil {
		return model.ChatOut{}, fmt.Errorf("anthropic chat: %w", err)
	}
	return parseMessage(message)
}

// splitSystemPrompt separates system messages from the conversation,
// concatenating multiple system messages.
func splitSystemPrompt(messages []model.Message) (string, []model.Message) {
	var system string
	var conversation []model.Message
	for _, msg := range messages {
		if msg.Role == model.RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
			continue
		}
		conversation = append(conversation, msg)
	}
	return system, conversation
}

func convertMessages(messages []model.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		block := anthropic.NewTextBlock(msg.Content)
		if msg.Role == model.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(block))
		} else {
			out = append(out, anthropic.NewUserMessage(block))
		}
	}
	return out
}

func convertTools(tools []model.ToolSpec) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, spec := range tools {
		tool := anthropic.ToolParam{
			Name:        spec.Name,
			Description: anthropic.String(spec.Description),
		}
		if spec.Schema != nil {
			if props, ok := spec.Schema["properties"]; ok {
				tool.InputSchema = anthropic.ToolInputSchemaParam{Properties: props}
			} else {
				tool.InputSchema = anthropic.ToolInputSchemaParam{Properties: spec.Schema}
			}
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return out
}

func parseMessage(message *anthropic.Message) (model.ChatOut, error) {
	var out model.ChatOut
	for _, block := range message.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			if out.Text != "" {
				out.Text += "\n"
			}
			out.Text += variant.Text
		case anthropic.ToolUseBlock:
			var input map[string]any
			if raw := variant.JSON.Input.Raw(); raw != "" {
				if err := json.Unmarshal([]byte(raw), &input); err != nil {
					return model.ChatOut{}, fmt.Errorf("decode tool input for %s: %w", variant.Name, err)
				}
			}
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{Name: variant.Name, Input: input})
		}
	}
	return out, nil
}
