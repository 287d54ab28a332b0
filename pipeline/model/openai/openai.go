// Package openai adapts OpenAI's chat completions API to the model.ChatModel
// interface. Tool calls use JSON mode with an inline protocol rather than
// native function calling, which keeps the adapter independent of the SDK's
// evolving tool surface.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/viniciusai/pipeline-go/pipeline/model"
)

const defaultModel = "gpt-4o"

// ChatModel implements model.ChatModel on the official openai-go client.
// Transient failures are retried with backoff.
type ChatModel struct {
	client     *openai.Client
	modelName  string
	maxRetries int
	retryDelay time.Duration
}

// NewChatModel builds an OpenAI-backed chat model. An empty modelName selects
// the default.
func NewChatModel(apiKey, modelName string) *ChatModel {
	if modelName == "" {
		modelName = defaultModel
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &ChatModel{
		client:     &client,
		modelName:  modelName,
		maxRetries: 3,
		retryDelay: time.Second,
	}
}

// Chat implements model.ChatModel.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	if ctx.Err() != nil {
		return model.ChatOut{}, ctx.Err()
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(m.modelName),
		Messages: convertMessages(messages, tools),
	}
	if len(tools) > 0 {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: openai.Ptr(shared.NewResponseFormatJSONObjectParam()),
		}
	}

	var lastErr error
	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		completion, err := m.client.Chat.Completions.New(ctx, params)
		if err == nil {
			return parseCompletion(completion, len(tools) > 0)
		}
		lastErr = err
		if !isTransient(err) || attempt >= m.maxRetries {
			break
		}
		select {
		case <-time.After(m.retryDelay * time.Duration(attempt+1)):
		case <-ctx.Done():
			return model.ChatOut{}, ctx.Err()
		}
	}
	return model.ChatOut{}, fmt.Errorf("openai chat: %w", lastErr)
}

// convertMessages maps the conversation, appending the tool protocol to the
// system prompt when tools are offered.
func convertMessages(messages []model.Message, tools []model.ToolSpec) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)+1)
	if len(tools) > 0 {
		out = append(out, openai.SystemMessage(toolProtocolPrompt(tools)))
	}
	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case model.RoleAssistant:
			out = append(out, openai.AssistantMessage(msg.Content))
		default:
			out = append(out, openai.UserMessage(msg.Content))
		}
	}
	return out
}

// toolProtocolPrompt renders the tool specs and the response envelope the
// adapter expects back.
func toolProtocolPrompt(tools []model.ToolSpec) string {
	var sb strings.Builder
	sb.WriteString("You can invoke the following tools. Respond with a single JSON object ")
	sb.WriteString(`of the form {"text": "...", "tool_calls": [{"name": "...", "input": {...}}]}. `)
	sb.WriteString("Use an empty tool_calls array when no tool is needed.\n\nTools:\n")
	for _, t := range tools {
		spec, _ := json.Marshal(map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"parameters":  t.Schema,
		})
		sb.Write(spec)
		sb.WriteString("\n")
	}
	return sb.String()
}

func parseCompletion(completion *openai.ChatCompletion, toolMode bool) (model.ChatOut, error) {
	if len(completion.Choices) == 0 {
		return model.ChatOut{}, errors.New("openai chat: empty choices")
	}
	content := completion.Choices[0].Message.Content
	if !toolMode {
		return model.ChatOut{Text: content}, nil
	}

	var envelope struct {
		Text      string `json:"text"`
		ToolCalls []struct {
			Name  string         `json:"name"`
			Input map[string]any `json:"input"`
		} `json:"tool_calls"`
	}
	cleaned := strings.TrimSpace(content)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	if err := json.Unmarshal([]byte(cleaned), &envelope); err != nil {
		// Not protocol-shaped; treat the whole content as text.
		return model.ChatOut{Text: content}, nil
	}
	out := model.ChatOut{Text: envelope.Text}
	for _, call := range envelope.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, model.ToolCall{Name: call.Name, Input: call.Input})
	}
	return out, nil
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "network", "connection", "temporary", "429", "500", "502", "503"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
