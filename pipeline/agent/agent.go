// Package agent drives pipeline jobs through an LLM instead of a preset step
// list. The motion-graphics mode exposes the registry's tool-bearing steps as
// function-calling tools and lets the model decide which to run and with what
// parameters.
package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/viniciusai/pipeline-go/pipeline"
	"github.com/viniciusai/pipeline-go/pipeline/model"
)

// DefaultMaxTurns bounds the conversation; each turn may execute several
// tool calls.
const DefaultMaxTurns = 16

const systemPrompt = `You are a video production director. You are given a video job and a set of tools, each of which runs one production step against the job. Inspect the brief, decide which steps to run and with what parameters, and call the tools. When the composition is complete, reply with a short summary and no further tool calls.`

// Driver runs one job conversation against a ChatModel, executing the tool
// calls the model requests through the engine.
type Driver struct {
	engine   *pipeline.Engine
	registry *pipeline.Registry
	chat     model.ChatModel
	logger   *log.Logger

	// MaxTurns caps model round-trips for one job.
	MaxTurns int
}

// NewDriver builds an agent driver.
func NewDriver(engine *pipeline.Engine, registry *pipeline.Registry, chat model.ChatModel, logger *log.Logger) *Driver {
	if logger == nil {
		logger = log.Default()
	}
	return &Driver{
		engine:   engine,
		registry: registry,
		chat:     chat,
		logger:   logger.With("component", "agent"),
		MaxTurns: DefaultMaxTurns,
	}
}

// Result summarizes one agent-driven job.
type Result struct {
	JobID         string                `json:"job_id"`
	Summary       string                `json:"summary"`
	Turns         int                   `json:"turns"`
	StepsExecuted []pipeline.StepResult `json:"steps_executed"`
}

// Run drives jobID from the given brief until the model stops requesting
// tools or MaxTurns is reached. Tool failures are reported back to the model
// rather than aborting, so it can adjust course.
func (d *Driver) Run(ctx context.Context, jobID, brief string) (Result, error) {
	tools := exportToolSpecs(d.registry)
	if len(tools) == 0 {
		return Result{JobID: jobID}, fmt.Errorf("no tool-bearing steps registered")
	}

	messages := []model.Message{
		{Role: model.RoleSystem, Content: systemPrompt},
		{Role: model.RoleUser, Content: fmt.Sprintf("Job %s. Brief:\n%s", jobID, brief)},
	}

	result := Result{JobID: jobID}
	maxTurns := d.MaxTurns
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}

	for turn := 0; turn < maxTurns; turn++ {
		out, err := d.chat.Chat(ctx, messages, tools)
		if err != nil {
			return result, fmt.Errorf("agent turn %d: %w", turn+1, err)
		}
		result.Turns = turn + 1

		if len(out.ToolCalls) == 0 {
			result.Summary = out.Text
			d.logger.Info("agent finished", "job_id", jobID, "turns", result.Turns,
				"steps", len(result.StepsExecuted))
			return result, nil
		}

		if out.Text != "" {
			messages = append(messages, model.Message{Role: model.RoleAssistant, Content: out.Text})
		}
		for _, call := range out.ToolCalls {
			step := d.executeTool(ctx, jobID, call)
			result.StepsExecuted = append(result.StepsExecuted, step)
			messages = append(messages, model.Message{
				Role:    model.RoleUser,
				Content: formatToolResult(call.Name, step),
			})
		}
	}

	return result, fmt.Errorf("agent for job %s did not converge within %d turns", jobID, maxTurns)
}

// executeTool runs one requested step and folds failures into the result.
func (d *Driver) executeTool(ctx context.Context, jobID string, call model.ToolCall) pipeline.StepResult {
	d.logger.Info("agent tool call", "job_id", jobID, "step", call.Name)
	step, err := d.engine.RunStep(ctx, jobID, call.Name, call.Input)
	if err != nil && step.Error == "" {
		step.Error = err.Error()
	}
	return step
}

// formatToolResult renders a step outcome for the model.
func formatToolResult(name string, step pipeline.StepResult) string {
	if step.Error != "" {
		return fmt.Sprintf("Tool %s failed: %s", name, step.Error)
	}
	summary, _ := json.Marshal(step.StateSummary)
	return fmt.Sprintf("Tool %s completed in %dms. State: %s", name, step.DurationMS, summary)
}

// exportToolSpecs converts the registry's tool export into the chat model's
// tool format.
func exportToolSpecs(registry *pipeline.Registry) []model.ToolSpec {
	schemas := registry.ExportTools()
	out := make([]model.ToolSpec, 0, len(schemas))
	for _, schema := range schemas {
		raw, err := json.Marshal(schema.Parameters)
		if err != nil {
			continue
		}
		var params map[string]any
		if err := json.Unmarshal(raw, &params); err != nil {
			continue
		}
		out = append(out, model.ToolSpec{
			Name:        schema.Name,
			Description: schema.Description,
			Schema:      params,
		})
	}
	return out
}
