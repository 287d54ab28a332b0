package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/viniciusai/pipeline-go/pipeline"
	"github.com/viniciusai/pipeline-go/pipeline/model"
	"github.com/viniciusai/pipeline-go/pipeline/state"
	"github.com/viniciusai/pipeline-go/pipeline/store"
)

func agentFixture(t *testing.T) (*Driver, *model.MockChatModel, *store.MemStore) {
	t.Helper()

	registry := pipeline.NewRegistry(nil)
	registry.Register(pipeline.StepDefinition{
		Name:        "generate_cartela",
		Description: "Renders the opening title card.",
		Func: func(_ context.Context, st state.State, params map[string]any) (*state.State, error) {
			title, _ := params["title"].(string)
			next, err := st.WithUpdates(map[string]any{"cartela_title": title})
			if err != nil {
				return nil, err
			}
			return &next, nil
		},
		Tool: map[string]pipeline.ToolParam{
			"title": {Type: "string", Description: "Card title text", Required: true},
		},
	})
	registry.Register(pipeline.StepDefinition{
		Name:        "animate_text",
		Description: "Applies entrance animations to text layers.",
		Func: func(_ context.Context, st state.State, _ map[string]any) (*state.State, error) {
			next, err := st.WithUpdates(map[string]any{"text_animated": true})
			if err != nil {
				return nil, err
			}
			return &next, nil
		},
		Tool: map[string]pipeline.ToolParam{},
	})
	// No Tool map: must not be exported to the model.
	registry.Register(pipeline.StepDefinition{
		Name: "internal_cleanup",
		Func: func(_ context.Context, st state.State, _ map[string]any) (*state.State, error) {
			return &st, nil
		},
	})

	st := store.NewMemStore()
	engine, err := pipeline.NewEngine(pipeline.Config{Registry: registry, Store: st, Checkpoints: st})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	mock := &model.MockChatModel{}
	return NewDriver(engine, registry, mock, nil), mock, st
}

func seedJob(t *testing.T, st *store.MemStore, jobID string) {
	t.Helper()
	if err := st.Seed(jobID, state.State{JobID: jobID}, "processing"); err != nil {
		t.Fatalf("Seed: %v", err)
	}
}

func TestDriver_ExecutesToolCallsUntilDone(t *testing.T) {
	driver, mock, st := agentFixture(t)
	seedJob(t, st, "job-mg")

	mock.Responses = []model.ChatOut{
		{ToolCalls: []model.ToolCall{
			{Name: "generate_cartela", Input: map[string]any{"title": "Summer Launch"}},
		}},
		{ToolCalls: []model.ToolCall{{Name: "animate_text"}}},
		{Text: "Composition complete: title card plus animated captions."},
	}

	res, err := driver.Run(context.Background(), "job-mg", "Launch teaser, bold opener")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Turns != 3 {
		t.Fatalf("Turns = %d, want 3", res.Turns)
	}
	if len(res.StepsExecuted) != 2 {
		t.Fatalf("StepsExecuted = %d, want 2", len(res.StepsExecuted))
	}
	if !strings.Contains(res.Summary, "Composition complete") {
		t.Fatalf("Summary = %q", res.Summary)
	}

	// Step effects persisted through the engine.
	final, err := st.Load(context.Background(), "job-mg")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	m, err := final.ToMap()
	if err != nil {
		t.Fatalf("ToMap: %v", err)
	}
	if m["cartela_title"] != "Summer Launch" {
		t.Fatalf("cartela_title = %v", m["cartela_title"])
	}
	if m["text_animated"] != true {
		t.Fatalf("text_animated = %v", m["text_animated"])
	}
}

func TestDriver_OnlyToolBearingStepsExported(t *testing.T) {
	driver, mock, st := agentFixture(t)
	seedJob(t, st, "job-tools")
	mock.Responses = []model.ChatOut{{Text: "nothing to do"}}

	if _, err := driver.Run(context.Background(), "job-tools", "noop"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	tools := mock.Calls[0].Tools
	names := make(map[string]bool, len(tools))
	for _, tool := range tools {
		names[tool.Name] = true
	}
	if !names["generate_cartela"] || !names["animate_text"] {
		t.Fatalf("tool-bearing steps missing from export: %v", names)
	}
	if names["internal_cleanup"] {
		t.Fatal("steps without a tool schema must not be exported")
	}
}

func TestDriver_ToolFailureIsReportedBackToModel(t *testing.T) {
	driver, mock, st := agentFixture(t)
	seedJob(t, st, "job-fail")

	mock.Responses = []model.ChatOut{
		{ToolCalls: []model.ToolCall{{Name: "no_such_step"}}},
		{Text: "giving up"},
	}

	res, err := driver.Run(context.Background(), "job-fail", "brief")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.StepsExecuted) != 1 || res.StepsExecuted[0].Error == "" {
		t.Fatalf("failed tool call not captured: %+v", res.StepsExecuted)
	}

	// The failure must have been surfaced to the model on the next turn.
	second := mock.Calls[1].Messages
	last := second[len(second)-1]
	if !strings.Contains(last.Content, "failed") {
		t.Fatalf("model was not told about the failure: %q", last.Content)
	}
}

func TestDriver_ChatErrorAborts(t *testing.T) {
	driver, mock, st := agentFixture(t)
	seedJob(t, st, "job-err")
	mock.Err = errors.New("provider unavailable")

	if _, err := driver.Run(context.Background(), "job-err", "brief"); err == nil {
		t.Fatal("expected provider error to propagate")
	}
}

func TestDriver_MaxTurnsEnforced(t *testing.T) {
	driver, mock, st := agentFixture(t)
	seedJob(t, st, "job-loop")
	driver.MaxTurns = 3

	// The model keeps requesting the same tool forever.
	mock.Responses = []model.ChatOut{
		{ToolCalls: []model.ToolCall{{Name: "animate_text"}}},
	}

	res, err := driver.Run(context.Background(), "job-loop", "brief")
	if err == nil {
		t.Fatal("expected non-convergence error")
	}
	if res.Turns != 3 {
		t.Fatalf("Turns = %d, want 3", res.Turns)
	}
}
