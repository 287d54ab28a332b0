package pipeline

import (
	"context"
	"sort"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/viniciusai/pipeline-go/pipeline/state"
)

// StepFunc is the signature every step body implements. It receives the
// current state and driver-supplied params, and returns the next state. A nil
// return with nil error means "state unchanged" (logged as a warning by the
// engine).
type StepFunc func(ctx context.Context, st state.State, params map[string]any) (*state.State, error)

// Category tags group steps for introspection and cost reporting.
const (
	CategoryPreprocessing = "preprocessing"
	CategoryRendering     = "rendering"
	CategoryCreative      = "creative"
	CategorySetup         = "setup"
)

// Cost categories for replay-time estimation.
const (
	CostFree = "free"
	CostCPU  = "cpu"
	CostGPU  = "gpu"
	CostLLM  = "llm"
)

// ToolParam describes one parameter of a step's external tool schema.
type ToolParam struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"-"`
}

// StepDefinition declares a step once at process start.
type StepDefinition struct {
	// Name uniquely identifies the step.
	Name string

	// Func is the step body.
	Func StepFunc

	// Description is a human-readable summary, also used for tool export.
	Description string

	// Category is one of the Category* constants.
	Category string

	// DependsOn orders this step after the named steps when both are
	// requested. Never pulls unrequested steps in.
	DependsOn []string

	// Produces lists the state field names (JSON keys) this step writes.
	// Used by the async merge and by replay output recovery.
	Produces []string

	// Optional steps that fail terminally are marked skipped instead of
	// failing the job.
	Optional bool

	// EstimatedSeconds is a rough duration used by replay time estimates.
	EstimatedSeconds int

	// Cost is one of the Cost* constants.
	Cost string

	// Retryable steps are re-attempted with exponential backoff.
	Retryable bool

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// TimeoutSeconds bounds each attempt. Zero means the engine default.
	TimeoutSeconds int

	// Tool, when non-nil, exposes this step to external agent drivers.
	Tool map[string]ToolParam

	// SSEName is the externally-visible name used for event emission.
	// Defaults to Name when empty.
	SSEName string

	// AsyncMode steps are fired in the background; the main sequence
	// continues without waiting.
	AsyncMode bool

	// AwaitAsync lists async step names whose outputs must be merged into
	// the state before this step runs.
	AwaitAsync []string
}

// EventName returns the externally-visible name for event emission.
func (d StepDefinition) EventName() string {
	if d.SSEName != "" {
		return d.SSEName
	}
	return d.Name
}

// Timeout returns the per-attempt timeout, falling back to def.
func (d StepDefinition) timeoutOr(def int) int {
	if d.TimeoutSeconds > 0 {
		return d.TimeoutSeconds
	}
	return def
}

// Registry holds step definitions. Steps register at module load; after
// initialization the registry is read-only, so lookups need no locking in
// practice — the mutex guards against misuse during tests.
type Registry struct {
	mu     sync.RWMutex
	steps  map[string]StepDefinition
	order  []string // registration order, for stable enumeration
	logger *log.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{
		steps:  make(map[string]StepDefinition),
		logger: logger.With("component", "registry"),
	}
}

// Register inserts a definition by name. Duplicate names overwrite with a
// warning.
func (r *Registry) Register(def StepDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.steps[def.Name]; exists {
		r.logger.Warn("step re-registered, overwriting", "step", def.Name)
	} else {
		r.order = append(r.order, def.Name)
	}
	r.steps[def.Name] = def
}

// Get returns the definition for name.
func (r *Registry) Get(name string) (StepDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.steps[name]
	return def, ok
}

// Names returns all registered step names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// All returns every definition in registration order.
func (r *Registry) All() []StepDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]StepDefinition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.steps[name])
	}
	return out
}

// ResolveOrder topologically sorts the requested steps using DependsOn edges
// restricted to the requested set. Dependencies outside the set are ignored:
// they order nothing and are never pulled in. Ties break by position in the
// requested list, so the result is deterministic. Unregistered names are
// dropped with a warning. On a dependency cycle the requested list is
// returned unchanged and an error is logged.
func (r *Registry) ResolveOrder(requested []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	position := make(map[string]int, len(requested))
	var known []string
	for i, name := range requested {
		if _, ok := r.steps[name]; !ok {
			r.logger.Warn("requested step not registered, dropping", "step", name)
			continue
		}
		if _, dup := position[name]; dup {
			continue
		}
		position[name] = i
		known = append(known, name)
	}

	// In-degree over edges within the requested set only.
	indegree := make(map[string]int, len(known))
	dependents := make(map[string][]string, len(known))
	for _, name := range known {
		indegree[name] += 0
		for _, dep := range r.steps[name].DependsOn {
			if _, ok := position[dep]; !ok {
				continue
			}
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	// Kahn's algorithm with the ready set kept sorted by requested position.
	var ready []string
	for _, name := range known {
		if indegree[name] == 0 {
			ready = append(ready, name)
		}
	}

	ordered := make([]string, 0, len(known))
	for len(ready) > 0 {
		// Pick the ready step earliest in the requested list.
		best := 0
		for i := 1; i < len(ready); i++ {
			if position[ready[i]] < position[ready[best]] {
				best = i
			}
		}
		name := ready[best]
		ready = append(ready[:best], ready[best+1:]...)
		ordered = append(ordered, name)

		for _, dep := range dependents[name] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(ordered) != len(known) {
		r.logger.Error("dependency cycle among requested steps, returning requested order",
			"requested", requested)
		return requested
	}
	return ordered
}

// ToolSchema is the generic function-calling projection of a step.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  ToolParameters `json:"parameters"`
}

// ToolParameters follows the JSON-schema object convention used by LLM
// function calling.
type ToolParameters struct {
	Type       string               `json:"type"`
	Properties map[string]ToolParam `json:"properties"`
	Required   []string             `json:"required"`
}

// ExportTools projects the steps carrying a tool schema into generic
// function-calling schemas for external agent drivers.
func (r *Registry) ExportTools() []ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []ToolSchema
	for _, name := range r.order {
		def := r.steps[name]
		if def.Tool == nil {
			continue
		}
		params := ToolParameters{
			Type:       "object",
			Properties: make(map[string]ToolParam, len(def.Tool)),
		}
		for pname, p := range def.Tool {
			params.Properties[pname] = p
			if p.Required {
				params.Required = append(params.Required, pname)
			}
		}
		if params.Required == nil {
			params.Required = []string{}
		}
		sort.Strings(params.Required)
		out = append(out, ToolSchema{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  params,
		})
	}
	return out
}
