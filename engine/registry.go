package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	log "github.com/sirupsen/logrus"

	"github.com/Zenin797/SunoTherapist/core"
)

// ToolRegistry holds the tools a conversation may call.
//
// Tools are registered at startup, then Seal evaluates availability once.
// After sealing, only available tools are visible to the model and
// dispatchable.
type ToolRegistry struct {
	mu        sync.RWMutex
	tools     map[string]core.Tool
	schemas   map[string]*jsonschema.Schema
	order     []string
	available map[string]bool
	sealed    bool
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools:   make(map[string]core.Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool and compiles its input schema.
func (r *ToolRegistry) Register(tool core.Tool) error {
	name := tool.Name()
	if strings.TrimSpace(name) == "" {
		return core.Validationf("tool name is required")
	}

	compiled, err := compileSchema(name, tool.Schema())
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("register %s: registry is sealed", name)
	}
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("register %s: duplicate tool name", name)
	}
	r.tools[name] = tool
	r.order = append(r.order, name)
	if compiled != nil {
		r.schemas[name] = compiled
	}
	return nil
}

// MustRegister registers tools and panics on error.
func (r *ToolRegistry) MustRegister(tools ...core.Tool) {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
}

// Seal checks tool availability once. It is idempotent.
func (r *ToolRegistry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return
	}
	r.available = make(map[string]bool, len(r.tools))
	for _, name := range r.order {
		ok := true
		if checker, isChecker := r.tools[name].(core.AvailabilityChecker); isChecker {
			ok = checker.Available()
		}
		r.available[name] = ok
		if !ok {
			log.WithField("tool", name).Info("[TOOLS] Tool unavailable, hiding from model")
		}
	}
	r.sealed = true
}

// Get returns a registered, available tool.
func (r *ToolRegistry) Get(name string) (core.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok || !r.isAvailable(name) {
		return nil, false
	}
	return t, true
}

// Names returns the names of the available tools in registration order.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.order))
	for _, name := range r.order {
		if r.isAvailable(name) {
			names = append(names, name)
		}
	}
	return names
}

// Definitions returns the tool definitions shown to the model.
func (r *ToolRegistry) Definitions() []core.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]core.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		if r.isAvailable(name) {
			defs = append(defs, core.Definition(r.tools[name]))
		}
	}
	return defs
}

// Dispatch validates and executes one tool call. The result is always a
// tool message; failures are reported with IsError set so the model can
// react to them.
func (r *ToolRegistry) Dispatch(ctx context.Context, rc core.RunContext, call core.ToolCall) (core.Message, *ToolExecution) {
	exec := &ToolExecution{Tool: call.Name, CallID: call.ID, Input: call.Arguments}

	fail := func(msg string) (core.Message, *ToolExecution) {
		exec.Error = msg
		return core.ToolResultMessage(call, msg, true), exec
	}

	tool, ok := r.Get(call.Name)
	if !ok {
		return fail(fmt.Sprintf("unknown tool: %s", call.Name))
	}

	input := call.Arguments
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	var args interface{}
	if err := json.Unmarshal(input, &args); err != nil {
		return fail(fmt.Sprintf("invalid tool input JSON: %v", err))
	}

	r.mu.RLock()
	schema := r.schemas[call.Name]
	r.mu.RUnlock()
	if schema != nil {
		if err := schema.Validate(args); err != nil {
			return fail(fmt.Sprintf("%v: invalid input for %s: %v", core.ErrValidation, call.Name, err))
		}
	}

	var base core.BaseInput
	_ = json.Unmarshal(input, &base)
	entry := log.WithFields(log.Fields{"tool": call.Name, "user_id": rc.UserID})
	if base.Thought != "" {
		entry = entry.WithField("thought", base.Thought)
	}
	entry.Debug("[TOOLS] Executing")

	result, err := tool.Execute(ctx, &core.ToolParams{
		RunContext: rc,
		Input:      input,
		CallID:     call.ID,
	})
	switch {
	case err != nil:
		entry.WithError(err).Warn("[TOOLS] Tool failed")
		return fail(err.Error())
	case result == nil:
		return fail("no result returned")
	case !result.Success:
		return fail(result.Error)
	}

	exec.Result = result.Data
	return core.ToolResultMessage(call, formatResult(result.Data), false), exec
}

// isAvailable must be called with r.mu held. Before Seal every tool counts
// as available.
func (r *ToolRegistry) isAvailable(name string) bool {
	if !r.sealed {
		return true
	}
	return r.available[name]
}

func formatResult(data interface{}) string {
	switch v := data.(type) {
	case nil:
		return "ok"
	case string:
		return v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func compileSchema(name string, schema map[string]interface{}) (*jsonschema.Schema, error) {
	if len(schema) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal %s schema: %w", name, err)
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://ltm-agent.local/tools/%s.schema.json", name)
	if err := c.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, fmt.Errorf("load %s schema: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile %s schema: %w", name, err)
	}
	return compiled, nil
}
