package tools

import (
	"github.com/Zenin797/SunoTherapist/core"
)

// Builder assembles a tool fluently:
//
//	tools.New("search_general_memory").
//		Description("...").
//		Schema(tools.ObjectSchema(...)).
//		Handler(fn).
//		Build()
type Builder struct {
	def     core.ToolDefinition
	handler core.ToolFunc
}

// New starts a tool definition.
func New(name string) *Builder {
	return &Builder{def: core.ToolDefinition{ToolName: name}}
}

// Description sets the text the model sees.
func (b *Builder) Description(desc string) *Builder {
	b.def.ToolDescription = desc
	return b
}

// Schema sets the JSON Schema for the tool input.
func (b *Builder) Schema(schema map[string]interface{}) *Builder {
	b.def.InputSchema = schema
	return b
}

// Handler sets the function run on each call.
func (b *Builder) Handler(fn core.ToolFunc) *Builder {
	b.handler = fn
	return b
}

// AvailableWhen gates the tool on a predicate evaluated once when the
// registry is sealed.
func (b *Builder) AvailableWhen(fn func() bool) *Builder {
	b.def.Available = fn
	return b
}

// Build returns the tool. It panics without a handler.
func (b *Builder) Build() core.Tool {
	if b.handler == nil {
		panic("tools: " + b.def.ToolName + " has no handler")
	}
	if b.def.InputSchema == nil {
		b.def.InputSchema = ObjectSchema(map[string]interface{}{})
	}
	return core.NewTool(b.def, b.handler)
}
