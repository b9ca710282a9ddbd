package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/Zenin797/SunoTherapist/core"
	"github.com/Zenin797/SunoTherapist/memory"
)

// MaxSearchLimit caps the limit a search tool accepts.
const MaxSearchLimit = 20

// MemoryTools returns every memory tool bound to mgr: the recall pair plus a
// manage and a search tool per memory kind.
func MemoryTools(mgr *memory.Manager) []core.Tool {
	out := []core.Tool{
		SaveRecallMemoryTool(mgr),
		SearchRecallMemoriesTool(mgr),
	}
	for _, kind := range memory.Kinds {
		out = append(out, ManageMemoryTool(mgr, kind), SearchMemoryTool(mgr, kind))
	}
	return out
}

// ────────────────────────────────────────────────────────────────────────────
// save_recall_memory / search_recall_memories
// ────────────────────────────────────────────────────────────────────────────

type saveRecallInput struct {
	core.BaseInput
	memory.Triple
}

// SaveRecallMemoryTool stores a knowledge triple as a semantic memory.
func SaveRecallMemoryTool(mgr *memory.Manager) core.Tool {
	return New("save_recall_memory").
		Description("Save a fact about the user as a knowledge triple, for example (user, likes, tea). "+
			"Saved memories can be found later with search_recall_memories.").
		Schema(WithThought(payloadSchema(memory.KindSemantic))).
		Handler(func(ctx context.Context, params *core.ToolParams) (*core.ToolResult, error) {
			var in saveRecallInput
			if err := json.Unmarshal(params.Input, &in); err != nil {
				return nil, core.Validationf("invalid input: %v", err)
			}
			id, err := mgr.Save(ctx, params.RunContext, memory.KindSemantic, in.Triple)
			if err != nil {
				return nil, err
			}
			return core.Success(map[string]interface{}{
				"id":     id,
				"memory": in.Triple.Serialize(),
			}), nil
		}).
		Build()
}

type searchInput struct {
	core.BaseInput
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

// SearchRecallMemoriesTool searches all of the user's memories and returns
// their contents, best match first.
func SearchRecallMemoriesTool(mgr *memory.Manager) core.Tool {
	return New("search_recall_memories").
		Description("Search every stored memory of the user for ones relevant to the conversation. "+
			"Returns memory texts, most relevant first.").
		Schema(BuildSchemaWithThought(map[string]interface{}{
			"query": NonEmptyStringProperty("What to look for"),
		}, "query")).
		Handler(func(ctx context.Context, params *core.ToolParams) (*core.ToolResult, error) {
			var in searchInput
			if err := json.Unmarshal(params.Input, &in); err != nil {
				return nil, core.Validationf("invalid input: %v", err)
			}
			contents, err := mgr.Recall(ctx, params.RunContext, in.Query)
			if err != nil {
				return nil, err
			}
			return core.Success(contents), nil
		}).
		Build()
}

// ────────────────────────────────────────────────────────────────────────────
// manage_<kind>_memory
// ────────────────────────────────────────────────────────────────────────────

type manageInput struct {
	core.BaseInput
	Action  string          `json:"action"`
	ID      string          `json:"id,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

var manageDescriptions = map[memory.Kind]string{
	memory.KindEpisodic: "Create, update or delete an episodic memory: an experience worth learning from, " +
		"recorded as observation, thoughts, action and result.",
	memory.KindSemantic: "Create, update or delete a semantic memory: a fact, preference or relationship " +
		"recorded as a subject / predicate / object triple.",
	memory.KindProcedural: "Create, update or delete a procedural memory: how to carry out a recurring task, " +
		"as a task with ordered steps.",
	memory.KindGeneral: "Create, update or delete a free-text memory.",
}

// ManageMemoryTool creates, updates and deletes memories of one kind.
func ManageMemoryTool(mgr *memory.Manager, kind memory.Kind) core.Tool {
	return New(fmt.Sprintf("manage_%s_memory", kind)).
		Description(manageDescriptions[kind]+
			" Updates and deletes need the id returned when the memory was created or found.").
		Schema(BuildSchemaWithThought(map[string]interface{}{
			"action":  StringEnumProperty("What to do", string(memory.OpCreate), string(memory.OpUpdate), string(memory.OpDelete)),
			"id":      StringProperty("Id of the memory to update or delete"),
			"content": payloadSchema(kind),
		}, "action")).
		Handler(func(ctx context.Context, params *core.ToolParams) (*core.ToolResult, error) {
			var in manageInput
			if err := json.Unmarshal(params.Input, &in); err != nil {
				return nil, core.Validationf("invalid input: %v", err)
			}
			op, err := memory.ParseOp(in.Action)
			if err != nil {
				return nil, err
			}

			var payload memory.Payload
			if op != memory.OpDelete {
				if len(in.Content) == 0 {
					return nil, core.Validationf("content is required to %s a memory", op)
				}
				if payload, err = decodeContent(kind, in.Content); err != nil {
					return nil, err
				}
			}

			id, err := mgr.Manage(ctx, params.RunContext, op, kind, payload, in.ID)
			if err != nil {
				return nil, err
			}
			return core.Success(map[string]interface{}{
				"id":     id,
				"status": string(op) + "d",
			}), nil
		}).
		Build()
}

// decodeContent parses the content of a manage call. General memories take
// a string, the other kinds their structured payload.
func decodeContent(kind memory.Kind, raw json.RawMessage) (memory.Payload, error) {
	if kind != memory.KindGeneral {
		return memory.DecodePayload(kind, raw)
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return nil, core.Validationf("general memory content must be a string")
	}
	return memory.Text{Content: text}, nil
}

// ────────────────────────────────────────────────────────────────────────────
// search_<kind>_memory
// ────────────────────────────────────────────────────────────────────────────

// SearchResult is one search hit returned to the model.
type SearchResult struct {
	ID      string      `json:"id"`
	Kind    memory.Kind `json:"kind"`
	Content string      `json:"content"`
	Score   float64     `json:"score"`
}

// SearchMemoryTool searches memories of one kind. The general kind searches
// every kind.
func SearchMemoryTool(mgr *memory.Manager, kind memory.Kind) core.Tool {
	scope := fmt.Sprintf("%s memories", kind)
	if kind == memory.KindGeneral {
		scope = "all memories"
	}
	return New(fmt.Sprintf("search_%s_memory", kind)).
		Description(fmt.Sprintf("Semantic search over the user's %s. Results include ids for manage calls.", scope)).
		Schema(BuildSchemaWithThought(map[string]interface{}{
			"query": NonEmptyStringProperty("What to look for"),
			"limit": IntegerRangeProperty(fmt.Sprintf("Maximum results (default %d)", mgr.Config().RecallLimit), 1, MaxSearchLimit),
		}, "query")).
		Handler(func(ctx context.Context, params *core.ToolParams) (*core.ToolResult, error) {
			var in searchInput
			if err := json.Unmarshal(params.Input, &in); err != nil {
				return nil, core.Validationf("invalid input: %v", err)
			}
			hits, err := mgr.SearchRecords(ctx, params.RunContext, kind, in.Query, in.Limit)
			if err != nil {
				return nil, err
			}
			results := make([]SearchResult, len(hits))
			for i, h := range hits {
				results[i] = SearchResult{
					ID:      h.Record.ID,
					Kind:    h.Record.Namespace.Kind,
					Content: h.Record.Content,
					Score:   math.Round(float64(h.Score)*1000) / 1000,
				}
			}
			return core.Success(results), nil
		}).
		Build()
}

// payloadSchema is the JSON Schema of a kind's payload.
func payloadSchema(kind memory.Kind) map[string]interface{} {
	switch kind {
	case memory.KindEpisodic:
		return ObjectSchema(map[string]interface{}{
			"observation": NonEmptyStringProperty("The context: what happened"),
			"thoughts":    NonEmptyStringProperty("The reasoning that led to the action"),
			"action":      NonEmptyStringProperty("What was done, how and in what format"),
			"result":      NonEmptyStringProperty("The outcome, and what worked or could be improved"),
		}, "observation", "thoughts", "action", "result")
	case memory.KindSemantic:
		return ObjectSchema(map[string]interface{}{
			"subject":   NonEmptyStringProperty("The entity being described"),
			"predicate": NonEmptyStringProperty("The relationship or property"),
			"object":    NonEmptyStringProperty("The target of the relationship"),
			"context":   StringProperty("Optional clarification"),
		}, "subject", "predicate", "object")
	case memory.KindProcedural:
		return ObjectSchema(map[string]interface{}{
			"task":       NonEmptyStringProperty("The task this procedure applies to"),
			"steps":      minItems(ArrayProperty("Ordered steps", NonEmptyStringProperty("")), 1),
			"conditions": StringProperty("When to apply the procedure"),
			"outcome":    StringProperty("Expected result"),
		}, "task", "steps")
	default:
		return NonEmptyStringProperty("The memory text")
	}
}

func minItems(schema map[string]interface{}, n int) map[string]interface{} {
	schema["minItems"] = n
	return schema
}
