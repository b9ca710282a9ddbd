package memory

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/Zenin797/SunoTherapist/core"
)

// OverFetch is the initial candidate multiplier used when a filter is
// applied after ranking.
const OverFetch = 4

// RecallScope selects how far recall reaches across threads.
type RecallScope string

const (
	// ScopeUser recalls memories from every thread of the user.
	ScopeUser RecallScope = "user"

	// ScopeThread recalls memories from the current thread only, plus
	// everything when the caller is on the default thread.
	ScopeThread RecallScope = "thread"
)

// ParseRecallScope validates a recall scope name.
func ParseRecallScope(s string) (RecallScope, error) {
	switch RecallScope(s) {
	case ScopeUser, ScopeThread:
		return RecallScope(s), nil
	case "":
		return ScopeUser, nil
	}
	return "", fmt.Errorf("unknown recall scope %q", s)
}

// ThreadFilter matches records of rc's user written in rc's thread. A
// caller on the default thread sees all of the user's threads.
func ThreadFilter(rc core.RunContext) Filter {
	thread := rc.Thread()
	return func(rec *Record) bool {
		if rec.Metadata[MetaUserID] != rc.UserID {
			return false
		}
		return thread == core.DefaultThreadID || rec.Metadata[MetaThreadID] == thread
	}
}

// And combines filters. Nil filters are skipped.
func And(filters ...Filter) Filter {
	var active []Filter
	for _, f := range filters {
		if f != nil {
			active = append(active, f)
		}
	}
	switch len(active) {
	case 0:
		return nil
	case 1:
		return active[0]
	}
	return func(rec *Record) bool {
		for _, f := range active {
			if !f(rec) {
				return false
			}
		}
		return true
	}
}

// CELFilter compiles a boolean CEL expression into a Filter. The expression
// sees `content` (string), `kind` (string) and `metadata` (map of strings),
// e.g. `metadata.thread_id == "t1" && content.contains("tea")`.
func CELFilter(expr string) (Filter, error) {
	env, err := cel.NewEnv(
		cel.Variable("content", cel.StringType),
		cel.Variable("kind", cel.StringType),
		cel.Variable("metadata", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, core.Validationf("compile filter: %v", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, core.Validationf("filter must evaluate to bool, got %s", ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("cel program: %w", err)
	}
	return func(rec *Record) bool {
		meta := rec.Metadata
		if meta == nil {
			meta = map[string]string{}
		}
		out, _, err := prg.Eval(map[string]interface{}{
			"content":  rec.Content,
			"kind":     string(rec.Namespace.Kind),
			"metadata": meta,
		})
		if err != nil {
			return false
		}
		b, ok := out.Value().(bool)
		return ok && b
	}, nil
}

// FetchFiltered runs a ranked fetch, filters the candidates, and doubles the
// fetch window until limit matches are found or the partition of size
// records is exhausted. fetch must return candidates sorted by descending
// score.
func FetchFiltered(limit, size int, filter Filter, fetch func(n int) ([]ScoredRecord, error)) ([]ScoredRecord, error) {
	if limit <= 0 || size <= 0 {
		return nil, nil
	}
	n := limit
	if filter != nil {
		n = limit * OverFetch
	}
	for {
		if n > size {
			n = size
		}
		candidates, err := fetch(n)
		if err != nil {
			return nil, err
		}
		out := applyFilter(candidates, filter, limit)
		if len(out) >= limit || n >= size || len(candidates) < n {
			return out, nil
		}
		n *= 2
	}
}

func applyFilter(hits []ScoredRecord, filter Filter, limit int) []ScoredRecord {
	out := make([]ScoredRecord, 0, limit)
	for _, h := range hits {
		if filter != nil && !filter(h.Record) {
			continue
		}
		out = append(out, h)
		if len(out) == limit {
			break
		}
	}
	return out
}
