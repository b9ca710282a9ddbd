package memory

import (
	"encoding/json"
	"strings"

	"github.com/Zenin797/SunoTherapist/core"
)

// Payload is the structured content of a memory before serialization.
// Concrete types: Episode, Triple, Procedure, Text.
type Payload interface {
	// Kind is the kind the payload naturally belongs to.
	Kind() Kind

	// Validate rejects payloads with missing required fields.
	Validate() error

	// Serialize renders the payload as the record content. Field order is
	// fixed so the same payload always embeds the same way.
	Serialize() string

	// Fields returns the structured fields flattened for metadata.
	Fields() map[string]string
}

// Episode captures one experience: what was seen, thought, done and what
// came of it.
type Episode struct {
	Observation string `json:"observation"`
	Thoughts    string `json:"thoughts"`
	Action      string `json:"action"`
	Result      string `json:"result"`
}

func (e Episode) Kind() Kind { return KindEpisodic }

func (e Episode) Validate() error {
	return requireFields(map[string]string{
		"observation": e.Observation,
		"thoughts":    e.Thoughts,
		"action":      e.Action,
		"result":      e.Result,
	}, "observation", "thoughts", "action", "result")
}

func (e Episode) Serialize() string {
	return joinFields(e.Observation, e.Thoughts, e.Action, e.Result)
}

func (e Episode) Fields() map[string]string {
	return map[string]string{
		"observation": strings.TrimSpace(e.Observation),
		"thoughts":    strings.TrimSpace(e.Thoughts),
		"action":      strings.TrimSpace(e.Action),
		"result":      strings.TrimSpace(e.Result),
	}
}

// Triple is a semantic fact, e.g. (user, likes, tea).
type Triple struct {
	Subject   string `json:"subject"`
	Predicate string `json:"predicate"`
	Object    string `json:"object"`
	Context   string `json:"context,omitempty"`
}

func (t Triple) Kind() Kind { return KindSemantic }

func (t Triple) Validate() error {
	return requireFields(map[string]string{
		"subject":   t.Subject,
		"predicate": t.Predicate,
		"object":    t.Object,
	}, "subject", "predicate", "object")
}

func (t Triple) Serialize() string {
	return joinFields(t.Subject, t.Predicate, t.Object, t.Context)
}

func (t Triple) Fields() map[string]string {
	f := map[string]string{
		"subject":   strings.TrimSpace(t.Subject),
		"predicate": strings.TrimSpace(t.Predicate),
		"object":    strings.TrimSpace(t.Object),
	}
	if c := strings.TrimSpace(t.Context); c != "" {
		f["context"] = c
	}
	return f
}

// Procedure records how a task is carried out.
type Procedure struct {
	Task       string   `json:"task"`
	Steps      []string `json:"steps"`
	Conditions string   `json:"conditions,omitempty"`
	Outcome    string   `json:"outcome,omitempty"`
}

func (p Procedure) Kind() Kind { return KindProcedural }

func (p Procedure) Validate() error {
	if err := requireFields(map[string]string{"task": p.Task}, "task"); err != nil {
		return err
	}
	if len(p.Steps) == 0 {
		return core.Validationf("procedure requires at least one step")
	}
	for i, s := range p.Steps {
		if strings.TrimSpace(s) == "" {
			return core.Validationf("procedure step %d is empty", i+1)
		}
	}
	return nil
}

func (p Procedure) Serialize() string {
	parts := []string{p.Task}
	parts = append(parts, p.Steps...)
	parts = append(parts, p.Conditions, p.Outcome)
	return joinFields(parts...)
}

func (p Procedure) Fields() map[string]string {
	steps := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		steps[i] = strings.TrimSpace(s)
	}
	raw, _ := json.Marshal(steps)
	f := map[string]string{
		"task":  strings.TrimSpace(p.Task),
		"steps": string(raw),
	}
	if c := strings.TrimSpace(p.Conditions); c != "" {
		f["conditions"] = c
	}
	if o := strings.TrimSpace(p.Outcome); o != "" {
		f["outcome"] = o
	}
	return f
}

// Text is free-form memory content.
type Text struct {
	Content string `json:"content"`
}

func (t Text) Kind() Kind { return KindGeneral }

func (t Text) Validate() error {
	return requireFields(map[string]string{"content": t.Content}, "content")
}

func (t Text) Serialize() string { return strings.TrimSpace(t.Content) }

func (t Text) Fields() map[string]string { return nil }

// checkPayloadKind enforces that structured payloads are saved under their
// own kind. Text fits any kind.
func checkPayloadKind(kind Kind, p Payload) error {
	if p == nil {
		return core.Validationf("payload is required")
	}
	if _, ok := p.(Text); ok {
		return nil
	}
	if p.Kind() != kind {
		return core.Validationf("%s payload cannot be stored as %s memory", p.Kind(), kind)
	}
	return nil
}

// DecodePayload parses a JSON payload for the given kind. General memories
// take free text.
func DecodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch kind {
	case KindEpisodic:
		var e Episode
		err = json.Unmarshal(raw, &e)
		p = e
	case KindSemantic:
		var t Triple
		err = json.Unmarshal(raw, &t)
		p = t
	case KindProcedural:
		var pr Procedure
		err = json.Unmarshal(raw, &pr)
		p = pr
	case KindGeneral:
		var t Text
		err = json.Unmarshal(raw, &t)
		p = t
	default:
		return nil, core.Validationf("unknown memory kind %q", kind)
	}
	if err != nil {
		return nil, core.Validationf("decode %s payload: %v", kind, err)
	}
	return p, nil
}

func requireFields(values map[string]string, order ...string) error {
	var missing []string
	for _, name := range order {
		if strings.TrimSpace(values[name]) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return core.Validationf("missing required field(s): %s", strings.Join(missing, ", "))
	}
	return nil
}

func joinFields(fields ...string) string {
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			parts = append(parts, f)
		}
	}
	return strings.Join(parts, " ")
}
