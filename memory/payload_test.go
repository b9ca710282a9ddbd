package memory

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zenin797/SunoTherapist/core"
)

func TestPayload_Serialize(t *testing.T) {
	tests := []struct {
		name    string
		payload Payload
		want    string
	}{
		{"triple", Triple{Subject: "user", Predicate: "likes", Object: "tea"}, "user likes tea"},
		{"triple with context", Triple{Subject: "user", Predicate: "likes", Object: "tea", Context: "in the morning"}, "user likes tea in the morning"},
		{"episode", Episode{Observation: "asked for help", Thoughts: "needs a plan", Action: "wrote one", Result: "it worked"}, "asked for help needs a plan wrote one it worked"},
		{"procedure", Procedure{Task: "brew", Steps: []string{"boil", "steep"}, Outcome: "tea"}, "brew boil steep tea"},
		{"text is trimmed", Text{Content: "  hello world \n"}, "hello world"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, tt.payload.Validate())
			assert.Equal(t, tt.want, tt.payload.Serialize())
		})
	}
}

func TestPayload_Validate(t *testing.T) {
	tests := []struct {
		name    string
		payload Payload
	}{
		{"triple missing object", Triple{Subject: "user", Predicate: "likes"}},
		{"triple blank subject", Triple{Subject: "  ", Predicate: "likes", Object: "tea"}},
		{"episode missing result", Episode{Observation: "o", Thoughts: "t", Action: "a"}},
		{"procedure without steps", Procedure{Task: "brew"}},
		{"procedure with blank step", Procedure{Task: "brew", Steps: []string{"boil", " "}}},
		{"procedure missing task", Procedure{Steps: []string{"boil"}}},
		{"empty text", Text{Content: "\t"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.payload.Validate(), core.ErrValidation)
		})
	}
}

func TestPayload_Fields(t *testing.T) {
	assert.Equal(t, map[string]string{"subject": "user", "predicate": "likes", "object": "tea"},
		Triple{Subject: "user", Predicate: "likes", Object: "tea"}.Fields())

	f := Procedure{Task: "brew", Steps: []string{"boil", "steep"}, Conditions: "kettle"}.Fields()
	assert.Equal(t, `["boil","steep"]`, f["steps"])
	assert.Equal(t, "kettle", f["conditions"])
	_, hasOutcome := f["outcome"]
	assert.False(t, hasOutcome)
}

func TestDecodePayload(t *testing.T) {
	p, err := DecodePayload(KindSemantic, json.RawMessage(`{"subject":"user","predicate":"likes","object":"tea","thought":"ignored"}`))
	require.NoError(t, err)
	assert.Equal(t, Triple{Subject: "user", Predicate: "likes", Object: "tea"}, p)

	p, err = DecodePayload(KindProcedural, json.RawMessage(`{"task":"brew","steps":["boil"]}`))
	require.NoError(t, err)
	assert.Equal(t, KindProcedural, p.Kind())

	p, err = DecodePayload(KindGeneral, json.RawMessage(`{"content":"note"}`))
	require.NoError(t, err)
	assert.Equal(t, Text{Content: "note"}, p)

	_, err = DecodePayload(KindEpisodic, json.RawMessage(`{"observation": 3}`))
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = DecodePayload(Kind("x"), json.RawMessage(`{}`))
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestCheckPayloadKind(t *testing.T) {
	assert.NoError(t, checkPayloadKind(KindEpisodic, Text{Content: "x"}))
	assert.NoError(t, checkPayloadKind(KindSemantic, Triple{}))
	assert.ErrorIs(t, checkPayloadKind(KindGeneral, Triple{}), core.ErrValidation)
	assert.ErrorIs(t, checkPayloadKind(KindGeneral, nil), core.ErrValidation)
}
