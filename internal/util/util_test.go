package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type searchArgs struct {
	Query string `json:"query" description:"search terms"`
	Limit int    `json:"limit,omitempty"`
	Mode  string `json:"mode,omitempty" enum:"fast,deep"`
}

func TestCreateSchema(t *testing.T) {
	s := CreateSchema(searchArgs{})

	assert.Equal(t, "object", s["type"])
	assert.Equal(t, []string{"query"}, s["required"])

	props := s["properties"].(map[string]any)
	assert.Equal(t, "integer", props["limit"].(map[string]any)["type"])
	assert.Equal(t, "search terms", props["query"].(map[string]any)["description"])
	assert.Equal(t, []string{"fast", "deep"}, props["mode"].(map[string]any)["enum"])
}

func TestValidateArguments(t *testing.T) {
	schema := CreateSchema(searchArgs{})

	require.NoError(t, ValidateArguments(map[string]any{"query": "go", "limit": float64(3)}, schema))

	err := ValidateArguments(map[string]any{"limit": 1}, schema)
	var ae *ArgumentError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "query", ae.Field)

	err = ValidateArguments(map[string]any{"query": "go", "limit": 1.5}, schema)
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "limit", ae.Field)

	err = ValidateArguments(map[string]any{"query": "go", "mode": "slow"}, schema)
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "mode", ae.Field)
}

func TestValidateArguments_DecodedRequiredList(t *testing.T) {
	schema := map[string]any{"type": "object", "required": []any{"id"}}
	assert.Error(t, ValidateArguments(map[string]any{}, schema))
	assert.NoError(t, ValidateArguments(map[string]any{"id": "x"}, schema))
	assert.NoError(t, ValidateArguments(map[string]any{"anything": 1}, nil))
}

func TestSubstituteVariables(t *testing.T) {
	out := SubstituteVariables(
		"Write about @variable:topic in a @variable:tone voice for @variable:missing.",
		map[string]any{"topic": "Go"},
		map[string]any{"tone": "calm"},
	)

	assert.Equal(t, "Write about Go in a calm voice for @variable:missing.", out)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "héll...", Truncate("héllo world", 4))
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "any", Truncate("any", 0))
}

func TestFormatVariables(t *testing.T) {
	assert.Equal(t, "a: 1\nb: x", FormatVariables(map[string]any{"b": "x", "a": 1}))
	assert.Empty(t, FormatVariables(nil))
}

func TestExtractJSON(t *testing.T) {
	got, ok := ExtractJSON("Sure!\n```json\n{\"decision\":\"loop\",\"note\":\"a } brace\"}\n```")
	require.True(t, ok)
	assert.Equal(t, `{"decision":"loop","note":"a } brace"}`, got)

	_, ok = ExtractJSON("no json here")
	assert.False(t, ok)
}
