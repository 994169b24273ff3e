package ai

import (
	"strings"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compiledSchema(t *testing.T) *jsonschema.Schema {
	t.Helper()
	compiler := jsonschema.NewCompiler()
	require.NoError(t, compiler.AddResource("verdict.json", strings.NewReader(verdictSchemaJSON)))
	schema, err := compiler.Compile("verdict.json")
	require.NoError(t, err)
	return schema
}

func TestParseVerdictPlainJSON(t *testing.T) {
	v, err := ParseVerdict(`{"status":"INVALID","confidence":0.92,"reasoning":"颈线已被收复"}`, compiledSchema(t))
	require.NoError(t, err)
	assert.Equal(t, VerdictInvalid, v.Status)
	assert.InDelta(t, 0.92, v.Confidence, 1e-9)
	assert.True(t, v.IsInvalid())
}

func TestParseVerdictCodeFence(t *testing.T) {
	raw := "以下是我的判断:\n```json\n{\"status\": \"VALID\", \"confidence\": 0.7, \"reasoning\": \"structure intact\"}\n```"
	v, err := ParseVerdict(raw, compiledSchema(t))
	require.NoError(t, err)
	assert.Equal(t, VerdictValid, v.Status)
	assert.False(t, v.IsInvalid())
}

func TestParseVerdictNestedBraces(t *testing.T) {
	raw := `{"status":"VALID","confidence":0.6,"reasoning":"price holds {range}"}`
	v, err := ParseVerdict(raw, nil)
	require.NoError(t, err)
	assert.Equal(t, "price holds {range}", v.Reasoning)
}

func TestParseVerdictRejectsUnknownStatus(t *testing.T) {
	_, err := ParseVerdict(`{"status":"MAYBE","confidence":0.5,"reasoning":"?"}`, nil)
	assert.Error(t, err)
}

func TestParseVerdictRejectsSchemaViolation(t *testing.T) {
	_, err := ParseVerdict(`{"status":"VALID","confidence":1.7,"reasoning":"x"}`, compiledSchema(t))
	assert.Error(t, err)
}

func TestParseVerdictNoJSON(t *testing.T) {
	_, err := ParseVerdict("对不起，我无法判断。", nil)
	assert.Error(t, err)
}
