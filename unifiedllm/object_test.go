package unifiedllm

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type forecast struct {
	City string  `json:"city"`
	Temp float64 `json:"temp"`
}

func TestNewOutputSpecDecode(t *testing.T) {
	spec, err := NewOutputSpec[forecast]("forecast")
	require.NoError(t, err)

	got, err := spec.Decode(`{"city": "Paris", "temp": 21.5}`)
	require.NoError(t, err)
	assert.Equal(t, forecast{City: "Paris", Temp: 21.5}, got)
}

func TestOutputSpecDecodeStripsCodeFence(t *testing.T) {
	spec, err := NewOutputSpec[forecast]("forecast")
	require.NoError(t, err)

	got, err := spec.Decode("```json\n{\"city\": \"Oslo\", \"temp\": -3}\n```")
	require.NoError(t, err)
	assert.Equal(t, "Oslo", got.City)
}

func TestOutputSpecDecodeFailures(t *testing.T) {
	spec, err := NewOutputSpec[forecast]("forecast")
	require.NoError(t, err)

	tests := []struct {
		name  string
		text  string
		stage string
	}{
		{"not json", "The weather is nice.", "parse"},
		{"truncated", `{"city": "Paris"`, "parse"},
		{"missing field", `{"city": "Paris"}`, "validate"},
		{"wrong type", `{"city": "Paris", "temp": "warm"}`, "validate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := spec.Decode(tt.text)
			var parseErr *StructuredOutputParseError
			require.ErrorAs(t, err, &parseErr)
			assert.Equal(t, tt.stage, parseErr.Stage)
			assert.Equal(t, tt.text, parseErr.RawText)
		})
	}
}

func TestOutputSpecFromSchemaConvertFailure(t *testing.T) {
	boom := errors.New("negative")
	spec, err := OutputSpecFromSchema("count", map[string]any{
		"type":       "object",
		"properties": map[string]any{"n": map[string]any{"type": "integer"}},
		"required":   []any{"n"},
	}, func(raw json.RawMessage) (int, error) {
		var v struct{ N int }
		if err := json.Unmarshal(raw, &v); err != nil {
			return 0, err
		}
		if v.N < 0 {
			return 0, boom
		}
		return v.N, nil
	})
	require.NoError(t, err)

	n, err := spec.Decode(`{"n": 4}`)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	_, err = spec.Decode(`{"n": -1}`)
	var parseErr *StructuredOutputParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, "convert", parseErr.Stage)
	assert.ErrorIs(t, err, boom)
}

func TestOutputSpecResponseFormat(t *testing.T) {
	spec, err := NewOutputSpec[forecast]("forecast")
	require.NoError(t, err)

	rf, err := spec.ResponseFormat()
	require.NoError(t, err)
	assert.Equal(t, "json_schema", rf.Type)
	assert.Equal(t, "forecast", rf.Name)
	assert.True(t, rf.Strict)
	assert.Equal(t, "object", rf.JSONSchema["type"])
	assert.Contains(t, rf.JSONSchema["properties"], "city")
}

func TestGenerateObject(t *testing.T) {
	spec, err := NewOutputSpec[forecast]("forecast")
	require.NoError(t, err)

	mock := newMockAdapter("test", `{"city": "Lima", "temp": 18}`)
	res, err := GenerateObject(context.Background(), mock, spec, []Message{UserMessage("weather in Lima")}, nil)
	require.NoError(t, err)

	assert.Equal(t, forecast{City: "Lima", Temp: 18}, res.Object)
	assert.Equal(t, "test_resp", res.Response.ID)
	require.NotNil(t, mock.lastOpts)
	require.NotNil(t, mock.lastOpts.ResponseFormat)
	assert.Equal(t, "json_schema", mock.lastOpts.ResponseFormat.Type)
}

func TestGenerateObjectParseError(t *testing.T) {
	spec, err := NewOutputSpec[forecast]("forecast")
	require.NoError(t, err)

	mock := newMockAdapter("test", "sorry, no JSON today")
	_, err = GenerateObject(context.Background(), mock, spec, []Message{UserMessage("weather")}, nil)
	var parseErr *StructuredOutputParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, "sorry, no JSON today", parseErr.RawText)
}

func TestWithObjectModeDoesNotMutateInputs(t *testing.T) {
	spec, err := NewOutputSpec[forecast]("forecast")
	require.NoError(t, err)

	opts := &CallOptions{Model: "m"}
	msgs := []Message{UserMessage("hi")}
	out, o, err := WithObjectMode(spec, msgs, opts)
	require.NoError(t, err)

	assert.Nil(t, opts.ResponseFormat)
	assert.Len(t, msgs, 1)
	require.Len(t, out, 2)
	assert.Equal(t, RoleSystem, out[0].Role)
	assert.Equal(t, "m", o.Model)
}
