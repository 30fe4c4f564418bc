package unifiedllm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
)

// OutputSpec describes a structured output: the JSON schema the model must
// follow and the conversion from validated JSON to T.
type OutputSpec[T any] struct {
	Name     string
	Schema   *jsonschema.Schema
	FromJSON func(raw json.RawMessage) (T, error)
}

// NewOutputSpec infers the schema from T and decodes with encoding/json.
func NewOutputSpec[T any](name string) (OutputSpec[T], error) {
	schema, err := jsonschema.For[T](nil)
	if err != nil {
		return OutputSpec[T]{}, fmt.Errorf("infer schema for %s: %w", name, err)
	}
	return OutputSpec[T]{
		Name:     name,
		Schema:   schema,
		FromJSON: unmarshalAs[T],
	}, nil
}

// OutputSpecFromSchema builds an OutputSpec from a raw JSON schema map. A nil
// fromJSON decodes with encoding/json.
func OutputSpecFromSchema[T any](name string, schema map[string]any, fromJSON func(json.RawMessage) (T, error)) (OutputSpec[T], error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return OutputSpec[T]{}, fmt.Errorf("encode schema for %s: %w", name, err)
	}
	var s jsonschema.Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return OutputSpec[T]{}, fmt.Errorf("decode schema for %s: %w", name, err)
	}
	if fromJSON == nil {
		fromJSON = unmarshalAs[T]
	}
	return OutputSpec[T]{Name: name, Schema: &s, FromJSON: fromJSON}, nil
}

func unmarshalAs[T any](raw json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(raw, &v)
	return v, err
}

// SchemaMap returns the schema as a generic JSON map, the form providers accept.
func (s OutputSpec[T]) SchemaMap() (map[string]any, error) {
	if s.Schema == nil {
		return nil, nil
	}
	raw, err := json.Marshal(s.Schema)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ResponseFormat returns the json_schema response format for this spec.
func (s OutputSpec[T]) ResponseFormat() (*ResponseFormat, error) {
	schema, err := s.SchemaMap()
	if err != nil {
		return nil, err
	}
	return &ResponseFormat{
		Type:       "json_schema",
		Name:       s.Name,
		JSONSchema: schema,
		Strict:     true,
	}, nil
}

// Decode parses text as JSON, validates it against the schema and converts
// it with FromJSON. Every failure is a *StructuredOutputParseError carrying text.
func (s OutputSpec[T]) Decode(text string) (T, error) {
	var zero T
	payload := stripCodeFence(text)

	var instance any
	if err := json.Unmarshal([]byte(payload), &instance); err != nil {
		return zero, &StructuredOutputParseError{RawText: text, Stage: "parse", Cause: err}
	}

	if s.Schema != nil {
		resolved, err := s.Schema.Resolve(nil)
		if err != nil {
			return zero, &StructuredOutputParseError{RawText: text, Stage: "validate", Cause: fmt.Errorf("resolve schema: %w", err)}
		}
		if err := resolved.Validate(instance); err != nil {
			return zero, &StructuredOutputParseError{RawText: text, Stage: "validate", Cause: err}
		}
	}

	fromJSON := s.FromJSON
	if fromJSON == nil {
		fromJSON = unmarshalAs[T]
	}
	v, err := fromJSON(json.RawMessage(payload))
	if err != nil {
		return zero, &StructuredOutputParseError{RawText: text, Stage: "convert", Cause: err}
	}
	return v, nil
}

// stripCodeFence removes a surrounding markdown code fence, which models add
// even when told not to.
func stripCodeFence(text string) string {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, "```") {
		return t
	}
	t = strings.TrimPrefix(t, "```")
	if nl := strings.IndexByte(t, '\n'); nl >= 0 {
		t = t[nl+1:]
	}
	t = strings.TrimSuffix(strings.TrimSpace(t), "```")
	return strings.TrimSpace(t)
}

// SchemaInstruction renders the system instruction used for providers
// without native structured output.
func SchemaInstruction(schema map[string]any) string {
	schemaJSON, _ := json.MarshalIndent(schema, "", "  ")
	return fmt.Sprintf(
		"You must respond with valid JSON matching this schema:\n```json\n%s\n```\nRespond ONLY with the JSON object, no other text.",
		string(schemaJSON),
	)
}

// WithObjectMode returns copies of messages and opts prepared for structured
// output: the response format is set and a schema instruction is prepended.
func WithObjectMode[T any](spec OutputSpec[T], messages []Message, opts *CallOptions) ([]Message, *CallOptions, error) {
	format, err := spec.ResponseFormat()
	if err != nil {
		return nil, nil, err
	}
	o := opts.Clone()
	o.ResponseFormat = format

	out := make([]Message, 0, len(messages)+1)
	out = append(out, SystemMessage(SchemaInstruction(format.JSONSchema)))
	out = append(out, messages...)
	return out, o, nil
}

// ObjectResponse pairs a decoded object with the response it came from.
type ObjectResponse[T any] struct {
	Object   T
	Response *Response
}

// GenerateObject performs a single structured-output call against model.
func GenerateObject[T any](ctx context.Context, model LanguageModel, spec OutputSpec[T], messages []Message, opts *CallOptions) (*ObjectResponse[T], error) {
	msgs, o, err := WithObjectMode(spec, messages, opts)
	if err != nil {
		return nil, err
	}
	resp, err := model.GenerateText(ctx, msgs, o)
	if err != nil {
		return nil, err
	}
	obj, err := spec.Decode(resp.Text())
	if err != nil {
		return nil, err
	}
	return &ObjectResponse[T]{Object: obj, Response: resp}, nil
}
