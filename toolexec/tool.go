// Package toolexec executes model-issued tool calls against registered tools.
//
// A Coordinator runs the calls of one step either sequentially or all at once,
// retries unexpected failures up to a per-call budget, and returns one Record
// per call in the order the model issued them. Failures raised by a tool are
// converted into a typed Outcome at this boundary.
package toolexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/martinemde/toolloop/unifiedllm"
)

// ExecutableTool is a tool the model can call.
type ExecutableTool interface {
	// Definition describes the tool to the model.
	Definition() unifiedllm.ToolDefinition

	// Execute runs the tool. The returned value is encoded as JSON and fed
	// back to the model. Returning a *ToolError (see Fail) declares a
	// deliberate failure, which is never retried; any other error is
	// unexpected and may be retried.
	Execute(ctx context.Context, args json.RawMessage) (any, error)
}

// ToolError is a failure declared by the tool itself.
type ToolError struct {
	Message string
	Cause   error
}

func (e *ToolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ToolError) Unwrap() error {
	return e.Cause
}

// Fail returns a declared tool failure.
func Fail(format string, args ...any) error {
	return &ToolError{Message: fmt.Sprintf(format, args...)}
}

// IsDeclared reports whether err is (or wraps) a declared tool failure.
func IsDeclared(err error) bool {
	var te *ToolError
	return errors.As(err, &te)
}

// FunctionTool adapts a function to ExecutableTool.
type FunctionTool struct {
	def unifiedllm.ToolDefinition
	fn  func(ctx context.Context, args json.RawMessage) (any, error)
}

// NewFunctionTool creates a tool from raw JSON arguments. parameters is the
// JSON schema advertised to the model; it is not enforced.
func NewFunctionTool(name, description string, parameters map[string]any, fn func(ctx context.Context, args json.RawMessage) (any, error)) *FunctionTool {
	if parameters == nil {
		parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return &FunctionTool{
		def: unifiedllm.ToolDefinition{Name: name, Description: description, Parameters: parameters},
		fn:  fn,
	}
}

// NewTypedTool creates a tool whose arguments decode into A. The parameter
// schema is inferred from A, and arguments that do not validate against it
// are reported as a declared failure without calling fn.
func NewTypedTool[A any](name, description string, fn func(ctx context.Context, args A) (any, error)) (*FunctionTool, error) {
	schema, err := jsonschema.For[A](nil)
	if err != nil {
		return nil, fmt.Errorf("infer schema for tool %s: %w", name, err)
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolve schema for tool %s: %w", name, err)
	}
	params, err := schemaMap(schema)
	if err != nil {
		return nil, fmt.Errorf("encode schema for tool %s: %w", name, err)
	}

	return NewFunctionTool(name, description, params, func(ctx context.Context, raw json.RawMessage) (any, error) {
		raw = normalizeArgs(raw)

		var instance any
		if err := json.Unmarshal(raw, &instance); err != nil {
			return nil, &ToolError{Message: "arguments are not valid JSON", Cause: err}
		}
		if err := resolved.Validate(instance); err != nil {
			return nil, &ToolError{Message: "arguments do not match schema", Cause: err}
		}
		var args A
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, &ToolError{Message: "arguments could not be decoded", Cause: err}
		}
		return fn(ctx, args)
	}), nil
}

// Definition implements ExecutableTool.
func (t *FunctionTool) Definition() unifiedllm.ToolDefinition { return t.def }

// Execute implements ExecutableTool.
func (t *FunctionTool) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	return t.fn(ctx, args)
}

func normalizeArgs(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return json.RawMessage(`{}`)
	}
	return raw
}

func schemaMap(s *jsonschema.Schema) (map[string]any, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// encodeResult turns a tool's return value into the JSON fed back to the
// model.
func encodeResult(v any) (json.RawMessage, error) {
	switch r := v.(type) {
	case nil:
		return json.RawMessage(`null`), nil
	case json.RawMessage:
		if !json.Valid(r) {
			return nil, errors.New("tool returned invalid JSON")
		}
		return r, nil
	case []byte:
		return json.Marshal(string(r))
	default:
		return json.Marshal(v)
	}
}
