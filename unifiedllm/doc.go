// Package unifiedllm defines the provider-agnostic model interface used by the
// agent loop: conversation messages, tool definitions and calls, responses,
// streaming events, structured output, and the error taxonomy.
//
// # Models
//
// A LanguageModel performs one model call, either blocking (GenerateText) or
// streaming (StreamText). Provider adapters in the providers/ subpackages
// implement it for OpenAI, Anthropic and gollm. A Client routes calls to a
// registered adapter by name and applies Middleware around them:
//
//	client := unifiedllm.NewClient(
//	    unifiedllm.WithProvider("openai", openai.New(openai.WithAPIKey(key))),
//	    unifiedllm.WithMiddleware(unifiedllm.RetryMiddleware(unifiedllm.DefaultRetryPolicy())),
//	)
//	resp, err := client.GenerateText(ctx, []unifiedllm.Message{unifiedllm.UserMessage("Hello")}, nil)
//
// There is no package-level default client; callers construct and inject one.
//
// # Streaming
//
// StreamText returns a channel of StreamEvent values. StreamEvent is a closed
// set: TextChunk, ThinkingChunk, ToolCallChunk, Completion and StreamError.
// A well-formed stream ends with exactly one Completion or StreamError.
//
// # Structured output
//
// OutputSpec pairs a JSON schema with a conversion to a Go type. NewOutputSpec
// infers the schema from the type parameter:
//
//	spec, _ := unifiedllm.NewOutputSpec[Forecast]("forecast")
//	res, err := unifiedllm.GenerateObject(ctx, client, spec, messages, nil)
//
// Decoding failures are reported as *StructuredOutputParseError and carry the
// raw model text.
package unifiedllm
