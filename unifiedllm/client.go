package unifiedllm

import (
	"context"
	"fmt"
	"sync"
)

// GenerateFunc is the downstream handler for a blocking call.
type GenerateFunc func(ctx context.Context, messages []Message, opts *CallOptions) (*Response, error)

// StreamFunc is the downstream handler for a streaming call.
type StreamFunc func(ctx context.Context, messages []Message, opts *CallOptions) (<-chan StreamEvent, error)

// Middleware wraps provider calls. Either hook may be nil, in which case the
// call passes through untouched.
type Middleware struct {
	Generate func(ctx context.Context, messages []Message, opts *CallOptions, next GenerateFunc) (*Response, error)
	Stream   func(ctx context.Context, messages []Message, opts *CallOptions, next StreamFunc) (<-chan StreamEvent, error)
}

// Client routes calls to registered provider adapters and applies middleware.
// It implements LanguageModel, so an agent can be pointed at a Client instead
// of a single adapter.
type Client struct {
	providers       map[string]ProviderAdapter
	defaultProvider string
	middleware      []Middleware
	mu              sync.RWMutex
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithProvider registers a provider adapter under name.
func WithProvider(name string, adapter ProviderAdapter) ClientOption {
	return func(c *Client) {
		c.providers[name] = adapter
	}
}

// WithDefaultProvider sets the default provider name.
func WithDefaultProvider(name string) ClientOption {
	return func(c *Client) {
		c.defaultProvider = name
	}
}

// WithMiddleware adds middleware to the client. The first registered
// middleware runs outermost.
func WithMiddleware(mw ...Middleware) ClientOption {
	return func(c *Client) {
		c.middleware = append(c.middleware, mw...)
	}
}

// NewClient creates a new Client with the given options.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		providers: make(map[string]ProviderAdapter),
	}
	for _, opt := range opts {
		opt(c)
	}
	// If no default and exactly one provider, use it.
	if c.defaultProvider == "" && len(c.providers) == 1 {
		for name := range c.providers {
			c.defaultProvider = name
		}
	}
	return c
}

// RegisterProvider adds a provider adapter to the client.
func (c *Client) RegisterProvider(name string, adapter ProviderAdapter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers[name] = adapter
	if c.defaultProvider == "" {
		c.defaultProvider = name
	}
}

// resolveProvider determines which provider adapter to use for a call.
func (c *Client) resolveProvider(opts *CallOptions) (ProviderAdapter, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	name := ""
	if opts != nil {
		name = opts.Provider
	}
	if name == "" {
		name = c.defaultProvider
	}
	if name == "" {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: "no provider specified and no default provider configured",
		}}
	}

	adapter, ok := c.providers[name]
	if !ok {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: fmt.Sprintf("provider %q is not registered", name),
		}}
	}
	return adapter, nil
}

// GenerateText sends a blocking call through middleware to the resolved provider.
func (c *Client) GenerateText(ctx context.Context, messages []Message, opts *CallOptions) (*Response, error) {
	adapter, err := c.resolveProvider(opts)
	if err != nil {
		return nil, err
	}

	handler := GenerateFunc(adapter.GenerateText)

	// Apply middleware in reverse order so first registered runs first.
	for i := len(c.middleware) - 1; i >= 0; i-- {
		mw := c.middleware[i].Generate
		if mw == nil {
			continue
		}
		next := handler
		handler = func(ctx context.Context, m []Message, o *CallOptions) (*Response, error) {
			return mw(ctx, m, o, next)
		}
	}

	return handler(ctx, messages, opts)
}

// StreamText sends a streaming call through middleware to the resolved provider.
func (c *Client) StreamText(ctx context.Context, messages []Message, opts *CallOptions) (<-chan StreamEvent, error) {
	adapter, err := c.resolveProvider(opts)
	if err != nil {
		return nil, err
	}

	handler := StreamFunc(adapter.StreamText)

	for i := len(c.middleware) - 1; i >= 0; i-- {
		mw := c.middleware[i].Stream
		if mw == nil {
			continue
		}
		next := handler
		handler = func(ctx context.Context, m []Message, o *CallOptions) (<-chan StreamEvent, error) {
			return mw(ctx, m, o, next)
		}
	}

	return handler(ctx, messages, opts)
}

// Close releases resources held by all registered providers.
func (c *Client) Close() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var firstErr error
	for _, adapter := range c.providers {
		if closer, ok := adapter.(Closer); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
