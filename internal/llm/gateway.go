package llm

import (
	"context"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	atlaserrors "atlas/internal/errors"
	"atlas/internal/logging"
)

// Gateway resolves (provider, model, key) triples to cached clients so each
// provider's HTTP connection pool is reused across runs.
type Gateway struct {
	cache   *lru.Cache[string, Client]
	logger  logging.Logger
	factory func(provider, model string, cfg ProviderConfig) (Client, error)
}

// NewGateway constructs a gateway with an LRU-bounded client cache.
func NewGateway() *Gateway {
	cache, _ := lru.New[string, Client](32)
	return &Gateway{
		cache:   cache,
		logger:  logging.NewComponentLogger("llm-gateway"),
		factory: defaultFactory,
	}
}

func defaultFactory(provider, model string, cfg ProviderConfig) (Client, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "anthropic":
		return NewAnthropicClient(model, cfg), nil
	case "openai":
		return NewOpenAIClient(model, cfg), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", provider)
	}
}

// Client returns a cached provider adapter, constructing it on first use.
func (g *Gateway) Client(provider, model string, cfg ProviderConfig) (Client, error) {
	key := provider + "|" + model + "|" + cfg.APIKey + "|" + cfg.BaseURL
	if client, ok := g.cache.Get(key); ok {
		return client, nil
	}
	client, err := g.factory(provider, model, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.MaxRetries != 0 {
		client = WithRetry(client, cfg.MaxRetries)
	}
	g.cache.Add(key, client)
	return client, nil
}

// retryClient retries Complete on transient upstream errors. Stream is only
// retried when no event reached the caller yet; once partial content flowed,
// the error surfaces as-is.
type retryClient struct {
	base       Client
	maxRetries int
	logger     logging.Logger
}

// WithRetry wraps client with transient-error retry.
func WithRetry(client Client, maxRetries int) Client {
	if maxRetries <= 0 {
		maxRetries = 2
	}
	return &retryClient{
		base:       client,
		maxRetries: maxRetries,
		logger:     logging.NewComponentLogger("llm-retry"),
	}
}

func (c *retryClient) Model() string { return c.base.Model() }

func (c *retryClient) Complete(ctx context.Context, req Request) (*Response, error) {
	cfg := atlaserrors.DefaultRetryConfig()
	cfg.MaxAttempts = c.maxRetries
	return atlaserrors.RetryWithResultAndLog(ctx, cfg, func(ctx context.Context) (*Response, error) {
		return c.base.Complete(ctx, req)
	}, c.logger)
}

func (c *retryClient) Stream(ctx context.Context, req Request, cancel *CancelEvent, emit EmitFunc) (*Response, error) {
	var delivered bool
	wrapped := func(ev StreamEvent) error {
		delivered = true
		if emit == nil {
			return nil
		}
		return emit(ev)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		resp, err := c.base.Stream(ctx, req, cancel, wrapped)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if delivered || !atlaserrors.IsTransient(err) || cancel.IsSet() {
			return nil, err
		}
		c.logger.Debug("stream attempt %d failed: %v", attempt+1, err)
	}
	return nil, fmt.Errorf("stream retries exhausted: %w", lastErr)
}
