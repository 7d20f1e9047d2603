package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"learnops/pkg/config"
	"learnops/pkg/logx"
	"learnops/pkg/metrics"
	"learnops/pkg/tokens"
)

// Factory creates the provider client for a model.
type Factory func(provider, credential, model string) (Client, error)

// DefaultFactory maps provider names to SDK-backed clients.
func DefaultFactory(provider, credential, model string) (Client, error) {
	switch provider {
	case config.ProviderAnthropic:
		return NewAnthropicClient(credential, model), nil
	case config.ProviderOpenAI:
		return NewOpenAIClient(credential, model), nil
	case config.ProviderOllama:
		return NewOllamaClient(credential, model), nil
	case config.ProviderGoogle:
		return NewGeminiClient(credential, model), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}
}

type pooledClient struct {
	client  Client
	limiter *rate.Limiter
}

// Pool hands out one rate-limited client per model, created on first use.
type Pool struct {
	cfg      *config.Config
	factory  Factory
	counter  *tokens.Counter
	recorder metrics.Recorder
	logger   *logx.Logger
	clients  map[string]*pooledClient
	mu       sync.Mutex
}

// NewPool creates a pool. A nil recorder disables metrics.
func NewPool(cfg *config.Config, recorder metrics.Recorder) *Pool {
	if recorder == nil {
		recorder = metrics.Nop()
	}
	return &Pool{
		cfg:      cfg,
		factory:  DefaultFactory,
		counter:  tokens.Default(),
		recorder: recorder,
		logger:   logx.NewLogger("llm"),
		clients:  make(map[string]*pooledClient),
	}
}

// SetFactory replaces the client factory. Clients already created are kept.
func (p *Pool) SetFactory(f Factory) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.factory = f
}

// Register installs a client for its model, replacing any existing one.
func (p *Pool) Register(c Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clients[c.Model()] = &pooledClient{client: c, limiter: p.limiterFor(c.Model())}
}

func (p *Pool) limiterFor(model string) *rate.Limiter {
	rpm := 0
	if mc, ok := p.cfg.Models[model]; ok {
		rpm = mc.RequestsPerMinute
	}
	if rpm <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1)
}

func (p *Pool) get(model string) (*pooledClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pc, ok := p.clients[model]; ok {
		return pc, nil
	}

	provider, err := p.cfg.ModelProvider(model)
	if err != nil {
		return nil, err
	}
	credential, err := config.GetAPIKey(provider)
	if err != nil {
		return nil, err
	}
	client, err := p.factory(provider, credential, model)
	if err != nil {
		return nil, err
	}
	pc := &pooledClient{client: client, limiter: p.limiterFor(model)}
	p.clients[model] = pc
	p.logger.Debug("created %s client for model %s", provider, model)
	return pc, nil
}

// MaxTokens returns the output token ceiling for model: configured value, then known model, then 4096.
func (p *Pool) MaxTokens(model string) int {
	if mc, ok := p.cfg.Models[model]; ok && mc.MaxOutputTokens > 0 {
		return mc.MaxOutputTokens
	}
	if info, ok := config.KnownModels[model]; ok && info.MaxOutputTokens > 0 {
		return info.MaxOutputTokens
	}
	return 4096
}

// Complete waits for the model's rate limiter, calls the model, and fills in estimated tokens and cost.
func (p *Pool) Complete(ctx context.Context, model string, req Request) (Response, error) {
	pc, err := p.get(model)
	if err != nil {
		return Response{}, fmt.Errorf("no client for model %s: %w", model, err)
	}
	if err := pc.limiter.Wait(ctx); err != nil {
		return Response{}, fmt.Errorf("rate limit wait for %s: %w", model, err)
	}
	if req.MaxTokens <= 0 || req.MaxTokens > p.MaxTokens(model) {
		req.MaxTokens = p.MaxTokens(model)
	}

	start := time.Now()
	resp, err := pc.client.Complete(ctx, req)
	elapsed := time.Since(start)
	if err != nil {
		p.recorder.ObserveModelCall(model, "error", 0, elapsed)
		return Response{}, err
	}

	resp.Model = model
	resp.PromptTokens = p.counter.Count(req.System) + p.counter.Count(req.Prompt)
	resp.CompletionTokens = p.counter.Count(resp.Text)
	resp.CostUSD = p.cfg.CalculateCost(model, resp.PromptTokens, resp.CompletionTokens)
	p.recorder.ObserveModelCall(model, "success", resp.CostUSD, elapsed)
	return resp, nil
}
