package replay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"learnops/pkg/curator"
	"learnops/pkg/llm"
	"learnops/pkg/logx"
	"learnops/pkg/policy"
)

// InputPlaceholder is replaced with the sample content when rendering a prompt.
const InputPlaceholder = "{{input}}"

// Prompt keys looked up in a policy's prompt map.
const (
	PromptSystem  = "system"
	PromptDefault = "default"
)

// Task is one sample executed under one seed.
type Task struct {
	Sample curator.Sample
	Seed   int64
}

// Output is what the executor produced for a task.
type Output struct {
	Text      string  `json:"text"`
	Model     string  `json:"model"`
	CostUSD   float64 `json:"cost_usd"`
	LatencyMS float64 `json:"latency_ms"`
	MaxTokens int     `json:"max_tokens"`
	Cached    bool    `json:"-"`
}

// Executor runs a policy against one task.
type Executor interface {
	Execute(ctx context.Context, p *policy.Record, task Task) (*Output, error)
}

// Completer is the model access the LLM executor needs. *llm.Pool satisfies it.
type Completer interface {
	Complete(ctx context.Context, model string, req llm.Request) (llm.Response, error)
	MaxTokens(model string) int
}

// LLMExecutor renders the policy prompt for a sample and calls the routed model.
type LLMExecutor struct {
	models       Completer
	defaultModel string
	logger       *logx.Logger
	now          func() time.Time
}

// NewLLMExecutor creates an executor. defaultModel is used when no router rule matches.
func NewLLMExecutor(models Completer, defaultModel string) *LLMExecutor {
	return &LLMExecutor{
		models:       models,
		defaultModel: defaultModel,
		logger:       logx.NewLogger("replay-executor"),
		now:          time.Now,
	}
}

// RenderPrompt returns the system and user prompts for a sample type.
// The user template is the prompt keyed by sample type, else "default", else the bare input.
func RenderPrompt(prompts map[string]string, sampleType, input string) (system, user string) {
	tmpl, ok := prompts[sampleType]
	if !ok {
		tmpl, ok = prompts[PromptDefault]
	}
	if !ok || tmpl == "" {
		tmpl = InputPlaceholder
	}
	if !strings.Contains(tmpl, InputPlaceholder) {
		tmpl += "\n\n" + InputPlaceholder
	}
	return prompts[PromptSystem], strings.ReplaceAll(tmpl, InputPlaceholder, input)
}

// Execute implements Executor. A failed call is retried once on the rule's fallback model.
func (e *LLMExecutor) Execute(ctx context.Context, p *policy.Record, task Task) (*Output, error) {
	model, fallback, ok := p.Route(task.Sample.Type)
	if !ok {
		model = e.defaultModel
	}
	if model == "" {
		return nil, fmt.Errorf("no model routed for task type %q", task.Sample.Type)
	}

	system, user := RenderPrompt(p.Prompts, task.Sample.Type, task.Sample.Content)
	req := llm.Request{
		System:      system,
		Prompt:      user,
		MaxTokens:   p.HParams.MaxTokens,
		Temperature: p.HParams.Temperature,
	}

	out, err := e.call(ctx, model, req)
	if err != nil && fallback != "" && ctx.Err() == nil {
		e.logger.Warn("model %s failed for sample %s, using fallback %s: %v", model, task.Sample.ArtifactID, fallback, err)
		out, err = e.call(ctx, fallback, req)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *LLMExecutor) call(ctx context.Context, model string, req llm.Request) (*Output, error) {
	start := e.now()
	resp, err := e.models.Complete(ctx, model, req)
	if err != nil {
		return nil, fmt.Errorf("model %s: %w", model, err)
	}
	if strings.TrimSpace(resp.Text) == "" {
		return nil, fmt.Errorf("model %s: %w", model, llm.ErrEmptyResponse)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 || maxTokens > e.models.MaxTokens(model) {
		maxTokens = e.models.MaxTokens(model)
	}
	return &Output{
		Text:      resp.Text,
		Model:     model,
		CostUSD:   resp.CostUSD,
		LatencyMS: float64(e.now().Sub(start).Milliseconds()),
		MaxTokens: maxTokens,
	}, nil
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, p *policy.Record, task Task) (*Output, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, p *policy.Record, task Task) (*Output, error) {
	return f(ctx, p, task)
}

var errNoExecutor = errors.New("replayer has no executor")
