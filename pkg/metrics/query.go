package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// RunUsage is the aggregated model usage the orchestrator exported for one run.
type RunUsage struct {
	RunID            string  `json:"run_id"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalCost        float64 `json:"total_cost_usd"`
}

// QueryService queries run spend from Prometheus.
type QueryService struct {
	queryAPI v1.API
	now      func() time.Time
}

// NewQueryService creates a new metrics query service.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}
	return newQueryService(v1.NewAPI(client)), nil
}

func newQueryService(queryAPI v1.API) *QueryService {
	return &QueryService{queryAPI: queryAPI, now: time.Now}
}

// RunSpend returns the total USD spend recorded for a run. ok is false when
// Prometheus has no series for the run.
func (q *QueryService) RunSpend(ctx context.Context, runID string) (float64, bool, error) {
	v, ok, err := q.scalar(ctx, fmt.Sprintf(`sum(llm_costs_total{run_id=%q})`, runID))
	if err != nil {
		return 0, false, fmt.Errorf("failed to query run cost: %w", err)
	}
	return v, ok, nil
}

// GetRunUsage retrieves aggregated token and cost metrics for a run.
func (q *QueryService) GetRunUsage(ctx context.Context, runID string) (*RunUsage, error) {
	usage := &RunUsage{RunID: runID}

	prompt, _, err := q.scalar(ctx, fmt.Sprintf(`sum(llm_tokens_total{run_id=%q, type="prompt"})`, runID))
	if err != nil {
		return nil, fmt.Errorf("failed to query prompt tokens: %w", err)
	}
	usage.PromptTokens = int64(prompt)

	completion, _, err := q.scalar(ctx, fmt.Sprintf(`sum(llm_tokens_total{run_id=%q, type="completion"})`, runID))
	if err != nil {
		return nil, fmt.Errorf("failed to query completion tokens: %w", err)
	}
	usage.CompletionTokens = int64(completion)

	usage.TotalCost, _, err = q.RunSpend(ctx, runID)
	if err != nil {
		return nil, err
	}
	return usage, nil
}

func (q *QueryService) scalar(ctx context.Context, query string) (float64, bool, error) {
	result, _, err := q.queryAPI.Query(ctx, query, q.now())
	if err != nil {
		return 0, false, err //nolint:wrapcheck // wrapped by callers
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return float64(vector[0].Value), true, nil
	}
	return 0, false, nil
}
