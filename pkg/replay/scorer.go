package replay

import (
	"context"
	"fmt"
	"strings"

	"learnops/pkg/crl"
	"learnops/pkg/curator"
	"learnops/pkg/tokens"
)

// TaskResult pairs a replayed sample with what the policy produced for it.
type TaskResult struct {
	Output *Output
	Sample curator.Sample
}

// Scorer turns the task results of one seed into CRL terms.
type Scorer interface {
	Score(ctx context.Context, results []TaskResult) (crl.Terms, error)
}

// HeuristicScorer derives terms from the sample labels and the outputs.
//
//	gate pass       output non-empty and within the max token budget
//	contradictions  share of samples labeled contradictory
//	grounding       mean of (output/input token overlap + label grounding) / 2
//	cost            seed overspend / budget
//	latency         p95 task latency / latency cap
//	security        PII matches found in outputs
//	rag coverage    grounding
//
// API breakage and migration failure cannot be observed offline and stay 0.
type HeuristicScorer struct {
	counter      *tokens.Counter
	redactor     *curator.Redactor
	budgetUSD    float64
	latencyCapMS float64
}

// NewHeuristicScorer creates a scorer. redactor detects leaked PII; nil uses the built-in patterns.
func NewHeuristicScorer(redactor *curator.Redactor, budgetUSD, latencyCapMS float64) (*HeuristicScorer, error) {
	if redactor == nil {
		var err error
		if redactor, err = curator.NewRedactor(""); err != nil {
			return nil, err
		}
	}
	if budgetUSD <= 0 || latencyCapMS <= 0 {
		return nil, fmt.Errorf("budget and latency cap must be positive (got %v, %v)", budgetUSD, latencyCapMS)
	}
	return &HeuristicScorer{
		counter:      tokens.Default(),
		redactor:     redactor,
		budgetUSD:    budgetUSD,
		latencyCapMS: latencyCapMS,
	}, nil
}

// Score implements Scorer. No results scores as a run where every gate failed.
func (s *HeuristicScorer) Score(ctx context.Context, results []TaskResult) (crl.Terms, error) {
	if len(results) == 0 {
		return crl.Terms{}, nil
	}

	var (
		passed, contradictions, grounding, spend, leaks float64
		latencies                                      = make([]float64, 0, len(results))
	)
	for i := range results {
		r := &results[i]
		text := r.Output.Text
		if strings.TrimSpace(text) != "" && (r.Output.MaxTokens <= 0 || s.counter.Count(text) <= r.Output.MaxTokens) {
			passed++
		}
		if r.Sample.Labels.Contradiction {
			contradictions++
		}
		overlap := s.counter.Overlap(text, r.Sample.Content)
		grounding += (overlap + r.Sample.Labels.Grounding) / 2
		spend += r.Output.CostUSD
		latencies = append(latencies, r.Output.LatencyMS)

		_, n, err := s.redactor.Redact(ctx, text)
		if err != nil {
			return crl.Terms{}, fmt.Errorf("scan output for sample %s: %w", r.Sample.ArtifactID, err)
		}
		leaks += float64(n)
	}

	n := float64(len(results))
	meanGrounding := grounding / n
	return crl.Terms{
		GatePass:          passed / n,
		Contradictions:    contradictions / n,
		Grounding:         meanGrounding,
		CostOverBudgetPct: crl.CostOverBudget(spend, s.budgetUSD),
		LatencyP95Norm:    crl.Clamp01(crl.Percentile(latencies, 0.95) / s.latencyCapMS),
		SecurityCriticals: leaks,
		RAGCoverage:       meanGrounding,
	}, nil
}
