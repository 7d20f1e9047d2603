package replay

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"learnops/pkg/crl"
	"learnops/pkg/curator"
	"learnops/pkg/llm"
	"learnops/pkg/opserrors"
	"learnops/pkg/persistence"
	"learnops/pkg/policy"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
		goleak.IgnoreAnyFunction("github.com/dgraph-io/ristretto/v2/z.(*AllocatorPool).freeupAllocators"),
	)
}

type fixture struct {
	db        *persistence.Store
	curator   *curator.Curator
	policies  *policy.Store
	policyID  string
	datasetID string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := persistence.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cur, err := curator.New(db, nil, nil)
	require.NoError(t, err)
	report, err := cur.ProcessBundle(ctx, &curator.Bundle{
		RunID: "run-1",
		Doer:  "planner",
		Phase: "spec",
		Artifacts: []curator.Artifact{
			{ID: "a1", Type: "spec", Content: "Orders service stores order rows in Postgres.",
				Validation: &curator.Validation{Grounding: 0.9}},
			{ID: "a2", Type: "spec", Content: "Billing emits invoice events to a queue.",
				Validation: &curator.Validation{Grounding: 0.6, Contradiction: true}},
			{ID: "a3", Type: "architecture", Content: "Gateway fronts the orders and billing services.",
				Validation: &curator.Validation{Grounding: 0.8}},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 3, report.Kept)

	policies := policy.NewStore(db, policy.Options{})
	id, err := policies.Create(ctx, &policy.Artifact{
		Doer:        "planner",
		Phase:       "spec",
		Version:     "v1",
		Prompts:     map[string]string{PromptDefault: "Review: {{input}}"},
		RouterRules: []policy.RouterRule{{Match: "*", Model: "test-model"}},
	})
	require.NoError(t, err)

	return &fixture{db: db, curator: cur, policies: policies, policyID: id, datasetID: report.DatasetID}
}

func (f *fixture) replayer(t *testing.T, opts Options) *Replayer {
	t.Helper()
	if opts.Scorer == nil {
		scorer, err := NewHeuristicScorer(nil, 1, 1000)
		require.NoError(t, err)
		opts.Scorer = scorer
	}
	r := New(f.db, f.curator, f.policies, opts)
	t.Cleanup(r.Close)
	return r
}

// seededExecutor answers deterministically from the seed and the sample.
func seededExecutor(calls *atomic.Int32) Executor {
	return ExecutorFunc(func(_ context.Context, _ *policy.Record, task Task) (*Output, error) {
		if calls != nil {
			calls.Add(1)
		}
		return &Output{
			Text:      fmt.Sprintf("variant %d: %s", task.Seed%3, task.Sample.Content),
			Model:     "test-model",
			CostUSD:   0.01,
			LatencyMS: float64(100 + 40*(task.Seed%4)),
			MaxTokens: 1000,
		}, nil
	})
}

func blockingExecutor() Executor {
	return ExecutorFunc(func(ctx context.Context, _ *policy.Record, _ Task) (*Output, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
}

func runToEnd(t *testing.T, r *Replayer, cfg Config) *Result {
	t.Helper()
	ctx := context.Background()
	id, err := r.StartReplay(ctx, cfg)
	require.NoError(t, err)
	r.Wait()
	res, err := r.GetReplayStatus(ctx, id)
	require.NoError(t, err)
	return res
}

func TestStartReplayValidation(t *testing.T) {
	f := newFixture(t)
	r := f.replayer(t, Options{Executor: seededExecutor(nil)})
	ctx := context.Background()

	tests := []struct {
		name  string
		cfg   Config
		check func(error) bool
	}{
		{"zero seeds", Config{DatasetID: f.datasetID, PolicyID: f.policyID, Seeds: []int64{}}, opserrors.IsValidation},
		{"nil seeds", Config{DatasetID: f.datasetID, PolicyID: f.policyID}, opserrors.IsValidation},
		{"negative max tasks", Config{DatasetID: f.datasetID, PolicyID: f.policyID, Seeds: []int64{1}, MaxTasks: -1}, opserrors.IsValidation},
		{"unknown policy", Config{DatasetID: f.datasetID, PolicyID: "ghost", Seeds: []int64{1}}, opserrors.IsNotFound},
		{"unknown dataset", Config{DatasetID: "ghost", PolicyID: f.policyID, Seeds: []int64{1}}, opserrors.IsNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.StartReplay(ctx, tt.cfg)
			require.Error(t, err)
			assert.True(t, tt.check(err), "got %v", err)
		})
	}

	_, err := r.GetReplayStatus(ctx, "ghost")
	assert.True(t, opserrors.IsNotFound(err))
}

func TestReplayIsDeterministic(t *testing.T) {
	f := newFixture(t)
	r := f.replayer(t, Options{Executor: seededExecutor(nil), Workers: 2})

	first := runToEnd(t, r, Config{DatasetID: f.datasetID, PolicyID: f.policyID, Seeds: []int64{7}})
	second := runToEnd(t, r, Config{DatasetID: f.datasetID, PolicyID: f.policyID, Seeds: []int64{7}})

	require.Equal(t, StatusCompleted, first.Status)
	require.Equal(t, StatusCompleted, second.Status)
	require.Len(t, first.SeedResults, 1)
	assert.Equal(t, first.SeedResults[0].CRL, second.SeedResults[0].CRL)
	assert.Equal(t, first.SeedResults[0].Terms, second.SeedResults[0].Terms)

	repeated := runToEnd(t, r, Config{DatasetID: f.datasetID, PolicyID: f.policyID, Seeds: []int64{7, 7, 7}})
	assert.InDelta(t, 1.0, repeated.Stability, 1e-12)
	assert.InDelta(t, 0, repeated.CRLStd, 1e-12)
	assert.InDelta(t, first.CRLAvg, repeated.CRLAvg, 1e-12)
}

func TestReplayAggregatesSeeds(t *testing.T) {
	f := newFixture(t)
	r := f.replayer(t, Options{Executor: seededExecutor(nil), Workers: 3})

	res := runToEnd(t, r, Config{DatasetID: f.datasetID, PolicyID: f.policyID, Seeds: []int64{1, 2, 3}, MaxTasks: 2})
	require.Equal(t, StatusCompleted, res.Status)
	require.Len(t, res.SeedResults, 3)
	assert.Equal(t, 6, res.TasksReplayed)
	assert.InDelta(t, 0.06, res.CostUSD, 1e-9)
	assert.NotNil(t, res.CompletedAt)
	require.NotNil(t, res.TermsAvg)

	want := Aggregate(res.SeedResults)
	assert.InDelta(t, want.CRLAvg, res.CRLAvg, 1e-12)
	assert.InDelta(t, 1-want.CRLStd/want.CRLAvg, res.Stability, 1e-12)
}

func TestAggregate(t *testing.T) {
	res := Aggregate([]SeedResult{{CRL: 0.2, Tasks: 2}, {CRL: 0.4, Tasks: 2}})
	assert.InDelta(t, 0.3, res.CRLAvg, 1e-12)
	assert.InDelta(t, 0.1, res.CRLStd, 1e-12)
	assert.InDelta(t, 1-0.1/0.3, res.Stability, 1e-12)
	assert.Equal(t, 4, res.TasksReplayed)

	perfect := Aggregate([]SeedResult{{CRL: 0}, {CRL: 0}})
	assert.InDelta(t, 1.0, perfect.Stability, 0)
}

func TestReplayFailureIsPersisted(t *testing.T) {
	f := newFixture(t)
	r := f.replayer(t, Options{Executor: ExecutorFunc(func(context.Context, *policy.Record, Task) (*Output, error) {
		return nil, errors.New("provider unavailable")
	})})

	res := runToEnd(t, r, Config{DatasetID: f.datasetID, PolicyID: f.policyID, Seeds: []int64{1, 2}})
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Error, "provider unavailable")
	assert.NotNil(t, res.CompletedAt)
}

func TestReplayTimeout(t *testing.T) {
	f := newFixture(t)
	r := f.replayer(t, Options{Executor: blockingExecutor(), Timeout: 20 * time.Millisecond})

	res := runToEnd(t, r, Config{DatasetID: f.datasetID, PolicyID: f.policyID, Seeds: []int64{1}})
	assert.Equal(t, StatusTimeout, res.Status)
	assert.Equal(t, ReasonTimeout, res.Error)
}

func TestCancelReplay(t *testing.T) {
	f := newFixture(t)
	r := f.replayer(t, Options{Executor: blockingExecutor()})
	ctx := context.Background()

	id, err := r.StartReplay(ctx, Config{DatasetID: f.datasetID, PolicyID: f.policyID, Seeds: []int64{1}})
	require.NoError(t, err)
	require.NoError(t, r.CancelReplay(ctx, id))
	r.Wait()

	res, err := r.GetReplayStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, ReasonCancelled, res.Error)

	assert.True(t, opserrors.IsValidation(r.CancelReplay(ctx, id)))
	assert.True(t, opserrors.IsNotFound(r.CancelReplay(ctx, "ghost")))
}

func TestRecoverFailsOrphans(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.db.DB().ExecContext(ctx, `
		INSERT INTO offline_replays (id, dataset_id, policy_id, seeds, status, created_at)
		VALUES ('orphan', ?, ?, '[1]', 'running', ?)`,
		f.datasetID, f.policyID, persistence.FormatTime(time.Now()))
	require.NoError(t, err)

	r := f.replayer(t, Options{Executor: seededExecutor(nil)})
	n, err := r.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res, err := r.GetReplayStatus(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, ReasonOrphaned, res.Error)
}

func TestCacheShortCircuitsRepeatedInputs(t *testing.T) {
	f := newFixture(t)
	cache, err := OpenCache(CacheOptions{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	var calls atomic.Int32
	r := f.replayer(t, Options{Executor: seededExecutor(&calls), Cache: cache})
	cfg := Config{DatasetID: f.datasetID, PolicyID: f.policyID, Seeds: []int64{5}}

	first := runToEnd(t, r, cfg)
	require.Equal(t, StatusCompleted, first.Status)
	assert.Equal(t, int32(3), calls.Load())
	assert.Zero(t, first.SeedResults[0].CacheHits)

	second := runToEnd(t, r, cfg)
	assert.Equal(t, int32(3), calls.Load(), "identical inputs must not reach the executor")
	assert.Equal(t, 3, second.SeedResults[0].CacheHits)
	assert.Equal(t, first.SeedResults[0].CRL, second.SeedResults[0].CRL)
}

func TestRepeatedSeedExecutesOnce(t *testing.T) {
	f := newFixture(t)
	cache, err := OpenCache(CacheOptions{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	// Every call answers differently, so a second execution of a task would show in the CRL.
	var calls atomic.Int32
	executor := ExecutorFunc(func(_ context.Context, _ *policy.Record, task Task) (*Output, error) {
		n := calls.Add(1)
		return &Output{
			Text:      fmt.Sprintf("call %d: %s", n, task.Sample.Content),
			CostUSD:   0.01,
			LatencyMS: float64(100 * n),
			MaxTokens: 1000,
		}, nil
	})
	r := f.replayer(t, Options{Executor: executor, Cache: cache, Workers: 4})

	res := runToEnd(t, r, Config{DatasetID: f.datasetID, PolicyID: f.policyID, Seeds: []int64{7, 7, 7, 7}})
	require.Equal(t, StatusCompleted, res.Status)
	require.Len(t, res.SeedResults, 4)
	assert.Equal(t, int32(3), calls.Load())

	hits := 0
	for _, sr := range res.SeedResults {
		assert.Equal(t, res.SeedResults[0].Terms, sr.Terms)
		hits += sr.CacheHits
	}
	assert.Equal(t, 9, hits)
	assert.InDelta(t, 1.0, res.Stability, 1e-12)
}

func TestCacheKeyIsContentAddressed(t *testing.T) {
	base := CacheKey("sig", 1, "hash")
	assert.Equal(t, base, CacheKey("sig", 1, "hash"))
	assert.NotEqual(t, base, CacheKey("sig", 2, "hash"))
	assert.NotEqual(t, base, CacheKey("sig2", 1, "hash"))
	assert.NotEqual(t, base, CacheKey("sig", 1, "hash2"))
	assert.Len(t, base, 64)
}

func TestSelectSamples(t *testing.T) {
	samples := make([]curator.Sample, 10)
	for i := range samples {
		samples[i].ArtifactID = fmt.Sprintf("s%d", i)
	}
	a := SelectSamples(samples, 42, 4)
	b := SelectSamples(samples, 42, 4)
	assert.Len(t, a, 4)
	assert.Equal(t, a, b)
	assert.Len(t, SelectSamples(samples, 42, 0), 10)
	assert.Len(t, SelectSamples(samples, 42, 50), 10)
}

type fakeModels struct {
	fail  map[string]bool
	calls []string
}

func (m *fakeModels) Complete(_ context.Context, model string, req llm.Request) (llm.Response, error) {
	m.calls = append(m.calls, model)
	if m.fail[model] {
		return llm.Response{}, errors.New("overloaded")
	}
	return llm.Response{Text: "echo " + req.Prompt, CostUSD: 0.002}, nil
}

func (m *fakeModels) MaxTokens(string) int { return 2048 }

func TestLLMExecutorRoutesAndFallsBack(t *testing.T) {
	models := &fakeModels{fail: map[string]bool{"primary": true}}
	exec := NewLLMExecutor(models, "default-model")
	pol := &policy.Record{Artifact: policy.Artifact{
		Prompts: map[string]string{PromptSystem: "be terse", "spec": "Check {{input}} now"},
		RouterRules: []policy.RouterRule{
			{Match: "spec", Model: "primary", FallbackModel: "backup"},
		},
		HParams: policy.HParams{MaxTokens: 9000},
	}}

	out, err := exec.Execute(context.Background(), pol, Task{Sample: curator.Sample{Type: "spec", Content: "orders"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"primary", "backup"}, models.calls)
	assert.Equal(t, "backup", out.Model)
	assert.Equal(t, "echo Check orders now", out.Text)
	assert.Equal(t, 2048, out.MaxTokens)

	models.calls = nil
	out, err = exec.Execute(context.Background(), pol, Task{Sample: curator.Sample{Type: "other", Content: "x"}})
	require.NoError(t, err)
	assert.Equal(t, "default-model", out.Model)
	assert.Equal(t, "echo x", out.Text)

	_, err = NewLLMExecutor(models, "").Execute(context.Background(), &policy.Record{}, Task{})
	require.Error(t, err)
}

func TestRenderPrompt(t *testing.T) {
	system, user := RenderPrompt(map[string]string{PromptSystem: "sys", PromptDefault: "Summarize"}, "spec", "text")
	assert.Equal(t, "sys", system)
	assert.Equal(t, "Summarize\n\ntext", user)

	_, user = RenderPrompt(nil, "spec", "text")
	assert.Equal(t, "text", user)
}

func TestHeuristicScorer(t *testing.T) {
	s, err := NewHeuristicScorer(nil, 1, 1000)
	require.NoError(t, err)
	ctx := context.Background()

	sample := curator.Sample{Content: "orders table keyed by id", Labels: curator.Labels{Grounding: 1}}
	terms, err := s.Score(ctx, []TaskResult{
		{Sample: sample, Output: &Output{Text: "orders table keyed by id", CostUSD: 0.25, LatencyMS: 500, MaxTokens: 100}},
		{Sample: sample, Output: &Output{Text: "", CostUSD: 0.25, LatencyMS: 100, MaxTokens: 100}},
		{Sample: sample, Output: &Output{Text: "email me at a@b.io", LatencyMS: 200, MaxTokens: 100}},
	})
	require.NoError(t, err)
	assert.InDelta(t, 2.0/3, terms.GatePass, 1e-12)
	assert.Zero(t, terms.CostOverBudgetPct, "spend within budget is not an overrun")
	assert.InDelta(t, 0.5, terms.LatencyP95Norm, 1e-12)
	assert.InDelta(t, 1, terms.SecurityCriticals, 0)
	assert.Equal(t, terms.Grounding, terms.RAGCoverage)
	assert.Zero(t, terms.APIBreakages)

	loss := crl.Compute(terms, crl.DefaultWeights())
	assert.Greater(t, loss, 0.0)
	assert.Less(t, loss, 1.0)

	tight, err := NewHeuristicScorer(nil, 0.2, 1000)
	require.NoError(t, err)
	over, err := tight.Score(ctx, []TaskResult{
		{Sample: sample, Output: &Output{Text: "orders table keyed by id", CostUSD: 0.3, LatencyMS: 100, MaxTokens: 100}},
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, over.CostOverBudgetPct, 1e-12)

	_, err = NewHeuristicScorer(nil, 0, 1000)
	require.Error(t, err)
}
