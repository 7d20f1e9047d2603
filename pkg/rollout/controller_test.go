package rollout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"learnops/pkg/opserrors"
	"learnops/pkg/persistence"
	"learnops/pkg/policy"
)

type fixture struct {
	db        *persistence.Store
	control   string
	candidate string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := persistence.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	policies := policy.NewStore(db, policy.Options{})
	create := func(version string) string {
		id, err := policies.Create(ctx, &policy.Artifact{Doer: "planner", Phase: "spec", Version: version})
		require.NoError(t, err)
		return id
	}
	return &fixture{db: db, control: create("v1"), candidate: create("v2")}
}

func (f *fixture) canary(alloc float64) DeploymentConfig {
	return DeploymentConfig{
		Doer:              "planner",
		CandidatePolicyID: f.candidate,
		ControlPolicyID:   f.control,
		AllocationPct:     alloc,
		MinJobs:           100,
		MaxDurationHours:  24,
		Safety:            &SafetyThresholds{MaxCRLIncrease: 0.02, MinSampleSize: 30},
	}
}

// scriptedRand routes the first n draws to the candidate and the rest to the control.
func scriptedRand(n int) func() float64 {
	var mu sync.Mutex
	calls := 0
	return func() float64 {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls <= n {
			return 0
		}
		return 0.999
	}
}

// observe routes count tasks and records a CRL result for each, alternating
// mean-spread and mean+spread.
func observe(t *testing.T, f *fixture, c *Controller, prefix string, count int, mean, spread float64, want Route) {
	t.Helper()
	ctx := context.Background()
	for i := range count {
		taskID := fmt.Sprintf("%s-%d", prefix, i)
		route, err := c.RouteTask(ctx, "planner", taskID)
		require.NoError(t, err)
		require.Equal(t, want, route)

		loss := mean - spread
		if i%2 == 1 {
			loss = mean + spread
		}
		_, err = f.db.DB().ExecContext(ctx, `
			INSERT INTO crl_results (run_id, loss_value, terms, weights, timestamp) VALUES (?, ?, '{}', '{}', ?)`,
			taskID, loss, persistence.FormatTime(time.Now()))
		require.NoError(t, err)
	}
}

func TestCanaryWorkedExample(t *testing.T) {
	tests := []struct {
		name          string
		candidateMean float64
		candidateN    int
		controlN      int
		want          Recommendation
	}{
		{"improvement promotes", 0.25, 60, 400, RecommendPromote},
		{"regression rolls back", 0.40, 60, 400, RecommendRollback},
		{"too few jobs continues", 0.25, 10, 80, RecommendContinue},
		{"too few jobs continues on regression", 0.40, 10, 80, RecommendContinue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			c := NewController(f.db, Options{Rand: scriptedRand(tt.candidateN)})
			id, err := c.StartCanary(context.Background(), f.canary(50))
			require.NoError(t, err)

			observe(t, f, c, "cand", tt.candidateN, tt.candidateMean, 0.02, RouteCandidate)
			observe(t, f, c, "ctrl", tt.controlN, 0.30, 0.02, RouteControl)

			report, err := c.GetCanaryReport(context.Background(), id)
			require.NoError(t, err)
			assert.Equal(t, tt.candidateN, report.Candidate.N)
			assert.Equal(t, tt.controlN, report.Control.N)
			assert.Equal(t, tt.candidateN+tt.controlN, report.SampleSize)
			assert.InDelta(t, tt.candidateMean-0.30, report.Delta, 1e-9)
			assert.Equal(t, tt.want, report.Recommendation)
		})
	}
}

func TestWelchTest(t *testing.T) {
	a := RouteStats{N: 60, Mean: 0.25, Std: 0.02}
	b := RouteStats{N: 400, Mean: 0.30, Std: 0.02}
	sig := WelchTest(a, b, 0.05)
	assert.True(t, sig.Significant)
	assert.Less(t, sig.T, 0.0)
	assert.Less(t, sig.PValue, 1e-6)

	noisy := WelchTest(RouteStats{N: 5, Mean: 0.29, Std: 0.2}, RouteStats{N: 5, Mean: 0.30, Std: 0.2}, 0.05)
	assert.False(t, noisy.Significant)
	assert.Greater(t, noisy.PValue, 0.5)

	assert.False(t, WelchTest(RouteStats{N: 1, Mean: 0.1}, b, 0.05).Significant)
	assert.True(t, WelchTest(RouteStats{N: 3, Mean: 0.1}, RouteStats{N: 3, Mean: 0.2}, 0.05).Significant)
	assert.False(t, WelchTest(RouteStats{N: 3, Mean: 0.2}, RouteStats{N: 3, Mean: 0.2}, 0.05).Significant)
}

func TestRecommend(t *testing.T) {
	sig := Significance{Significant: true}
	assert.Equal(t, RecommendContinue, Recommend(50, 100, -0.1, sig, nil))
	assert.Equal(t, RecommendPromote, Recommend(150, 100, -0.1, sig, nil))
	assert.Equal(t, RecommendRollback, Recommend(150, 100, -0.1, sig, []string{"min_sample_size"}))
	assert.Equal(t, RecommendRollback, Recommend(150, 100, 0.01, Significance{}, nil))
	assert.Equal(t, RecommendContinue, Recommend(150, 100, -0.01, Significance{}, nil))
	assert.Equal(t, RecommendContinue, Recommend(150, 100, 0, sig, nil))
}

func TestCanaryRoutingDistribution(t *testing.T) {
	f := newFixture(t)
	c := NewController(f.db, Options{})
	ctx := context.Background()
	_, err := c.StartCanary(ctx, f.canary(50))
	require.NoError(t, err)

	candidate := 0
	for i := range 1000 {
		route, err := c.RouteTask(ctx, "planner", fmt.Sprintf("task-%d", i))
		require.NoError(t, err)
		if route == RouteCandidate {
			candidate++
		}
	}
	assert.GreaterOrEqual(t, candidate, 400)
	assert.LessOrEqual(t, candidate, 600)

	var logged int
	require.NoError(t, f.db.DB().QueryRow(`SELECT COUNT(*) FROM deployment_routings`).Scan(&logged))
	assert.Equal(t, 1000, logged)
}

func TestRouteTaskIsIdempotent(t *testing.T) {
	f := newFixture(t)
	c := NewController(f.db, Options{Rand: scriptedRand(1)})
	ctx := context.Background()
	_, err := c.StartCanary(ctx, f.canary(50))
	require.NoError(t, err)

	first, err := c.RouteTask(ctx, "planner", "t1")
	require.NoError(t, err)
	again, err := c.RouteTask(ctx, "planner", "t1")
	require.NoError(t, err)
	assert.Equal(t, RouteCandidate, first)
	assert.Equal(t, first, again)
}

func TestRouteWithoutDeploymentAndShadow(t *testing.T) {
	f := newFixture(t)
	c := NewController(f.db, Options{Rand: func() float64 { return 0 }})
	ctx := context.Background()

	route, err := c.RouteTask(ctx, "planner", "t0")
	require.NoError(t, err)
	assert.Equal(t, RouteControl, route)

	cfg := f.canary(80)
	id, err := c.StartShadow(ctx, cfg)
	require.NoError(t, err)
	dep, err := c.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ModeShadow, dep.Mode)
	assert.Zero(t, dep.AllocationPct)

	for i := range 20 {
		route, err := c.RouteTask(ctx, "planner", fmt.Sprintf("t%d", i+1))
		require.NoError(t, err)
		assert.Equal(t, RouteControl, route)
	}

	_, err = c.RouteTask(ctx, "planner", "")
	assert.True(t, opserrors.IsValidation(err))
}

func TestStartValidation(t *testing.T) {
	f := newFixture(t)
	c := NewController(f.db, Options{})
	ctx := context.Background()

	bad := []DeploymentConfig{
		{CandidatePolicyID: f.candidate, ControlPolicyID: f.control, AllocationPct: 10},
		{Doer: "planner", CandidatePolicyID: f.candidate, ControlPolicyID: f.control, AllocationPct: 101},
		{Doer: "planner", CandidatePolicyID: f.candidate, ControlPolicyID: f.control, AllocationPct: -1},
		{Doer: "planner", CandidatePolicyID: f.candidate, ControlPolicyID: f.candidate, AllocationPct: 10},
		{Doer: "planner", CandidatePolicyID: "ghost", ControlPolicyID: f.control, AllocationPct: 10},
		{Doer: "planner", CandidatePolicyID: f.candidate, ControlPolicyID: f.control,
			Safety: &SafetyThresholds{MinSampleSize: -1}},
	}
	for i, cfg := range bad {
		_, err := c.StartCanary(ctx, cfg)
		assert.True(t, opserrors.IsValidation(err), "case %d: %v", i, err)
	}

	deps, err := c.List(ctx, "planner")
	require.NoError(t, err)
	assert.Empty(t, deps)
}

func TestSingleWinnerPerDoer(t *testing.T) {
	f := newFixture(t)
	c := NewController(f.db, Options{})
	ctx := context.Background()

	first, err := c.StartCanary(ctx, f.canary(10))
	require.NoError(t, err)
	second, err := c.StartCanary(ctx, f.canary(20))
	require.NoError(t, err)

	old, err := c.Get(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, StatusRolledBack, old.Status)
	assert.Equal(t, "superseded by "+second, old.RollbackReason)
	assert.NotNil(t, old.RolledBackAt)

	deps, err := c.List(ctx, "planner")
	require.NoError(t, err)
	active := 0
	for _, d := range deps {
		if d.Status == StatusActive {
			active++
			assert.Equal(t, second, d.ID)
		}
	}
	assert.Equal(t, 1, active)
}

func TestPromoteEmitsEvent(t *testing.T) {
	f := newFixture(t)
	c := NewController(f.db, Options{})
	ctx := context.Background()

	var got []Event
	c.Subscribe(func(_ context.Context, ev Event) error {
		got = append(got, ev)
		return nil
	})
	unsubscribe := c.Subscribe(func(context.Context, Event) error {
		t.Fatal("unsubscribed handler called")
		return nil
	})
	unsubscribe()

	id, err := c.StartCanary(ctx, f.canary(10))
	require.NoError(t, err)
	require.NoError(t, c.Promote(ctx, id))

	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].DeploymentID)
	assert.Equal(t, f.candidate, got[0].PolicyID)
	assert.Equal(t, "planner", got[0].Doer)

	dep, err := c.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPromoted, dep.Status)
	assert.NotNil(t, dep.PromotedAt)

	assert.True(t, opserrors.IsValidation(c.Promote(ctx, id)))
	assert.True(t, opserrors.IsValidation(c.Rollback(ctx, id, "late")))
	assert.True(t, opserrors.IsNotFound(c.Promote(ctx, "ghost")))

	route, err := c.RouteTask(ctx, "planner", "after")
	require.NoError(t, err)
	assert.Equal(t, RouteControl, route)
}

func TestPromoteSurfacesHandlerError(t *testing.T) {
	f := newFixture(t)
	c := NewController(f.db, Options{})
	ctx := context.Background()
	c.Subscribe(func(context.Context, Event) error { return errors.New("activation failed") })

	id, err := c.StartCanary(ctx, f.canary(10))
	require.NoError(t, err)
	require.ErrorContains(t, c.Promote(ctx, id), "activation failed")

	dep, err := c.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPromoted, dep.Status)
}

func TestRollback(t *testing.T) {
	f := newFixture(t)
	c := NewController(f.db, Options{})
	ctx := context.Background()

	id, err := c.StartCanary(ctx, f.canary(10))
	require.NoError(t, err)
	assert.True(t, opserrors.IsValidation(c.Rollback(ctx, id, "")))
	require.NoError(t, c.Rollback(ctx, id, "error budget burned"))

	dep, err := c.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusRolledBack, dep.Status)
	assert.Equal(t, "error budget burned", dep.RollbackReason)
}

func TestEvaluateAutoPromotes(t *testing.T) {
	f := newFixture(t)
	c := NewController(f.db, Options{Rand: scriptedRand(60)})
	ctx := context.Background()

	var events int
	c.Subscribe(func(context.Context, Event) error { events++; return nil })

	cfg := f.canary(50)
	cfg.AutoPromote = true
	id, err := c.StartCanary(ctx, cfg)
	require.NoError(t, err)
	observe(t, f, c, "cand", 60, 0.25, 0.02, RouteCandidate)
	observe(t, f, c, "ctrl", 400, 0.30, 0.02, RouteControl)

	report, err := c.Evaluate(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, RecommendPromote, report.Recommendation)
	assert.Equal(t, StatusPromoted, report.Status)
	assert.Equal(t, 1, events)
}

func TestConcludeExpired(t *testing.T) {
	f := newFixture(t)
	c := NewController(f.db, Options{})
	ctx := context.Background()
	start := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return start }

	id, err := c.StartCanary(ctx, f.canary(10))
	require.NoError(t, err)

	c.now = func() time.Time { return start.Add(23 * time.Hour) }
	concluded, err := c.ConcludeExpired(ctx)
	require.NoError(t, err)
	assert.Empty(t, concluded)

	c.now = func() time.Time { return start.Add(25 * time.Hour) }
	concluded, err = c.ConcludeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, concluded)

	dep, err := c.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusRolledBack, dep.Status)
	assert.Equal(t, ReasonExpired, dep.RollbackReason)
}
