package kernel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"learnops/pkg/config"
	"learnops/pkg/persistence"
	"learnops/pkg/policy"
	"learnops/pkg/replay"
	"learnops/pkg/rollout"
)

// createTestConfig returns defaults with the database in a temp dir and an in-memory cache.
func createTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "learnops.db")
	cfg.Cache.InMemory = true
	cfg.Cache.Dir = ""
	return cfg
}

func newTestKernel(t *testing.T) *Kernel {
	t.Helper()
	k, err := NewKernel(context.Background(), createTestConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Stop() })
	return k
}

func TestNewKernel(t *testing.T) {
	k := newTestKernel(t)

	if k.Store == nil {
		t.Error("Kernel store is nil")
	}
	if k.CRL == nil || k.Policies == nil || k.Experiments == nil || k.Curator == nil {
		t.Error("Kernel core services are not initialized")
	}
	if k.Replayer == nil || k.Cache == nil || k.Models == nil {
		t.Error("Kernel replay services are not initialized")
	}
	if k.Rollout == nil || k.Skills == nil || k.API == nil {
		t.Error("Kernel rollout, skills or API are not initialized")
	}

	require.NoError(t, k.Stop())
	require.NoError(t, k.Stop(), "Stop must be idempotent")
}

func TestNewKernelInvalidPatternsFile(t *testing.T) {
	cfg := createTestConfig(t)
	cfg.Curator.PatternsFile = filepath.Join(t.TempDir(), "missing.yaml")

	_, err := NewKernel(context.Background(), cfg)
	assert.Error(t, err)
}

func TestKernelLifecycle(t *testing.T) {
	k := newTestKernel(t)

	require.NoError(t, k.Start())
	assert.Error(t, k.Start(), "second Start must fail")
	require.NoError(t, k.Stop())
	assert.Error(t, k.Start(), "Start after Stop must fail")
}

func TestKernelStartRecoversOrphanedReplays(t *testing.T) {
	ctx := context.Background()
	k := newTestKernel(t)

	policyID, err := k.Policies.Create(ctx, &policy.Artifact{Doer: "coder", Phase: "code", Version: "v1"})
	require.NoError(t, err)
	_, err = k.Store.DB().ExecContext(ctx, `
		INSERT INTO offline_replays (id, dataset_id, policy_id, seeds, status, created_at)
		VALUES ('orphan', 'ds-1', ?, '[1]', 'running', ?)`,
		policyID, persistence.FormatTime(time.Now()))
	require.NoError(t, err)

	require.NoError(t, k.Start())

	res, err := k.Replayer.GetReplayStatus(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, replay.StatusFailed, res.Status)
	assert.Equal(t, replay.ReasonOrphaned, res.Error)
}

func TestPromotionActivatesCandidate(t *testing.T) {
	ctx := context.Background()
	k := newTestKernel(t)

	control, err := k.Policies.Create(ctx, &policy.Artifact{Doer: "planner", Phase: "spec", Version: "v1"})
	require.NoError(t, err)
	require.NoError(t, k.Policies.Advance(ctx, control, policy.StatusActive, "baseline"))
	candidate, err := k.Policies.Create(ctx, &policy.Artifact{Doer: "planner", Phase: "spec", Version: "v2"})
	require.NoError(t, err)

	deployment, err := k.Rollout.StartCanary(ctx, rollout.DeploymentConfig{
		Doer:              "planner",
		CandidatePolicyID: candidate,
		ControlPolicyID:   control,
		AllocationPct:     10,
	})
	require.NoError(t, err)
	require.NoError(t, k.Rollout.Promote(ctx, deployment))

	active, err := k.Policies.Get(ctx, "planner", "")
	require.NoError(t, err)
	assert.Equal(t, candidate, active.ID)

	previous, err := k.Policies.GetByID(ctx, control)
	require.NoError(t, err)
	assert.Equal(t, policy.StatusArchived, previous.Status)
}

func TestKernelServesMetrics(t *testing.T) {
	k := newTestKernel(t)
	k.Recorder.IncRouting("coder", "control")

	w := httptest.NewRecorder()
	req, err := http.NewRequest(http.MethodGet, "/metrics", nil)
	require.NoError(t, err)
	k.API.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
	assert.Contains(t, w.Body.String(), `learnops_routing_total{doer="coder",route="control"} 1`)
}
