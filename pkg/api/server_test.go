package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"learnops/pkg/crl"
	"learnops/pkg/experiment"
	"learnops/pkg/metrics"
	"learnops/pkg/opserrors"
	"learnops/pkg/replay"
	"learnops/pkg/rollout"
	"learnops/pkg/skills"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeCRL struct {
	lastQuery crl.TrendQuery
}

func (f *fakeCRL) Trend(_ context.Context, q crl.TrendQuery) ([]crl.TrendBucket, error) {
	f.lastQuery = q
	if q.Days < 0 {
		return nil, opserrors.Validation("crl.trend", "days must be non-negative")
	}
	return []crl.TrendBucket{{Day: "2026-10-01", MeanLoss: 0.25, MinLoss: 0.2, MaxLoss: 0.3, Runs: 2}}, nil
}

func (f *fakeCRL) Get(_ context.Context, runID string) (*crl.Result, error) {
	if runID != "run-1" {
		return nil, opserrors.NotFound("crl.get", "run", runID)
	}
	return &crl.Result{RunID: runID, Loss: 0.12}, nil
}

type fakeSkills struct{}

func (fakeSkills) Get(_ context.Context, doer string) (*skills.Card, error) {
	return &skills.Card{Doer: doer, Strengths: []string{"strong grounding"}}, nil
}

func (fakeSkills) GetAll(context.Context) ([]*skills.Card, error) {
	return nil, nil
}

type fakeExperiments struct {
	limit int
}

func (f *fakeExperiments) ListByDoer(_ context.Context, doer string, limit int) ([]*experiment.Experiment, error) {
	f.limit = limit
	return []*experiment.Experiment{{ID: "exp-1", Doer: doer, Status: experiment.StatusRunning}}, nil
}

type fakeReplays struct{}

func (fakeReplays) GetReplayStatus(_ context.Context, id string) (*replay.Result, error) {
	if id == "broken" {
		return nil, errors.New("disk on fire")
	}
	return &replay.Result{ID: id, Status: replay.StatusCompleted, CRLAvg: 0.3}, nil
}

type fakeDeployments struct{}

func (fakeDeployments) GetCanaryReport(_ context.Context, id string) (*rollout.CanaryReport, error) {
	if id == "tampered" {
		return nil, opserrors.Integrity("rollout.report", "signature mismatch")
	}
	return &rollout.CanaryReport{DeploymentID: id, Recommendation: rollout.RecommendPromote}, nil
}

type harness struct {
	server      *Server
	crl         *fakeCRL
	experiments *fakeExperiments
	registry    *prometheus.Registry
}

func newHarness() *harness {
	h := &harness{crl: &fakeCRL{}, experiments: &fakeExperiments{}, registry: prometheus.NewRegistry()}
	h.server = NewServer(Sources{
		CRL:         h.crl,
		Skills:      fakeSkills{},
		Experiments: h.experiments,
		Replays:     fakeReplays{},
		Deployments: fakeDeployments{},
		Gatherer:    h.registry,
	})
	return h
}

func (h *harness) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req, err := http.NewRequest(http.MethodGet, path, nil)
	require.NoError(t, err)
	h.server.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestStatusCodes(t *testing.T) {
	tests := []struct {
		name string
		path string
		want int
	}{
		{"health", "/healthz", http.StatusOK},
		{"trend", "/api/v1/crl/trend?days=7", http.StatusOK},
		{"trend bad days", "/api/v1/crl/trend?days=week", http.StatusBadRequest},
		{"trend negative days", "/api/v1/crl/trend?days=-1", http.StatusBadRequest},
		{"run", "/api/v1/crl/runs/run-1", http.StatusOK},
		{"run missing", "/api/v1/crl/runs/run-9", http.StatusNotFound},
		{"skills", "/api/v1/skills", http.StatusOK},
		{"skill card", "/api/v1/skills/coder", http.StatusOK},
		{"experiments without doer", "/api/v1/experiments", http.StatusBadRequest},
		{"experiments", "/api/v1/experiments?doer=coder", http.StatusOK},
		{"replay", "/api/v1/replays/r-1", http.StatusOK},
		{"replay internal error", "/api/v1/replays/broken", http.StatusInternalServerError},
		{"report", "/api/v1/deployments/d-1/report", http.StatusOK},
		{"report integrity", "/api/v1/deployments/tampered/report", http.StatusConflict},
		{"unknown route", "/api/v1/nope", http.StatusNotFound},
	}
	h := newHarness()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := h.get(t, tt.path)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestTrendPassesFilters(t *testing.T) {
	h := newHarness()
	w := h.get(t, "/api/v1/crl/trend?tenant=acme&phase=code&days=14")
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, crl.TrendQuery{TenantID: "acme", Phase: "code", Days: 14}, h.crl.lastQuery)
	buckets, ok := decode(t, w)["buckets"].([]any)
	require.True(t, ok)
	require.Len(t, buckets, 1)
	assert.Equal(t, "2026-10-01", buckets[0].(map[string]any)["day"])
}

func TestEmptyListsAreArrays(t *testing.T) {
	h := newHarness()
	w := h.get(t, "/api/v1/skills")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"cards":[]}`, w.Body.String())
}

func TestExperimentsLimit(t *testing.T) {
	h := newHarness()
	w := h.get(t, "/api/v1/experiments?doer=coder&limit=5")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 5, h.experiments.limit)

	exps, ok := decode(t, w)["experiments"].([]any)
	require.True(t, ok)
	require.Len(t, exps, 1)
	assert.Equal(t, "exp-1", exps[0].(map[string]any)["id"])
}

func TestErrorBody(t *testing.T) {
	h := newHarness()
	w := h.get(t, "/api/v1/crl/runs/run-9")
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, decode(t, w)["error"], "run-9")
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness()
	recorder := metrics.NewPrometheusRecorder(h.registry)
	recorder.IncRouting("coder", "candidate")

	w := h.get(t, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `learnops_routing_total{doer="coder",route="candidate"} 1`)
}
