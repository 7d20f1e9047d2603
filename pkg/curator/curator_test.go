package curator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"learnops/pkg/metrics"
	"learnops/pkg/opserrors"
	"learnops/pkg/persistence"
	"learnops/pkg/tokens"
)

func newTestCurator(t *testing.T, recorder metrics.Recorder) *Curator {
	t.Helper()
	db, err := persistence.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	c, err := New(db, nil, recorder)
	require.NoError(t, err)
	return c
}

type curatedCounter struct {
	metrics.NoopRecorder
	outcomes map[string]int
}

func (c *curatedCounter) AddCuratedSamples(outcome string, n int) {
	c.outcomes[outcome] += n
}

func bundle() *Bundle {
	return &Bundle{
		RunID: "run-1",
		Doer:  "planner",
		Phase: "spec",
		Validation: &Validation{
			Grounding: 0.9, Specificity: 0.7, Correctness: 0.8,
		},
		GatesPassed: []string{"schema", "lint"},
		GatesFailed: []string{"coverage"},
		Artifacts: []Artifact{
			{ID: "spec", Type: "spec", Content: "Users table: id uuid, email text. Contact ops@example.com or 555-123-4567."},
			{ID: "arch", Type: "architecture", Content: "Service A calls service B over gRPC on port 8443.",
				Validation: &Validation{Grounding: 0.4, Contradiction: true}},
			{ID: "dup", Type: "spec", Content: "Users table: id uuid, email text. Contact ops@example.com or 555-123-4567."},
		},
	}
}

func TestRedactorDefaultPatterns(t *testing.T) {
	r, err := NewRedactor("")
	require.NoError(t, err)
	assert.Equal(t, []string{"ssn", "email", "card_number", "phone"}, r.PatternIDs())

	tests := []struct {
		name, in, want string
		count          int
	}{
		{"ssn", "ssn 123-45-6789 on file", "ssn [redacted] on file", 1},
		{"email", "mail Jane.Doe+x@Example.org now", "mail [redacted] now", 1},
		{"card", "card 4111 1111 1111 1111 exp", "card [redacted] exp", 1},
		{"card compact", "card 4111111111111111.", "card [redacted].", 1},
		{"phone", "call (555) 123-4567 today", "call [redacted] today", 1},
		{"clean", "no personal data here", "no personal data here", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, n, err := r.Redact(context.Background(), tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.count, n)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRedactorOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
marker: "<pii>"
patterns:
  - id: employee_id
    regex: 'EMP-\d{6}'
`), 0o600))

	r, err := NewRedactor(path)
	require.NoError(t, err)
	got, n, err := r.Redact(context.Background(), "owner EMP-123456")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "owner <pii>", got)

	_, err = ParseRedactor([]byte("patterns:\n  - id: bad\n    regex: '('\n"))
	require.Error(t, err)
	_, err = ParseRedactor([]byte("patterns: []\n"))
	require.Error(t, err)
}

func TestRedactorHonoursContext(t *testing.T) {
	r, err := NewRedactor("")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = r.Redact(ctx, "123-45-6789")
	require.Error(t, err)
}

func TestProcessBundle(t *testing.T) {
	c := newTestCurator(t, nil)
	ctx := context.Background()

	report, err := c.ProcessBundle(ctx, bundle())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Kept)
	assert.Equal(t, 1, report.Duplicates)
	assert.Equal(t, 2, report.Redactions)

	samples, err := c.Samples(ctx, report.DatasetID)
	require.NoError(t, err)
	require.Len(t, samples, 2)

	spec := samples[0]
	assert.Equal(t, "spec", spec.ArtifactID)
	assert.NotContains(t, spec.Content, "ops@example.com")
	assert.NotContains(t, spec.Content, "555-123-4567")
	assert.Equal(t, 2, strings.Count(spec.Content, DefaultMarker))
	assert.Equal(t, ContentHash(bundle().Artifacts[0].Content), spec.InputHash)
	assert.InDelta(t, 0.9, spec.Labels.Grounding, 1e-12)
	assert.Equal(t, []string{"schema", "lint"}, spec.Labels.GatesPassed)
	assert.Equal(t, []string{"coverage"}, spec.Labels.GatesFailed)
	assert.NotEmpty(t, spec.Labels.Origin)

	arch := samples[1]
	assert.True(t, arch.Labels.Contradiction, "artifact validation wins over bundle validation")
	assert.InDelta(t, 0.4, arch.Labels.Grounding, 1e-12)

	ds, err := c.GetDataset(ctx, report.DatasetID)
	require.NoError(t, err)
	assert.Equal(t, 2, ds.SampleCount)
	assert.Equal(t, "run-1", ds.SourceRunID)
}

func TestProcessBundleIsIdempotent(t *testing.T) {
	rec := &curatedCounter{outcomes: map[string]int{}}
	c := newTestCurator(t, rec)
	ctx := context.Background()

	first, err := c.ProcessBundle(ctx, bundle())
	require.NoError(t, err)
	require.Equal(t, 2, first.Kept)

	second, err := c.ProcessBundle(ctx, bundle())
	require.NoError(t, err)
	assert.Zero(t, second.Kept)
	assert.Equal(t, 3, second.Duplicates)

	samples, err := c.Samples(ctx, second.DatasetID)
	require.NoError(t, err)
	assert.Empty(t, samples)

	datasets, err := c.ListDatasets(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, datasets, 2)

	assert.Equal(t, map[string]int{"kept": 2, "duplicate": 4}, rec.outcomes)
}

func TestProcessBundleValidation(t *testing.T) {
	c := newTestCurator(t, nil)
	ctx := context.Background()

	_, err := c.ProcessBundle(ctx, nil)
	assert.True(t, opserrors.IsValidation(err))

	_, err = c.ProcessBundle(ctx, &Bundle{RunID: "r"})
	assert.True(t, opserrors.IsValidation(err))

	_, err = c.ProcessBundle(ctx, &Bundle{Artifacts: []Artifact{{Type: "spec"}}})
	assert.True(t, opserrors.IsValidation(err))

	_, err = c.ProcessBundle(ctx, &Bundle{
		Validation: &Validation{Grounding: 2},
		Artifacts:  []Artifact{{Type: "spec", Content: "x"}},
	})
	assert.True(t, opserrors.IsValidation(err))

	_, err = c.Samples(ctx, "missing")
	assert.True(t, opserrors.IsNotFound(err))
}

func TestHeuristicLabels(t *testing.T) {
	counter := tokens.Default()

	boiler := "Certainly! Here is the plan. As an AI I hope this helps. In conclusion, here is the plan."
	human := "Migrate orders.total to NUMERIC(12,2); backfill from ledger_v2 before 2025-07-01."

	assert.Greater(t, SyntheticConfidence(counter, boiler), SyntheticConfidence(counter, human))
	assert.Equal(t, OriginGenerated, Origin(0.8))
	assert.Equal(t, OriginHuman, Origin(0.1))
	assert.Equal(t, OriginMixed, Origin(0.45))
	assert.Zero(t, SyntheticConfidence(counter, "   "))

	assert.Greater(t, Specificity(counter, human), Specificity(counter, "things and stuff and things"))
	assert.Zero(t, Specificity(counter, ""))

	for _, text := range []string{boiler, human, strings.Repeat(boiler+" ", 20)} {
		for _, score := range []float64{SyntheticConfidence(counter, text), Specificity(counter, text)} {
			assert.GreaterOrEqual(t, score, 0.0)
			assert.LessOrEqual(t, score, 1.0)
		}
	}
}
