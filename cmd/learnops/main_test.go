package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cli struct {
	dir     string
	cfgFile string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	dir := t.TempDir()
	c := &cli{dir: dir, cfgFile: filepath.Join(dir, "learnops.json")}
	c.writeJSON(t, "learnops.json", map[string]any{
		"database": map[string]any{"path": filepath.Join(dir, "learnops.db")},
		"cache":    map[string]any{"in_memory": true},
	})
	return c
}

func (c *cli) writeJSON(t *testing.T, name string, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	path := filepath.Join(c.dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func (c *cli) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(&out)
	root.SetArgs(append([]string{"--config", c.cfgFile, "--project-dir", c.dir, "-o", "json"}, args...))
	err := root.Execute()
	return out.String(), err
}

func (c *cli) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := c.run(t, args...)
	require.NoError(t, err, "learnops %s", strings.Join(args, " "))
	return out
}

func (c *cli) createPolicy(t *testing.T, version string) string {
	t.Helper()
	file := c.writeJSON(t, "policy-"+version+".json", map[string]any{
		"doer":    "coder",
		"phase":   "code",
		"version": version,
		"prompts": map[string]string{"default": "Review: {{input}}"},
		"hparams": map[string]any{"temperature": 0.2},
	})
	return strings.TrimSpace(c.mustRun(t, "policy", "create", "--file", file))
}

func TestVersion(t *testing.T) {
	c := newCLI(t)
	out := c.mustRun(t, "version")
	assert.True(t, strings.HasPrefix(out, "learnops dev"), out)
}

func TestPolicyLifecycle(t *testing.T) {
	c := newCLI(t)
	v1 := c.createPolicy(t, "v1")
	require.NotEmpty(t, v1)

	out := c.mustRun(t, "policy", "promote", v1, "--to", "active", "--rationale", "baseline")
	assert.Contains(t, out, "is now active")

	var active map[string]any
	require.NoError(t, json.Unmarshal([]byte(c.mustRun(t, "policy", "get", "coder", "--verify")), &active))
	assert.Equal(t, v1, active["id"])
	assert.Equal(t, "active", active["status"])

	v2 := c.createPolicy(t, "v2")
	var history []map[string]any
	require.NoError(t, json.Unmarshal([]byte(c.mustRun(t, "policy", "history", "coder")), &history))
	require.Len(t, history, 2)
	assert.Equal(t, v2, history[0]["id"])

	var log []map[string]any
	require.NoError(t, json.Unmarshal([]byte(c.mustRun(t, "policy", "log", v1)), &log))
	assert.Len(t, log, 3)
}

func TestPolicyCreateDuplicateVersion(t *testing.T) {
	c := newCLI(t)
	c.createPolicy(t, "v1")

	file := filepath.Join(c.dir, "policy-v1.json")
	_, err := c.run(t, "policy", "create", "--file", file)
	assert.Error(t, err)
}

func TestCurate(t *testing.T) {
	c := newCLI(t)
	bundle := c.writeJSON(t, "bundle.json", map[string]any{
		"run_id": "run-1",
		"doer":   "coder",
		"phase":  "code",
		"artifacts": []map[string]any{
			{"id": "a1", "type": "review", "content": "Ping ops@example.com about the retry budget."},
			{"id": "a2", "type": "review", "content": "The cache key must include the seed."},
		},
	})

	var report map[string]any
	require.NoError(t, json.Unmarshal([]byte(c.mustRun(t, "curate", bundle)), &report))
	assert.EqualValues(t, 2, report["kept"])
	assert.EqualValues(t, 1, report["redactions"])
	datasetID, _ := report["dataset_id"].(string)
	require.NotEmpty(t, datasetID)

	var samples []map[string]any
	require.NoError(t, json.Unmarshal([]byte(c.mustRun(t, "curate", "samples", datasetID)), &samples))
	require.Len(t, samples, 2)
	for _, s := range samples {
		assert.NotContains(t, s["content"], "ops@example.com")
	}

	var datasets []map[string]any
	require.NoError(t, json.Unmarshal([]byte(c.mustRun(t, "curate", "datasets")), &datasets))
	assert.Len(t, datasets, 1)
}

func TestDeployCanary(t *testing.T) {
	c := newCLI(t)
	control := c.createPolicy(t, "v1")
	candidate := c.createPolicy(t, "v2")
	c.mustRun(t, "policy", "promote", control, "--to", "active")

	id := strings.TrimSpace(c.mustRun(t, "deploy", "canary",
		"--doer", "coder", "--candidate", candidate, "--control", control, "--allocation", "50"))
	require.NotEmpty(t, id)

	first := strings.TrimSpace(c.mustRun(t, "deploy", "route", "coder", "task-1"))
	assert.Contains(t, []string{"candidate", "control"}, first)
	assert.Equal(t, first, strings.TrimSpace(c.mustRun(t, "deploy", "route", "coder", "task-1")))

	var report map[string]any
	require.NoError(t, json.Unmarshal([]byte(c.mustRun(t, "deploy", "report", id)), &report))
	assert.Equal(t, "continue", report["recommendation"])

	c.mustRun(t, "deploy", "promote", id)
	var active map[string]any
	require.NoError(t, json.Unmarshal([]byte(c.mustRun(t, "policy", "get", "coder")), &active))
	assert.Equal(t, candidate, active["id"])
}

func TestRollbackRequiresReason(t *testing.T) {
	c := newCLI(t)
	_, err := c.run(t, "deploy", "rollback", "dep-1")
	assert.Error(t, err)
}

func TestExperimentsAndSkills(t *testing.T) {
	c := newCLI(t)
	id := strings.TrimSpace(c.mustRun(t, "experiment", "create", "--doer", "coder", "--phase", "code", "--seeds", "1,2"))
	require.NotEmpty(t, id)
	c.mustRun(t, "experiment", "status", id, "running")

	result := c.writeJSON(t, "result.json", map[string]any{"metrics": map[string]any{"crl_delta": -0.05}})
	c.mustRun(t, "experiment", "result", id, "--file", result)

	var successful []map[string]any
	require.NoError(t, json.Unmarshal([]byte(c.mustRun(t, "experiment", "list", "coder", "--successful")), &successful))
	require.Len(t, successful, 1)
	assert.Equal(t, "completed", successful[0]["status"])

	var cards []map[string]any
	require.NoError(t, json.Unmarshal([]byte(c.mustRun(t, "skills", "refresh", "coder")), &cards))
	require.Len(t, cards, 1)
	exps, ok := cards[0]["experiments"].([]any)
	require.True(t, ok)
	assert.Len(t, exps, 1)
}

func TestCRLShowMissingRun(t *testing.T) {
	c := newCLI(t)
	_, err := c.run(t, "crl", "show", "run-404")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestYAMLOutputUsesJSONNames(t *testing.T) {
	c := newCLI(t)
	var out bytes.Buffer
	root := newRootCmd(&out)
	root.SetArgs([]string{"--config", c.cfgFile, "--project-dir", c.dir, "-o", "yaml", "skills", "show", "coder"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "doer: coder")
	assert.Contains(t, out.String(), "loss_delta_7d: 0")
}
