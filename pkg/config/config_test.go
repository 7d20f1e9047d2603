package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "learnops.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigDefaultsWithoutFile(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "learnops.db", cfg.Database.Path)
	assert.Equal(t, 4, cfg.Replay.Workers)
	assert.Equal(t, 100, cfg.Rollout.DefaultMinJobs)
	assert.InDelta(t, 0.05, cfg.Rollout.Alpha, 1e-12)
	assert.InDelta(t, 1.0, cfg.CRL.Weights.Sum(), 1e-9)
	assert.Equal(t, 3, cfg.Skills.BestModels)
	assert.Equal(t, 5, cfg.Skills.TimeoutThreshold)
	assert.NotNil(t, cfg.Models)
}

func TestLoadConfigSubstitutesEnvPlaceholders(t *testing.T) {
	t.Setenv("LEARNOPS_TEST_DB", "/tmp/substituted.db")
	path := writeConfig(t, `{"database": {"path": "${LEARNOPS_TEST_DB}"}, "api": {"listen_addr": "${UNSET_VAR_FOR_TEST}"}}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/substituted.db", cfg.Database.Path)
	assert.Equal(t, "${UNSET_VAR_FOR_TEST}", cfg.API.ListenAddr)
}

func TestEnvOverridesNestedAndMapFields(t *testing.T) {
	t.Setenv("LEARNOPS_REPLAY_WORKERS", "8")
	t.Setenv("LEARNOPS_ROLLOUT_ALPHA", "0.01")
	t.Setenv("LEARNOPS_CACHE_IN_MEMORY", "true")
	t.Setenv("LEARNOPS_MODELS_GPT_4O_REQUESTS_PER_MINUTE", "30")

	path := writeConfig(t, `{"models": {"gpt-4o": {"provider": "openai"}}}`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Replay.Workers)
	assert.InDelta(t, 0.01, cfg.Rollout.Alpha, 1e-12)
	assert.True(t, cfg.Cache.InMemory)
	assert.Equal(t, 30, cfg.Models["gpt-4o"].RequestsPerMinute)
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"alpha out of range", `{"rollout": {"alpha": 1.5}}`},
		{"too many workers", `{"replay": {"workers": 500}}`},
		{"negative weight", `{"crl": {"weights": {"gate_pass": -0.1, "grounding": 1.1}}}`},
		{"unknown provider", `{"models": {"m": {"provider": "acme"}}}`},
		{"bad prometheus url", `{"metrics": {"prometheus_url": "not a url"}}`},
		{"unresolvable default model", `{"replay": {"default_model": "mystery-model"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestModelProviderAndCost(t *testing.T) {
	cfg := Default()
	cfg.Models["local-model"] = ModelCfg{Provider: ProviderOllama, CpmTokensIn: 1, CpmTokensOut: 2}

	p, err := cfg.ModelProvider("local-model")
	require.NoError(t, err)
	assert.Equal(t, ProviderOllama, p)

	p, err = cfg.ModelProvider("claude-sonnet-4-5")
	require.NoError(t, err)
	assert.Equal(t, ProviderAnthropic, p)

	p, err = cfg.ModelProvider("qwen2.5-coder")
	require.NoError(t, err)
	assert.Equal(t, ProviderOllama, p)

	_, err = cfg.ModelProvider("mystery")
	assert.Error(t, err)

	assert.InDelta(t, 3.0+15.0, cfg.CalculateCost("claude-sonnet-4-5", 1_000_000, 1_000_000), 1e-9)
	assert.InDelta(t, 1.0+4.0, cfg.CalculateCost("local-model", 1_000_000, 2_000_000), 1e-9)
	assert.Zero(t, cfg.CalculateCost("unknown", 1000, 1000))
}

func TestGetAPIKey(t *testing.T) {
	SetDecryptedSecrets(nil)
	t.Setenv(EnvOpenAIAPIKey, "sk-env")
	t.Setenv(EnvOllamaHost, "")

	key, err := GetAPIKey(ProviderOpenAI)
	require.NoError(t, err)
	assert.Equal(t, "sk-env", key)

	SetDecryptedSecrets(map[string]string{EnvOpenAIAPIKey: "sk-file"})
	t.Cleanup(func() { SetDecryptedSecrets(nil) })
	key, err = GetAPIKey(ProviderOpenAI)
	require.NoError(t, err)
	assert.Equal(t, "sk-file", key)

	host, err := GetAPIKey(ProviderOllama)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:11434", host)

	_, err = GetAPIKey("acme")
	assert.Error(t, err)
}
