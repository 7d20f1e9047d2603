// Package config provides configuration loading, validation, and secret resolution for Learning-Ops.
//
// Loading order:
//
//  1. JSON file with ${ENV} placeholder substitution (optional; defaults apply without a file)
//  2. LEARNOPS_* environment overrides, e.g. LEARNOPS_REPLAY_WORKERS=8
//  3. Defaults for anything still unset
//  4. Struct-tag validation
//
// Config is returned by pointer from LoadConfig and then injected; there is no global instance.
package config

import (
	"fmt"
	"os"
	"strings"
)

// Provider names.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
	ProviderOllama    = "ollama"
)

// Environment variable names for provider credentials.
const (
	EnvAnthropicAPIKey = "ANTHROPIC_API_KEY"
	EnvOpenAIAPIKey    = "OPENAI_API_KEY"
	EnvGoogleAPIKey    = "GOOGLE_GENAI_API_KEY"
	EnvOllamaHost      = "OLLAMA_HOST"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "LEARNOPS_"

// Config is the root Learning-Ops configuration.
type Config struct {
	Models   map[string]ModelCfg `json:"models" validate:"dive"`
	Database DatabaseConfig      `json:"database"`
	Cache    CacheConfig         `json:"cache"`
	Curator  CuratorConfig       `json:"curator"`
	API      APIConfig           `json:"api"`
	Metrics  MetricsConfig       `json:"metrics"`
	CRL      CRLConfig           `json:"crl"`
	Replay   ReplayConfig        `json:"replay"`
	Rollout  RolloutConfig       `json:"rollout"`
	Skills   SkillsConfig        `json:"skills"`
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path string `json:"path" validate:"required"`
}

// CacheConfig configures the replay output cache.
type CacheConfig struct {
	Dir      string `json:"dir"`
	InMemory bool   `json:"in_memory"`
}

// CRLConfig holds default CRL weights. Weights are expected to sum to 1.0.
type CRLConfig struct {
	Weights WeightsConfig `json:"weights"`
}

// WeightsConfig mirrors the nine CRL term weights.
type WeightsConfig struct {
	GatePass       float64 `json:"gate_pass" validate:"gte=0,lte=1"`
	Contradictions float64 `json:"contradictions" validate:"gte=0,lte=1"`
	Grounding      float64 `json:"grounding" validate:"gte=0,lte=1"`
	Cost           float64 `json:"cost" validate:"gte=0,lte=1"`
	Latency        float64 `json:"latency" validate:"gte=0,lte=1"`
	Security       float64 `json:"security" validate:"gte=0,lte=1"`
	APIBreakages   float64 `json:"api_breakages" validate:"gte=0,lte=1"`
	DBMigration    float64 `json:"db_migration" validate:"gte=0,lte=1"`
	RAGCoverage    float64 `json:"rag_coverage" validate:"gte=0,lte=1"`
}

// Sum returns the total of all weights.
func (w WeightsConfig) Sum() float64 {
	return w.GatePass + w.Contradictions + w.Grounding + w.Cost + w.Latency +
		w.Security + w.APIBreakages + w.DBMigration + w.RAGCoverage
}

// IsZero reports whether no weight was configured.
func (w WeightsConfig) IsZero() bool {
	return w == WeightsConfig{}
}

// ReplayConfig configures the offline replayer.
type ReplayConfig struct {
	Workers         int     `json:"workers" validate:"gte=1,lte=64"`
	TimeoutSec      int     `json:"timeout_sec" validate:"gte=1"`
	DefaultMaxTasks int     `json:"default_max_tasks" validate:"gte=1"`
	LatencyCapMS    float64 `json:"latency_cap_ms" validate:"gt=0"`
	BudgetUSD       float64 `json:"budget_usd" validate:"gt=0"`
	DefaultModel    string  `json:"default_model"`
}

// RolloutConfig configures the shadow/canary controller.
type RolloutConfig struct {
	Alpha                   float64 `json:"alpha" validate:"gt=0,lt=1"`
	DefaultMinJobs          int     `json:"default_min_jobs" validate:"gte=1"`
	DefaultMaxDurationHours float64 `json:"default_max_duration_hours" validate:"gt=0"`
	MaxCRLIncrease          float64 `json:"max_crl_increase" validate:"gte=0"`
	ExpiryCheckSec          int     `json:"expiry_check_sec" validate:"gte=1"`
}

// SkillsConfig configures skill card aggregation.
type SkillsConfig struct {
	BestModels       int `json:"best_models" validate:"gte=1"`
	FailureModes     int `json:"failure_modes" validate:"gte=1"`
	TimeoutThreshold int `json:"timeout_threshold" validate:"gte=0"`
}

// CuratorConfig configures the learning curator.
type CuratorConfig struct {
	PatternsFile string `json:"patterns_file"` // Optional YAML override of the built-in PII patterns
}

// APIConfig configures the read-only HTTP API.
type APIConfig struct {
	ListenAddr string `json:"listen_addr" validate:"required"`
}

// MetricsConfig configures Prometheus integration.
type MetricsConfig struct {
	PrometheusURL string `json:"prometheus_url" validate:"omitempty,url"`
}

// ModelCfg configures one model used by the replay executor.
type ModelCfg struct {
	Provider          string  `json:"provider" validate:"omitempty,oneof=anthropic openai google ollama"`
	CpmTokensIn       float64 `json:"cpm_tokens_in" validate:"gte=0"`
	CpmTokensOut      float64 `json:"cpm_tokens_out" validate:"gte=0"`
	RequestsPerMinute int     `json:"requests_per_minute" validate:"gte=0"`
	MaxOutputTokens   int     `json:"max_output_tokens" validate:"gte=0"`
}

// ModelInfo contains static information about a known model.
type ModelInfo struct {
	Provider        string  // API provider
	InputCPM        float64 // Cost per million input tokens (USD)
	OutputCPM       float64 // Cost per million output tokens (USD)
	MaxOutputTokens int
}

// KnownModels contains pricing and provider information for common models.
// Unknown models are resolved through ProviderPatterns.
//
//nolint:gochecknoglobals // static model registry
var KnownModels = map[string]ModelInfo{
	"claude-sonnet-4-5": {Provider: ProviderAnthropic, InputCPM: 3.0, OutputCPM: 15.0, MaxOutputTokens: 8192},
	"claude-opus-4-1":   {Provider: ProviderAnthropic, InputCPM: 15.0, OutputCPM: 75.0, MaxOutputTokens: 16384},
	"claude-haiku-4-5":  {Provider: ProviderAnthropic, InputCPM: 1.0, OutputCPM: 5.0, MaxOutputTokens: 8192},
	"gpt-4o":            {Provider: ProviderOpenAI, InputCPM: 2.5, OutputCPM: 10.0, MaxOutputTokens: 4096},
	"gpt-4o-mini":       {Provider: ProviderOpenAI, InputCPM: 0.15, OutputCPM: 0.6, MaxOutputTokens: 4096},
	"o4-mini":           {Provider: ProviderOpenAI, InputCPM: 1.1, OutputCPM: 4.4, MaxOutputTokens: 16384},
	"gemini-2.5-flash":  {Provider: ProviderGoogle, InputCPM: 0.30, OutputCPM: 2.50, MaxOutputTokens: 65536},
	"gemini-2.0-flash":  {Provider: ProviderGoogle, InputCPM: 0.10, OutputCPM: 0.40, MaxOutputTokens: 8192},
}

// ProviderPattern infers a provider from a model name prefix.
type ProviderPattern struct {
	Prefix   string
	Provider string
}

// ProviderPatterns defines rules for inferring providers from unknown model names.
//
//nolint:gochecknoglobals // static inference rules
var ProviderPatterns = []ProviderPattern{
	{"claude", ProviderAnthropic},
	{"gpt", ProviderOpenAI},
	{"o1", ProviderOpenAI},
	{"o3", ProviderOpenAI},
	{"o4", ProviderOpenAI},
	{"gemini", ProviderGoogle},
	{"llama", ProviderOllama},
	{"qwen", ProviderOllama},
	{"mistral", ProviderOllama},
	{"phi", ProviderOllama},
	{"deepseek", ProviderOllama},
	{"ollama:", ProviderOllama},
}

// ModelProvider resolves the provider for a model: explicit config, then KnownModels, then patterns.
func (c *Config) ModelProvider(model string) (string, error) {
	if cfg, ok := c.Models[model]; ok && cfg.Provider != "" {
		return cfg.Provider, nil
	}
	return GetModelProvider(model)
}

// GetModelProvider returns the provider for a model from KnownModels or ProviderPatterns.
func GetModelProvider(model string) (string, error) {
	if info, ok := KnownModels[model]; ok {
		return info.Provider, nil
	}
	for i := range ProviderPatterns {
		if strings.HasPrefix(model, ProviderPatterns[i].Prefix) {
			return ProviderPatterns[i].Provider, nil
		}
	}
	return "", fmt.Errorf("unknown model '%s': no known provider mapping or pattern match", model)
}

// CalculateCost returns the USD cost of a call. Configured CPMs win over KnownModels.
// Unknown models cost 0.
func (c *Config) CalculateCost(model string, promptTokens, completionTokens int) float64 {
	in, out := 0.0, 0.0
	if info, ok := KnownModels[model]; ok {
		in, out = info.InputCPM, info.OutputCPM
	}
	if cfg, ok := c.Models[model]; ok && (cfg.CpmTokensIn > 0 || cfg.CpmTokensOut > 0) {
		in, out = cfg.CpmTokensIn, cfg.CpmTokensOut
	}
	return float64(promptTokens)/1_000_000.0*in + float64(completionTokens)/1_000_000.0*out
}

// GetAPIKey returns the credential for a provider: secrets file first, then environment.
// For Ollama the host URL is returned instead.
func GetAPIKey(provider string) (string, error) {
	var envVar string
	switch provider {
	case ProviderAnthropic:
		envVar = EnvAnthropicAPIKey
	case ProviderOpenAI:
		envVar = EnvOpenAIAPIKey
	case ProviderGoogle:
		envVar = EnvGoogleAPIKey
	case ProviderOllama:
		host := os.Getenv(EnvOllamaHost)
		if host == "" {
			host = "http://localhost:11434"
		}
		return host, nil
	default:
		return "", fmt.Errorf("unknown provider: %s", provider)
	}

	key, err := GetSecret(envVar)
	if err == nil && key != "" {
		return key, nil
	}
	return "", fmt.Errorf("API key not found: %s not found in secrets file or environment variables", envVar)
}
