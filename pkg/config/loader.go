package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"learnops/pkg/logx"
)

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

//nolint:gochecknoglobals // validator caches struct metadata; one instance per process
var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadConfig loads configuration from configPath. An empty path loads defaults plus
// environment overrides.
func LoadConfig(configPath string) (*Config, error) {
	var config Config

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		// Replace ${VAR} placeholders; unknown variables are left as-is.
		dataStr := envVarRegex.ReplaceAllStringFunc(string(data), func(match string) string {
			envVar := match[2 : len(match)-1]
			if value := os.Getenv(envVar); value != "" {
				return value
			}
			return match
		})

		if err := json.Unmarshal([]byte(dataStr), &config); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	}

	applyEnvOverrides(&config)
	applyDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &config, nil
}

// Default returns the default configuration without reading files or the environment.
func Default() *Config {
	var config Config
	applyDefaults(&config)
	return &config
}

func applyEnvOverrides(config *Config) {
	applyEnvOverridesRecursive(reflect.ValueOf(config).Elem(), EnvPrefix)
}

func applyEnvOverridesRecursive(v reflect.Value, prefix string) {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		jsonTag := fieldType.Tag.Get("json")
		if jsonTag == "" || jsonTag == "-" {
			continue
		}

		fieldName := strings.Split(jsonTag, ",")[0]
		envKey := strings.ToUpper(prefix + fieldName)

		switch field.Kind() {
		case reflect.Struct:
			applyEnvOverridesRecursive(field, envKey+"_")
		case reflect.Map:
			if field.Type().Key().Kind() != reflect.String || field.IsNil() {
				continue
			}
			for _, key := range field.MapKeys() {
				mapValue := field.MapIndex(key)
				if mapValue.Kind() != reflect.Struct {
					continue
				}
				structValue := reflect.New(mapValue.Type()).Elem()
				structValue.Set(mapValue)
				mapKey := strings.NewReplacer("-", "_", ".", "_", ":", "_").Replace(strings.ToUpper(key.String()))
				applyEnvOverridesRecursive(structValue, envKey+"_"+mapKey+"_")
				field.SetMapIndex(key, structValue)
			}
		default:
			if envValue := os.Getenv(envKey); envValue != "" {
				setFieldFromEnv(field, envValue)
			}
		}
	}
}

func setFieldFromEnv(field reflect.Value, envValue string) {
	if !field.CanSet() {
		return
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(envValue)
	case reflect.Int, reflect.Int64:
		if val, err := strconv.ParseInt(envValue, 10, 64); err == nil {
			field.SetInt(val)
		}
	case reflect.Float64:
		if val, err := strconv.ParseFloat(envValue, 64); err == nil {
			field.SetFloat(val)
		}
	case reflect.Bool:
		if val, err := strconv.ParseBool(envValue); err == nil {
			field.SetBool(val)
		}
	}
}

// applyDefaults sets default values for missing configuration.
func applyDefaults(config *Config) {
	if config.Database.Path == "" {
		config.Database.Path = "learnops.db"
	}
	if config.Cache.Dir == "" && !config.Cache.InMemory {
		config.Cache.Dir = ".learnops/replay-cache"
	}
	if config.CRL.Weights.IsZero() {
		config.CRL.Weights = WeightsConfig{
			GatePass:       0.25,
			Contradictions: 0.15,
			Grounding:      0.15,
			Cost:           0.10,
			Latency:        0.05,
			Security:       0.10,
			APIBreakages:   0.08,
			DBMigration:    0.05,
			RAGCoverage:    0.07,
		}
	}

	if config.Replay.Workers == 0 {
		config.Replay.Workers = 4
	}
	if config.Replay.TimeoutSec == 0 {
		config.Replay.TimeoutSec = 1800
	}
	if config.Replay.DefaultMaxTasks == 0 {
		config.Replay.DefaultMaxTasks = 50
	}
	if config.Replay.LatencyCapMS == 0 {
		config.Replay.LatencyCapMS = 30000
	}
	if config.Replay.BudgetUSD == 0 {
		config.Replay.BudgetUSD = 0.50
	}

	if config.Rollout.Alpha == 0 {
		config.Rollout.Alpha = 0.05
	}
	if config.Rollout.DefaultMinJobs == 0 {
		config.Rollout.DefaultMinJobs = 100
	}
	if config.Rollout.DefaultMaxDurationHours == 0 {
		config.Rollout.DefaultMaxDurationHours = 72
	}
	if config.Rollout.MaxCRLIncrease == 0 {
		config.Rollout.MaxCRLIncrease = 0.05
	}
	if config.Rollout.ExpiryCheckSec == 0 {
		config.Rollout.ExpiryCheckSec = 300
	}

	if config.Skills.BestModels == 0 {
		config.Skills.BestModels = 3
	}
	if config.Skills.FailureModes == 0 {
		config.Skills.FailureModes = 3
	}
	if config.Skills.TimeoutThreshold == 0 {
		config.Skills.TimeoutThreshold = 5
	}

	if config.API.ListenAddr == "" {
		config.API.ListenAddr = ":8088"
	}
	if config.Models == nil {
		config.Models = make(map[string]ModelCfg)
	}
}

func validateConfig(config *Config) error {
	if err := validate.Struct(config); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s: failed '%s' (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if config.Replay.DefaultModel != "" {
		if _, err := config.ModelProvider(config.Replay.DefaultModel); err != nil {
			return fmt.Errorf("replay.default_model: %w", err)
		}
	}

	if sum := config.CRL.Weights.Sum(); math.Abs(sum-1.0) > 1e-6 {
		logx.NewLogger("config").Warn("crl weights sum to %.4f, not 1.0; losses may fall outside [0,1]", sum)
	}
	return nil
}
