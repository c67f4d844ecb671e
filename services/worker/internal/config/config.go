package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"manuscripthub/internal/substrate"
	"manuscripthub/pkg/ai"
	"manuscripthub/pkg/pipeline"
)

// ConfigPath is read when neither the caller nor CONFIG_PATH names a file.
const ConfigPath = "config.yaml"

// FileConfig represents the worker configuration loaded from YAML.
type FileConfig struct {
	substrate.Settings `yaml:",inline"`

	Port      string `yaml:"port"`
	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`

	Agent ai.ProviderConfig `yaml:"agent"`

	AnalysisConcurrency int    `yaml:"analysisConcurrency"`
	AssetConcurrency    int    `yaml:"assetConcurrency"`
	MaxAttempts         int    `yaml:"maxAttempts"`
	RetryBackoff        string `yaml:"retryBackoff"`
	StageTimeout        string `yaml:"stageTimeout"`
	AgentTimeout        string `yaml:"agentTimeout"`
	EnablePDF           bool   `yaml:"enablePDF"`
}

// Load reads path (CONFIG_PATH, then config.yaml, when empty), applies the
// environment and validates. The default file may be absent.
func Load(path string) (FileConfig, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (FileConfig, error) {
	cfg := FileConfig{}
	explicit := path != ""
	if !explicit {
		if v, ok := lookup("CONFIG_PATH"); ok && strings.TrimSpace(v) != "" {
			path = strings.TrimSpace(v)
			explicit = true
		} else {
			path = ConfigPath
		}
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}
	applyEnv(&cfg, lookup)
	cfg.Settings.Normalize()
	if cfg.Port == "" {
		cfg.Port = "8081"
	}
	if cfg.AnalysisConcurrency <= 0 {
		cfg.AnalysisConcurrency = 2
	}
	if cfg.AssetConcurrency <= 0 {
		cfg.AssetConcurrency = 2
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	cfg.QueueClaimIdle = pipeline.ClaimBudget(cfg.StageDuration())
	return cfg, nil
}

func applyEnv(cfg *FileConfig, lookup func(string) (string, bool)) {
	cfg.Settings.ApplyLookup(lookup)
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(name string, dst *int) {
		if v, ok := lookup(name); ok && v != "" {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				*dst = n
			}
		}
	}
	str("PORT", &cfg.Port)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("LOG_FORMAT", &cfg.LogFormat)
	str("AGENT_PROVIDER", &cfg.Agent.Provider)
	str("AGENT_BASE_URL", &cfg.Agent.BaseURL)
	str("AGENT_API_KEY", &cfg.Agent.APIKey)
	str("AGENT_MODEL", &cfg.Agent.Model)
	str("RETRY_BACKOFF", &cfg.RetryBackoff)
	str("STAGE_TIMEOUT", &cfg.StageTimeout)
	str("AGENT_TIMEOUT", &cfg.AgentTimeout)
	num("ANALYSIS_CONCURRENCY", &cfg.AnalysisConcurrency)
	num("ASSET_CONCURRENCY", &cfg.AssetConcurrency)
	num("MAX_ATTEMPTS", &cfg.MaxAttempts)
	if v, ok := lookup("ENABLE_PDF"); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.EnablePDF = b
		}
	}
}

func validateConfig(cfg FileConfig) error {
	var errs []error
	if err := cfg.Settings.Validate(); err != nil {
		errs = append(errs, err)
	}
	// The API reads what the worker writes, so every handle the two
	// processes share must live outside the process.
	if cfg.QueueDriver == substrate.DriverMemory {
		errs = append(errs, errors.New("config: the worker needs a shared queue; memory only works in-process"))
	}
	if cfg.KVDriver != substrate.DriverRedis {
		errs = append(errs, fmt.Errorf("config: the worker needs a shared kv store (redis); %s is local to one process", cfg.KVDriver))
	}
	if cfg.BucketDriver == substrate.DriverMemory {
		errs = append(errs, errors.New("config: the worker needs shared buckets (s3 or file); memory only works in-process"))
	}
	if cfg.DatabaseDriver == substrate.DriverSQLite && strings.Contains(cfg.DatabaseURL, ":memory:") {
		errs = append(errs, errors.New("config: the worker needs a shared database; an in-memory sqlite database only works in-process"))
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Agent.Provider)) {
	case "static", "ollama":
	case "", "openai", "openai-compat", "openai_compat", "gemini":
		if strings.TrimSpace(cfg.Agent.APIKey) == "" {
			errs = append(errs, errors.New("missing required environment: AGENT_API_KEY"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unsupported agent provider %q", cfg.Agent.Provider))
	}
	for name, v := range map[string]string{"retryBackoff": cfg.RetryBackoff, "stageTimeout": cfg.StageTimeout, "agentTimeout": cfg.AgentTimeout} {
		if _, err := parseDuration(v); err != nil {
			errs = append(errs, fmt.Errorf("config: invalid %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Backoff is the base retry delay, zero for the queue default.
func (c FileConfig) Backoff() time.Duration {
	d, _ := parseDuration(c.RetryBackoff)
	return d
}

// StageDuration bounds one analysis stage, zero for the pipeline default.
func (c FileConfig) StageDuration() time.Duration {
	d, _ := parseDuration(c.StageTimeout)
	return d
}

// AgentDuration bounds one asset agent, zero for the pipeline default.
func (c FileConfig) AgentDuration() time.Duration {
	d, _ := parseDuration(c.AgentTimeout)
	return d
}

func parseDuration(v string) (time.Duration, error) {
	if strings.TrimSpace(v) == "" {
		return 0, nil
	}
	return time.ParseDuration(strings.TrimSpace(v))
}
