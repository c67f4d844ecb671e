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
)

// ConfigPath is read when neither the caller nor CONFIG_PATH names a file.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	substrate.Settings `yaml:",inline"`

	Port              string         `yaml:"port"`
	LogLevel          string         `yaml:"logLevel"`
	LogFormat         string         `yaml:"logFormat"`
	AllowedOrigins    []string       `yaml:"allowedOrigins"`
	TrustedProxyCIDRs []string       `yaml:"trustedProxyCidrs"`
	ForceHSTS         bool           `yaml:"forceHSTS"`
	CookieSecure      *bool          `yaml:"cookieSecure"`
	CookieDomain      string         `yaml:"cookieDomain"`
	SessionTTL        string         `yaml:"sessionTTL"`
	ShareLinkTTL      string         `yaml:"shareLinkTTL"`
	MaxUploadBytes    int64          `yaml:"maxUploadBytes"`
	MonthlyLimits     map[string]int `yaml:"monthlyLimits"`
	EmailProvider     string         `yaml:"emailProvider"`
	EmailEndpoint     string         `yaml:"emailEndpoint"`
	EmailAPIKey       string         `yaml:"emailAPIKey"`
	EmailFrom         string         `yaml:"emailFrom"`
	AlertPrefix       string         `yaml:"alertPrefix"`
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
		cfg.Port = "8080"
	}
	if cfg.EmailProvider == "" {
		cfg.EmailProvider = "log"
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig, lookup func(string) (string, bool)) {
	cfg.Settings.ApplyLookup(lookup)
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("PORT", &cfg.Port)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("LOG_FORMAT", &cfg.LogFormat)
	str("COOKIE_DOMAIN", &cfg.CookieDomain)
	str("SESSION_TTL", &cfg.SessionTTL)
	str("SHARE_LINK_TTL", &cfg.ShareLinkTTL)
	str("EMAIL_PROVIDER", &cfg.EmailProvider)
	str("EMAIL_ENDPOINT", &cfg.EmailEndpoint)
	str("EMAIL_API_KEY", &cfg.EmailAPIKey)
	str("EMAIL_FROM", &cfg.EmailFrom)
	if v, ok := lookup("ALLOWED_ORIGINS"); ok && v != "" {
		cfg.AllowedOrigins = splitCSV(v)
	}
	if v, ok := lookup("TRUSTED_PROXY_CIDRS"); ok && v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	if v, ok := lookup("FORCE_HSTS"); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.ForceHSTS = b
		}
	}
	if v, ok := lookup("COOKIE_SECURE"); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.CookieSecure = &b
		}
	}
	if v, ok := lookup("MAX_UPLOAD_BYTES"); ok && v != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
}

func validateConfig(cfg FileConfig) error {
	var errs []error
	if err := cfg.Settings.Validate(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(cfg.EmailProvider) {
	case "log":
	case "http":
		var missing []string
		if strings.TrimSpace(cfg.EmailAPIKey) == "" {
			missing = append(missing, "EMAIL_API_KEY")
		}
		if strings.TrimSpace(cfg.EmailEndpoint) == "" {
			missing = append(missing, "EMAIL_ENDPOINT")
		}
		if len(missing) > 0 {
			errs = append(errs, errors.New("missing required environment: "+strings.Join(missing, ", ")))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unsupported emailProvider %q", cfg.EmailProvider))
	}
	if _, err := parseDuration(cfg.SessionTTL); err != nil {
		errs = append(errs, fmt.Errorf("config: invalid sessionTTL: %w", err))
	}
	if _, err := parseDuration(cfg.ShareLinkTTL); err != nil {
		errs = append(errs, fmt.Errorf("config: invalid shareLinkTTL: %w", err))
	}
	if cfg.MaxUploadBytes < 0 {
		errs = append(errs, errors.New("config: maxUploadBytes must be >= 0"))
	}
	for tier, n := range cfg.MonthlyLimits {
		if n < 0 {
			errs = append(errs, fmt.Errorf("config: monthlyLimits.%s must be >= 0", tier))
		}
	}
	return errors.Join(errs...)
}

// SessionDuration is the configured session lifetime, zero for the default.
func (c FileConfig) SessionDuration() time.Duration {
	d, _ := parseDuration(c.SessionTTL)
	return d
}

// ShareLinkDuration is the configured share-link lifetime, zero for the default.
func (c FileConfig) ShareLinkDuration() time.Duration {
	d, _ := parseDuration(c.ShareLinkTTL)
	return d
}

// SecureCookies defaults to true in production.
func (c FileConfig) SecureCookies() bool {
	if c.CookieSecure != nil {
		return *c.CookieSecure
	}
	return c.Production()
}

func parseDuration(v string) (time.Duration, error) {
	if strings.TrimSpace(v) == "" {
		return 0, nil
	}
	return time.ParseDuration(strings.TrimSpace(v))
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
