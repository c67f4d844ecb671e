package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
)

// ProviderConfig selects and configures the model provider.
type ProviderConfig struct {
	Provider string        `yaml:"provider"`
	BaseURL  string        `yaml:"baseURL"`
	APIKey   string        `yaml:"apiKey"`
	Model    string        `yaml:"model"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Static reports whether agents should return canned results.
func (c ProviderConfig) Static() bool {
	return strings.EqualFold(strings.TrimSpace(c.Provider), "static")
}

// NewGenerator builds the configured provider behind a circuit breaker.
func NewGenerator(cfg ProviderConfig) (TextGenerator, error) {
	var (
		gen TextGenerator
		err error
	)
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	switch provider {
	case "", "openai", "openai-compat", "openai_compat":
		provider = "openai-compat"
		gen = NewOpenAICompatGenerator(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.Timeout)
	case "gemini":
		gen, err = NewGeminiGenerator(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.Timeout)
	case "ollama":
		gen = NewOllamaGenerator(cfg.BaseURL, cfg.Model, cfg.Timeout)
	default:
		return nil, fmt.Errorf("unknown agent provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return NewBreakerGenerator(provider, gen), nil
}

// BreakerGenerator trips after sustained transient provider failures so
// callers fail fast instead of queueing more outbound requests.
type BreakerGenerator struct {
	next TextGenerator
	cb   *gobreaker.CircuitBreaker[Completion]
}

func NewBreakerGenerator(name string, next TextGenerator) *BreakerGenerator {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
		// Terminal errors say nothing about provider health.
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("provider_breaker_state", "provider", name, "from", from.String(), "to", to.String())
		},
	}
	return &BreakerGenerator{next: next, cb: gobreaker.NewCircuitBreaker[Completion](settings)}
}

func (b *BreakerGenerator) GenerateText(ctx context.Context, systemPrompt, userPrompt string) (Completion, error) {
	out, err := b.cb.Execute(func() (Completion, error) {
		return b.next.GenerateText(ctx, systemPrompt, userPrompt)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Completion{}, fmt.Errorf("%w: %v", ErrCircuitOpen, err)
	}
	return out, err
}

// State exposes the breaker state for health reporting.
func (b *BreakerGenerator) State() string {
	return b.cb.State().String()
}
