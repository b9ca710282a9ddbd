// Package llm adapts hosted language models to core.Model.
package llm

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/Zenin797/SunoTherapist/core"
)

// Providers.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGroq      = "groq"
	ProviderOllama    = "ollama"
)

// Providers lists the supported provider names.
var Providers = []string{ProviderAnthropic, ProviderOpenAI, ProviderGroq, ProviderOllama}

const defaultMaxTokens = 4096

// Config selects and configures a model.
type Config struct {
	Provider  string
	Model     string
	BaseURL   string
	APIKey    string
	MaxTokens int

	// RequestsPerMinute throttles model calls. Zero disables throttling.
	RequestsPerMinute int
}

func (c *Config) maxTokens() int {
	if c.MaxTokens <= 0 {
		return defaultMaxTokens
	}
	return c.MaxTokens
}

// Named is implemented by models that know their model name.
type Named interface {
	Name() string
}

// New builds the model for cfg.Provider, rate limited when configured.
func New(cfg *Config) (core.Model, error) {
	c := *cfg
	var model core.Model
	switch c.Provider {
	case ProviderAnthropic, "":
		model = NewAnthropic(&c)
	case ProviderOpenAI:
		model = NewOpenAI(&c)
	case ProviderGroq:
		if c.BaseURL == "" {
			c.BaseURL = GroqBaseURL
		}
		if c.Model == "" {
			c.Model = DefaultGroqModel
		}
		model = NewOpenAI(&c)
	case ProviderOllama:
		if c.BaseURL == "" {
			c.BaseURL = OllamaBaseURL
		}
		if c.Model == "" {
			c.Model = DefaultOllamaModel
		}
		if c.APIKey == "" {
			c.APIKey = "ollama"
		}
		model = NewOpenAI(&c)
	default:
		return nil, fmt.Errorf("unknown model provider %q", c.Provider)
	}

	if c.RequestsPerMinute > 0 {
		model = WithRateLimit(model, c.RequestsPerMinute)
	}
	return model, nil
}

// Describe returns "provider/model" for display.
func Describe(cfg *Config, model core.Model) string {
	provider := cfg.Provider
	if provider == "" {
		provider = ProviderAnthropic
	}
	if n, ok := model.(Named); ok {
		return provider + "/" + n.Name()
	}
	return provider
}

// limited throttles calls to a wrapped model.
type limited struct {
	next    core.Model
	limiter *rate.Limiter
}

// WithRateLimit allows at most perMinute calls per minute, with a burst of
// one. Callers block until a token is free or ctx ends.
func WithRateLimit(next core.Model, perMinute int) core.Model {
	return &limited{
		next:    next,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1),
	}
}

func (l *limited) Generate(ctx context.Context, req *core.ModelRequest) (*core.ModelResponse, error) {
	if l.limiter.Tokens() < 1 {
		log.Debug("[LLM] Waiting for rate limiter")
	}
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	return l.next.Generate(ctx, req)
}

func (l *limited) Name() string {
	if n, ok := l.next.(Named); ok {
		return n.Name()
	}
	return ""
}
