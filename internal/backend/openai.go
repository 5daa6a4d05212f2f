package backend

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	lcschema "github.com/tmc/langchaingo/schema"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultRateLimit = 2.0
	defaultBurst     = 1
)

type OpenAIConfig struct {
	Token   string
	BaseURL string
	Model   string
	// RequestsPerSecond caps call rate; zero uses the default.
	RequestsPerSecond float64
	Burst             int
}

// OpenAI generates through a chat completion endpoint.
type OpenAI struct {
	llm     llms.Model
	limiter *rate.Limiter
	logger  *zap.Logger
}

func NewOpenAI(cfg OpenAIConfig, logger *zap.Logger) (*OpenAI, error) {
	opts := []openai.Option{}
	if cfg.Token != "" {
		opts = append(opts, openai.WithToken(cfg.Token))
	}
	if cfg.Model != "" {
		opts = append(opts, openai.WithModel(cfg.Model))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create openai client: %w", err)
	}
	return newOpenAI(llm, cfg, logger), nil
}

func newOpenAI(llm llms.Model, cfg OpenAIConfig, logger *zap.Logger) *OpenAI {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRateLimit
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAI{
		llm:     llm,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		logger:  logger.Named("openai"),
	}
}

func (o *OpenAI) Generate(ctx context.Context, model, system, payload string) (string, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter error: %w", err)
	}

	messages := []llms.MessageContent{
		{Role: lcschema.ChatMessageTypeSystem, Parts: []llms.ContentPart{llms.TextContent{Text: system}}},
		{Role: lcschema.ChatMessageTypeHuman, Parts: []llms.ContentPart{llms.TextContent{Text: payload}}},
	}

	var callOpts []llms.CallOption
	if model != "" {
		callOpts = append(callOpts, llms.WithModel(model))
	}

	o.logger.Debug("chat completion", zap.String("role", RoleFrom(ctx)), zap.String("model", model), zap.Int("payload_bytes", len(payload)))
	resp, err := o.llm.GenerateContent(ctx, messages, callOpts...)
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty response from model %s", model)
	}
	return resp.Choices[0].Content, nil
}
