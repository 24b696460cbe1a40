package distill

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/joelkehle/diagdistill/internal/config"
)

const systemPrompt = "You are a clinical information extraction assistant. You extract only what the medical record states, never invent findings, and respond with strict JSON only."

// LLMCaller is the reduced text-completion capability the pipeline needs.
type LLMCaller interface {
	GenerateJSON(ctx context.Context, prompt string) (string, error)
	ModelName() string
}

type GenerationParams struct {
	MaxTokens   int
	Temperature float64
	// TopP is sent only by the OpenAI-compatible provider. Claude models
	// reject requests that set both temperature and top_p.
	TopP        float64
	Timeout     time.Duration
}

func GenerationParamsFromConfig(c config.ClientConfig) GenerationParams {
	return GenerationParams{
		MaxTokens:   c.MaxTokens,
		Temperature: c.Temperature,
		TopP:        c.TopP,
		Timeout:     c.Timeout,
	}
}

type AnthropicMessager interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

type AnthropicCaller struct {
	messages AnthropicMessager
	model    string
	params   GenerationParams
}

type AnthropicClientCreator func(apiKey string) AnthropicMessager

func defaultAnthropicCreator(apiKey string) AnthropicMessager {
	c := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &c.Messages
}

var newAnthropicClient AnthropicClientCreator = defaultAnthropicCreator

func NewAnthropicCaller(apiKey, model string, params GenerationParams) (*AnthropicCaller, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("anthropic api key not configured")
	}
	return &AnthropicCaller{messages: newAnthropicClient(apiKey), model: model, params: params}, nil
}

func (a *AnthropicCaller) ModelName() string { return a.model }

func (a *AnthropicCaller) GenerateJSON(ctx context.Context, prompt string) (string, error) {
	maxTokens := int64(a.params.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	req := anthropic.MessageNewParams{
		Model:       anthropic.Model(a.model),
		MaxTokens:   maxTokens,
		System:      []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(prompt))},
		Temperature: anthropic.Float(a.params.Temperature),
	}
	resp, err := a.messages.New(ctx, req)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, b := range resp.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String(), nil
}

// OpenAICompatCaller talks to any /chat/completions endpoint (OpenAI,
// DeepSeek, vLLM, and similar gateways).
type OpenAICompatCaller struct {
	client *openai.Client
	model  string
	params GenerationParams
}

func NewOpenAICompatCaller(baseURL, apiKey, model string, params GenerationParams) (*OpenAICompatCaller, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("api key not configured")
	}
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("base url not configured")
	}
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = strings.TrimRight(baseURL, "/")
	cfg.HTTPClient = &http.Client{Timeout: timeout}
	return &OpenAICompatCaller{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		params: params,
	}, nil
}

func (o *OpenAICompatCaller) ModelName() string { return o.model }

func (o *OpenAICompatCaller) GenerateJSON(ctx context.Context, prompt string) (string, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens:   o.params.MaxTokens,
		Temperature: float32(o.params.Temperature),
		TopP:        float32(o.params.TopP),
	})
	if err != nil {
		if code := openAIStatus(err); code > 0 {
			return "", fmt.Errorf("chat completions status %d: %w", code, err)
		}
		return "", fmt.Errorf("chat completions: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no choices in chat response")
	}
	return resp.Choices[0].Message.Content, nil
}

func openAIStatus(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

// RateLimitedCaller paces calls made with one credential.
type RateLimitedCaller struct {
	next    LLMCaller
	limiter *rate.Limiter
}

func NewRateLimitedCaller(next LLMCaller, perSecond float64) LLMCaller {
	if perSecond <= 0 {
		return next
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedCaller{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (r *RateLimitedCaller) ModelName() string { return r.next.ModelName() }

func (r *RateLimitedCaller) GenerateJSON(ctx context.Context, prompt string) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return r.next.GenerateJSON(ctx, prompt)
}

// NewCallerFromCredential builds the provider named by a credential profile,
// wrapped with its rate limit.
func NewCallerFromCredential(cred config.CredentialConfig, params GenerationParams) (LLMCaller, error) {
	var (
		caller LLMCaller
		err    error
	)
	switch cred.Provider {
	case config.ProviderAnthropic:
		caller, err = NewAnthropicCaller(cred.Key(), cred.Model, params)
	case config.ProviderOpenAI, "":
		caller, err = NewOpenAICompatCaller(cred.BaseURL, cred.Key(), cred.Model, params)
	default:
		err = fmt.Errorf("unsupported provider %q", cred.Provider)
	}
	if err != nil {
		return nil, err
	}
	return NewRateLimitedCaller(caller, cred.RequestsPerSecond), nil
}
