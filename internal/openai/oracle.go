// Package openai adapts an OpenAI-compatible chat completion endpoint to the
// classification oracle.
package openai

import (
	"context"
	"net/http"
	"strings"
	"time"

	openaigo "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"chatcal/internal/models"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "gpt-4o-mini"
	DefaultTimeout = 60 * time.Second
	MaxRetries     = 2
)

// Config configures the oracle.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
	HTTPClient  *http.Client
}

// Oracle sends one system and one user message per classification call.
type Oracle struct {
	client      openaigo.Client
	model       string
	temperature float64
	maxTokens   int
}

// NewOracle creates an Oracle.
func NewOracle(cfg Config) *Oracle {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}

	client := openaigo.NewClient(
		option.WithBaseURL(baseURL),
		option.WithAPIKey(strings.TrimSpace(cfg.APIKey)),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(MaxRetries),
		option.WithRequestTimeout(DefaultTimeout),
	)

	return &Oracle{client: client, model: model, temperature: cfg.Temperature, maxTokens: cfg.MaxTokens}
}

// Complete returns the text of the first choice. An empty choice list yields
// an empty string.
func (o *Oracle) Complete(ctx context.Context, system, prompt string) (string, error) {
	params := openaigo.ChatCompletionNewParams{
		Model: openaigo.ChatModel(o.model),
		Messages: []openaigo.ChatCompletionMessageParamUnion{
			openaigo.SystemMessage(system),
			openaigo.UserMessage(prompt),
		},
		Temperature: openaigo.Float(o.temperature),
	}
	if o.maxTokens > 0 {
		params.MaxTokens = openaigo.Int(int64(o.maxTokens))
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", &models.TransportError{Op: "chat completion", Err: err}
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
