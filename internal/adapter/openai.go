package adapter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/ShayCichocki/hive/pkg/models"
)

// OpenAIConfig configures the OpenAI adapter.
type OpenAIConfig struct {
	// Model defaults to gpt-4o-mini.
	Model string
	// APIKey falls back to OPENAI_API_KEY.
	APIKey string
	// BaseURL targets an OpenAI-compatible endpoint when set.
	BaseURL             string
	Temperature         float64
	MaxCompletionTokens int64
}

// OpenAI calls the Chat Completions API.
type OpenAI struct {
	client  openai.Client
	cfg     OpenAIConfig
	tracker *TokenTracker
}

// NewOpenAI creates an OpenAI adapter.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY environment variable is not set")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Model == "" {
		cfg.Model = openai.ChatModelGPT4oMini
	}
	if cfg.MaxCompletionTokens <= 0 {
		cfg.MaxCompletionTokens = 4096
	}
	return &OpenAI{client: openai.NewClient(opts...), cfg: cfg, tracker: NewTokenTracker()}, nil
}

// Model returns the configured model name.
func (o *OpenAI) Model() string {
	return o.cfg.Model
}

// Tracker returns the token tracker for this adapter.
func (o *OpenAI) Tracker() *TokenTracker {
	return o.tracker
}

// Generate implements Adapter.
func (o *OpenAI) Generate(ctx context.Context, prompt string, c Context) (Response, error) {
	start := time.Now()
	var messages []openai.ChatCompletionMessageParamUnion
	if c.System != "" {
		messages = append(messages, openai.SystemMessage(c.System))
	}
	messages = append(messages, openai.UserMessage(prompt))

	params := openai.ChatCompletionNewParams{
		Messages:            messages,
		Model:               o.cfg.Model,
		MaxCompletionTokens: openai.Int(o.cfg.MaxCompletionTokens),
	}
	if o.cfg.Temperature > 0 {
		params.Temperature = openai.Float(o.cfg.Temperature)
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		status := 0
		if errors.As(err, &apiErr) {
			status = apiErr.StatusCode
		}
		return Response{}, classify(ctx, fmt.Errorf("openai api error: %w", err), status)
	}

	usage := models.TokenUsage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens}
	o.tracker.Record(usage)
	out := Response{
		Usage:   usage,
		Latency: time.Since(start),
	}
	if len(resp.Choices) == 0 {
		return out, InvalidResponse("", fmt.Errorf("no choices returned"))
	}
	out.Text = resp.Choices[0].Message.Content
	if out.Text == "" {
		return out, InvalidResponse("", fmt.Errorf("empty content (finish reason %s)", resp.Choices[0].FinishReason))
	}
	return out, nil
}
