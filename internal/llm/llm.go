package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	ollama "github.com/ollama/ollama/api"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.opentelemetry.io/otel"

	"github.com/dynoinc/billstream/internal/storage/schema/dto"
	"github.com/dynoinc/billstream/internal/stream"
)

const localOllamaURL = "http://localhost:11434/v1/"

type Config struct {
	APIKey          string `envconfig:"API_KEY"`
	URL             string `default:"http://localhost:11434/v1/"`
	Model           string `default:"qwen2.5:7b"`
	SystemPrompt    string `split_words:"true" default:"You are a helpful assistant."`
	MaxOutputTokens int64  `split_words:"true" default:"2048"`
	AddEventDetails bool   `split_words:"true"`
}

// Client opens streaming chat completions against an OpenAI compatible API.
type Client struct {
	client openai.Client
	cfg    Config
}

func New(ctx context.Context, cfg Config, opts ...option.RequestOption) (*Client, error) {
	if cfg.URL != localOllamaURL && cfg.APIKey == "" {
		return nil, errors.New("llm: API key required for a remote provider")
	}

	opts = append([]option.RequestOption{
		option.WithBaseURL(cfg.URL),
		option.WithAPIKey(cfg.APIKey),
		option.WithMiddleware(NewOtelMiddleware(otel.GetTracerProvider(), OtelMiddlewareConfig{
			AddEventDetails: cfg.AddEventDetails,
		})),
		// Retries happen at the attempt level, where they are billed separately.
		option.WithMaxRetries(0),
	}, opts...)

	c := &Client{client: openai.NewClient(opts...), cfg: cfg}
	if err := c.checkAndDownloadModel(ctx, cfg.Model); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) Model() string {
	return c.cfg.Model
}

func (c *Client) checkAndDownloadModel(ctx context.Context, modelName string) error {
	if _, err := c.client.Models.Get(ctx, modelName); err != nil {
		var aerr *openai.Error
		if errors.As(err, &aerr) && aerr.StatusCode == http.StatusNotFound && c.cfg.URL == localOllamaURL {
			if err := downloadOllamaModel(ctx, modelName); err != nil {
				return fmt.Errorf("downloading model %s: %w", modelName, err)
			}
		} else {
			return fmt.Errorf("getting model %s: %w", modelName, err)
		}
	}
	return nil
}

func downloadOllamaModel(ctx context.Context, model string) error {
	client := ollama.NewClient(&url.URL{
		Scheme: "http",
		Host:   "localhost:11434",
	}, http.DefaultClient)

	var last string
	if err := client.Pull(ctx, &ollama.PullRequest{Model: model}, func(resp ollama.ProgressResponse) error {
		if resp.Status != last {
			slog.InfoContext(ctx, "pulling model", "model", model, "status", resp.Status, "completed", resp.Completed, "total", resp.Total)
			last = resp.Status
		}
		return nil
	}); err != nil {
		return fmt.Errorf("downloading model %s: %w", model, err)
	}

	slog.DebugContext(ctx, "downloaded model", "model", model)
	return nil
}

// Params builds the request sent for a turn. The system prompt is prepended;
// history is sent as stored.
func (c *Client) Params(history []dto.Message) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+1)
	if c.cfg.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(c.cfg.SystemPrompt))
	}
	for _, m := range history {
		messages = append(messages, toParam(m))
	}

	params := openai.ChatCompletionNewParams{
		Model:    c.cfg.Model,
		Messages: messages,
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if c.cfg.MaxOutputTokens > 0 {
		params.MaxCompletionTokens = openai.Int(c.cfg.MaxOutputTokens)
	}
	return params
}

// Open returns an OpenFunc that starts the stream for params when first iterated.
func (c *Client) Open(params openai.ChatCompletionNewParams) stream.OpenFunc {
	return func(ctx context.Context) (stream.Source, error) {
		return newChatSource(c.client.Chat.Completions.NewStreaming(ctx, params)), nil
	}
}

func toParam(m dto.Message) openai.ChatCompletionMessageParamUnion {
	switch m.Role {
	case dto.RoleSystem:
		return openai.SystemMessage(m.Content)
	case dto.RoleAssistant:
		assistant := openai.ChatCompletionAssistantMessageParam{}
		if m.Content != "" {
			assistant.Content.OfString = openai.String(m.Content)
		}
		for _, tc := range m.ToolCalls {
			assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
				ID: tc.ID,
				Function: openai.ChatCompletionMessageToolCallFunctionParam{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		return openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant}
	case dto.RoleTool:
		return openai.ToolMessage(m.Content, m.ToolCallID)
	default:
		return openai.UserMessage(m.Content)
	}
}
