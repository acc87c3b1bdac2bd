// Package genai provides GenAI-backed generation using the OpenAI API.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// ErrNoChoicesReturned is returned when the API response contains no choices.
var ErrNoChoicesReturned = errors.New("no choices returned")

// DefaultModel is used when no model override is configured.
const DefaultModel = openai.ChatModelGPT4o

// chatService defines the minimal interface for chat completions.
type chatService interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// ToolCall represents a single tool invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolCallResponse carries either assistant text, requested tool calls, or both.
type ToolCallResponse struct {
	Content   string
	ToolCalls []ToolCall
}

// ClientInterface defines the generation operations consumed by the flow and
// pipeline packages.
type ClientInterface interface {
	GeneratePrompt(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error)
	GenerateWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*ToolCallResponse, error)
}

// Client wraps the OpenAI chat-completion service.
type Client struct {
	chat  chatService
	model openai.ChatModel
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey string
	Model  string
}

// Option configures the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key, overriding the OPENAI_API_KEY variable.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides the chat model used for generation.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// NewClient initializes a GenAI client. The API key is taken from options or
// from the OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}

	model := openai.ChatModel(cfg.Model)
	if model == "" {
		model = DefaultModel
	}

	cli := openai.NewClient(option.WithAPIKey(apiKey))
	slog.Debug("GenAI client initialized", "model", model)
	return &Client{chat: &cli.Chat.Completions, model: model}, nil
}

// New has a pointer receiver on the concrete service.
var _ chatService = (*openai.ChatCompletionService)(nil)

// GeneratePrompt generates a response from a system and user prompt pair.
func (c *Client) GeneratePrompt(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return c.GenerateWithMessages(ctx, []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(systemPrompt),
		openai.UserMessage(userPrompt),
	})
}

// GenerateWithMessages generates a response for a full message history.
func (c *Client) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	resp, err := c.chat.New(ctx, openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	return resp.Choices[0].Message.Content, nil
}

// GenerateWithTools generates a response with tool definitions attached. The
// model may answer with text, tool calls, or both.
func (c *Client) GenerateWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*ToolCallResponse, error) {
	resp, err := c.chat.New(ctx, openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: messages,
		Tools:    tools,
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion with tools failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrNoChoicesReturned
	}

	msg := resp.Choices[0].Message
	out := &ToolCallResponse{Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	slog.Debug("GenAI tool response", "toolCalls", len(out.ToolCalls), "contentLength", len(out.Content))
	return out, nil
}
