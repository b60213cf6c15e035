package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/sashabaranov/go-openai"

	"github.com/scttfrdmn/agenkit/incident-go/agenkit"
)

// OpenAILLM is an adapter for OpenAI and Azure OpenAI chat models.
type OpenAILLM struct {
	client *openai.Client
	model  string
}

// OpenAIOption customises the client configuration.
type OpenAIOption func(*openai.ClientConfig)

// WithBaseURL points the client at a different API root.
func WithBaseURL(url string) OpenAIOption {
	return func(c *openai.ClientConfig) {
		c.BaseURL = url
	}
}

// WithHTTPClient sets the HTTP client used for API calls.
func WithHTTPClient(client *http.Client) OpenAIOption {
	return func(c *openai.ClientConfig) {
		c.HTTPClient = client
	}
}

// NewOpenAILLM creates an OpenAI adapter.
//
// Example:
//
//	model := NewOpenAILLM("sk-...", "gpt-4o")
func NewOpenAILLM(apiKey, model string, opts ...OpenAIOption) *OpenAILLM {
	config := openai.DefaultConfig(apiKey)
	for _, opt := range opts {
		opt(&config)
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAILLM{
		client: openai.NewClientWithConfig(config),
		model:  model,
	}
}

// NewAzureLLM creates an adapter for an Azure OpenAI deployment. Every model
// name maps to the given deployment.
//
// Example:
//
//	model := NewAzureLLM("https://acme.openai.azure.com", key, "gpt-4o-mini", "2024-10-21")
func NewAzureLLM(endpoint, apiKey, deployment, apiVersion string, opts ...OpenAIOption) *OpenAILLM {
	config := openai.DefaultAzureConfig(apiKey, endpoint)
	if apiVersion != "" {
		config.APIVersion = apiVersion
	}
	config.AzureModelMapperFunc = func(string) string {
		return deployment
	}
	for _, opt := range opts {
		opt(&config)
	}
	return &OpenAILLM{
		client: openai.NewClientWithConfig(config),
		model:  deployment,
	}
}

// Model returns the model identifier.
func (o *OpenAILLM) Model() string {
	return o.model
}

func (o *OpenAILLM) buildRequest(messages []*agenkit.Message, options *CallOptions) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: convertMessages(messages),
	}
	if options.Temperature != nil {
		req.Temperature = float32(*options.Temperature)
	}
	if options.MaxTokens != nil {
		req.MaxTokens = *options.MaxTokens
	}
	if options.TopP != nil {
		req.TopP = float32(*options.TopP)
	}
	if stop, ok := options.Extra["stop"].([]string); ok {
		req.Stop = stop
	}
	if user, ok := options.Extra["user"].(string); ok {
		req.User = user
	}
	return req
}

// Complete generates a completion. Response metadata includes model, usage,
// finish_reason and id.
func (o *OpenAILLM) Complete(ctx context.Context, messages []*agenkit.Message, opts ...CallOption) (*agenkit.Message, error) {
	req := o.buildRequest(messages, BuildCallOptions(opts...))

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai returned no choices")
	}

	response := agenkit.NewMessage("agent", resp.Choices[0].Message.Content)
	response.Metadata["model"] = resp.Model
	response.Metadata["usage"] = map[string]interface{}{
		"prompt_tokens":     resp.Usage.PromptTokens,
		"completion_tokens": resp.Usage.CompletionTokens,
		"total_tokens":      resp.Usage.TotalTokens,
	}
	response.Metadata["finish_reason"] = string(resp.Choices[0].FinishReason)
	response.Metadata["id"] = resp.ID

	return response, nil
}

// Stream generates completion chunks.
func (o *OpenAILLM) Stream(ctx context.Context, messages []*agenkit.Message, opts ...CallOption) (<-chan *agenkit.Message, error) {
	req := o.buildRequest(messages, BuildCallOptions(opts...))
	req.Stream = true

	stream, err := o.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai stream error: %w", err)
	}

	messageChan := make(chan *agenkit.Message)
	go func() {
		defer close(messageChan)
		defer stream.Close()

		for {
			response, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				errorMsg := agenkit.NewMessage("agent", "")
				errorMsg.Metadata["error"] = err.Error()
				errorMsg.Metadata["streaming"] = true
				select {
				case messageChan <- errorMsg:
				case <-ctx.Done():
				}
				return
			}

			if len(response.Choices) > 0 && response.Choices[0].Delta.Content != "" {
				chunk := agenkit.NewMessage("agent", response.Choices[0].Delta.Content)
				chunk.Metadata["streaming"] = true
				chunk.Metadata["model"] = o.model
				select {
				case messageChan <- chunk:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return messageChan, nil
}

// convertMessages maps agenkit roles onto OpenAI roles. "agent" and unknown
// roles become "assistant".
func convertMessages(messages []*agenkit.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		var role string
		switch msg.Role {
		case "system", "user", "tool", "assistant":
			role = msg.Role
		default:
			role = openai.ChatMessageRoleAssistant
		}
		out = append(out, openai.ChatCompletionMessage{
			Role:    role,
			Content: msg.Content,
		})
	}
	return out
}

// Unwrap returns the underlying *openai.Client.
func (o *OpenAILLM) Unwrap() interface{} {
	return o.client
}
