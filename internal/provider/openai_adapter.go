package provider

import (
	"context"
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/dcode-agent/dcode/internal/engineerr"
)

// OpenAIProvider adapts sashabaranov/go-openai to the Provider interface.
// It is the one concrete provider this engine ships: the multi-vendor wire
// protocol (Anthropic/Bedrock/Vertex/etc. request shaping) is explicitly
// out of this engine's scope (spec Non-goal: model-specific wire
// protocol); anything that needs another vendor supplies its own Provider
// against an OpenAI-compatible base URL, which this adapter already
// supports via baseURL.
type OpenAIProvider struct {
	client  *openai.Client
	model   string
	models  []string
}

// NewOpenAIProvider constructs a provider pointed at baseURL (empty string
// selects the default OpenAI API endpoint), authenticating with apiKey.
func NewOpenAIProvider(apiKey, baseURL string, models []string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIProvider{client: openai.NewClientWithConfig(cfg), models: models}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Models() []string { return p.models }

func toOpenAIMessages(req *MessageRequest) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		text, ok := m.Content.(string)
		if !ok {
			text = flattenContentBlocks(m.Content)
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: text})
	}
	return msgs
}

func flattenContentBlocks(content interface{}) string {
	blocks, ok := content.([]ContentBlock)
	if !ok {
		return fmt.Sprintf("%v", content)
	}
	out := ""
	for _, b := range blocks {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}

func toOpenAITools(tools []Tool) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.Tool, len(tools))
	for i, t := range tools {
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		}
	}
	return out
}

// CreateMessage issues one non-streaming chat completion.
func (p *OpenAIProvider) CreateMessage(ctx context.Context, req *MessageRequest) (*MessageResponse, error) {
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    toOpenAIMessages(req),
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
		TopP:        float32(req.TopP),
		Tools:       toOpenAITools(req.Tools),
	})
	if err != nil {
		return nil, ClassifyError(err, statusCodeOf(err), "")
	}
	if len(resp.Choices) == 0 {
		return nil, engineerr.New(engineerr.Internal, "openai: empty choices in response %s", resp.ID)
	}
	choice := resp.Choices[0]

	content := []ContentBlock{{Type: "text", Text: choice.Message.Content}}
	for _, tc := range choice.Message.ToolCalls {
		content = append(content, ContentBlock{Type: "tool_use", ID: tc.ID, Name: tc.Function.Name, Input: parseToolArgs(tc.Function.Arguments)})
	}

	return &MessageResponse{
		ID:         resp.ID,
		Model:      resp.Model,
		Role:       "assistant",
		Content:    content,
		StopReason: string(choice.FinishReason),
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

// StreamMessage issues a streaming chat completion, invoking callback with
// each delta chunk until the stream is exhausted or callback returns an
// error.
func (p *OpenAIProvider) StreamMessage(ctx context.Context, req *MessageRequest, callback func(*StreamChunk) error) error {
	stream, err := p.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    toOpenAIMessages(req),
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
		TopP:        float32(req.TopP),
		Tools:       toOpenAITools(req.Tools),
		Stream:      true,
	})
	if err != nil {
		return ClassifyError(err, statusCodeOf(err), "")
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if err != nil {
			if err.Error() == "EOF" {
				return callback(&StreamChunk{Type: "done"})
			}
			return ClassifyError(err, statusCodeOf(err), "")
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta
		if delta.Content != "" {
			if err := callback(&StreamChunk{Type: "text", Text: delta.Content}); err != nil {
				return err
			}
		}
	}
}

func statusCodeOf(err error) int {
	var apiErr *openai.APIError
	if ok := asAPIError(err, &apiErr); ok {
		return apiErr.HTTPStatusCode
	}
	return 0
}

func asAPIError(err error, target **openai.APIError) bool {
	if apiErr, ok := err.(*openai.APIError); ok {
		*target = apiErr
		return true
	}
	return false
}

func parseToolArgs(raw string) map[string]interface{} {
	args := map[string]interface{}{}
	if raw == "" {
		return args
	}
	_ = json.Unmarshal([]byte(raw), &args)
	return args
}
