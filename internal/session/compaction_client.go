package session

import (
	"context"

	"github.com/dcode-agent/dcode/internal/engineerr"
	"github.com/dcode-agent/dcode/internal/provider"
)

// ProviderCompactionClient adapts a provider.Provider into the narrow
// CompactionModelClient the compactor needs, translating provider error
// classification (ErrorTypeContextOverflow) into engineerr.ContextWindowExceeded
// so Compact's retry logic can branch on it.
type ProviderCompactionClient struct {
	Provider  provider.Provider
	Model     string
	MaxTokens int
}

func toProviderMessages(messages []Message) []provider.Message {
	out := make([]provider.Message, len(messages))
	for i, m := range messages {
		out[i] = provider.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

// RunCompactionPrompt implements CompactionModelClient.
func (c *ProviderCompactionClient) RunCompactionPrompt(ctx context.Context, messages []Message) (string, error) {
	maxTokens := c.MaxTokens
	if maxTokens == 0 {
		maxTokens = OutputTokenMax
	}
	resp, err := c.Provider.CreateMessage(ctx, &provider.MessageRequest{
		Model:     c.Model,
		Messages:  toProviderMessages(messages),
		MaxTokens: maxTokens,
	})
	if err != nil {
		if classified, ok := err.(*provider.ClassifiedError); ok && classified.Type == provider.ErrorTypeContextOverflow {
			return "", engineerr.Wrap(engineerr.ContextWindowExceeded, err, "compaction prompt rejected as too large")
		}
		return "", engineerr.Wrap(engineerr.Internal, err, "compaction model call failed")
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return text, nil
}
