package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/voicegate/gateway/internal/convcache"
	"github.com/voicegate/gateway/internal/metrics"
)

// OpenAIReasoner streams chat completions through the OpenAI SDK. BaseURL may
// point at any OpenAI-compatible server.
type OpenAIReasoner struct {
	client    openai.Client
	model     string
	maxTokens int
}

// NewOpenAIReasoner creates an OpenAI streaming client. baseURL is optional.
func NewOpenAIReasoner(apiKey, baseURL, model string, maxTokens int) *OpenAIReasoner {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIReasoner{
		client:    openai.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
	}
}

// Generate streams a chat completion for the conversation.
func (c *OpenAIReasoner) Generate(ctx context.Context, systemPrompt, memoryContext string, history []convcache.Turn, userText string, onChunk func(string)) (*GenerateResult, error) {
	start := time.Now()

	messages := []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(systemPrompt)}
	if memoryContext != "" {
		messages = append(messages, openai.SystemMessage("Relevant context about this user:\n"+memoryContext))
	}
	for _, t := range history {
		messages = append(messages, openai.UserMessage(t.User), openai.AssistantMessage(t.Assistant))
	}
	messages = append(messages, openai.UserMessage(userText))

	stream := c.client.Chat.Completions.NewStreaming(ctx, openai.ChatCompletionNewParams{
		Model:     openai.ChatModel(c.model),
		Messages:  messages,
		MaxTokens: openai.Int(int64(c.maxTokens)),
	})

	var text string
	var ttft time.Time
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		if ttft.IsZero() {
			ttft = time.Now()
		}
		if onChunk != nil {
			onChunk(delta)
		}
		text += delta
	}
	if err := stream.Err(); err != nil {
		metrics.Errors.WithLabelValues("reasoning", "stream").Inc()
		return nil, fmt.Errorf("openai stream: %w", err)
	}

	latency := time.Since(start)
	ttftMs := float64(0)
	if !ttft.IsZero() {
		ttftMs = float64(ttft.Sub(start).Milliseconds())
	}

	return &GenerateResult{
		Text:               text,
		LatencyMs:          float64(latency.Milliseconds()),
		TimeToFirstTokenMs: ttftMs,
	}, nil
}
