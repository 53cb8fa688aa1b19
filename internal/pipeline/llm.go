package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/voicegate/gateway/internal/convcache"
	"github.com/voicegate/gateway/internal/metrics"
)

// OllamaReasoner streams chat completions from an Ollama server.
type OllamaReasoner struct {
	url       string
	model     string
	maxTokens int
	client    *http.Client
}

// NewOllamaReasoner creates an Ollama HTTP client.
func NewOllamaReasoner(url, model string, maxTokens, poolSize int) *OllamaReasoner {
	return &OllamaReasoner{
		url:       url,
		model:     model,
		maxTokens: maxTokens,
		client:    NewPooledHTTPClient(poolSize, 120*time.Second),
	}
}

// Generate sends the conversation to Ollama and streams the reply.
func (c *OllamaReasoner) Generate(ctx context.Context, systemPrompt, memoryContext string, history []convcache.Turn, userText string, onChunk func(string)) (*GenerateResult, error) {
	start := time.Now()

	resp, err := c.postChat(ctx, systemPrompt, memoryContext, history, userText)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.Errors.WithLabelValues("reasoning", "status").Inc()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("ollama status %d: %s", resp.StatusCode, body)
	}

	sr, err := consumeOllamaStream(resp.Body, onChunk)
	if err != nil {
		return nil, err
	}

	latency := time.Since(start)
	ttft := float64(0)
	if !sr.ttft.IsZero() {
		ttft = float64(sr.ttft.Sub(start).Milliseconds())
	}

	return &GenerateResult{
		Text:               sr.text,
		LatencyMs:          float64(latency.Milliseconds()),
		TimeToFirstTokenMs: ttft,
	}, nil
}

func (c *OllamaReasoner) postChat(ctx context.Context, systemPrompt, memoryContext string, history []convcache.Turn, userText string) (*http.Response, error) {
	messages := []ollamaMessage{{Role: "system", Content: systemPrompt}}
	if memoryContext != "" {
		messages = append(messages, ollamaMessage{Role: "system", Content: "Relevant context about this user:\n" + memoryContext})
	}
	for _, t := range history {
		messages = append(messages,
			ollamaMessage{Role: "user", Content: t.User},
			ollamaMessage{Role: "assistant", Content: t.Assistant})
	}
	messages = append(messages, ollamaMessage{Role: "user", Content: userText})

	reqBody := ollamaRequest{
		Model:    c.model,
		Stream:   true,
		Options:  ollamaOptions{NumPredict: c.maxTokens},
		Messages: messages,
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal ollama request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url+"/api/chat", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("create ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.Errors.WithLabelValues("reasoning", "http").Inc()
		return nil, fmt.Errorf("ollama request: %w", err)
	}
	return resp, nil
}

type streamResult struct {
	text string
	ttft time.Time
}

func consumeOllamaStream(body io.Reader, onChunk func(string)) (streamResult, error) {
	var sr streamResult
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		var chunk ollamaStreamChunk
		if json.Unmarshal(scanner.Bytes(), &chunk) != nil {
			continue
		}
		if chunk.Done {
			break
		}
		if chunk.Message.Content == "" {
			continue
		}
		if sr.ttft.IsZero() {
			sr.ttft = time.Now()
		}
		if onChunk != nil {
			onChunk(chunk.Message.Content)
		}
		sr.text += chunk.Message.Content
	}
	if err := scanner.Err(); err != nil {
		return sr, fmt.Errorf("read ollama stream: %w", err)
	}
	return sr, nil
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Stream   bool            `json:"stream"`
	Messages []ollamaMessage `json:"messages"`
	Options  ollamaOptions   `json:"options"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	NumPredict int `json:"num_predict"`
}

type ollamaStreamChunk struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
}
