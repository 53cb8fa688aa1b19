package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPMemoryClient retrieves long-term user context from a memory service.
type HTTPMemoryClient struct {
	url    string
	client *http.Client
}

// NewHTTPMemoryClient creates a memory service client.
func NewHTTPMemoryClient(url string, poolSize int) *HTTPMemoryClient {
	return &HTTPMemoryClient{
		url:    url,
		client: NewPooledHTTPClient(poolSize, 5*time.Second),
	}
}

// GetContext queries the memory service for context relevant to the query.
func (c *HTTPMemoryClient) GetContext(ctx context.Context, userID, agentID, query string) (string, error) {
	body, err := json.Marshal(struct {
		UserID  string `json:"user_id"`
		AgentID string `json:"agent_id"`
		Query   string `json:"query"`
	}{UserID: userID, AgentID: agentID, Query: query})
	if err != nil {
		return "", fmt.Errorf("marshal memory request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url+"/api/memory/query", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create memory request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("memory request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("memory status %d: %s", resp.StatusCode, respBody)
	}

	var result struct {
		Context string `json:"context"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode memory response: %w", err)
	}
	return result.Context, nil
}
