package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ToolSpec describes one priced tool offered to the reasoning step.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Price       string          `json:"price"` // atomic units
	Schema      json.RawMessage `json:"schema"`
}

// ToolCall is a tool invocation proposed by the reasoning step.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ModelTurn is what the reasoning step returns: either a natural-language
// turn or one or more tool-call proposals.
type ModelTurn struct {
	Text      string          `json:"text,omitempty"`
	ToolCalls []ToolCall      `json:"tool_calls,omitempty"`
	Raw       json.RawMessage `json:"raw,omitempty"`
}

// Reasoner is the external reasoning-step collaborator.
type Reasoner interface {
	Respond(ctx context.Context, messages []Message, tools []ToolSpec) (*ModelTurn, error)
}

// HTTPReasoner calls a reasoning service over HTTP.
type HTTPReasoner struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPReasoner(baseURL, apiKey string) *HTTPReasoner {
	return &HTTPReasoner{
		baseURL: baseURL,
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

func (r *HTTPReasoner) Respond(ctx context.Context, messages []Message, tools []ToolSpec) (*ModelTurn, error) {
	payload := map[string]interface{}{
		"messages": messages,
		"tools":    tools,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal reasoner request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/respond", bytes.NewBuffer(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create reasoner request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("X-Api-Key", r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call reasoner: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("reasoner request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var turn ModelTurn
	if err := json.NewDecoder(resp.Body).Decode(&turn); err != nil {
		return nil, fmt.Errorf("failed to decode reasoner response: %w", err)
	}
	return &turn, nil
}
