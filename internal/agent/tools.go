package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// ToolFunc executes a tool call against the external tool/API.
type ToolFunc func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Tool is one priced tool: its spec as shown to the reasoning step, plus the
// function that actually runs it.
type Tool struct {
	Spec ToolSpec
	Run  ToolFunc
}

// Catalog is the fixed set of named tools a gate offers.
type Catalog struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewCatalog() *Catalog {
	return &Catalog{tools: make(map[string]Tool)}
}

// Register adds a tool. Registering the same name twice replaces it.
func (c *Catalog) Register(tool Tool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tools[tool.Spec.Name] = tool
}

// Get returns the named tool.
func (c *Catalog) Get(name string) (Tool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tool, ok := c.tools[name]
	return tool, ok
}

// Specs returns every tool spec, for handing to the reasoning step.
func (c *Catalog) Specs() []ToolSpec {
	c.mu.RLock()
	defer c.mu.RUnlock()
	specs := make([]ToolSpec, 0, len(c.tools))
	for _, tool := range c.tools {
		specs = append(specs, tool.Spec)
	}
	return specs
}

// NewHTTPTool builds a Tool that forwards its arguments to an external API
// endpoint and returns the response body as the tool result.
func NewHTTPTool(spec ToolSpec, endpoint, apiKey string) Tool {
	client := &http.Client{Timeout: 30 * time.Second}
	return Tool{
		Spec: spec,
		Run: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(args))
			if err != nil {
				return nil, fmt.Errorf("failed to create tool request: %w", err)
			}
			req.Header.Set("Content-Type", "application/json")
			if apiKey != "" {
				req.Header.Set("X-Api-Key", apiKey)
			}

			resp, err := client.Do(req)
			if err != nil {
				return nil, fmt.Errorf("failed to call tool endpoint: %w", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return nil, fmt.Errorf("failed to read tool response: %w", err)
			}
			if resp.StatusCode >= 400 {
				return nil, fmt.Errorf("tool request failed with status %d: %s", resp.StatusCode, string(body))
			}
			return body, nil
		},
	}
}

// Execute runs the named tool.
func (c *Catalog) Execute(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	tool, ok := c.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	return tool.Run(ctx, args)
}
