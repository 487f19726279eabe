// Package mock provides a deterministic llm.Client used by tests and by
// the CLI's offline mode, so council runs are reproducible without a live
// model provider.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/concordhq/concord/pkg/llm"
)

// Client is a scripted llm.Client: callers queue responses keyed by the
// last user message content, and Completion/StructuredCompletion return
// the next queued match (or a default if none was queued).
type Client struct {
	mu        sync.Mutex
	responses map[string][]string
	structured map[string][]json.RawMessage
	calls     []llm.Request
	Default   string
}

// New creates an empty mock Client. Queue responses with On/OnStructured
// before exercising code that calls Completion/StructuredCompletion.
func New() *Client {
	return &Client{
		responses:  make(map[string][]string),
		structured: make(map[string][]json.RawMessage),
		Default:    "ok",
	}
}

// On queues a plain-text response to return the next time a request's
// final user message equals key.
func (c *Client) On(key, response string) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses[key] = append(c.responses[key], response)
	return c
}

// OnStructured queues a raw JSON payload to return for StructuredCompletion
// requests whose final user message equals key.
func (c *Client) OnStructured(key string, payload json.RawMessage) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.structured[key] = append(c.structured[key], payload)
	return c
}

// Calls returns every Completion request the mock has observed, in order.
// StructuredCompletion requests are not recorded.
func (c *Client) Calls() []llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]llm.Request(nil), c.calls...)
}

func lastUserContent(messages []llm.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == llm.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

// Completion returns the next queued response for the request's final user
// message, or Default if nothing was queued for it.
func (c *Client) Completion(_ context.Context, req llm.Request) (llm.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, req)

	key := lastUserContent(req.Messages)
	queue := c.responses[key]
	content := c.Default
	if len(queue) > 0 {
		content = queue[0]
		c.responses[key] = queue[1:]
	}
	return llm.Response{Content: content, Model: req.Model}, nil
}

// StructuredCompletion returns the next queued JSON payload for the
// request's final user message. It errors if nothing was queued, since a
// caller always expects a schema-shaped result back.
func (c *Client) StructuredCompletion(_ context.Context, req llm.StructuredRequest) (llm.StructuredResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := lastUserContent(req.Messages)
	queue := c.structured[key]
	if len(queue) == 0 {
		return llm.StructuredResponse{}, fmt.Errorf("mock: no structured response queued for key %q", key)
	}
	payload := queue[0]
	c.structured[key] = queue[1:]
	return llm.StructuredResponse{JSON: payload, Model: req.Model}, nil
}

var _ llm.Client = (*Client)(nil)
