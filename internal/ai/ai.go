// Package ai defines the narrow request/response interface through which
// the rest of the system consumes the language model. Orchestrators depend
// on Client only; the vendor wiring lives behind it.
package ai

import (
	"context"
	"encoding/json"
)

// Message is one conversation turn.
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// Tool describes a structured-output tool offered to the model.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// Request is a single model call.
type Request struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []Message `json:"messages"`
	Tools     []Tool    `json:"tools,omitempty"`
}

// ContentBlock is one piece of the model's reply: plain text or a tool
// invocation carrying structured input.
type ContentBlock struct {
	Type  string          `json:"type"` // "text" or "tool_use"
	Text  string          `json:"text,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// Usage reports token consumption for accounting.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is the model's reply.
type Response struct {
	Content []ContentBlock `json:"content"`
	Usage   Usage          `json:"usage"`
}

// Client creates model messages. Implementations must honor ctx.
type Client interface {
	CreateMessage(ctx context.Context, req Request) (*Response, error)
}

// FirstToolInput returns the input of the first tool_use block with the
// given name, or false when the response carries none.
func FirstToolInput(resp *Response, name string) (json.RawMessage, bool) {
	for _, block := range resp.Content {
		if block.Type == "tool_use" && block.Name == name {
			return block.Input, true
		}
	}
	return nil, false
}

// JoinText concatenates the response's text blocks.
func JoinText(resp *Response) string {
	var out string
	for _, block := range resp.Content {
		if block.Type == "text" {
			out += block.Text
		}
	}
	return out
}
