// internal/triage/llm.go
package triage

import (
	"context"
	"strings"
)

// Provider is the interface for any LLM backend.
type Provider interface {
	Name() string
	Send(ctx context.Context, req *LLMRequest) (*LLMResponse, error)
}

// LLMRequest is a single-shot request: one fixed system instruction and the
// rendered prompt as the user message.
type LLMRequest struct {
	MaxTokens int
	System    string
	Messages  []Message
}

// LLMResponse is the provider's reply, including token usage and the model
// that actually served it.
type LLMResponse struct {
	Content    []ContentBlock
	StopReason StopReason
	Usage      Usage
	Model      string
}

// Text concatenates the response's text blocks.
func (r *LLMResponse) Text() string {
	var b strings.Builder
	for _, block := range r.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// StopReason indicates why the LLM stopped generating content.
type StopReason string

const (
	StopEnd       StopReason = "end_turn"
	StopMaxTokens StopReason = "max_tokens"
)

// Message represents a single message in the conversation.
type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ContentBlock is one block of a message. Only text blocks are produced or
// consumed by the pipeline.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// userMessage wraps a rendered prompt as the single user turn.
func userMessage(prompt string) []Message {
	return []Message{{
		Role:    "user",
		Content: []ContentBlock{{Type: "text", Text: prompt}},
	}}
}
