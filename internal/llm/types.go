// Package llm wraps the chat model behind a small client interface with
// retries, streaming, and token accounting.
package llm

import (
	"context"
	"iter"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Request is a chat completion request.
type Request struct {
	Messages    []Message
	Temperature float64
	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int64
}

// Client is the chat model surface. ChatStream yields content deltas; the
// final yield of a successful stream reports usage via the StreamResult
// returned after iteration.
type Client interface {
	// Chat runs a completion and returns the full answer text.
	Chat(ctx context.Context, req Request) (string, Usage, error)

	// ChatStream yields answer deltas in order. Iteration stops on the
	// first error. Usage for the whole stream is available from the
	// returned result after the sequence is drained.
	ChatStream(ctx context.Context, req Request) (iter.Seq2[string, error], *StreamResult)

	// Model returns the configured model identifier.
	Model() string
}

// StreamResult carries totals populated once the stream finishes.
type StreamResult struct {
	Usage    Usage
	Answer   string
	Finished bool
}

// System, User and Assistant build messages.
func System(content string) Message    { return Message{Role: RoleSystem, Content: content} }
func User(content string) Message      { return Message{Role: RoleUser, Content: content} }
func Assistant(content string) Message { return Message{Role: RoleAssistant, Content: content} }
