// Package llm defines the provider-agnostic interface for LLM interactions.
// The router only needs single-shot completions, optionally constrained to a
// JSON object.
package llm

import (
	"context"
	"fmt"
	"net/http"
)

// Provider is the abstraction over any LLM backend (OpenAI, Anthropic, Ollama).
type Provider interface {
	// SendMessage sends a conversation to the LLM and returns its response.
	SendMessage(ctx context.Context, req *Request) (*Response, error)
	// Name returns the provider identifier (e.g. "openai").
	Name() string
}

// Request represents a full conversation sent to the LLM.
type Request struct {
	SystemPrompt string
	Messages     []Message
	MaxTokens    int
	Temperature  *float64
	JSONOutput   bool // Ask the backend for a single JSON object.
}

// Message is a single turn in the conversation.
type Message struct {
	Role    Role
	Content string
}

// Role identifies who sent a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Response is what the LLM returns.
type Response struct {
	Content    string
	Usage      Usage
	StopReason string // "end_turn", "max_tokens"
}

// Usage tracks token consumption.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// StatusError is a non-2xx response from a provider API.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}

// Transient reports whether the request may succeed if repeated.
func (e *StatusError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Float returns a pointer to f, for Request.Temperature.
func Float(f float64) *float64 { return &f }
