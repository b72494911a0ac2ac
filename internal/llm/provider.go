// Package llm is the model adapter used by the writer and reviewers.
// It hides the provider behind one interface and adds per-call timeouts,
// retry with backoff, JSON extraction, schema validation and repair.
package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"novelloop/internal/config"
)

// Role of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolDecl declares a function the model may call.
type ToolDecl struct {
	Name        string
	Description string
	Parameters  *jsonschema.Schema
}

// ToolCall is a function call requested by the model.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// ToolResult answers one ToolCall.
type ToolResult struct {
	CallID string
	Name   string
	Result map[string]any
}

// Message is one conversation turn.
type Message struct {
	Role        Role
	Text        string
	ToolCalls   []ToolCall   // assistant turns
	ToolResults []ToolResult // tool turns

	// raw is the provider-native form of an assistant turn. Providers that
	// need opaque state echoed back (thought signatures) use it.
	raw any
}

// Request is one model call.
type Request struct {
	System          string
	Messages        []Message
	Schema          *jsonschema.Schema // structured output when set
	SchemaName      string
	Tools           []ToolDecl
	MaxOutputTokens int
	Temperature     *float64
}

// Response is the model's reply.
type Response struct {
	Text         string
	ToolCalls    []ToolCall
	FinishReason string
	raw          any
}

// Empty reports whether the model returned nothing usable.
func (r *Response) Empty() bool {
	return r == nil || (strings.TrimSpace(r.Text) == "" && len(r.ToolCalls) == 0)
}

// AssistantMessage converts the response into a conversation turn.
func (r *Response) AssistantMessage() Message {
	return Message{Role: RoleAssistant, Text: r.Text, ToolCalls: r.ToolCalls, raw: r.raw}
}

// UserText builds a single user turn.
func UserText(text string) Message {
	return Message{Role: RoleUser, Text: text}
}

// Provider is a model backend. Implementations classify their errors with
// package errs and never retry on their own.
type Provider interface {
	Name() string
	Model() string
	Generate(ctx context.Context, req Request) (*Response, error)
}

// NewProvider selects the provider named in cfg.
func NewProvider(ctx context.Context, cfg config.LLMConfig) (Provider, error) {
	switch cfg.Provider {
	case "gemini":
		return NewGeminiProvider(ctx, cfg.APIKey, cfg.Model)
	case "openai":
		return NewOpenAIProvider(cfg.BaseURL, cfg.APIKey, cfg.Model), nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}
}
