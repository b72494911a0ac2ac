package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"novelloop/internal/embedding"
	"novelloop/internal/errs"
	"novelloop/internal/logging"
)

// OpenAIProvider implements Provider for any OpenAI-compatible
// /chat/completions endpoint.
type OpenAIProvider struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOpenAIProvider creates a new OpenAI-compatible provider. The per-call
// timeout comes from the caller's context.
func NewOpenAIProvider(baseURL, apiKey, model string) *OpenAIProvider {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIProvider{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{},
	}
}

func (p *OpenAIProvider) Name() string  { return "openai" }
func (p *OpenAIProvider) Model() string { return p.model }

// Generate implements Provider.
func (p *OpenAIProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	body := openAIRequest{
		Model:       p.model,
		Messages:    toOpenAIMessages(req),
		MaxTokens:   req.MaxOutputTokens,
		Temperature: req.Temperature,
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, openAITool{
			Type:     "function",
			Function: openAIFunctionDef{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		})
	}
	if req.Schema != nil && len(req.Tools) == 0 {
		name := req.SchemaName
		if name == "" {
			name = "response"
		}
		body.ResponseFormat = &openAIResponseFormat{
			Type:       "json_schema",
			JSONSchema: &openAIJSONSchema{Name: name, Schema: req.Schema},
		}
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, errs.Unexpected("llm.openai", fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, errs.Unexpected("llm.openai", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, errs.Classify("llm.openai", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Classify("llm.openai", err)
	}
	if resp.StatusCode != http.StatusOK {
		apiErr := errs.FromStatus("llm.openai", resp.StatusCode, string(raw))
		apiErr.RetryAfter = embedding.ParseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, apiErr
	}

	var parsed openAIResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, errs.Parse("llm.openai", err, "decode response")
	}
	if parsed.Error != nil {
		return nil, errs.Upstream("llm.openai", errs.ReasonUnavailable, fmt.Errorf("%s", parsed.Error.Message))
	}
	if len(parsed.Choices) == 0 {
		return nil, errs.Upstream("llm.openai", errs.ReasonEmptyResponse, fmt.Errorf("no choices returned"))
	}

	choice := parsed.Choices[0]
	out := &Response{Text: choice.Message.Content, FinishReason: choice.FinishReason}
	for _, tc := range choice.Message.ToolCalls {
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, errs.Parse("llm.openai", err, "tool %s arguments", tc.Function.Name)
			}
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Args: args})
	}
	logging.APIDebug("[OpenAI] finish=%s text_len=%d tool_calls=%d", out.FinishReason, len(out.Text), len(out.ToolCalls))
	return out, nil
}

func toOpenAIMessages(req Request) []openAIMessage {
	msgs := make([]openAIMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openAIMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		switch m.Role {
		case RoleAssistant:
			om := openAIMessage{Role: "assistant", Content: m.Text}
			for _, tc := range m.ToolCalls {
				args, _ := json.Marshal(tc.Args)
				om.ToolCalls = append(om.ToolCalls, openAIToolCall{
					ID:       tc.ID,
					Type:     "function",
					Function: openAIFunctionCall{Name: tc.Name, Arguments: string(args)},
				})
			}
			msgs = append(msgs, om)
		case RoleTool:
			for _, tr := range m.ToolResults {
				content, _ := json.Marshal(tr.Result)
				msgs = append(msgs, openAIMessage{Role: "tool", ToolCallID: tr.CallID, Content: string(content)})
			}
		default:
			msgs = append(msgs, openAIMessage{Role: "user", Content: m.Text})
		}
	}
	return msgs
}

// =============================================================================
// OPENAI API TYPES
// =============================================================================

type openAIRequest struct {
	Model          string                `json:"model"`
	Messages       []openAIMessage       `json:"messages"`
	MaxTokens      int                   `json:"max_tokens,omitempty"`
	Temperature    *float64              `json:"temperature,omitempty"`
	Tools          []openAITool          `json:"tools,omitempty"`
	ResponseFormat *openAIResponseFormat `json:"response_format,omitempty"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAITool struct {
	Type     string            `json:"type"`
	Function openAIFunctionDef `json:"function"`
}

type openAIFunctionDef struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

type openAIToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openAIFunctionCall `json:"function"`
}

type openAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAIResponseFormat struct {
	Type       string            `json:"type"`
	JSONSchema *openAIJSONSchema `json:"json_schema,omitempty"`
}

type openAIJSONSchema struct {
	Name   string `json:"name"`
	Schema any    `json:"schema"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content   string           `json:"content"`
			ToolCalls []openAIToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}
