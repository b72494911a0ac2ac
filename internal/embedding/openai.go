package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"novelloop/internal/errs"
)

// =============================================================================
// OPENAI-COMPATIBLE EMBEDDING ENGINE
// =============================================================================

// OpenAIEngine calls POST {base}/embeddings on any OpenAI-compatible server.
type OpenAIEngine struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewOpenAIEngine creates an OpenAI-compatible embedding engine.
func NewOpenAIEngine(baseURL, apiKey, model string) (*OpenAIEngine, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if model == "" {
		model = "text-embedding-3-small"
	}
	return &OpenAIEngine{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// Embed generates an embedding for a single text.
func (e *OpenAIEngine) Embed(ctx context.Context, text string, purpose Purpose) ([]float32, error) {
	out, err := e.EmbedBatch(ctx, []string{text}, purpose)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch sends all texts in one request.
func (e *OpenAIEngine) EmbedBatch(ctx context.Context, texts []string, _ Purpose) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(openAIEmbedRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, errs.Classify("embedding.openai", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Classify("embedding.openai", err)
	}
	if resp.StatusCode != http.StatusOK {
		apiErr := errs.FromStatus("embedding.openai", resp.StatusCode, string(raw))
		apiErr.RetryAfter = ParseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, apiErr
	}

	var parsed openAIEmbedResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, errs.Parse("embedding.openai", err, "decode response")
	}
	if len(parsed.Data) != len(texts) {
		return nil, errs.Upstream("embedding.openai", errs.ReasonEmptyResponse,
			fmt.Errorf("got %d embeddings for %d texts", len(parsed.Data), len(texts)))
	}

	sort.Slice(parsed.Data, func(i, j int) bool { return parsed.Data[i].Index < parsed.Data[j].Index })
	out := make([][]float32, len(parsed.Data))
	for i, d := range parsed.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

// Name returns the engine name.
func (e *OpenAIEngine) Name() string {
	return fmt.Sprintf("openai:%s", e.model)
}

// ParseRetryAfter reads a Retry-After header given in seconds.
// HTTP-date values are ignored.
func ParseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v + "s")
	if err != nil || d < 0 {
		return 0
	}
	return d
}

type openAIEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}
