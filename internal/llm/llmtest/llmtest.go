// Package llmtest provides scripted model and embedding backends for tests
// of packages built on the llm adapter.
package llmtest

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"math"
	"strings"
	"sync"

	"novelloop/internal/embedding"
	"novelloop/internal/llm"
)

// Reply is one scripted provider answer.
type Reply struct {
	Resp *llm.Response
	Err  error
}

// Text replies with plain text.
func Text(s string) Reply { return Reply{Resp: &llm.Response{Text: s}} }

// JSON replies with v marshalled as JSON text.
func JSON(v any) Reply {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return Text(string(b))
}

// ToolCalls replies with function calls and no text.
func ToolCalls(calls ...llm.ToolCall) Reply {
	return Reply{Resp: &llm.Response{ToolCalls: calls}}
}

// Error replies with err.
func Error(err error) Reply { return Reply{Err: err} }

// Provider replays scripted replies in order. GenerateFunc, when set,
// answers instead. Running out of replies yields an empty response.
type Provider struct {
	mu           sync.Mutex
	replies      []Reply
	requests     []llm.Request
	GenerateFunc func(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// NewProvider creates a provider with the given script.
func NewProvider(replies ...Reply) *Provider {
	return &Provider{replies: replies}
}

func (p *Provider) Name() string  { return "scripted" }
func (p *Provider) Model() string { return "scripted-1" }

// Generate implements llm.Provider.
func (p *Provider) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	if p.GenerateFunc != nil {
		fn := p.GenerateFunc
		p.mu.Unlock()
		return fn(ctx, req)
	}
	defer p.mu.Unlock()
	if len(p.replies) == 0 {
		return &llm.Response{}, nil
	}
	r := p.replies[0]
	p.replies = p.replies[1:]
	return r.Resp, r.Err
}

// Push appends replies to the script.
func (p *Provider) Push(replies ...Reply) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replies = append(p.replies, replies...)
}

// Calls returns the number of Generate calls so far.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// Requests returns a copy of the received requests.
func (p *Provider) Requests() []llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.Request(nil), p.requests...)
}

// Remaining returns the number of unused scripted replies.
func (p *Provider) Remaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.replies)
}

// Embedder returns deterministic bag-of-words vectors, so texts sharing
// words are similar. EmbedFunc overrides when set.
type Embedder struct {
	Dim       int
	Model     string
	EmbedFunc func(ctx context.Context, text string, p embedding.Purpose) ([]float32, error)

	mu    sync.Mutex
	calls int
}

// Embed implements embedding.EmbeddingEngine.
func (e *Embedder) Embed(ctx context.Context, text string, p embedding.Purpose) ([]float32, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if e.EmbedFunc != nil {
		return e.EmbedFunc(ctx, text, p)
	}
	return BagOfWords(text, e.dim()), nil
}

// EmbedBatch implements embedding.EmbeddingEngine.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string, p embedding.Purpose) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t, p)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Name implements embedding.EmbeddingEngine.
func (e *Embedder) Name() string {
	if e.Model == "" {
		return "test:bow"
	}
	return e.Model
}

// Calls returns the number of Embed calls so far.
func (e *Embedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func (e *Embedder) dim() int {
	if e.Dim <= 0 {
		return 32
	}
	return e.Dim
}

// BagOfWords hashes whitespace-separated words into a normalized vector.
func BagOfWords(text string, dim int) []float32 {
	v := make([]float32, dim)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		v[h.Sum32()%uint32(dim)]++
	}
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		v[0] = 1
		return v
	}
	n := float32(math.Sqrt(norm))
	for i := range v {
		v[i] /= n
	}
	return v
}

// NewAdapter wires p and e into an adapter that never retries or sleeps.
func NewAdapter(p llm.Provider, e embedding.EmbeddingEngine) *llm.Adapter {
	return llm.NewAdapter(p, e, llm.WithRetryPolicy(llm.RetryPolicy{MaxAttempts: 1}))
}
