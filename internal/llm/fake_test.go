package llm

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"novelloop/internal/embedding"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

// fakeProvider replays scripted replies; GenerateFunc overrides when set.
type fakeProvider struct {
	mu           sync.Mutex
	replies      []fakeReply
	requests     []Request
	GenerateFunc func(ctx context.Context, req Request) (*Response, error)
}

type fakeReply struct {
	resp *Response
	err  error
}

func (f *fakeProvider) Name() string  { return "fake" }
func (f *fakeProvider) Model() string { return "fake-1" }

func (f *fakeProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	if f.GenerateFunc != nil {
		fn := f.GenerateFunc
		f.mu.Unlock()
		return fn(ctx, req)
	}
	defer f.mu.Unlock()
	if len(f.replies) == 0 {
		return &Response{Text: ""}, nil
	}
	r := f.replies[0]
	f.replies = f.replies[1:]
	return r.resp, r.err
}

func (f *fakeProvider) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fakeEmbedder struct {
	EmbedFunc func(ctx context.Context, text string, p embedding.Purpose) ([]float32, error)
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string, p embedding.Purpose) ([]float32, error) {
	return f.EmbedFunc(ctx, text, p)
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string, p embedding.Purpose) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t, p)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) Name() string { return "fake:embed" }

// instantRetry never sleeps and records the requested delays.
func instantRetry(delays *[]time.Duration) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		Base:        600 * time.Millisecond,
		Max:         60 * time.Second,
		Sleep: func(_ context.Context, d time.Duration) error {
			if delays != nil {
				*delays = append(*delays, d)
			}
			return nil
		},
	}
}
