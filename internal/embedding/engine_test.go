package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"novelloop/internal/config"
	"novelloop/internal/errs"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CosineSimilarity(tt.a, tt.b)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-6)
		})
	}

	_, err := CosineSimilarity([]float32{1}, []float32{1, 2})
	assert.Error(t, err)
}

func TestVectorBlobRoundTrip(t *testing.T) {
	v := []float32{0.25, -1.5, 3e-7, 42}
	blob := EncodeVector(v)
	assert.Len(t, blob, 16)

	back, err := DecodeVector(blob)
	require.NoError(t, err)
	assert.Equal(t, v, back)

	_, err = DecodeVector([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestSelectTaskType(t *testing.T) {
	assert.Equal(t, "RETRIEVAL_QUERY", SelectTaskType(PurposeQuery))
	assert.Equal(t, "RETRIEVAL_DOCUMENT", SelectTaskType(PurposeDocument))
	assert.Equal(t, "SEMANTIC_SIMILARITY", SelectTaskType(""))
}

func TestOllamaEngine(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embeddings", r.URL.Path)
		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "nomic", req.Model)
		if req.Prompt == "fail" {
			http.Error(w, "model not loaded", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: []float32{float32(len(req.Prompt)), 1}})
	}))
	defer srv.Close()

	e, err := NewOllamaEngine(srv.URL+"/", "nomic")
	require.NoError(t, err)
	assert.Equal(t, "ollama:nomic", e.Name())

	out, err := e.EmbedBatch(context.Background(), []string{"ab", "abcd"}, PurposeDocument)
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{2, 1}, {4, 1}}, out)

	_, err = e.Embed(context.Background(), "fail", PurposeQuery)
	require.Error(t, err)
	assert.True(t, errs.IsRetryable(err))
}

func TestOpenAIEngine(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var req openAIEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Input[0] == "limited" {
			w.Header().Set("Retry-After", "4")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		// out of order on purpose
		_, _ = w.Write([]byte(`{"data":[{"index":1,"embedding":[0,1]},{"index":0,"embedding":[1,0]}]}`))
	}))
	defer srv.Close()

	e, err := NewOpenAIEngine(srv.URL, "sk-test", "emb")
	require.NoError(t, err)

	out, err := e.EmbedBatch(context.Background(), []string{"a", "b"}, PurposeDocument)
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0}, {0, 1}}, out)

	_, err = e.EmbedBatch(context.Background(), []string{"limited"}, PurposeDocument)
	require.Error(t, err)
	assert.True(t, errs.IsRetryable(err))
	d, ok := errs.RetryAfterOf(err)
	require.True(t, ok)
	assert.Equal(t, 4*time.Second, d)
}

func TestNewEngine_Unsupported(t *testing.T) {
	_, err := NewEngine(context.Background(), config.EmbeddingConfig{Provider: "word2vec"})
	assert.Error(t, err)
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 2*time.Second, ParseRetryAfter("2"))
	assert.Equal(t, time.Duration(0), ParseRetryAfter(""))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("Wed, 21 Oct 2015 07:28:00 GMT"))
}
