package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	memerr "github.com/theapemachine/memcube/pkg/errors"
	"github.com/theapemachine/memcube/pkg/memory"
)

func TestHashEmbedder(t *testing.T) {
	ctx := context.Background()
	embedder := NewHashEmbedder(DefaultHashDimensions)

	a, err := embedder.Embed(ctx, "I like strawberry")
	require.NoError(t, err)
	assert.Len(t, a, DefaultHashDimensions)

	again, _ := embedder.Embed(ctx, "I like strawberry")
	assert.Equal(t, a, again)

	related, _ := embedder.Embed(ctx, "What do I like")
	unrelated, _ := embedder.Embed(ctx, "quantum chromodynamics lecture")

	assert.Greater(t, memory.Cosine(a, related), memory.Cosine(a, unrelated))
	assert.InDelta(t, 1.0, memory.Cosine(a, a), 1e-6)

	punct, err := embedder.Embed(ctx, "?!")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, memory.Cosine(punct, punct), 1e-6)
}

type countingEmbedder struct {
	calls atomic.Int32
	err   error
}

func (e *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.calls.Add(1)

	if e.err != nil {
		return nil, e.err
	}

	return []float32{float32(len(text)), 1}, nil
}

func TestCachedEmbedder(t *testing.T) {
	ctx := context.Background()
	inner := &countingEmbedder{}

	cached, err := NewCachedEmbedder(inner, "test", 100)
	require.NoError(t, err)
	defer cached.Close()

	first, err := cached.Embed(ctx, "hello")
	require.NoError(t, err)

	second, err := cached.Embed(ctx, "hello")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), inner.calls.Load())

	second[0] = 42
	third, _ := cached.Embed(ctx, "hello")
	assert.Equal(t, float32(5), third[0])
}

func TestCachedEmbedderSkipsFailures(t *testing.T) {
	inner := &countingEmbedder{err: errors.New("down")}

	cached, err := NewCachedEmbedder(inner, "test", 100)
	require.NoError(t, err)
	defer cached.Close()

	_, err = cached.Embed(context.Background(), "hello")
	assert.Error(t, err)

	_, err = cached.Embed(context.Background(), "hello")
	assert.Error(t, err)
	assert.Equal(t, int32(2), inner.calls.Load())
}

func TestOpenAIEmbedder(t *testing.T) {
	var request map[string]any

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&request)

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"object":"list","model":"text-embedding-3-small",`+
			`"data":[{"object":"embedding","index":0,"embedding":[0.25,0.5,0.75]}],`+
			`"usage":{"prompt_tokens":3,"total_tokens":3}}`)
	}))
	defer ts.Close()

	embedder := NewOpenAIEmbedder(
		WithOpenAIBaseURL(ts.URL),
		WithOpenAIKey("test-key"),
		WithOpenAIDimensions(3),
	)

	vector, err := embedder.Embed(context.Background(), "hello")
	require.NoError(t, err)

	assert.Equal(t, []float32{0.25, 0.5, 0.75}, vector)
	assert.Equal(t, DefaultOpenAIModel, request["model"])
	assert.Equal(t, float64(3), request["dimensions"])
}

func TestOpenAIEmbedderUpstreamFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limited","type":"rate_limit"}}`)
	}))
	defer ts.Close()

	_, err := NewOpenAIEmbedder(WithOpenAIBaseURL(ts.URL), WithOpenAIKey("k")).
		Embed(context.Background(), "hello")

	assert.True(t, memerr.IsUpstream(err))
}

func TestOllamaEmbedder(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embed", r.URL.Path)

		var request map[string]any
		_ = json.NewDecoder(r.Body).Decode(&request)
		assert.Equal(t, "all-minilm", request["model"])

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"model":"all-minilm","embeddings":[[0.1,0.2]]}`)
	}))
	defer ts.Close()

	embedder := NewOllamaEmbedder(WithOllamaHost(ts.URL), WithOllamaModel("all-minilm"))

	vector, err := embedder.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2}, vector)
}
