package embedding

import (
	"context"
	"strings"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	memerr "github.com/theapemachine/memcube/pkg/errors"
)

// DefaultOpenAIModel is used when no model is configured.
const DefaultOpenAIModel = "text-embedding-3-small"

/*
OpenAIEmbedder calls an OpenAI compatible /embeddings endpoint. The SDK's
own retries are disabled; a failure surfaces as an upstream error.
*/
type OpenAIEmbedder struct {
	api        openai.Client
	Model      string
	Dimensions int
	apiKey     string
	baseURL    string
}

type OpenAIEmbedderOption func(*OpenAIEmbedder)

func NewOpenAIEmbedder(options ...OpenAIEmbedderOption) *OpenAIEmbedder {
	embedder := &OpenAIEmbedder{Model: DefaultOpenAIModel}

	for _, option := range options {
		option(embedder)
	}

	requestOptions := []option.RequestOption{option.WithMaxRetries(0)}

	if embedder.apiKey != "" {
		requestOptions = append(requestOptions, option.WithAPIKey(embedder.apiKey))
	}

	if embedder.baseURL != "" {
		requestOptions = append(requestOptions, option.WithBaseURL(embedder.baseURL))
	}

	embedder.api = openai.NewClient(requestOptions...)

	return embedder
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	params := openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(e.Model),
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: []string{text}},
	}

	if e.Dimensions > 0 {
		params.Dimensions = openai.Int(int64(e.Dimensions))
	}

	resp, err := e.api.Embeddings.New(ctx, params)
	if err != nil {
		return nil, memerr.Upstream(err, "openai embeddings")
	}

	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, memerr.ErrUpstream.WithMessagef("openai embeddings returned no vector")
	}

	return toFloat32(resp.Data[0].Embedding), nil
}

func WithOpenAIModel(model string) OpenAIEmbedderOption {
	return func(e *OpenAIEmbedder) {
		if model != "" {
			e.Model = model
		}
	}
}

func WithOpenAIDimensions(dimensions int) OpenAIEmbedderOption {
	return func(e *OpenAIEmbedder) {
		e.Dimensions = dimensions
	}
}

func WithOpenAIKey(key string) OpenAIEmbedderOption {
	return func(e *OpenAIEmbedder) {
		e.apiKey = key
	}
}

// WithOpenAIBaseURL points the client at a compatible server, e.g. a local proxy.
func WithOpenAIBaseURL(url string) OpenAIEmbedderOption {
	return func(e *OpenAIEmbedder) {
		if url != "" && !strings.HasSuffix(url, "/") {
			url += "/"
		}
		e.baseURL = url
	}
}

func toFloat32(in []float64) []float32 {
	out := make([]float32, len(in))

	for i, v := range in {
		out[i] = float32(v)
	}

	return out
}
