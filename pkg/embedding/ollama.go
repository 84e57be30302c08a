package embedding

import (
	"context"
	"net/http"
	"net/url"

	"github.com/charmbracelet/log"
	"github.com/ollama/ollama/api"
	memerr "github.com/theapemachine/memcube/pkg/errors"
)

// DefaultOllamaModel is used when no model is configured.
const DefaultOllamaModel = "nomic-embed-text"

// OllamaEmbedder uses the /api/embed endpoint of an Ollama server.
type OllamaEmbedder struct {
	api   *api.Client
	Model string
}

type OllamaEmbedderOption func(*OllamaEmbedder)

/*
NewOllamaEmbedder defaults to the client described by OLLAMA_HOST.
*/
func NewOllamaEmbedder(options ...OllamaEmbedderOption) *OllamaEmbedder {
	embedder := &OllamaEmbedder{Model: DefaultOllamaModel}

	for _, option := range options {
		option(embedder)
	}

	if embedder.api == nil {
		client, err := api.ClientFromEnvironment()
		if err != nil {
			log.Error("failed to create Ollama client", "error", err)
		}
		embedder.api = client
	}

	return embedder
}

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.api == nil {
		return nil, memerr.ErrUpstream.WithMessagef("ollama client is not configured")
	}

	resp, err := e.api.Embed(ctx, &api.EmbedRequest{Model: e.Model, Input: text})
	if err != nil {
		return nil, memerr.Upstream(err, "ollama embed")
	}

	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0]) == 0 {
		return nil, memerr.ErrUpstream.WithMessagef("ollama returned no embedding")
	}

	return resp.Embeddings[0], nil
}

func WithOllamaModel(model string) OllamaEmbedderOption {
	return func(e *OllamaEmbedder) {
		if model != "" {
			e.Model = model
		}
	}
}

// WithOllamaHost targets a specific server instead of OLLAMA_HOST.
func WithOllamaHost(host string) OllamaEmbedderOption {
	return func(e *OllamaEmbedder) {
		if host == "" {
			return
		}

		base, err := url.Parse(host)
		if err != nil {
			log.Error("invalid Ollama host", "host", host, "error", err)
			return
		}

		e.api = api.NewClient(base, http.DefaultClient)
	}
}
