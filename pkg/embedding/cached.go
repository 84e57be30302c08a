package embedding

import (
	"context"
	"slices"

	"github.com/dgraph-io/ristretto"
	"github.com/theapemachine/memcube/pkg/memory"
)

/*
CachedEmbedder memoizes embeddings by text in a ristretto cache. Only
successful results are cached.
*/
type CachedEmbedder struct {
	inner memory.Embedder
	cache *ristretto.Cache
	key   string
}

/*
NewCachedEmbedder wraps inner with a cache of at most size entries. namespace
separates cache keys of different models sharing a process.
*/
func NewCachedEmbedder(inner memory.Embedder, namespace string, size int64) (*CachedEmbedder, error) {
	if size <= 0 {
		size = 10_000
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        size * 10,
		MaxCost:            size,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}

	return &CachedEmbedder{inner: inner, cache: cache, key: namespace + "\x00"}, nil
}

func (e *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := e.key + text

	if value, ok := e.cache.Get(key); ok {
		return slices.Clone(value.([]float32)), nil
	}

	vector, err := e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	if e.cache.Set(key, slices.Clone(vector), 1) {
		e.cache.Wait()
	}

	return vector, nil
}

func (e *CachedEmbedder) Close() {
	e.cache.Close()
}
