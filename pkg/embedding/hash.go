/*
Package embedding provides the Embedder implementations of the memory
kernel: remote models (OpenAI, Ollama), a deterministic local hashing model,
and a cache that sits in front of any of them.
*/
package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// DefaultHashDimensions is the vector size of the hashing embedder.
const DefaultHashDimensions = 256

/*
HashEmbedder is a feature hashing bag-of-words model. It needs no network,
always returns the same vector for the same text, and texts sharing words
score higher than unrelated ones, which is enough for development and tests.
*/
type HashEmbedder struct {
	dimensions int
}

func NewHashEmbedder(dimensions int) *HashEmbedder {
	if dimensions <= 0 {
		dimensions = DefaultHashDimensions
	}

	return &HashEmbedder{dimensions: dimensions}
}

func (e *HashEmbedder) Dimensions() int {
	return e.dimensions
}

func (e *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vector := make([]float32, e.dimensions)

	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	if len(tokens) == 0 {
		tokens = []string{text}
	}

	for _, token := range tokens {
		h := fnv.New64a()
		_, _ = h.Write([]byte(token))
		sum := h.Sum64()

		sign := float32(1)
		if sum>>63 == 1 {
			sign = -1
		}

		vector[sum%uint64(e.dimensions)] += sign
	}

	var norm float64
	for _, v := range vector {
		norm += float64(v * v)
	}

	if norm == 0 {
		vector[0] = 1
		return vector, nil
	}

	scale := float32(1 / math.Sqrt(norm))
	for i := range vector {
		vector[i] *= scale
	}

	return vector, nil
}
