package memory

import (
	"context"
	"fmt"
	"maps"
	"math"
	"slices"
	"sort"
	"sync"

	memerr "github.com/theapemachine/memcube/pkg/errors"
)

/*
InMemoryVectorStore is an exact, brute-force cosine index. It is the default
in-process backend and the reference the other backends are tested against.
*/
type InMemoryVectorStore struct {
	mu    sync.RWMutex
	items map[string]VectorItem
}

func NewInMemoryVectorStore() *InMemoryVectorStore {
	return &InMemoryVectorStore{items: make(map[string]VectorItem)}
}

func (store *InMemoryVectorStore) Upsert(ctx context.Context, item VectorItem) error {
	if err := ctx.Err(); err != nil {
		return memerr.Upstream(err, "vector upsert")
	}

	if err := validateItem(item); err != nil {
		return err
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	store.items[item.ID] = cloneItem(item)

	return nil
}

func (store *InMemoryVectorStore) Get(ctx context.Context, id string) (VectorItem, error) {
	if err := ctx.Err(); err != nil {
		return VectorItem{}, memerr.Upstream(err, "vector get")
	}

	store.mu.RLock()
	defer store.mu.RUnlock()

	item, ok := store.items[id]
	if !ok {
		return VectorItem{}, memerr.ErrNotFound.WithMessagef("vector %s not found", id)
	}

	return cloneItem(item), nil
}

func (store *InMemoryVectorStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return memerr.Upstream(err, "vector delete")
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	delete(store.items, id)

	return nil
}

func (store *InMemoryVectorStore) Search(
	ctx context.Context, query []float32, tenant Tenant, filter Filter, topK int,
) ([]Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, memerr.Upstream(err, "vector search")
	}

	if topK <= 0 || len(tenant.CubeIDs) == 0 {
		return nil, nil
	}

	store.mu.RLock()
	defer store.mu.RUnlock()

	hits := make([]Hit, 0, min(topK, len(store.items)))

	for _, item := range store.items {
		if !tenant.Allows(item.UserID, item.CubeID) || !MatchFilter(item.Payload, filter) {
			continue
		}

		hits = append(hits, Hit{ID: item.ID, Score: Cosine(query, item.Embedding)})
	}

	return RankHits(hits, topK), nil
}

func (store *InMemoryVectorStore) Ping(context.Context) error {
	return nil
}

// Len is the number of stored vectors.
func (store *InMemoryVectorStore) Len() int {
	store.mu.RLock()
	defer store.mu.RUnlock()
	return len(store.items)
}

/*
Cosine returns the cosine similarity of a and b, or 0 when the lengths differ
or either vector is zero.
*/
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, na, nb float64

	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}

	if na == 0 || nb == 0 {
		return 0
	}

	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

/*
RankHits orders hits by descending score, breaking ties by ascending id, and
truncates to topK.
*/
func RankHits(hits []Hit, topK int) []Hit {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})

	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}

	return hits
}

/*
MatchFilter reports whether payload satisfies every equality in filter. A key
absent from the payload never matches.
*/
func MatchFilter(payload map[string]any, filter Filter) bool {
	for key, want := range filter {
		got, ok := payload[key]
		if !ok || !equalValue(got, want) {
			return false
		}
	}

	return true
}

// equalValue compares JSON-ish scalars by their printed form, so "3" and 3.0
// from different decoders do not diverge.
func equalValue(a, b any) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func validateItem(item VectorItem) error {
	if item.ID == "" || item.CubeID == "" || item.UserID == "" {
		return memerr.ErrValidation.WithMessagef("vector item requires id, cube and owner")
	}

	if len(item.Embedding) == 0 {
		return memerr.ErrValidation.WithMessagef("vector item %s has an empty embedding", item.ID)
	}

	return nil
}

func cloneItem(item VectorItem) VectorItem {
	item.Embedding = slices.Clone(item.Embedding)
	item.Payload = maps.Clone(item.Payload)
	return item
}
