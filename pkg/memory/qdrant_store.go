package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"

	memerr "github.com/theapemachine/memcube/pkg/errors"
	"github.com/theapemachine/memcube/pkg/stores/qdrant"
)

/*
QdrantVectorStore implements VectorStore on an external qdrant collection.
The tenant restriction is sent as must conditions next to the caller filter.
*/
type QdrantVectorStore struct {
	client *qdrant.Client
}

func NewQdrantVectorStore(client *qdrant.Client) *QdrantVectorStore {
	return &QdrantVectorStore{client: client}
}

func (store *QdrantVectorStore) Upsert(ctx context.Context, item VectorItem) error {
	if err := validateItem(item); err != nil {
		return err
	}

	payload := make(map[string]any, len(item.Payload)+2)
	for key, value := range item.Payload {
		payload[key] = value
	}
	payload["user_id"] = item.UserID
	payload["cube_id"] = item.CubeID

	err := store.client.Upsert(ctx, []qdrant.Point{{ID: item.ID, Vector: item.Embedding, Payload: payload}})
	return memerr.Upstream(err, "qdrant upsert %s", item.ID)
}

func (store *QdrantVectorStore) Get(ctx context.Context, id string) (VectorItem, error) {
	point, err := store.client.Get(ctx, id)

	if errors.Is(err, qdrant.ErrNotFound) {
		return VectorItem{}, memerr.ErrNotFound.WithMessagef("vector %s not found", id)
	}

	if err != nil {
		return VectorItem{}, memerr.Upstream(err, "qdrant get %s", id)
	}

	return VectorItem{
		ID:        point.ID,
		CubeID:    fmt.Sprint(point.Payload["cube_id"]),
		UserID:    fmt.Sprint(point.Payload["user_id"]),
		Embedding: point.Vector,
		Payload:   point.Payload,
	}, nil
}

func (store *QdrantVectorStore) Delete(ctx context.Context, id string) error {
	return memerr.Upstream(store.client.Delete(ctx, id), "qdrant delete %s", id)
}

func (store *QdrantVectorStore) Search(
	ctx context.Context, query []float32, tenant Tenant, filter Filter, topK int,
) ([]Hit, error) {
	if topK <= 0 || len(tenant.CubeIDs) == 0 {
		return nil, nil
	}

	points, err := store.client.Search(ctx, qdrant.SearchRequest{
		Vector: query,
		Limit:  topK,
		Filter: TenantFilter(tenant, filter),
	})
	if err != nil {
		return nil, memerr.Upstream(err, "qdrant search")
	}

	hits := make([]Hit, 0, len(points))

	for _, point := range points {
		hits = append(hits, Hit{ID: point.ID, Score: point.Score})
	}

	return RankHits(hits, topK), nil
}

func (store *QdrantVectorStore) Ping(ctx context.Context) error {
	return memerr.Upstream(store.client.Ping(ctx), "qdrant ping")
}

/*
TenantFilter builds the qdrant filter for a search. The owner and cube
conditions always come first; caller conditions are appended, so a caller
can narrow the tenant scope but never widen it.
*/
func TenantFilter(tenant Tenant, filter Filter) *qdrant.Filter {
	must := []qdrant.Condition{
		{Key: "user_id", Match: qdrant.Match{Value: tenant.UserID}},
		{Key: "cube_id", Match: qdrant.Match{Any: tenant.CubeIDs}},
	}

	keys := make([]string, 0, len(filter))
	for key := range filter {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		must = append(must, qdrant.Condition{Key: key, Match: qdrant.Match{Value: filter[key]}})
	}

	return &qdrant.Filter{Must: must}
}
