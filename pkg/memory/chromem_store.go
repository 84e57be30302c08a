package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/philippgille/chromem-go"
	memerr "github.com/theapemachine/memcube/pkg/errors"
	"golang.org/x/sync/errgroup"
)

/*
ChromemVectorStore keeps one chromem collection per cube, so the tenant cube
restriction is structural: a search only ever opens the collections of the
allowed cubes. The owner check and the caller filter are pushed down as a
chromem where clause.
*/
type ChromemVectorStore struct {
	db *chromem.DB

	mu    sync.RWMutex
	index map[string]string // vector id -> cube id
}

/*
NewChromemVectorStore opens an in-process store. An empty path keeps all data
in memory, otherwise collections are persisted below path.
*/
func NewChromemVectorStore(path string) (*ChromemVectorStore, error) {
	var (
		db  *chromem.DB
		err error
	)

	if path == "" {
		db = chromem.NewDB()
	} else if db, err = chromem.NewPersistentDB(path, false); err != nil {
		return nil, fmt.Errorf("open chromem db at %s: %w", path, err)
	}

	return &ChromemVectorStore{db: db, index: make(map[string]string)}, nil
}

func collectionName(cubeID string) string {
	return "cube-" + cubeID
}

func (store *ChromemVectorStore) Upsert(ctx context.Context, item VectorItem) error {
	if err := validateItem(item); err != nil {
		return err
	}

	// A cube move would leave the old document behind.
	if cube, ok := store.locate(ctx, item.ID); ok && cube != item.CubeID {
		return memerr.ErrConsistency.WithMessagef("vector %s is stored in cube %s", item.ID, cube)
	}

	col, err := store.db.GetOrCreateCollection(collectionName(item.CubeID), nil, nil)
	if err != nil {
		return memerr.Upstream(err, "chromem collection %s", item.CubeID)
	}

	metadata := make(map[string]string, len(item.Payload)+2)
	for key, value := range item.Payload {
		metadata[key] = fmt.Sprint(value)
	}
	metadata["user_id"] = item.UserID
	metadata["cube_id"] = item.CubeID

	if err = col.AddDocument(ctx, chromem.Document{
		ID:        item.ID,
		Embedding: item.Embedding,
		Metadata:  metadata,
	}); err != nil {
		return memerr.Upstream(err, "chromem upsert %s", item.ID)
	}

	store.mu.Lock()
	store.index[item.ID] = item.CubeID
	store.mu.Unlock()

	return nil
}

func (store *ChromemVectorStore) Get(ctx context.Context, id string) (VectorItem, error) {
	cube, ok := store.locate(ctx, id)
	if !ok {
		return VectorItem{}, memerr.ErrNotFound.WithMessagef("vector %s not found", id)
	}

	col := store.db.GetCollection(collectionName(cube), nil)
	if col == nil {
		return VectorItem{}, memerr.ErrNotFound.WithMessagef("vector %s not found", id)
	}

	doc, err := col.GetByID(ctx, id)
	if err != nil {
		return VectorItem{}, memerr.ErrNotFound.WithMessagef("vector %s not found", id)
	}

	payload := make(map[string]any, len(doc.Metadata))
	for key, value := range doc.Metadata {
		payload[key] = value
	}

	return VectorItem{
		ID:        doc.ID,
		CubeID:    cube,
		UserID:    doc.Metadata["user_id"],
		Embedding: doc.Embedding,
		Payload:   payload,
	}, nil
}

func (store *ChromemVectorStore) Delete(ctx context.Context, id string) error {
	cube, ok := store.locate(ctx, id)
	if !ok {
		return nil
	}

	if col := store.db.GetCollection(collectionName(cube), nil); col != nil {
		if err := col.Delete(ctx, nil, nil, id); err != nil {
			return memerr.Upstream(err, "chromem delete %s", id)
		}
	}

	store.mu.Lock()
	delete(store.index, id)
	store.mu.Unlock()

	return nil
}

/*
Search queries every allowed cube concurrently and merges the per-cube top
results before applying the global ranking.
*/
func (store *ChromemVectorStore) Search(
	ctx context.Context, query []float32, tenant Tenant, filter Filter, topK int,
) ([]Hit, error) {
	if topK <= 0 || len(tenant.CubeIDs) == 0 {
		return nil, nil
	}

	where := map[string]string{"user_id": tenant.UserID}
	for key, value := range filter {
		want := fmt.Sprint(value)

		if existing, ok := where[key]; ok && existing != want {
			return nil, nil
		}

		where[key] = want
	}

	var (
		mu   sync.Mutex
		hits []Hit
	)

	group, groupCtx := errgroup.WithContext(ctx)

	for _, cube := range tenant.CubeIDs {
		col := store.db.GetCollection(collectionName(cube), nil)
		if col == nil {
			continue
		}

		group.Go(func() error {
			results, err := queryCollection(groupCtx, col, query, topK, where)
			if err != nil {
				return memerr.Upstream(err, "chromem query cube %s", cube)
			}

			mu.Lock()
			defer mu.Unlock()

			for _, result := range results {
				hits = append(hits, Hit{ID: result.ID, Score: float64(result.Similarity)})
			}

			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}

	return RankHits(hits, topK), nil
}

/*
queryCollection asks for at most limit results. chromem rejects a request for
more results than the collection holds, and a concurrent delete can shrink
the collection between counting and querying, so that rejection is retried
with a smaller limit. The limit only ever decreases, which bounds the retries.
*/
func queryCollection(
	ctx context.Context, col *chromem.Collection, query []float32, limit int, where map[string]string,
) ([]chromem.Result, error) {
	for limit = min(limit, col.Count()); limit > 0; limit = min(limit-1, col.Count()) {
		results, err := col.QueryEmbedding(ctx, query, limit, where, nil)
		if err == nil {
			return results, nil
		}

		if !isInsufficientDocs(err) {
			return nil, err
		}
	}

	return nil, nil
}

func isInsufficientDocs(err error) bool {
	return strings.Contains(err.Error(), "nResults must be <=")
}

func (store *ChromemVectorStore) Ping(context.Context) error {
	return nil
}

/*
locate finds the cube holding id. Documents persisted by an earlier process
are not in the index yet, so a miss falls back to probing every collection.
*/
func (store *ChromemVectorStore) locate(ctx context.Context, id string) (string, bool) {
	store.mu.RLock()
	cube, ok := store.index[id]
	store.mu.RUnlock()

	if ok {
		return cube, true
	}

	for _, col := range store.db.ListCollections() {
		doc, err := col.GetByID(ctx, id)
		if err != nil {
			continue
		}

		cube = doc.Metadata["cube_id"]

		store.mu.Lock()
		store.index[id] = cube
		store.mu.Unlock()

		log.Debug("recovered vector location", "id", id, "cube", cube)

		return cube, true
	}

	return "", false
}
