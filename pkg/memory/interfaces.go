package memory

import "context"

// Embedder turns text into a fixed length vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

/*
GraphStore holds the authoritative memory records. Every read and mutation is
scoped to the owning user; a node owned by someone else is reported exactly
like a missing one.
*/
type GraphStore interface {
	Put(ctx context.Context, node Node) (Node, error)
	Get(ctx context.Context, id, userID string, includeDeleted bool) (Node, error)
	SoftDelete(ctx context.Context, id, userID string) (Node, error)
	HardDelete(ctx context.Context, id, userID string) error
	Relate(ctx context.Context, edge Edge) error
	Neighbors(ctx context.Context, id, userID string, query NeighborQuery) ([]Neighbor, error)
	ShortestPath(ctx context.Context, from, to, userID string, query PathQuery) (Path, error)
	FindPaths(ctx context.Context, from, to, userID string, query PathQuery, limit int) ([]Path, error)
}

/*
VectorStore holds one embedding per active node and answers nearest neighbor
queries restricted to a Tenant.
*/
type VectorStore interface {
	Upsert(ctx context.Context, item VectorItem) error
	Get(ctx context.Context, id string) (VectorItem, error)
	Delete(ctx context.Context, id string) error
	Search(ctx context.Context, query []float32, tenant Tenant, filter Filter, topK int) ([]Hit, error)
	Ping(ctx context.Context) error
}
