package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	memerr "github.com/theapemachine/memcube/pkg/errors"
)

/*
InMemoryGraphStore is the process local GraphStore. Nodes and edges live in
maps guarded by a single RWMutex; every value handed out is a clone.
*/
type InMemoryGraphStore struct {
	mu    sync.RWMutex
	nodes map[string]Node
	edges map[string]Edge
	now   func() time.Time
}

func NewInMemoryGraphStore() *InMemoryGraphStore {
	return &InMemoryGraphStore{
		nodes: make(map[string]Node),
		edges: make(map[string]Edge),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

/*
Put inserts a node, or overwrites an existing one owned by the same user. An
overwrite keeps created_at, bumps the version and may not move the node to a
different cube.
*/
func (store *InMemoryGraphStore) Put(ctx context.Context, node Node) (Node, error) {
	if err := ctx.Err(); err != nil {
		return Node{}, memerr.Upstream(err, "graph put")
	}

	if strings.TrimSpace(node.ID) == "" || strings.TrimSpace(node.UserID) == "" {
		return Node{}, memerr.ErrValidation.WithMessagef("node id and owner are required")
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	now := store.now()
	node = node.Clone()

	if node.State == "" {
		node.State = StateActive
	}

	if existing, ok := store.nodes[node.ID]; ok {
		if existing.UserID != node.UserID {
			return Node{}, memerr.ErrNotFound.WithMessagef("memory %s not found", node.ID)
		}

		if existing.CubeID != node.CubeID {
			return Node{}, memerr.ErrConsistency.WithMessagef(
				"memory %s belongs to cube %s, refusing move to %s", node.ID, existing.CubeID, node.CubeID,
			)
		}

		node.Version = existing.Version + 1
		node.CreatedAt = existing.CreatedAt
	} else {
		node.Version = max(node.Version, 1)

		if node.CreatedAt.IsZero() {
			node.CreatedAt = now
		}
	}

	node.UpdatedAt = now
	store.nodes[node.ID] = node

	return node.Clone(), nil
}

func (store *InMemoryGraphStore) Get(ctx context.Context, id, userID string, includeDeleted bool) (Node, error) {
	if err := ctx.Err(); err != nil {
		return Node{}, memerr.Upstream(err, "graph get")
	}

	store.mu.RLock()
	defer store.mu.RUnlock()

	node, err := store.visible(id, userID, includeDeleted)
	if err != nil {
		return Node{}, err
	}

	return node.Clone(), nil
}

/*
SoftDelete tombstones an active node. Its edges are retained.
*/
func (store *InMemoryGraphStore) SoftDelete(ctx context.Context, id, userID string) (Node, error) {
	if err := ctx.Err(); err != nil {
		return Node{}, memerr.Upstream(err, "graph soft delete")
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	node, err := store.visible(id, userID, false)
	if err != nil {
		return Node{}, err
	}

	node.State = StateTombstone
	node.Version++
	node.UpdatedAt = store.now()
	store.nodes[id] = node

	return node.Clone(), nil
}

/*
HardDelete removes an active node together with every edge that touches it.
Tombstones are history and are not purged through this path.
*/
func (store *InMemoryGraphStore) HardDelete(ctx context.Context, id, userID string) error {
	if err := ctx.Err(); err != nil {
		return memerr.Upstream(err, "graph hard delete")
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	if _, err := store.visible(id, userID, false); err != nil {
		return err
	}

	delete(store.nodes, id)

	for edgeID, edge := range store.edges {
		if edge.From == id || edge.To == id {
			delete(store.edges, edgeID)
		}
	}

	return nil
}

/*
Relate links two active nodes of the same owner. Relating the same pair with
the same relation twice is a no-op.
*/
func (store *InMemoryGraphStore) Relate(ctx context.Context, edge Edge) error {
	if err := ctx.Err(); err != nil {
		return memerr.Upstream(err, "graph relate")
	}

	if strings.TrimSpace(edge.Relation) == "" {
		return memerr.ErrValidation.WithMessagef("relation type is required")
	}

	if edge.From == edge.To {
		return memerr.ErrValidation.WithMessagef("a memory cannot relate to itself")
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	for _, id := range []string{edge.From, edge.To} {
		if _, err := store.visible(id, edge.UserID, false); err != nil {
			return err
		}
	}

	for _, existing := range store.edges {
		if existing.From == edge.From && existing.To == edge.To && existing.Relation == edge.Relation {
			return nil
		}
	}

	if edge.ID == "" {
		edge.ID = uuid.NewString()
	}

	if edge.CreatedAt.IsZero() {
		edge.CreatedAt = store.now()
	}

	store.edges[edge.ID] = edge

	return nil
}

/*
Neighbors returns the nodes adjacent to id, ordered by edge creation time.
Far ends that are missing, foreign, or tombstoned (unless requested) are left
out.
*/
func (store *InMemoryGraphStore) Neighbors(
	ctx context.Context, id, userID string, query NeighborQuery,
) ([]Neighbor, error) {
	if err := ctx.Err(); err != nil {
		return nil, memerr.Upstream(err, "graph neighbors")
	}

	store.mu.RLock()
	defer store.mu.RUnlock()

	if _, err := store.visible(id, userID, query.IncludeDeleted); err != nil {
		return nil, err
	}

	direction := query.Direction
	if direction == "" {
		direction = DirectionBoth
	}

	var out []Neighbor

	for _, edge := range store.edges {
		if query.Relation != "" && edge.Relation != query.Relation {
			continue
		}

		var far string

		switch {
		case edge.From == id && direction != DirectionIn:
			far = edge.To
		case edge.To == id && direction != DirectionOut:
			far = edge.From
		default:
			continue
		}

		node, err := store.visible(far, userID, query.IncludeDeleted)
		if err != nil {
			continue
		}

		out = append(out, Neighbor{Edge: edge, Node: node.Clone()})
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Edge.CreatedAt.Equal(out[j].Edge.CreatedAt) {
			return out[i].Edge.CreatedAt.Before(out[j].Edge.CreatedAt)
		}
		return out[i].Edge.ID < out[j].Edge.ID
	})

	return out, nil
}

// visible applies the ownership and tombstone rules. Callers hold the lock.
func (store *InMemoryGraphStore) visible(id, userID string, includeDeleted bool) (Node, error) {
	node, ok := store.nodes[id]

	if !ok || node.UserID != userID || (!includeDeleted && !node.Active()) {
		return Node{}, memerr.ErrNotFound.WithMessagef("memory %s not found", id)
	}

	return node, nil
}
