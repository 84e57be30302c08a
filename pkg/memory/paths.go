package memory

import (
	"context"
	"slices"
	"sort"

	memerr "github.com/theapemachine/memcube/pkg/errors"
)

// step is one traversable edge seen from the node it leaves.
type step struct {
	edge Edge
	next string
}

// hop records how a node was first reached during a breadth first search.
type hop struct {
	edge Edge
	from string
}

/*
ShortestPath returns a path with the fewest edges from one of the owner's
memories to another, walking at most query.MaxDepth edges. Ties go to the
lower edge id. Both endpoints must be visible to userID; a missing route is
reported as not found.
*/
func (store *InMemoryGraphStore) ShortestPath(
	ctx context.Context, from, to, userID string, query PathQuery,
) (Path, error) {
	if err := ctx.Err(); err != nil {
		return Path{}, memerr.Upstream(err, "graph shortest path")
	}

	store.mu.RLock()
	defer store.mu.RUnlock()

	if err := store.endpoints(from, to, userID, query.IncludeDeleted); err != nil {
		return Path{}, err
	}

	if from == to {
		return store.path([]string{from}, nil), nil
	}

	var (
		adjacency = store.adjacency(userID, query)
		reached   = map[string]hop{from: {}}
		frontier  = []string{from}
	)

	for depth := 0; depth < query.MaxDepth && len(frontier) > 0; depth++ {
		var next []string

		for _, current := range frontier {
			for _, s := range adjacency[current] {
				if _, seen := reached[s.next]; seen {
					continue
				}

				reached[s.next] = hop{edge: s.edge, from: current}

				if s.next == to {
					return store.trace(from, to, reached), nil
				}

				next = append(next, s.next)
			}
		}

		frontier = next
	}

	return Path{}, memerr.ErrNotFound.WithMessagef("no path from %s to %s", from, to)
}

/*
FindPaths enumerates up to limit simple paths from one memory to another,
shortest first, each at most query.MaxDepth edges long. An empty result
means the memories are not connected within that depth.
*/
func (store *InMemoryGraphStore) FindPaths(
	ctx context.Context, from, to, userID string, query PathQuery, limit int,
) ([]Path, error) {
	if err := ctx.Err(); err != nil {
		return nil, memerr.Upstream(err, "graph find paths")
	}

	store.mu.RLock()
	defer store.mu.RUnlock()

	if err := store.endpoints(from, to, userID, query.IncludeDeleted); err != nil {
		return nil, err
	}

	if limit <= 0 {
		return []Path{}, nil
	}

	if from == to {
		return []Path{store.path([]string{from}, nil)}, nil
	}

	type partial struct {
		ids   []string
		edges []Edge
	}

	var (
		adjacency = store.adjacency(userID, query)
		queue     = []partial{{ids: []string{from}}}
		found     = make([]Path, 0, limit)
	)

	for len(queue) > 0 && len(found) < limit {
		if err := ctx.Err(); err != nil {
			return nil, memerr.Upstream(err, "graph find paths")
		}

		current := queue[0]
		queue = queue[1:]

		last := current.ids[len(current.ids)-1]

		if last == to {
			found = append(found, store.path(current.ids, current.edges))
			continue
		}

		if len(current.edges) >= query.MaxDepth {
			continue
		}

		for _, s := range adjacency[last] {
			if slices.Contains(current.ids, s.next) {
				continue
			}

			queue = append(queue, partial{
				ids:   append(slices.Clone(current.ids), s.next),
				edges: append(slices.Clone(current.edges), s.edge),
			})
		}
	}

	return found, nil
}

func (store *InMemoryGraphStore) endpoints(from, to, userID string, includeDeleted bool) error {
	for _, id := range []string{from, to} {
		if _, err := store.visible(id, userID, includeDeleted); err != nil {
			return err
		}
	}

	return nil
}

/*
adjacency indexes the owner's edges by the node they leave, honoring the
relation and direction of query. Steps into nodes the owner cannot see are
dropped. Callers hold the read lock.
*/
func (store *InMemoryGraphStore) adjacency(userID string, query PathQuery) map[string][]step {
	out := make(map[string][]step)

	for _, edge := range store.edges {
		if edge.UserID != userID || (query.Relation != "" && edge.Relation != query.Relation) {
			continue
		}

		if query.Direction != DirectionIn {
			if _, err := store.visible(edge.To, userID, query.IncludeDeleted); err == nil {
				out[edge.From] = append(out[edge.From], step{edge: edge, next: edge.To})
			}
		}

		if query.Direction != DirectionOut {
			if _, err := store.visible(edge.From, userID, query.IncludeDeleted); err == nil {
				out[edge.To] = append(out[edge.To], step{edge: edge, next: edge.From})
			}
		}
	}

	for _, steps := range out {
		sort.Slice(steps, func(i, j int) bool {
			if steps[i].edge.ID != steps[j].edge.ID {
				return steps[i].edge.ID < steps[j].edge.ID
			}
			return steps[i].next < steps[j].next
		})
	}

	return out
}

// trace walks the recorded hops back from to and returns the path forwards.
func (store *InMemoryGraphStore) trace(from, to string, reached map[string]hop) Path {
	ids := []string{to}
	edges := []Edge{}

	for cursor := to; cursor != from; cursor = reached[cursor].from {
		edges = append(edges, reached[cursor].edge)
		ids = append(ids, reached[cursor].from)
	}

	slices.Reverse(ids)
	slices.Reverse(edges)

	return store.path(ids, edges)
}

func (store *InMemoryGraphStore) path(ids []string, edges []Edge) Path {
	nodes := make([]Node, 0, len(ids))

	for _, id := range ids {
		nodes = append(nodes, store.nodes[id].Clone())
	}

	if edges == nil {
		edges = []Edge{}
	}

	return Path{Hops: len(edges), Nodes: nodes, Edges: edges}
}
