package orchestrator

import (
	"context"
	"strings"

	"github.com/theapemachine/memcube/pkg/audit"
	memerr "github.com/theapemachine/memcube/pkg/errors"
	"github.com/theapemachine/memcube/pkg/memory"
	"go.opentelemetry.io/otel/attribute"
)

// Get returns one memory of the caller. Only successful reads are audited.
func (o *Orchestrator) Get(ctx context.Context, req GetRequest) (node memory.Node, err error) {
	ctx, end := o.begin(ctx, "get", attribute.String("memory_id", req.MemoryID))
	defer func() { end(err) }()

	if err = validateTarget(req.MemoryID, req.UserID); err != nil {
		return memory.Node{}, err
	}

	userID := strings.TrimSpace(req.UserID)

	node, err = storeCall(ctx, o, "graph get", func(ctx context.Context) (memory.Node, error) {
		return o.graph.Get(ctx, req.MemoryID, userID, req.IncludeDeleted)
	})
	if err != nil {
		return memory.Node{}, err
	}

	return node, o.record(ctx, audit.Event{
		UserID:   userID,
		CubeID:   node.CubeID,
		Action:   audit.ActionGet,
		MemoryID: node.ID,
	}, nil)
}

// Neighbors lists the memories related to one of the caller's memories.
func (o *Orchestrator) Neighbors(ctx context.Context, req NeighborsRequest) (neighbors []memory.Neighbor, err error) {
	ctx, end := o.begin(ctx, "neighbors", attribute.String("memory_id", req.MemoryID))
	defer func() { end(err) }()

	if err = validateNeighbors(req); err != nil {
		return nil, err
	}

	direction := memory.Direction(req.Direction)
	if direction == "" {
		direction = memory.DirectionBoth
	}

	limit := req.Limit
	if limit == 0 {
		limit = DefaultNeighbors
	}

	neighbors, err = storeCall(ctx, o, "graph neighbors", func(ctx context.Context) ([]memory.Neighbor, error) {
		return o.graph.Neighbors(ctx, req.MemoryID, strings.TrimSpace(req.UserID), memory.NeighborQuery{
			Relation:       req.Relation,
			Direction:      direction,
			IncludeDeleted: req.IncludeDeleted,
		})
	})
	if err != nil {
		return nil, err
	}

	if len(neighbors) > limit {
		neighbors = neighbors[:limit]
	}

	return neighbors, nil
}

func (req PathRequest) query() memory.PathQuery {
	query := memory.PathQuery{
		Relation:       req.Relation,
		Direction:      memory.Direction(req.Direction),
		MaxDepth:       req.MaxDepth,
		IncludeDeleted: req.IncludeDeleted,
	}

	if query.Direction == "" {
		query.Direction = memory.DirectionBoth
	}

	if query.MaxDepth == 0 {
		query.MaxDepth = DefaultPathDepth
	}

	return query
}

/*
Path returns the shortest chain of relations between two of the caller's
memories. Like Neighbors it is a graph read and is not audited.
*/
func (o *Orchestrator) Path(ctx context.Context, req PathRequest) (path memory.Path, err error) {
	ctx, end := o.begin(ctx, "path",
		attribute.String("source_memory_id", req.SourceID), attribute.String("target_memory_id", req.TargetID),
	)
	defer func() { end(err) }()

	if err = validationError(validatePath(req)); err != nil {
		return memory.Path{}, err
	}

	return storeCall(ctx, o, "graph shortest path", func(ctx context.Context) (memory.Path, error) {
		return o.graph.ShortestPath(ctx, req.SourceID, req.TargetID, strings.TrimSpace(req.UserID), req.query())
	})
}

// Paths returns up to top_k_paths simple paths, shortest first.
func (o *Orchestrator) Paths(ctx context.Context, req PathsRequest) (paths []memory.Path, err error) {
	ctx, end := o.begin(ctx, "paths",
		attribute.String("source_memory_id", req.SourceID), attribute.String("target_memory_id", req.TargetID),
	)
	defer func() { end(err) }()

	if err = validatePaths(req); err != nil {
		return nil, err
	}

	limit := req.TopK
	if limit == 0 {
		limit = DefaultPaths
	}

	paths, err = storeCall(ctx, o, "graph find paths", func(ctx context.Context) ([]memory.Path, error) {
		return o.graph.FindPaths(ctx, req.SourceID, req.TargetID, strings.TrimSpace(req.UserID), req.query(), limit)
	})
	if err != nil {
		return nil, err
	}

	if len(paths) == 0 {
		return nil, memerr.ErrNotFound.WithMessagef("no path from %s to %s", req.SourceID, req.TargetID)
	}

	return paths, nil
}
