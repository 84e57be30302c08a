package orchestrator

import (
	"context"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/theapemachine/memcube/pkg/audit"
	memerr "github.com/theapemachine/memcube/pkg/errors"
	"github.com/theapemachine/memcube/pkg/memory"
	"github.com/theapemachine/memcube/pkg/namespace"
	"go.opentelemetry.io/otel/attribute"
)

/*
Search embeds the query and returns the nearest active memories within the
caller's readable cubes. Hits whose node is gone or tombstoned are dropped
and logged; the search itself still succeeds. A non-zero relativity drops
every hit scoring below it.
*/
func (o *Orchestrator) Search(ctx context.Context, req SearchRequest) (result SearchResult, err error) {
	ctx, end := o.begin(ctx, "search", attribute.String("user_id", req.UserID))
	defer func() { end(err) }()

	if err = validateSearch(req); err != nil {
		return SearchResult{}, err
	}

	cubeIDs, err := namespace.ResolveRead(req.UserID, req.CubeID, req.ReadableCubeIDs)
	if err != nil {
		return SearchResult{}, err
	}

	filter, err := normalizeFilter(req.Filter)
	if err != nil {
		return SearchResult{}, err
	}

	topK := req.TopK
	if topK == 0 {
		topK = DefaultTopK
	}

	userID := strings.TrimSpace(req.UserID)
	event := audit.Event{UserID: userID, CubeID: cubeIDs[0], Action: audit.ActionSearch}

	if len(cubeIDs) > 1 {
		event.Detail = "cubes=" + strings.Join(cubeIDs, ",")
	}

	hits, err := o.search(ctx, req.Query, memory.Tenant{UserID: userID, CubeIDs: cubeIDs}, filter, topK)
	if err != nil {
		return SearchResult{}, o.record(ctx, event, err)
	}

	out := make([]SearchHit, 0, len(hits))

	for _, hit := range hits {
		if req.Relativity > 0 && hit.Score < req.Relativity {
			continue
		}

		node, err := o.hydrate(ctx, hit, userID, cubeIDs)
		if err != nil {
			if memerr.IsNotFound(err) {
				continue
			}

			return SearchResult{}, o.record(ctx, event, err)
		}

		out = append(out, SearchHit{Node: node, Score: hit.Score})
	}

	return SearchResult{Hits: out, CubeIDs: cubeIDs}, o.record(ctx, event, nil)
}

func (o *Orchestrator) search(
	ctx context.Context, query string, tenant memory.Tenant, filter memory.Filter, topK int,
) ([]memory.Hit, error) {
	embedding, err := o.embed(ctx, query)
	if err != nil {
		return nil, err
	}

	return storeCall(ctx, o, "vector search", func(ctx context.Context) ([]memory.Hit, error) {
		return o.vectors.Search(ctx, embedding, tenant, filter, topK)
	})
}

/*
hydrate loads the node behind a hit. A hit without an active node, or one
whose node falls outside the tenant, is drift between the stores and is
reported as not found after logging it.
*/
func (o *Orchestrator) hydrate(ctx context.Context, hit memory.Hit, userID string, cubeIDs []string) (memory.Node, error) {
	node, err := storeCall(ctx, o, "graph get", func(ctx context.Context) (memory.Node, error) {
		return o.graph.Get(ctx, hit.ID, userID, false)
	})

	if err == nil && !(memory.Tenant{UserID: userID, CubeIDs: cubeIDs}).Allows(node.UserID, node.CubeID) {
		err = memerr.ErrNotFound.WithMessagef("memory %s not found", hit.ID)
	}

	if memerr.IsNotFound(err) {
		log.Warn(
			"search hit without active node",
			"id", hit.ID, "user_id", userID,
			"error", memerr.ErrConsistency.WithMessagef("vector %s has no active node", hit.ID),
		)
	}

	return node, err
}
