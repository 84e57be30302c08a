package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/theapemachine/memcube/pkg/audit"
	memerr "github.com/theapemachine/memcube/pkg/errors"
	"github.com/theapemachine/memcube/pkg/memory"
	"github.com/theapemachine/memcube/pkg/namespace"
	"go.opentelemetry.io/otel/attribute"
)

/*
PrepareAdd validates req and resolves its target cube without touching any
store. The scheduler uses it to reject bad submissions up front.
*/
func (o *Orchestrator) PrepareAdd(req AddRequest) (memory.Node, error) {
	if err := validateAdd(req); err != nil {
		return memory.Node{}, err
	}

	cubeID, err := namespace.ResolveWrite(req.UserID, req.CubeID, req.WritableCubeIDs)
	if err != nil {
		return memory.Node{}, err
	}

	scope, err := memory.ParseScope(req.Scope)
	if err != nil {
		return memory.Node{}, err
	}

	metadata := req.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	return memory.Node{
		UserID:    strings.TrimSpace(req.UserID),
		CubeID:    cubeID,
		Text:      req.Content(),
		Metadata:  metadata,
		Scope:     scope,
		SessionID: req.SessionID,
		Tags:      req.Tags,
		State:     memory.StateActive,
		Version:   1,
	}, nil
}

/*
Add stores a new memory: embed, write the node, link any relations, write
the vector. If anything fails after the node was written, the node is hard
deleted again before the error is returned, so a failed add leaves nothing
behind.
*/
func (o *Orchestrator) Add(ctx context.Context, req AddRequest) (result AddResult, err error) {
	ctx, end := o.begin(ctx, "add", attribute.String("user_id", req.UserID))
	defer func() { end(err) }()

	event := audit.Event{UserID: req.UserID, Action: audit.ActionAdd}

	node, err := o.PrepareAdd(req)
	event.CubeID = node.CubeID

	if err != nil {
		return AddResult{}, o.record(ctx, event, err)
	}

	node.ID = o.newID()
	event.MemoryID = node.ID

	unlock := o.locks.Lock(node.ID)
	defer unlock()

	stored, err := o.add(ctx, node, req.Relations)
	if err != nil {
		return AddResult{}, o.record(ctx, event, err)
	}

	log.Debug("memory added", "id", stored.ID, "user_id", stored.UserID, "cube_id", stored.CubeID)

	return AddResult{ID: stored.ID, Node: stored}, o.record(ctx, event, nil)
}

func (o *Orchestrator) add(ctx context.Context, node memory.Node, relations []RelationRequest) (memory.Node, error) {
	embedding, err := o.embed(ctx, node.Text)
	if err != nil {
		return memory.Node{}, err
	}

	stored, err := storeCall(ctx, o, "graph put", func(ctx context.Context) (memory.Node, error) {
		return o.graph.Put(ctx, node)
	})
	if err != nil {
		return memory.Node{}, err
	}

	for _, rel := range relations {
		edge := memory.Edge{From: stored.ID, To: rel.TargetID, Relation: rel.Relation, UserID: stored.UserID}

		if err = o.storeExec(ctx, "graph relate", func(ctx context.Context) error {
			return o.graph.Relate(ctx, edge)
		}); err != nil {
			return memory.Node{}, o.rollbackAdd(ctx, stored, fmt.Errorf("relate to %s: %w", rel.TargetID, err))
		}
	}

	if err = o.storeExec(ctx, "vector upsert", func(ctx context.Context) error {
		return o.vectors.Upsert(ctx, vectorItem(stored, embedding))
	}); err != nil {
		return memory.Node{}, o.rollbackAdd(ctx, stored, err)
	}

	return stored, nil
}

/*
rollbackAdd removes a node whose add could not complete. The vector is
deleted as well, since a timed out upsert may still have landed. If the
rollback itself fails the store pair is inconsistent and a ConsistencyError
is returned.
*/
func (o *Orchestrator) rollbackAdd(ctx context.Context, node memory.Node, cause error) error {
	ctx = context.WithoutCancel(ctx)
	o.metrics.RecordCompensation(ctx, "add")

	graphErr := o.storeExec(ctx, "graph hard delete", func(ctx context.Context) error {
		return o.graph.HardDelete(ctx, node.ID, node.UserID)
	})

	vectorErr := o.storeExec(ctx, "vector delete", func(ctx context.Context) error {
		return o.vectors.Delete(ctx, node.ID)
	})

	if graphErr != nil || vectorErr != nil {
		log.Error(
			"add rollback failed",
			"id", node.ID, "cause", cause, "graph_error", graphErr, "vector_error", vectorErr,
		)

		return memerr.ErrConsistency.
			WithMessagef("add of %s failed and could not be rolled back", node.ID).
			Wrap(cause)
	}

	log.Warn("add rolled back", "id", node.ID, "cause", cause)

	return cause
}

func vectorItem(node memory.Node, embedding []float32) memory.VectorItem {
	return memory.VectorItem{
		ID:        node.ID,
		CubeID:    node.CubeID,
		UserID:    node.UserID,
		Embedding: embedding,
		Payload:   node.Payload(),
	}
}
