package orchestrator

import (
	"context"
	"maps"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/theapemachine/memcube/pkg/audit"
	memerr "github.com/theapemachine/memcube/pkg/errors"
	"github.com/theapemachine/memcube/pkg/memory"
	"go.opentelemetry.io/otel/attribute"
)

/*
Update changes the text, metadata or scope of an active memory. When the
text changes the new vector is written first and the node committed after
it; if the commit fails the previous vector is put back.
*/
func (o *Orchestrator) Update(ctx context.Context, req UpdateRequest) (node memory.Node, err error) {
	ctx, end := o.begin(ctx, "update", attribute.String("memory_id", req.MemoryID))
	defer func() { end(err) }()

	event := audit.Event{UserID: req.UserID, MemoryID: req.MemoryID, Action: audit.ActionUpdate}

	if err = validateUpdate(req); err != nil {
		return memory.Node{}, o.record(ctx, event, err)
	}

	var scope memory.Scope

	if req.Scope != nil {
		if scope, err = memory.ParseScope(*req.Scope); err != nil {
			return memory.Node{}, o.record(ctx, event, err)
		}
	}

	unlock := o.locks.Lock(req.MemoryID)
	defer unlock()

	current, err := storeCall(ctx, o, "graph get", func(ctx context.Context) (memory.Node, error) {
		return o.graph.Get(ctx, req.MemoryID, strings.TrimSpace(req.UserID), false)
	})
	if err != nil {
		return memory.Node{}, o.record(ctx, event, err)
	}

	event.CubeID = current.CubeID

	next := current.Clone()

	if req.Text != nil {
		next.Text = *req.Text
	}

	if req.Scope != nil {
		next.Scope = scope
	}

	next.Metadata = mergeMetadata(next.Metadata, req.Metadata)

	if node, err = o.update(ctx, current, next); err != nil {
		return memory.Node{}, o.record(ctx, event, err)
	}

	log.Debug("memory updated", "id", node.ID, "version", node.Version)

	return node, o.record(ctx, event, nil)
}

func (o *Orchestrator) update(ctx context.Context, current, next memory.Node) (memory.Node, error) {
	textChanged := next.Text != current.Text
	scopeChanged := next.Scope != current.Scope

	if !textChanged && !scopeChanged {
		return o.commit(ctx, next)
	}

	previous, err := storeCall(ctx, o, "vector get", func(ctx context.Context) (memory.VectorItem, error) {
		return o.vectors.Get(ctx, current.ID)
	})

	hasPrevious := err == nil
	if err != nil && !memerr.IsNotFound(err) {
		return memory.Node{}, err
	}

	var embedding []float32

	if textChanged || !hasPrevious {
		if embedding, err = o.embed(ctx, next.Text); err != nil {
			return memory.Node{}, err
		}
	} else {
		embedding = previous.Embedding
	}

	if err = o.storeExec(ctx, "vector upsert", func(ctx context.Context) error {
		return o.vectors.Upsert(ctx, vectorItem(next, embedding))
	}); err != nil {
		return memory.Node{}, err
	}

	node, err := o.commit(ctx, next)
	if err == nil {
		return node, nil
	}

	return memory.Node{}, o.restoreVector(ctx, current.ID, previous, hasPrevious, err)
}

func (o *Orchestrator) commit(ctx context.Context, node memory.Node) (memory.Node, error) {
	return storeCall(ctx, o, "graph put", func(ctx context.Context) (memory.Node, error) {
		return o.graph.Put(ctx, node)
	})
}

/*
restoreVector puts the vector that was replaced by a failed update back. When
there was none, the new one is removed.
*/
func (o *Orchestrator) restoreVector(
	ctx context.Context, id string, previous memory.VectorItem, hasPrevious bool, cause error,
) error {
	ctx = context.WithoutCancel(ctx)
	o.metrics.RecordCompensation(ctx, "update")

	err := o.storeExec(ctx, "vector restore", func(ctx context.Context) error {
		if hasPrevious {
			return o.vectors.Upsert(ctx, previous)
		}

		return o.vectors.Delete(ctx, id)
	})

	if err != nil {
		log.Error("update rollback failed", "id", id, "cause", cause, "error", err)

		return memerr.ErrConsistency.
			WithMessagef("update of %s failed and its vector could not be restored", id).
			Wrap(cause)
	}

	log.Warn("update rolled back", "id", id, "cause", cause)

	return cause
}

// mergeMetadata applies patch onto base. A nil value removes the key.
func mergeMetadata(base, patch map[string]any) map[string]any {
	out := maps.Clone(base)
	if out == nil {
		out = map[string]any{}
	}

	for key, value := range patch {
		if value == nil {
			delete(out, key)
			continue
		}

		out[key] = value
	}

	return out
}
