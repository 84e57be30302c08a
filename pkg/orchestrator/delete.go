package orchestrator

import (
	"context"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/theapemachine/memcube/pkg/audit"
	memerr "github.com/theapemachine/memcube/pkg/errors"
	"github.com/theapemachine/memcube/pkg/memory"
	"go.opentelemetry.io/otel/attribute"
)

/*
Delete tombstones (Soft) or removes a memory and drops its vector. If the
vector cannot be dropped the node is restored to what it was.
*/
func (o *Orchestrator) Delete(ctx context.Context, req DeleteRequest) (err error) {
	ctx, end := o.begin(ctx, "delete", attribute.String("memory_id", req.MemoryID), attribute.Bool("soft", req.Soft))
	defer func() { end(err) }()

	event := audit.Event{UserID: req.UserID, MemoryID: req.MemoryID, Action: audit.ActionHardDelete}

	if req.Soft {
		event.Action = audit.ActionSoftDelete
	}

	if err = validateTarget(req.MemoryID, req.UserID); err != nil {
		return o.record(ctx, event, err)
	}

	unlock := o.locks.Lock(req.MemoryID)
	defer unlock()

	userID := strings.TrimSpace(req.UserID)

	snapshot, err := storeCall(ctx, o, "graph get", func(ctx context.Context) (memory.Node, error) {
		return o.graph.Get(ctx, req.MemoryID, userID, false)
	})
	if err != nil {
		return o.record(ctx, event, err)
	}

	event.CubeID = snapshot.CubeID

	if req.Soft {
		err = o.storeExec(ctx, "graph soft delete", func(ctx context.Context) error {
			_, err := o.graph.SoftDelete(ctx, req.MemoryID, userID)
			return err
		})
	} else {
		err = o.storeExec(ctx, "graph hard delete", func(ctx context.Context) error {
			return o.graph.HardDelete(ctx, req.MemoryID, userID)
		})
	}

	if err != nil {
		return o.record(ctx, event, err)
	}

	if err = o.storeExec(ctx, "vector delete", func(ctx context.Context) error {
		return o.vectors.Delete(ctx, req.MemoryID)
	}); err != nil {
		return o.record(ctx, event, o.restoreNode(ctx, snapshot, err))
	}

	log.Debug("memory deleted", "id", req.MemoryID, "action", event.Action)

	return o.record(ctx, event, nil)
}

/*
restoreNode writes the pre-delete snapshot back after a failed vector delete.
Edges removed by a hard delete are not recreated.
*/
func (o *Orchestrator) restoreNode(ctx context.Context, snapshot memory.Node, cause error) error {
	ctx = context.WithoutCancel(ctx)
	o.metrics.RecordCompensation(ctx, "delete")

	snapshot.State = memory.StateActive

	if _, err := o.commit(ctx, snapshot); err != nil {
		log.Error("delete rollback failed", "id", snapshot.ID, "cause", cause, "error", err)

		return memerr.ErrConsistency.
			WithMessagef("delete of %s failed and the node could not be restored", snapshot.ID).
			Wrap(cause)
	}

	log.Warn("delete rolled back", "id", snapshot.ID, "cause", cause)

	return cause
}
