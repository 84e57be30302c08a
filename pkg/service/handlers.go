package service

import (
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/theapemachine/memcube/pkg/audit"
	"github.com/theapemachine/memcube/pkg/auth"
	memerr "github.com/theapemachine/memcube/pkg/errors"
	"github.com/theapemachine/memcube/pkg/memory"
	"github.com/theapemachine/memcube/pkg/orchestrator"
)

type addPayload struct {
	orchestrator.AddRequest
	AsyncMode string `json:"async_mode,omitempty"`
}

type cubeBucket struct {
	CubeID   string                   `json:"cube_id"`
	Memories []orchestrator.SearchHit `json:"memories"`
}

type searchData struct {
	Hits    []orchestrator.SearchHit            `json:"hits"`
	CubeIDs []string                            `json:"cube_ids"`
	TextMem []cubeBucket                        `json:"text_mem"`
	Scopes  map[string][]orchestrator.SearchHit `json:"scopes"`
}

// bind decodes the JSON body into out, reporting bad bodies as validation errors.
func bind(c fiber.Ctx, out any) error {
	if err := c.Bind().Body(out); err != nil {
		return memerr.ErrValidation.WithMessagef("invalid request body: %v", err)
	}

	return nil
}

// authorize refuses callers whose token names a different user.
func authorize(c fiber.Ctx, userID string) error {
	if !auth.PrincipalFrom(c).Allows(userID) {
		return memerr.ErrUnauthorized.WithMessagef("token does not grant access to user %q", userID)
	}

	return nil
}

func (srv *MemoryServer) handleReady(c fiber.Ctx) error {
	if srv.config.Ready != nil {
		if err := srv.config.Ready(c); err != nil {
			return memerr.ErrUnavailable.WithMessagef("backend not ready").Wrap(err)
		}
	}

	return respond(c, "ready", nil)
}

func (srv *MemoryServer) handleMetrics(c fiber.Ctx) error {
	data := map[string]any{}

	if srv.config.Metrics != nil {
		data = srv.config.Metrics()
	}

	return respond(c, "ok", data)
}

/*
handleAdd stores a memory synchronously, or queues it and returns the task
when async_mode is "async".
*/
func (srv *MemoryServer) handleAdd(c fiber.Ctx) error {
	var payload addPayload

	if err := bind(c, &payload); err != nil {
		return err
	}

	if err := authorize(c, payload.UserID); err != nil {
		return err
	}

	switch strings.ToLower(payload.AsyncMode) {
	case "", "sync":
		result, err := srv.memory.Add(c, payload.AddRequest)
		if err != nil {
			return err
		}

		return respond(c, "memory added", result)
	case "async":
		if srv.tasks == nil {
			return memerr.ErrUnavailable.WithMessagef("async mode is not enabled")
		}

		task, err := srv.tasks.Submit(c, payload.AddRequest)
		if err != nil {
			return err
		}

		return respond(c, "task submitted", task)
	default:
		return memerr.ErrValidation.WithMessagef("async_mode must be sync or async, got %q", payload.AsyncMode)
	}
}

func (srv *MemoryServer) handleSearch(c fiber.Ctx) error {
	var req orchestrator.SearchRequest

	if err := bind(c, &req); err != nil {
		return err
	}

	if err := authorize(c, req.UserID); err != nil {
		return err
	}

	result, err := srv.memory.Search(c, req)
	if err != nil {
		return err
	}

	return respond(c, "search completed", bucket(result))
}

// bucket groups hits by cube and by scope, keeping score order in each group.
func bucket(result orchestrator.SearchResult) searchData {
	data := searchData{
		Hits:    result.Hits,
		CubeIDs: result.CubeIDs,
		TextMem: make([]cubeBucket, 0, len(result.CubeIDs)),
		Scopes: map[string][]orchestrator.SearchHit{
			string(memory.ScopeWorking):  {},
			string(memory.ScopeLongTerm): {},
			string(memory.ScopeUser):     {},
		},
	}

	if data.Hits == nil {
		data.Hits = []orchestrator.SearchHit{}
	}

	byCube := make(map[string]int, len(result.CubeIDs))

	for _, cubeID := range result.CubeIDs {
		byCube[cubeID] = len(data.TextMem)
		data.TextMem = append(data.TextMem, cubeBucket{CubeID: cubeID, Memories: []orchestrator.SearchHit{}})
	}

	for _, hit := range result.Hits {
		if i, ok := byCube[hit.CubeID]; ok {
			data.TextMem[i].Memories = append(data.TextMem[i].Memories, hit)
		}

		data.Scopes[string(hit.Scope)] = append(data.Scopes[string(hit.Scope)], hit)
	}

	return data
}

func (srv *MemoryServer) handleTaskStatus(c fiber.Ctx) error {
	userID := c.Query("user_id")
	taskID := c.Query("task_id")

	if strings.TrimSpace(userID) == "" || strings.TrimSpace(taskID) == "" {
		return memerr.ErrValidation.WithMessagef("user_id and task_id are required")
	}

	if err := authorize(c, userID); err != nil {
		return err
	}

	if srv.tasks == nil {
		return memerr.ErrNotFound.WithMessagef("task %s not found", taskID)
	}

	task, err := srv.tasks.Status(c, taskID, userID)
	if err != nil {
		return err
	}

	return respond(c, "ok", task)
}

func (srv *MemoryServer) handleUpdate(c fiber.Ctx) error {
	var req orchestrator.UpdateRequest

	if err := bind(c, &req); err != nil {
		return err
	}

	if err := authorize(c, req.UserID); err != nil {
		return err
	}

	node, err := srv.memory.Update(c, req)
	if err != nil {
		return err
	}

	return respond(c, "memory updated", node)
}

func (srv *MemoryServer) handleDelete(c fiber.Ctx) error {
	var req orchestrator.DeleteRequest

	if err := bind(c, &req); err != nil {
		return err
	}

	if err := authorize(c, req.UserID); err != nil {
		return err
	}

	if err := srv.memory.Delete(c, req); err != nil {
		return err
	}

	return respond(c, "memory deleted", fiber.Map{"memory_id": req.MemoryID, "soft": req.Soft})
}

func (srv *MemoryServer) handleGet(c fiber.Ctx) error {
	var req orchestrator.GetRequest

	if err := bind(c, &req); err != nil {
		return err
	}

	if err := authorize(c, req.UserID); err != nil {
		return err
	}

	node, err := srv.memory.Get(c, req)
	if err != nil {
		return err
	}

	return respond(c, "ok", node)
}

func (srv *MemoryServer) handleNeighbors(c fiber.Ctx) error {
	var req orchestrator.NeighborsRequest

	if err := bind(c, &req); err != nil {
		return err
	}

	if err := authorize(c, req.UserID); err != nil {
		return err
	}

	neighbors, err := srv.memory.Neighbors(c, req)
	if err != nil {
		return err
	}

	if neighbors == nil {
		neighbors = []memory.Neighbor{}
	}

	return respond(c, "ok", neighbors)
}

func (srv *MemoryServer) handlePath(c fiber.Ctx) error {
	var req orchestrator.PathRequest

	if err := bind(c, &req); err != nil {
		return err
	}

	if err := authorize(c, req.UserID); err != nil {
		return err
	}

	path, err := srv.memory.Path(c, req)
	if err != nil {
		return err
	}

	return respond(c, "ok", path)
}

func (srv *MemoryServer) handlePaths(c fiber.Ctx) error {
	var req orchestrator.PathsRequest

	if err := bind(c, &req); err != nil {
		return err
	}

	if err := authorize(c, req.UserID); err != nil {
		return err
	}

	paths, err := srv.memory.Paths(c, req)
	if err != nil {
		return err
	}

	return respond(c, "ok", paths)
}

/*
handleAuditList pages through audit events, newest first. The as_of of the
first page pins later pages to the same snapshot. A caller scoped to one
user only ever sees that user's events; unscoped callers may filter by
user_id, cube_id or both.
*/
func (srv *MemoryServer) handleAuditList(c fiber.Ctx) error {
	userID := strings.TrimSpace(c.Query("user_id"))

	if subject := auth.PrincipalFrom(c).Subject; subject != "" {
		if userID != "" && userID != subject {
			return memerr.ErrUnauthorized.WithMessagef("token does not grant access to user %q", userID)
		}

		userID = subject
	}

	options, err := listOptions(c)
	if err != nil {
		return err
	}

	options.UserID = userID

	page, err := srv.audit.List(c, options)
	if err != nil {
		return memerr.Upstream(err, "audit list failed")
	}

	if page.Events == nil {
		page.Events = []audit.Event{}
	}

	return respond(c, "ok", page)
}

func listOptions(c fiber.Ctx) (audit.ListOptions, error) {
	options := audit.ListOptions{CubeID: c.Query("cube_id")}

	if raw := c.Query("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return options, memerr.ErrValidation.WithMessagef("since must be RFC3339: %v", err)
		}

		options.Since = since
	}

	for _, field := range []struct {
		name string
		into *int
	}{
		{"limit", &options.Limit},
		{"offset", &options.Offset},
	} {
		raw := c.Query(field.name)
		if raw == "" {
			continue
		}

		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return options, memerr.ErrValidation.WithMessagef("%s must be a non-negative integer", field.name)
		}

		*field.into = n
	}

	if raw := c.Query("as_of"); raw != "" {
		asOf, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return options, memerr.ErrValidation.WithMessagef("as_of must be a sequence number")
		}

		options.AsOf = asOf
	}

	if options.Limit > audit.MaxListLimit {
		return options, memerr.ErrValidation.WithMessagef("limit may not exceed %d", audit.MaxListLimit)
	}

	return options, nil
}
