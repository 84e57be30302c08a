package tools

// Memory tools expose the memory operations to MCP clients. MCP carries no
// caller identity, so every tool takes a user_id, falling back to the
// configured default user when it is omitted.

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	memerr "github.com/theapemachine/memcube/pkg/errors"
	"github.com/theapemachine/memcube/pkg/memory"
	"github.com/theapemachine/memcube/pkg/orchestrator"
)

// Memory is the part of the orchestrator the tools call.
type Memory interface {
	Add(ctx context.Context, req orchestrator.AddRequest) (orchestrator.AddResult, error)
	Search(ctx context.Context, req orchestrator.SearchRequest) (orchestrator.SearchResult, error)
	Update(ctx context.Context, req orchestrator.UpdateRequest) (memory.Node, error)
	Delete(ctx context.Context, req orchestrator.DeleteRequest) error
	Get(ctx context.Context, req orchestrator.GetRequest) (memory.Node, error)
	Neighbors(ctx context.Context, req orchestrator.NeighborsRequest) ([]memory.Neighbor, error)
	Path(ctx context.Context, req orchestrator.PathRequest) (memory.Path, error)
	Paths(ctx context.Context, req orchestrator.PathsRequest) ([]memory.Path, error)
}

type MemoryTools struct {
	memory      Memory
	defaultUser string
}

func NewMemoryTools(mem Memory, defaultUser string) *MemoryTools {
	return &MemoryTools{memory: mem, defaultUser: defaultUser}
}

// Register attaches every memory tool to srv.
func (t *MemoryTools) Register(srv *server.MCPServer) {
	srv.AddTool(buildMemoryAddTool(), t.handleAdd)
	srv.AddTool(buildMemorySearchTool(), t.handleSearch)
	srv.AddTool(buildMemoryGetTool(), t.handleGet)
	srv.AddTool(buildMemoryUpdateTool(), t.handleUpdate)
	srv.AddTool(buildMemoryDeleteTool(), t.handleDelete)
	srv.AddTool(buildMemoryNeighborsTool(), t.handleNeighbors)
	srv.AddTool(buildMemoryPathTool(), t.handlePath)
	srv.AddTool(buildMemoryPathsTool(), t.handlePaths)
}

// ---------------------------------------------------------------------------
// Tool builders (schema only)
// ---------------------------------------------------------------------------

func userIDOption() mcp.ToolOption {
	return mcp.WithString("user_id",
		mcp.Description("Owner of the memory; defaults to the server's configured user"),
	)
}

func buildMemoryAddTool() mcp.Tool {
	return mcp.NewTool(
		"memory_add",
		mcp.WithDescription("Stores a memory and returns its id."),
		userIDOption(),
		mcp.WithString("content",
			mcp.Description("Text to remember"),
			mcp.Required(),
		),
		mcp.WithString("cube_id",
			mcp.Description("Cube to write into; defaults to the user's own cube"),
		),
		mcp.WithString("scope",
			mcp.Description("WorkingMemory, LongTermMemory or UserMemory"),
		),
		mcp.WithString("session_id",
			mcp.Description("Conversation the memory came from"),
		),
		mcp.WithObject("metadata",
			mcp.Description("Arbitrary JSON metadata stored with the memory"),
		),
		mcp.WithArray("tags",
			mcp.Description("Free form tags"),
		),
	)
}

func buildMemorySearchTool() mcp.Tool {
	return mcp.NewTool(
		"memory_search",
		mcp.WithDescription("Finds the memories most similar to a query."),
		userIDOption(),
		mcp.WithString("query",
			mcp.Description("Natural language query"),
			mcp.Required(),
		),
		mcp.WithNumber("top_k",
			mcp.Description("Maximum number of results (default 10, max 100)"),
		),
		mcp.WithNumber("relativity",
			mcp.Description("Minimum similarity between 0 and 1"),
		),
		mcp.WithArray("cube_ids",
			mcp.Description("Cubes to search; defaults to the user's own cube"),
		),
		mcp.WithObject("filter",
			mcp.Description("Equality filter on scope, session_id or cube_id"),
		),
	)
}

func buildMemoryGetTool() mcp.Tool {
	return mcp.NewTool(
		"memory_get",
		mcp.WithDescription("Retrieves a memory by id."),
		userIDOption(),
		mcp.WithString("memory_id",
			mcp.Description("Id returned by memory_add"),
			mcp.Required(),
		),
		mcp.WithBoolean("include_deleted",
			mcp.Description("Also return soft deleted memories"),
		),
	)
}

func buildMemoryUpdateTool() mcp.Tool {
	return mcp.NewTool(
		"memory_update",
		mcp.WithDescription("Changes the text, metadata or scope of a memory."),
		userIDOption(),
		mcp.WithString("memory_id",
			mcp.Description("Id of the memory to change"),
			mcp.Required(),
		),
		mcp.WithString("content",
			mcp.Description("Replacement text"),
		),
		mcp.WithObject("metadata",
			mcp.Description("Keys to merge into the metadata; null removes a key"),
		),
		mcp.WithString("scope",
			mcp.Description("New scope"),
		),
	)
}

func buildMemoryDeleteTool() mcp.Tool {
	return mcp.NewTool(
		"memory_delete",
		mcp.WithDescription("Deletes a memory, or tombstones it when soft is true."),
		userIDOption(),
		mcp.WithString("memory_id",
			mcp.Description("Id of the memory to delete"),
			mcp.Required(),
		),
		mcp.WithBoolean("soft",
			mcp.Description("Keep a tombstone instead of removing the memory"),
		),
	)
}

func buildMemoryNeighborsTool() mcp.Tool {
	return mcp.NewTool(
		"memory_neighbors",
		mcp.WithDescription("Lists the memories related to a memory."),
		userIDOption(),
		mcp.WithString("memory_id",
			mcp.Description("Memory to start from"),
			mcp.Required(),
		),
		mcp.WithString("relation",
			mcp.Description("Only follow edges with this relation"),
		),
		mcp.WithString("direction",
			mcp.Description("in, out or both (default both)"),
			mcp.Enum("in", "out", "both"),
		),
	)
}

func pathOptions() []mcp.ToolOption {
	return []mcp.ToolOption{
		userIDOption(),
		mcp.WithString("source_memory_id",
			mcp.Description("Memory the path starts at"),
			mcp.Required(),
		),
		mcp.WithString("target_memory_id",
			mcp.Description("Memory the path ends at"),
			mcp.Required(),
		),
		mcp.WithString("relation",
			mcp.Description("Only follow edges with this relation"),
		),
		mcp.WithString("direction",
			mcp.Description("in, out or both (default both)"),
			mcp.Enum("in", "out", "both"),
		),
		mcp.WithNumber("max_depth",
			mcp.Description("Maximum number of hops (default 3, max 6)"),
		),
	}
}

func buildMemoryPathTool() mcp.Tool {
	return mcp.NewTool(
		"memory_path",
		append([]mcp.ToolOption{
			mcp.WithDescription("Finds the shortest chain of relations between two memories."),
		}, pathOptions()...)...,
	)
}

func buildMemoryPathsTool() mcp.Tool {
	return mcp.NewTool(
		"memory_paths",
		append([]mcp.ToolOption{
			mcp.WithDescription("Lists the shortest chains of relations between two memories."),
			mcp.WithNumber("top_k_paths",
				mcp.Description("Maximum number of paths (default 3, max 10)"),
			),
		}, pathOptions()...)...,
	)
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (t *MemoryTools) handleAdd(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	args := req.GetArguments()

	result, err := t.memory.Add(ctx, orchestrator.AddRequest{
		UserID:    t.user(req),
		CubeID:    req.GetString("cube_id", ""),
		Text:      content,
		Scope:     req.GetString("scope", ""),
		SessionID: req.GetString("session_id", ""),
		Metadata:  objectArg(args, "metadata"),
		Tags:      stringsArg(args, "tags"),
	})

	return toolResult(result, err)
}

func (t *MemoryTools) handleSearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	args := req.GetArguments()

	result, err := t.memory.Search(ctx, orchestrator.SearchRequest{
		Query:           query,
		UserID:          t.user(req),
		ReadableCubeIDs: stringsArg(args, "cube_ids"),
		TopK:            req.GetInt("top_k", 0),
		Relativity:      req.GetFloat("relativity", 0),
		Filter:          objectArg(args, "filter"),
	})

	return toolResult(result, err)
}

func (t *MemoryTools) handleGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("memory_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	node, err := t.memory.Get(ctx, orchestrator.GetRequest{
		MemoryID:       id,
		UserID:         t.user(req),
		IncludeDeleted: req.GetBool("include_deleted", false),
	})

	return toolResult(node, err)
}

func (t *MemoryTools) handleUpdate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("memory_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	args := req.GetArguments()
	update := orchestrator.UpdateRequest{
		MemoryID: id,
		UserID:   t.user(req),
		Metadata: objectArg(args, "metadata"),
	}

	if content, ok := args["content"].(string); ok {
		update.Text = &content
	}

	if scope, ok := args["scope"].(string); ok {
		update.Scope = &scope
	}

	node, err := t.memory.Update(ctx, update)

	return toolResult(node, err)
}

func (t *MemoryTools) handleDelete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("memory_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	soft := req.GetBool("soft", false)

	err = t.memory.Delete(ctx, orchestrator.DeleteRequest{MemoryID: id, UserID: t.user(req), Soft: soft})

	return toolResult(map[string]any{"memory_id": id, "soft": soft, "deleted": true}, err)
}

func (t *MemoryTools) handleNeighbors(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("memory_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	neighbors, err := t.memory.Neighbors(ctx, orchestrator.NeighborsRequest{
		MemoryID:  id,
		UserID:    t.user(req),
		Relation:  req.GetString("relation", ""),
		Direction: req.GetString("direction", ""),
	})

	if neighbors == nil {
		neighbors = []memory.Neighbor{}
	}

	return toolResult(neighbors, err)
}

func (t *MemoryTools) pathRequest(req mcp.CallToolRequest) (orchestrator.PathRequest, error) {
	source, err := req.RequireString("source_memory_id")
	if err != nil {
		return orchestrator.PathRequest{}, err
	}

	target, err := req.RequireString("target_memory_id")
	if err != nil {
		return orchestrator.PathRequest{}, err
	}

	return orchestrator.PathRequest{
		SourceID:  source,
		TargetID:  target,
		UserID:    t.user(req),
		Relation:  req.GetString("relation", ""),
		Direction: req.GetString("direction", ""),
		MaxDepth:  req.GetInt("max_depth", 0),
	}, nil
}

func (t *MemoryTools) handlePath(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pathReq, err := t.pathRequest(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	path, err := t.memory.Path(ctx, pathReq)

	return toolResult(path, err)
}

func (t *MemoryTools) handlePaths(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pathReq, err := t.pathRequest(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	paths, err := t.memory.Paths(ctx, orchestrator.PathsRequest{
		PathRequest: pathReq,
		TopK:        req.GetInt("top_k_paths", 0),
	})

	return toolResult(paths, err)
}

func (t *MemoryTools) user(req mcp.CallToolRequest) string {
	return req.GetString("user_id", t.defaultUser)
}

/*
toolResult renders a successful value as JSON text. Operation failures are
tool errors, not protocol errors, so the model can read and react to them.
*/
func toolResult(value any, err error) (*mcp.CallToolResult, error) {
	if err != nil {
		if merr, ok := memerr.As(err); ok {
			return mcp.NewToolResultError(fmt.Sprintf("%s: %s", merr.Kind, merr.Message)), nil
		}

		return mcp.NewToolResultError(err.Error()), nil
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tool result: %w", err)
	}

	return mcp.NewToolResultText(string(raw)), nil
}

func objectArg(args map[string]any, key string) map[string]any {
	object, _ := args[key].(map[string]any)
	return object
}

func stringsArg(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}

	out := make([]string, 0, len(raw))

	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}

	return out
}
