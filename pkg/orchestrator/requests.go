package orchestrator

import (
	"strings"

	"github.com/theapemachine/memcube/pkg/memory"
)

const (
	DefaultTopK      = 10
	MaxTopK          = 100
	MaxTextLength    = 64 * 1024
	DefaultNeighbors = 20
	MaxNeighbors     = 100
	DefaultPathDepth = 3
	MaxPathDepth     = 6
	DefaultPaths     = 3
	MaxPaths         = 10
)

// Message is one turn of a conversation submitted as memory content.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RelationRequest links a new memory to an existing one of the same owner.
type RelationRequest struct {
	TargetID string `json:"target_id"`
	Relation string `json:"relation"`
}

/*
AddRequest carries either Text or Messages. Messages are stored as
"role: content" lines.
*/
type AddRequest struct {
	UserID          string            `json:"user_id"`
	CubeID          string            `json:"mem_cube_id,omitempty"`
	WritableCubeIDs []string          `json:"writable_cube_ids,omitempty"`
	Text            string            `json:"memory_content,omitempty"`
	Messages        []Message         `json:"messages,omitempty"`
	Metadata        map[string]any    `json:"info,omitempty"`
	Scope           string            `json:"scope,omitempty"`
	SessionID       string            `json:"session_id,omitempty"`
	Tags            []string          `json:"custom_tags,omitempty"`
	Relations       []RelationRequest `json:"relations,omitempty"`
}

// Content returns the text to store and embed.
func (req AddRequest) Content() string {
	if len(req.Messages) == 0 {
		return req.Text
	}

	lines := make([]string, 0, len(req.Messages))

	for _, msg := range req.Messages {
		if strings.TrimSpace(msg.Content) == "" {
			continue
		}

		lines = append(lines, msg.Role+": "+msg.Content)
	}

	return strings.Join(lines, "\n")
}

// AddResult is the outcome of a successful add.
type AddResult struct {
	ID   string      `json:"memory_id"`
	Node memory.Node `json:"memory"`
}

type SearchRequest struct {
	Query           string         `json:"query"`
	UserID          string         `json:"user_id"`
	CubeID          string         `json:"mem_cube_id,omitempty"`
	ReadableCubeIDs []string       `json:"readable_cube_ids,omitempty"`
	TopK            int            `json:"top_k,omitempty"`
	Filter          map[string]any `json:"filter,omitempty"`
	Relativity      float64        `json:"relativity,omitempty"`
}

// SearchHit is a hydrated search result.
type SearchHit struct {
	memory.Node
	Score float64 `json:"score"`
}

type SearchResult struct {
	Hits    []SearchHit `json:"hits"`
	CubeIDs []string    `json:"cube_ids"`
}

/*
UpdateRequest changes text, merges metadata, or moves the memory to another
scope. A nil metadata value removes the key.
*/
type UpdateRequest struct {
	MemoryID string         `json:"memory_id"`
	UserID   string         `json:"user_id"`
	Text     *string        `json:"memory,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Scope    *string        `json:"scope,omitempty"`
}

type DeleteRequest struct {
	MemoryID string `json:"memory_id"`
	UserID   string `json:"user_id"`
	Soft     bool   `json:"soft"`
}

type GetRequest struct {
	MemoryID       string `json:"memory_id"`
	UserID         string `json:"user_id"`
	IncludeDeleted bool   `json:"include_deleted"`
}

type NeighborsRequest struct {
	MemoryID       string `json:"memory_id"`
	UserID         string `json:"user_id"`
	Relation       string `json:"relation,omitempty"`
	Direction      string `json:"direction,omitempty"`
	IncludeDeleted bool   `json:"include_deleted"`
	Limit          int    `json:"limit,omitempty"`
}

type PathRequest struct {
	SourceID       string `json:"source_memory_id"`
	TargetID       string `json:"target_memory_id"`
	UserID         string `json:"user_id"`
	Relation       string `json:"relation,omitempty"`
	Direction      string `json:"direction,omitempty"`
	MaxDepth       int    `json:"max_depth,omitempty"`
	IncludeDeleted bool   `json:"include_deleted"`
}

type PathsRequest struct {
	PathRequest
	TopK int `json:"top_k_paths,omitempty"`
}
