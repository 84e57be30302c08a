package memory

import (
	"maps"
	"slices"
	"time"
)

// State is the lifecycle state of a Node.
type State string

const (
	StateActive    State = "active"
	StateTombstone State = "tombstone"
)

// MemoryTypeText is the payload tag for textual memories.
const MemoryTypeText = "text_mem"

/*
Node is the authoritative record of a memory, owned by the GraphStore.
Its CubeID never changes after creation.
*/
type Node struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	CubeID    string         `json:"cube_id"`
	Text      string         `json:"memory"`
	Metadata  map[string]any `json:"metadata"`
	Scope     Scope          `json:"scope"`
	SessionID string         `json:"session_id,omitempty"`
	Tags      []string       `json:"custom_tags,omitempty"`
	State     State          `json:"state"`
	Version   int            `json:"version"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Clone returns a copy that shares no mutable state with n.
func (n Node) Clone() Node {
	n.Metadata = maps.Clone(n.Metadata)
	n.Tags = slices.Clone(n.Tags)
	return n
}

// Active reports whether the node is visible to default reads.
func (n Node) Active() bool {
	return n.State == StateActive
}

/*
Payload builds the filterable subset of a node that travels with its vector.
*/
func (n Node) Payload() map[string]any {
	payload := map[string]any{
		"user_id":     n.UserID,
		"cube_id":     n.CubeID,
		"scope":       string(n.Scope),
		"memory_type": MemoryTypeText,
	}

	if n.SessionID != "" {
		payload["session_id"] = n.SessionID
	}

	return payload
}

// PayloadKeys lists the keys a caller filter may reference.
var PayloadKeys = []string{"user_id", "cube_id", "scope", "session_id", "memory_type"}

/*
VectorItem is the embedding of a Node, owned by the VectorStore.
*/
type VectorItem struct {
	ID        string         `json:"id"`
	CubeID    string         `json:"cube_id"`
	UserID    string         `json:"user_id"`
	Embedding []float32      `json:"embedding"`
	Payload   map[string]any `json:"payload"`
}

// Hit is a single vector search match.
type Hit struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

/*
Tenant is the server-side restriction applied to every vector search. It is
never derived from the caller filter.
*/
type Tenant struct {
	UserID  string
	CubeIDs []string
}

// Allows reports whether an item owned by userID in cubeID is in scope.
func (t Tenant) Allows(userID, cubeID string) bool {
	return userID == t.UserID && slices.Contains(t.CubeIDs, cubeID)
}

// Filter is an equality filter over payload keys.
type Filter map[string]any

/*
Edge is a directed, typed relation between two nodes of the same owner.
*/
type Edge struct {
	ID        string         `json:"id"`
	From      string         `json:"from"`
	To        string         `json:"to"`
	Relation  string         `json:"relation"`
	UserID    string         `json:"user_id"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Direction selects which edges Neighbors follows.
type Direction string

const (
	DirectionOut  Direction = "out"
	DirectionIn   Direction = "in"
	DirectionBoth Direction = "both"
)

// NeighborQuery narrows a Neighbors lookup.
type NeighborQuery struct {
	Relation       string
	Direction      Direction
	IncludeDeleted bool
}

// Neighbor pairs an edge with the node on its far side.
type Neighbor struct {
	Edge Edge `json:"edge"`
	Node Node `json:"node"`
}

// PathQuery narrows a path search between two nodes.
type PathQuery struct {
	Relation       string
	Direction      Direction
	MaxDepth       int
	IncludeDeleted bool
}

// Path is a walk through the graph. Edges[i] joins Nodes[i] and Nodes[i+1].
type Path struct {
	Hops  int    `json:"hops"`
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}
