package qdrant

import (
	"encoding/json"
	"fmt"
)

// Point is a stored vector with its payload.
type Point struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload,omitempty"`
}

// ScoredPoint is a search result.
type ScoredPoint struct {
	ID      string
	Score   float64
	Payload map[string]any
}

/*
Match is a single field condition. Value matches exactly, Any matches any of
the listed keywords.
*/
type Match struct {
	Value any      `json:"value,omitempty"`
	Any   []string `json:"any,omitempty"`
}

// Condition binds a Match to a payload key.
type Condition struct {
	Key   string `json:"key"`
	Match Match  `json:"match"`
}

// Filter is the subset of the qdrant filter language the memory store needs.
type Filter struct {
	Must []Condition `json:"must,omitempty"`
}

// SearchRequest is the body of a points search.
type SearchRequest struct {
	Vector      []float32 `json:"vector"`
	Limit       int       `json:"limit"`
	Filter      *Filter   `json:"filter,omitempty"`
	WithPayload bool      `json:"with_payload"`
}

// pointID accepts both the uuid and the integer id forms qdrant returns.
type pointID string

func (id *pointID) UnmarshalJSON(b []byte) error {
	var raw any

	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	switch value := raw.(type) {
	case string:
		*id = pointID(value)
	case float64:
		*id = pointID(fmt.Sprintf("%.0f", value))
	default:
		return fmt.Errorf("qdrant: unsupported point id %s", string(b))
	}

	return nil
}
