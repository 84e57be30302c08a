package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrNotFound is returned when a point or collection does not exist.
var ErrNotFound = errors.New("qdrant: not found")

// Client wraps an endpoint + collection.
type Client struct {
	Endpoint   string // e.g. http://localhost:6333
	Collection string // e.g. "memos_memories"
	APIKey     string
	httpClient *http.Client
}

// New returns a Client with sane defaults.
func New(endpoint, collection string) *Client {
	return &Client{
		Endpoint:   endpoint,
		Collection: collection,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

/*
EnsureCollection creates the collection with a cosine index of the given
dimension unless it already exists.
*/
func (client *Client) EnsureCollection(ctx context.Context, dimension int) error {
	err := client.do(ctx, http.MethodGet, client.collectionURL(""), nil, nil)

	if err == nil {
		return nil
	}

	if !errors.Is(err, ErrNotFound) {
		return err
	}

	body := map[string]any{
		"vectors": map[string]any{"size": dimension, "distance": "Cosine"},
	}

	return client.do(ctx, http.MethodPut, client.collectionURL(""), body, nil)
}

// Upsert writes points, replacing any with the same id.
func (client *Client) Upsert(ctx context.Context, points []Point) error {
	return client.do(
		ctx, http.MethodPut, client.collectionURL("/points?wait=true"),
		map[string]any{"points": points}, nil,
	)
}

// Get retrieves a point by ID including its payload and vector.
func (client *Client) Get(ctx context.Context, id string) (*Point, error) {
	var out struct {
		Result struct {
			ID      pointID        `json:"id"`
			Vector  []float32      `json:"vector"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}

	if err := client.do(ctx, http.MethodGet, client.collectionURL("/points/"+id), nil, &out); err != nil {
		return nil, err
	}

	return &Point{
		ID:      string(out.Result.ID),
		Vector:  out.Result.Vector,
		Payload: out.Result.Payload,
	}, nil
}

// Delete removes points by ID. Unknown ids are ignored by qdrant.
func (client *Client) Delete(ctx context.Context, ids ...string) error {
	return client.do(
		ctx, http.MethodPost, client.collectionURL("/points/delete?wait=true"),
		map[string]any{"points": ids}, nil,
	)
}

// Search runs a filtered nearest neighbor query.
func (client *Client) Search(ctx context.Context, search SearchRequest) ([]ScoredPoint, error) {
	search.WithPayload = true

	var out struct {
		Result []struct {
			ID      pointID        `json:"id"`
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}

	if err := client.do(ctx, http.MethodPost, client.collectionURL("/points/search"), search, &out); err != nil {
		return nil, err
	}

	points := make([]ScoredPoint, 0, len(out.Result))

	for _, r := range out.Result {
		points = append(points, ScoredPoint{ID: string(r.ID), Score: r.Score, Payload: r.Payload})
	}

	return points, nil
}

// Ping checks that the service answers.
func (client *Client) Ping(ctx context.Context) error {
	return client.do(ctx, http.MethodGet, client.Endpoint+"/collections", nil, nil)
}

func (client *Client) collectionURL(suffix string) string {
	return fmt.Sprintf("%s/collections/%s%s", client.Endpoint, client.Collection, suffix)
}

func (client *Client) do(ctx context.Context, method, url string, in, out any) error {
	var body io.Reader

	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("qdrant: encode request: %w", err)
		}

		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}

	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if client.APIKey != "" {
		req.Header.Set("api-key", client.APIKey)
	}

	resp, err := client.httpClient.Do(req)
	if err != nil {
		return err
	}

	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("qdrant: %s %s status %s: %s", method, url, resp.Status, bytes.TrimSpace(msg))
	}

	if out == nil {
		return nil
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
