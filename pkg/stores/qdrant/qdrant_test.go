package qdrant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestClientGet(t *testing.T) {
	Convey("Given a qdrant client and a test server", t, func() {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/collections/mem/points/missing" {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			fmt.Fprint(w, `{"result":{"id":"123","vector":[0.5,0.5],"payload":{"cube_id":"c1"}}}`)
		}))
		defer ts.Close()

		client := New(ts.URL, "mem")

		Convey("Then the point should be parsed correctly", func() {
			point, err := client.Get(context.Background(), "123")
			So(err, ShouldBeNil)
			So(point.ID, ShouldEqual, "123")
			So(point.Vector, ShouldResemble, []float32{0.5, 0.5})
			So(point.Payload["cube_id"], ShouldEqual, "c1")
		})

		Convey("Then a 404 maps to ErrNotFound", func() {
			_, err := client.Get(context.Background(), "missing")
			So(errors.Is(err, ErrNotFound), ShouldBeTrue)
		})
	})
}

func TestClientSearch(t *testing.T) {
	Convey("Given a qdrant client and a test server for search", t, func() {
		var received SearchRequest

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewDecoder(r.Body).Decode(&received)
			fmt.Fprint(w, `{"result":[{"id":"a","score":0.9,"payload":{"scope":"UserMemory"}},{"id":7,"score":0.4}]}`)
		}))
		defer ts.Close()

		client := New(ts.URL, "mem")
		points, err := client.Search(context.Background(), SearchRequest{
			Vector: []float32{0.1},
			Limit:  2,
			Filter: &Filter{Must: []Condition{{Key: "cube_id", Match: Match{Any: []string{"c1", "c2"}}}}},
		})

		Convey("Then the filter is sent and results are returned", func() {
			So(err, ShouldBeNil)
			So(received.Limit, ShouldEqual, 2)
			So(received.WithPayload, ShouldBeTrue)
			So(received.Filter.Must[0].Match.Any, ShouldResemble, []string{"c1", "c2"})
			So(len(points), ShouldEqual, 2)
			So(points[0].ID, ShouldEqual, "a")
			So(points[0].Payload["scope"], ShouldEqual, "UserMemory")
			So(points[1].ID, ShouldEqual, "7")
		})
	})
}

func TestEnsureCollection(t *testing.T) {
	Convey("Given a server without the collection", t, func() {
		var created map[string]any

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet:
				w.WriteHeader(http.StatusNotFound)
			case http.MethodPut:
				_ = json.NewDecoder(r.Body).Decode(&created)
				fmt.Fprint(w, `{"result":true}`)
			}
		}))
		defer ts.Close()

		err := New(ts.URL, "mem").EnsureCollection(context.Background(), 8)

		Convey("Then it creates a cosine collection", func() {
			So(err, ShouldBeNil)
			vectors := created["vectors"].(map[string]any)
			So(vectors["size"], ShouldEqual, float64(8))
			So(vectors["distance"], ShouldEqual, "Cosine")
		})
	})
}

func TestClientErrors(t *testing.T) {
	Convey("Given a failing server", t, func() {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"status":{"error":"boom"}}`)
		}))
		defer ts.Close()

		err := New(ts.URL, "mem").Delete(context.Background(), "1")

		Convey("Then the status is reported", func() {
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "500")
		})
	})
}
