package meshserver_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/xelth-com/eckwmsgo/internal/meshserver"
	"github.com/xelth-com/eckwmsgo/internal/storage"
	"github.com/xelth-com/eckwmsgo/internal/vectorclock"
)

func post(t *testing.T, s *meshserver.Server, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestHandlePushRejectsOlderVersionThroughResolver(t *testing.T) {
	store := storage.NewMemStore()
	s := meshserver.New(store, nil)

	older := time.Now().UTC().Add(-time.Hour)
	if err := store.SaveEntity(storage.EntityVersion{
		EntityType: "products", EntityID: "p1", Payload: map[string]any{"name": "v1"},
		VectorClock: vectorclock.Clock{"local": 2}, UpdatedAt: older, SourcePriority: 80,
	}); err != nil {
		t.Fatal(err)
	}

	// Remote is causally behind (its clock is a subset) and lower priority: must be rejected.
	rec := post(t, s, "/mesh/push", map[string]any{
		"products": []storage.EntityVersion{{
			EntityType: "products", EntityID: "p1", Payload: map[string]any{"name": "stale"},
			VectorClock: vectorclock.Clock{"local": 1}, UpdatedAt: time.Now().UTC(), SourcePriority: 10,
		}},
	})
	var resp struct {
		Success bool `json:"success"`
		Applied int  `json:"applied"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Applied != 0 {
		t.Fatalf("expected stale push to be rejected, got applied=%d", resp.Applied)
	}

	got, _, _ := store.GetEntity("products", "p1")
	if got.Payload["name"] != "v1" {
		t.Fatalf("expected local version preserved, got %+v", got.Payload)
	}
}

func TestHandleMerkleLevel0AndLevel1(t *testing.T) {
	store := storage.NewMemStore()
	s := meshserver.New(store, nil)
	_ = store.SaveEntity(storage.EntityVersion{EntityType: "products", EntityID: "apple", Payload: map[string]any{}})

	rec := post(t, s, "/mesh/merkle", map[string]any{"entity_type": "products", "level": 0})
	var root struct {
		Hash     string            `json:"hash"`
		Children map[string]string `json:"children"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &root); err != nil {
		t.Fatal(err)
	}
	if root.Hash == "" || len(root.Children) != 1 {
		t.Fatalf("unexpected root: %+v", root)
	}

	rec = post(t, s, "/mesh/merkle", map[string]any{"entity_type": "products", "level": 1, "bucket": "a"})
	var bucket struct {
		Children map[string]string `json:"children"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &bucket); err != nil {
		t.Fatal(err)
	}
	if _, ok := bucket.Children["apple"]; !ok {
		t.Fatalf("expected bucket node to contain apple, got %+v", bucket)
	}
}
