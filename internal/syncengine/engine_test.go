package syncengine_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/xelth-com/eckwmsgo/internal/cryptopacket"
	"github.com/xelth-com/eckwmsgo/internal/meshclient"
	"github.com/xelth-com/eckwmsgo/internal/meshserver"
	"github.com/xelth-com/eckwmsgo/internal/relayclient"
	"github.com/xelth-com/eckwmsgo/internal/relayfake"
	"github.com/xelth-com/eckwmsgo/internal/storage"
	"github.com/xelth-com/eckwmsgo/internal/syncengine"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	return bytesRepeat(0x42, cryptopacket.KeySize)
}

func bytesRepeat(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

func TestPullAndApplySkipsUnknownEntityType(t *testing.T) {
	relay := relayfake.New()
	t.Cleanup(relay.Close)

	key := testKey(t)
	senderSealer, err := cryptopacket.NewSealer(key, false)
	if err != nil {
		t.Fatal(err)
	}
	recvSealer, err := cryptopacket.NewSealer(key, false)
	if err != nil {
		t.Fatal(err)
	}

	rc := relayclient.New(relay.Server.URL, nil)
	store := storage.NewMemStore()
	engine := syncengine.New("instance-b", 50, store, rc, recvSealer, nil, nil)

	senderRC := relayclient.New(relay.Server.URL, nil)
	payload, _ := json.Marshal(map[string]any{"name": "Widget"})
	pkt, err := senderSealer.Seal(cryptopacket.Metadata{
		EntityType: "gizmo", EntityID: "g1", Version: 1, SourceInstance: "instance-a",
	}, payload)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := senderRC.Push(context.Background(), "mesh-1", "instance-a", "instance-b", pkt, relayclient.EntityTTL); err != nil {
		t.Fatal(err)
	}

	report, err := engine.PullAndApply(context.Background(), "mesh-1")
	if err != nil {
		t.Fatal(err)
	}
	if report.Attempted != 1 || report.Skipped != 1 || report.Applied != 0 {
		t.Fatalf("expected unknown entity_type to be skipped, got %+v", report)
	}
}

func TestPullAndApplyAppliesKnownEntity(t *testing.T) {
	relay := relayfake.New()
	t.Cleanup(relay.Close)

	key := testKey(t)
	senderSealer, _ := cryptopacket.NewSealer(key, false)
	recvSealer, _ := cryptopacket.NewSealer(key, false)

	store := storage.NewMemStore()
	rc := relayclient.New(relay.Server.URL, nil)
	engine := syncengine.New("instance-b", 50, store, rc, recvSealer, nil, nil)

	senderRC := relayclient.New(relay.Server.URL, nil)
	payload, _ := json.Marshal(map[string]any{"name": "Widget"})
	pkt, err := senderSealer.Seal(cryptopacket.Metadata{
		EntityType: "products", EntityID: "p1", Version: 1, SourceInstance: "instance-a",
	}, payload)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := senderRC.Push(context.Background(), "mesh-1", "instance-a", "instance-b", pkt, relayclient.EntityTTL); err != nil {
		t.Fatal(err)
	}

	report, err := engine.PullAndApply(context.Background(), "mesh-1")
	if err != nil {
		t.Fatal(err)
	}
	if report.Applied != 1 {
		t.Fatalf("expected 1 applied, got %+v", report)
	}

	got, ok, err := store.GetEntity("products", "p1")
	if err != nil || !ok {
		t.Fatalf("expected entity to be stored, err=%v ok=%v", err, ok)
	}
	if got.Payload["name"] != "Widget" {
		t.Fatalf("unexpected payload: %+v", got.Payload)
	}
}

// TestSyncWithPeerConvergesAfterMutation confirms that after one entity is
// mutated on the peer side, a single reconciliation pass pulls and applies
// it, and a second pass finds equal roots and does nothing.
func TestSyncWithPeerConvergesAfterMutation(t *testing.T) {
	localStore := storage.NewMemStore()
	peerStore := storage.NewMemStore()

	ids := []string{"apple", "banana", "cherry", "date", "egg"}
	for _, id := range ids {
		ev := storage.EntityVersion{EntityType: "products", EntityID: id, Payload: map[string]any{"name": id}}
		if err := localStore.SaveEntity(ev); err != nil {
			t.Fatal(err)
		}
		if err := peerStore.SaveEntity(ev); err != nil {
			t.Fatal(err)
		}
	}

	// Mutate "apple" only on the peer side, with a strictly newer timestamp
	// so the resolver's equal-clock tie-break picks it up as the winner.
	mutated := storage.EntityVersion{
		EntityType: "products", EntityID: "apple", Payload: map[string]any{"name": "apple-v2"},
		UpdatedAt: time.Now().UTC().Add(time.Hour),
	}
	if err := peerStore.SaveEntity(mutated); err != nil {
		t.Fatal(err)
	}

	peerSrv := httptest.NewServer(meshserver.New(peerStore, nil))
	t.Cleanup(peerSrv.Close)
	peer := meshclient.New(peerSrv.URL)

	localRC := relayclient.New("http://unused.invalid", nil)
	engine := syncengine.New("instance-local", 50, localStore, localRC, nil, nil, nil)

	report, err := engine.SyncWithPeer(context.Background(), peer, "products")
	if err != nil {
		t.Fatal(err)
	}
	if report.Attempted == 0 || report.Applied == 0 {
		t.Fatalf("expected reconciliation to pull the mutated entity, got %+v", report)
	}

	got, ok, err := localStore.GetEntity("products", "apple")
	if err != nil || !ok {
		t.Fatalf("expected apple to be present locally, err=%v ok=%v", err, ok)
	}
	if got.Payload["name"] != "apple-v2" {
		t.Fatalf("expected converged payload apple-v2, got %+v", got.Payload)
	}

	// A second pass should see equal roots and do nothing further.
	report2, err := engine.SyncWithPeer(context.Background(), peer, "products")
	if err != nil {
		t.Fatal(err)
	}
	if report2.Attempted != 0 {
		t.Fatalf("expected converged roots to short-circuit, got %+v", report2)
	}
}

func TestPushEntityIncrementsClockAndDeliversViaRelay(t *testing.T) {
	relay := relayfake.New()
	t.Cleanup(relay.Close)

	key := testKey(t)
	sealer, _ := cryptopacket.NewSealer(key, false)
	store := storage.NewMemStore()
	rc := relayclient.New(relay.Server.URL, nil)
	engine := syncengine.New("instance-a", 90, store, rc, sealer, nil, nil)

	if err := engine.PushEntity(context.Background(), "mesh-1", "instance-b", "products", "p1", map[string]any{"name": "Widget"}); err != nil {
		t.Fatal(err)
	}

	local, ok, err := store.GetEntity("products", "p1")
	if err != nil || !ok {
		t.Fatalf("expected local upsert, err=%v ok=%v", err, ok)
	}
	if local.VectorClock["instance-a"] != 1 {
		t.Fatalf("expected self clock component incremented to 1, got %+v", local.VectorClock)
	}

	recvSealer, _ := cryptopacket.NewSealer(key, false)
	recvRC := relayclient.New(relay.Server.URL, nil)
	packets, err := recvRC.Pull(context.Background(), "mesh-1", "instance-b")
	if err != nil {
		t.Fatal(err)
	}
	if len(packets) != 1 {
		t.Fatalf("expected 1 delivered packet, got %d", len(packets))
	}
	plaintext, err := recvSealer.Open(packets[0])
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(plaintext, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["name"] != "Widget" {
		t.Fatalf("unexpected delivered payload: %+v", decoded)
	}
}
