package merkle_test

import (
	"testing"

	"github.com/xelth-com/eckwmsgo/internal/merkle"
	"github.com/xelth-com/eckwmsgo/internal/storage"
)

func seedPopulation(t *testing.T, s *storage.MemStore, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		id := "item-" + string(rune('a'+i%26)) + string(rune('0'+i/26))
		ev := storage.EntityVersion{EntityType: "products", EntityID: id, Payload: map[string]any{"n": i}}
		if err := s.SaveEntity(ev); err != nil {
			t.Fatal(err)
		}
	}
}

// TestIdenticalPopulationsProduceEqualRoots confirms two instances with
// identical data converge to the same level-0 hash.
func TestIdenticalPopulationsProduceEqualRoots(t *testing.T) {
	a := storage.NewMemStore()
	b := storage.NewMemStore()
	seedPopulation(t, a, 1000)
	seedPopulation(t, b, 1000)

	rootA, err := merkle.BuildRootNode(a, "products")
	if err != nil {
		t.Fatal(err)
	}
	rootB, err := merkle.BuildRootNode(b, "products")
	if err != nil {
		t.Fatal(err)
	}
	if rootA.Hash != rootB.Hash {
		t.Fatalf("expected equal roots for identical populations, got %s vs %s", rootA.Hash, rootB.Hash)
	}
}

// TestMutationChangesExactlyOneBucketAndTheRoot confirms mutating one
// entity changes its bucket's hash, the root hash, and that Diff reports
// exactly that id to pull on the lagging side.
func TestMutationChangesExactlyOneBucketAndTheRoot(t *testing.T) {
	a := storage.NewMemStore()
	b := storage.NewMemStore()
	seedPopulation(t, a, 1000)
	seedPopulation(t, b, 1000)

	rootBefore, err := merkle.BuildRootNode(a, "products")
	if err != nil {
		t.Fatal(err)
	}

	if err := b.SaveEntity(storage.EntityVersion{EntityType: "products", EntityID: "item-a0", Payload: map[string]any{"n": "mutated"}}); err != nil {
		t.Fatal(err)
	}

	rootA, err := merkle.BuildRootNode(a, "products")
	if err != nil {
		t.Fatal(err)
	}
	rootB, err := merkle.BuildRootNode(b, "products")
	if err != nil {
		t.Fatal(err)
	}
	if rootA.Hash != rootBefore.Hash {
		t.Fatal("expected instance a's root to be unaffected by instance b's mutation")
	}
	if rootA.Hash == rootB.Hash {
		t.Fatal("expected roots to diverge after mutation")
	}

	pull, push := merkle.Diff(rootA.Children, rootB.Children)
	if len(pull) != 1 || len(push) != 0 {
		t.Fatalf("expected exactly one differing bucket to pull, got pull=%v push=%v", pull, push)
	}

	bucket := pull[0]
	localBucket, err := merkle.BuildBucketNode(a, "products", bucket)
	if err != nil {
		t.Fatal(err)
	}
	remoteBucket, err := merkle.BuildBucketNode(b, "products", bucket)
	if err != nil {
		t.Fatal(err)
	}
	pullIDs, pushIDs := merkle.Diff(localBucket.Children, remoteBucket.Children)
	if len(pullIDs) != 1 || pullIDs[0] != "item-a0" || len(pushIDs) != 0 {
		t.Fatalf("expected pull_ids=[item-a0], got pull=%v push=%v", pullIDs, pushIDs)
	}
}

func TestDiffIsDisjointAndSymmetricUnderSwap(t *testing.T) {
	local := map[string]string{"a": "h1", "b": "h2", "c": "h3"}
	remote := map[string]string{"a": "h1", "b": "h2x", "d": "h4"}

	pull, push := merkle.Diff(local, remote)
	if len(pull) != 2 || len(push) != 2 {
		t.Fatalf("expected 2 pull (b,d) and 2 push (b,c), got pull=%v push=%v", pull, push)
	}

	pull2, push2 := merkle.Diff(remote, local)
	if len(pull2) != len(push) || len(push2) != len(pull) {
		t.Fatalf("expected Diff(remote,local) to swap pull/push relative to Diff(local,remote)")
	}
}
