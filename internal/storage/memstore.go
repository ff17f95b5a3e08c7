package storage

import (
	"encoding/hex"
	"sync"
	"time"

	"github.com/xelth-com/eckwmsgo/internal/checksum"
	"github.com/xelth-com/eckwmsgo/internal/hashutil"
)

// MemStore is an in-memory Store, the default for a single-process instance
// and the double used by every package's tests. Its shape — a
// mutex-guarded map with explicit per-key access — mirrors
// core/cross_chain.go's KVStore/InMemoryIterator, repurposed here for typed
// entity and checksum rows instead of opaque key/value blobs.
type MemStore struct {
	mu        sync.RWMutex
	entities  map[string]EntityVersion // key: entityType+"/"+entityID
	checksums map[string]ChecksumRow
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		entities:  make(map[string]EntityVersion),
		checksums: make(map[string]ChecksumRow),
	}
}

func rowKey(entityType, entityID string) string { return entityType + "/" + entityID }

func (m *MemStore) GetEntity(entityType, entityID string) (EntityVersion, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.entities[rowKey(entityType, entityID)]
	return ev, ok, nil
}

func (m *MemStore) GetEntities(entityType string, ids []string) ([]EntityVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]EntityVersion, 0, len(ids))
	for _, id := range ids {
		if ev, ok := m.entities[rowKey(entityType, id)]; ok {
			out = append(out, ev)
		}
	}
	return out, nil
}

// SaveEntity recomputes the checksum row from ev.Payload and writes both
// maps under a single lock, the in-process stand-in for the per-row
// database transaction GormStore uses.
func (m *MemStore) SaveEntity(ev EntityVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum := checksum.Sum(ev.Payload)
	contentHash := hex.EncodeToString(sum[:])

	key := rowKey(ev.EntityType, ev.EntityID)
	prev, hadChildren := m.checksums[key]
	childrenHash := ""
	if hadChildren {
		childrenHash = prev.ChildrenHash
	}

	row := ChecksumRow{
		EntityType:     ev.EntityType,
		EntityID:       ev.EntityID,
		ContentHash:    contentHash,
		ChildrenHash:   childrenHash,
		FullHash:       hashutil.CombineHash(contentHash, childrenHash),
		LastUpdated:    time.Now().UTC(),
		SourceInstance: ev.Source,
	}

	m.entities[key] = ev
	m.checksums[key] = row
	return nil
}

func (m *MemStore) GetChecksum(entityType, entityID string) (ChecksumRow, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.checksums[rowKey(entityType, entityID)]
	return row, ok, nil
}

func (m *MemStore) ListByBucket(entityType, bucket string) ([]ChecksumRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ChecksumRow
	for _, row := range m.checksums {
		if row.EntityType == entityType && hashutil.Bucket(row.EntityID) == bucket {
			out = append(out, row)
		}
	}
	return out, nil
}

func (m *MemStore) ListByType(entityType string) ([]ChecksumRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ChecksumRow
	for _, row := range m.checksums {
		if row.EntityType == entityType {
			out = append(out, row)
		}
	}
	return out, nil
}

var _ Store = (*MemStore)(nil)
