// Package storage defines the persistence contract the sync core consumes
// for entity versions and their checksum rows. Starting or migrating the
// underlying database is the caller's responsibility; the core only ever
// holds an EntityStore/ChecksumStore handed to it by configuration.
package storage

import (
	"time"

	"github.com/xelth-com/eckwmsgo/internal/vectorclock"
)

// EntityVersion is one (entity_type, entity_id) row plus everything the
// sync core needs to order and apply it.
type EntityVersion struct {
	EntityType     string            `json:"entity_type"`
	EntityID       string            `json:"entity_id"`
	Payload        map[string]any    `json:"payload"`
	Version        uint64            `json:"version"`
	VectorClock    vectorclock.Clock `json:"vector_clock"`
	UpdatedAt      time.Time         `json:"updated_at"`
	Source         string            `json:"source"`
	SourcePriority int               `json:"source_priority"`
}

// ChecksumRow is one live checksum row per local entity.
type ChecksumRow struct {
	EntityType     string    `json:"entity_type"`
	EntityID       string    `json:"entity_id"`
	ContentHash    string    `json:"content_hash"`
	ChildrenHash   string    `json:"children_hash,omitempty"`
	FullHash       string    `json:"full_hash"`
	LastUpdated    time.Time `json:"last_updated"`
	SourceInstance string    `json:"source_instance"`
}

// EntityStore is the interface the sync engine and mesh server use to read
// and write entity rows.
type EntityStore interface {
	GetEntity(entityType, entityID string) (EntityVersion, bool, error)
	GetEntities(entityType string, ids []string) ([]EntityVersion, error)
	// SaveEntity atomically writes ev and its recomputed checksum row so
	// full_hash always reflects the current payload.
	SaveEntity(ev EntityVersion) error
}

// ChecksumStore is the read surface the Merkle tree builder needs.
type ChecksumStore interface {
	GetChecksum(entityType, entityID string) (ChecksumRow, bool, error)
	ListByBucket(entityType, bucket string) ([]ChecksumRow, error)
	ListByType(entityType string) ([]ChecksumRow, error)
}

// Store is the full persistence contract consumed by internal/syncengine.
type Store interface {
	EntityStore
	ChecksumStore
}
