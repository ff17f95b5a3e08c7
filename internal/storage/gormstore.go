package storage

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"gorm.io/gorm"

	"github.com/xelth-com/eckwmsgo/internal/checksum"
	"github.com/xelth-com/eckwmsgo/internal/hashutil"
	"github.com/xelth-com/eckwmsgo/internal/vectorclock"
)

// entityRecord and checksumRecord are the gorm models backing GormStore,
// the production implementation chosen per the dependency manifest in
// other_examples/manifests/xelth-com-eckwmsgo/go.mod (this spec's real Go
// rewrite). Starting/provisioning the Postgres instance itself is outside
// the core's scope; GormStore only ever receives an already-open *gorm.DB.
type entityRecord struct {
	EntityType     string `gorm:"primaryKey"`
	EntityID       string `gorm:"primaryKey"`
	PayloadJSON    []byte `gorm:"type:jsonb"`
	Version        uint64
	VectorClockRaw []byte `gorm:"type:jsonb"`
	UpdatedAt      time.Time
	Source         string
	SourcePriority int
}

func (entityRecord) TableName() string { return "entity_versions" }

type checksumRecord struct {
	EntityType     string `gorm:"primaryKey"`
	EntityID       string `gorm:"primaryKey"`
	ContentHash    string
	ChildrenHash   string
	FullHash       string `gorm:"index"`
	LastUpdated    time.Time
	SourceInstance string
}

func (checksumRecord) TableName() string { return "checksums" }

// GormStore is the Postgres-backed Store. It does not migrate on
// construction; the caller's composition root runs Migrate when it sets the
// store up.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps an already-open gorm.DB.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate creates/updates the entity_versions and checksums tables.
func (g *GormStore) Migrate() error {
	return g.db.AutoMigrate(&entityRecord{}, &checksumRecord{})
}

func toRecord(ev EntityVersion) (entityRecord, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return entityRecord{}, err
	}
	vc, err := json.Marshal(ev.VectorClock)
	if err != nil {
		return entityRecord{}, err
	}
	return entityRecord{
		EntityType: ev.EntityType, EntityID: ev.EntityID,
		PayloadJSON: payload, Version: ev.Version, VectorClockRaw: vc,
		UpdatedAt: ev.UpdatedAt, Source: ev.Source, SourcePriority: ev.SourcePriority,
	}, nil
}

func fromRecord(r entityRecord) (EntityVersion, error) {
	var payload map[string]any
	if len(r.PayloadJSON) > 0 {
		if err := json.Unmarshal(r.PayloadJSON, &payload); err != nil {
			return EntityVersion{}, err
		}
	}
	vc := vectorclock.New()
	if len(r.VectorClockRaw) > 0 {
		if err := json.Unmarshal(r.VectorClockRaw, &vc); err != nil {
			return EntityVersion{}, err
		}
	}
	return EntityVersion{
		EntityType: r.EntityType, EntityID: r.EntityID, Payload: payload,
		Version: r.Version, VectorClock: vc, UpdatedAt: r.UpdatedAt,
		Source: r.Source, SourcePriority: r.SourcePriority,
	}, nil
}

func (g *GormStore) GetEntity(entityType, entityID string) (EntityVersion, bool, error) {
	var rec entityRecord
	err := g.db.Where("entity_type = ? AND entity_id = ?", entityType, entityID).First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return EntityVersion{}, false, nil
	}
	if err != nil {
		return EntityVersion{}, false, err
	}
	ev, err := fromRecord(rec)
	return ev, err == nil, err
}

func (g *GormStore) GetEntities(entityType string, ids []string) ([]EntityVersion, error) {
	var recs []entityRecord
	if err := g.db.Where("entity_type = ? AND entity_id IN ?", entityType, ids).Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]EntityVersion, 0, len(recs))
	for _, r := range recs {
		ev, err := fromRecord(r)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// SaveEntity writes the entity row and its recomputed checksum row inside a
// single DB transaction so the checksum never lags the payload it
// describes.
func (g *GormStore) SaveEntity(ev EntityVersion) error {
	sum := checksum.Sum(ev.Payload)
	contentHash := hex.EncodeToString(sum[:])

	return g.db.Transaction(func(tx *gorm.DB) error {
		var existing checksumRecord
		childrenHash := ""
		err := tx.Where("entity_type = ? AND entity_id = ?", ev.EntityType, ev.EntityID).First(&existing).Error
		if err == nil {
			childrenHash = existing.ChildrenHash
		} else if err != gorm.ErrRecordNotFound {
			return err
		}

		rec, err := toRecord(ev)
		if err != nil {
			return err
		}
		if err := tx.Save(&rec).Error; err != nil {
			return err
		}

		csum := checksumRecord{
			EntityType: ev.EntityType, EntityID: ev.EntityID,
			ContentHash: contentHash, ChildrenHash: childrenHash,
			FullHash:       hashutil.CombineHash(contentHash, childrenHash),
			LastUpdated:    time.Now().UTC(),
			SourceInstance: ev.Source,
		}
		return tx.Save(&csum).Error
	})
}

func (g *GormStore) GetChecksum(entityType, entityID string) (ChecksumRow, bool, error) {
	var rec checksumRecord
	err := g.db.Where("entity_type = ? AND entity_id = ?", entityType, entityID).First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return ChecksumRow{}, false, nil
	}
	if err != nil {
		return ChecksumRow{}, false, err
	}
	return checksumRowFromRecord(rec), true, nil
}

func (g *GormStore) ListByBucket(entityType, bucket string) ([]ChecksumRow, error) {
	var recs []checksumRecord
	if err := g.db.Where("entity_type = ?", entityType).Find(&recs).Error; err != nil {
		return nil, err
	}
	var out []ChecksumRow
	for _, r := range recs {
		if hashutil.Bucket(r.EntityID) == bucket {
			out = append(out, checksumRowFromRecord(r))
		}
	}
	return out, nil
}

func (g *GormStore) ListByType(entityType string) ([]ChecksumRow, error) {
	var recs []checksumRecord
	if err := g.db.Where("entity_type = ?", entityType).Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]ChecksumRow, 0, len(recs))
	for _, r := range recs {
		out = append(out, checksumRowFromRecord(r))
	}
	return out, nil
}

func checksumRowFromRecord(r checksumRecord) ChecksumRow {
	return ChecksumRow{
		EntityType: r.EntityType, EntityID: r.EntityID,
		ContentHash: r.ContentHash, ChildrenHash: r.ChildrenHash, FullHash: r.FullHash,
		LastUpdated: r.LastUpdated, SourceInstance: r.SourceInstance,
	}
}

var _ Store = (*GormStore)(nil)
