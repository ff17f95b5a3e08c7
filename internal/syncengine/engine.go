// Package syncengine composes every other primitive into the two
// convergence drivers this module offers: draining the relay mailbox and
// actively reconciling with one peer over a direct connection. Both
// drivers are idempotent and safe to run concurrently on disjoint entity
// types, so Engine holds no mutable state of its own beyond what its
// dependencies already guard.
package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xelth-com/eckwmsgo/internal/cryptopacket"
	"github.com/xelth-com/eckwmsgo/internal/meshclient"
	"github.com/xelth-com/eckwmsgo/internal/merkle"
	"github.com/xelth-com/eckwmsgo/internal/relayclient"
	"github.com/xelth-com/eckwmsgo/internal/resolver"
	"github.com/xelth-com/eckwmsgo/internal/storage"
	"github.com/xelth-com/eckwmsgo/internal/synchistory"
	"github.com/xelth-com/eckwmsgo/internal/vectorclock"
)

// KnownEntityTypes is the closed tagged union of business entities the
// sync core carries. Adding a new entity type means adding its name here
// and a slot for it in the peer wire batch of internal/meshclient and
// internal/meshserver, which carries only these three.
var KnownEntityTypes = []string{"products", "locations", "shipments"}

func isKnownEntityType(t string) bool {
	for _, k := range KnownEntityTypes {
		if k == t {
			return true
		}
	}
	return false
}

// PushTTL is the relay mailbox TTL used for opportunistic pushes.
const PushTTL = 24 * time.Hour

// Report is the outer result of one drain or reconciliation pass: per-item
// errors are collected rather than aborting the whole operation.
type Report struct {
	Attempted int
	Applied   int
	Skipped   int
	Failures  int
}

func (r *Report) add(other Report) {
	r.Attempted += other.Attempted
	r.Applied += other.Applied
	r.Skipped += other.Skipped
	r.Failures += other.Failures
}

// Engine ties the store, the relay client, the sealer and the instance's
// own identity together.
type Engine struct {
	InstanceID     string
	SourcePriority int

	store   storage.Store
	relay   *relayclient.Client
	sealer  *cryptopacket.Sealer
	log     *logrus.Entry
	history *synchistory.Ring
}

// New builds an Engine. sealer may be nil only for a relay-role process
// that never calls PullAndApply/PushEntity itself. history may be nil, in
// which case completed passes are not recorded anywhere beyond the
// logrus lines already emitted per packet/entity.
func New(instanceID string, sourcePriority int, store storage.Store, relay *relayclient.Client, sealer *cryptopacket.Sealer, log *logrus.Entry, history *synchistory.Ring) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{
		InstanceID: instanceID, SourcePriority: sourcePriority,
		store: store, relay: relay, sealer: sealer,
		log:     log.WithField("component", "syncengine"),
		history: history,
	}
}

func (e *Engine) record(kind synchistory.Kind, peerOrMesh, entityType string, report Report) {
	if e.history == nil {
		return
	}
	e.history.Record(synchistory.Entry{
		Kind: kind, EntityType: entityType, PeerOrMesh: peerOrMesh,
		Attempted: report.Attempted, Applied: report.Applied,
		Skipped: report.Skipped, Failures: report.Failures,
		At: time.Now().UTC(),
	})
}

// PullAndApply drains this instance's relay mailbox and applies every
// packet it can decrypt and recognize through the conflict resolver.
func (e *Engine) PullAndApply(ctx context.Context, meshID string) (Report, error) {
	var report Report
	packets, err := e.relay.Pull(ctx, meshID, e.InstanceID)
	if err != nil {
		return report, fmt.Errorf("syncengine: relay drain: %w", err)
	}

	for _, pkt := range packets {
		report.Attempted++
		if !isKnownEntityType(pkt.EntityType) {
			e.log.WithField("entity_type", pkt.EntityType).WithField("entity_id", pkt.EntityID).
				Warn("skipping packet with unknown entity_type")
			report.Skipped++
			continue
		}

		plaintext, err := e.sealer.Open(pkt)
		if err != nil {
			e.log.WithError(err).WithField("entity_id", pkt.EntityID).Warn("dropping packet that failed to decrypt")
			report.Failures++
			continue
		}

		var payload map[string]any
		if err := json.Unmarshal(plaintext, &payload); err != nil {
			e.log.WithError(err).WithField("entity_id", pkt.EntityID).Warn("dropping packet with malformed payload")
			report.Failures++
			continue
		}

		remote := storage.EntityVersion{
			EntityType: pkt.EntityType, EntityID: pkt.EntityID, Payload: payload,
			Version: pkt.Version, VectorClock: pkt.VectorClock, UpdatedAt: time.Now().UTC(),
			Source: pkt.SourceInstance,
		}
		applied, err := e.applyRemote(remote)
		if err != nil {
			e.log.WithError(err).WithField("entity_id", pkt.EntityID).Error("failed to upsert applied packet")
			report.Failures++
			continue
		}
		if applied {
			report.Applied++
		} else {
			report.Skipped++
		}
	}
	e.record(synchistory.KindRelayDrain, meshID, "", report)
	return report, nil
}

// applyRemote resolves remote against the current local row (if any) and
// upserts it when the resolver says to.
func (e *Engine) applyRemote(remote storage.EntityVersion) (bool, error) {
	local, ok, err := e.store.GetEntity(remote.EntityType, remote.EntityID)
	if err != nil {
		return false, err
	}
	if ok {
		if d, reason := resolver.Resolve(local, remote); d != resolver.ApplyRemote {
			e.log.WithField("entity_id", remote.EntityID).WithField("reason", reason).Debug("remote version rejected by resolver")
			return false, nil
		}
		remote.VectorClock = local.VectorClock.Merge(remote.VectorClock)
	}
	if err := e.store.SaveEntity(remote); err != nil {
		return false, err
	}
	return true, nil
}

// SyncWithPeer runs Merkle-tree-guided active reconciliation against one
// direct peer for one entity type.
func (e *Engine) SyncWithPeer(ctx context.Context, peer *meshclient.Client, entityType string) (Report, error) {
	var report Report

	localRoot, err := merkle.BuildRootNode(e.store, entityType)
	if err != nil {
		return report, fmt.Errorf("syncengine: build local root: %w", err)
	}
	remoteRoot, err := peer.GetRoot(ctx, entityType)
	if err != nil {
		return report, fmt.Errorf("syncengine: fetch peer root: %w", err)
	}
	if localRoot.Hash == remoteRoot.Hash {
		return report, nil
	}

	pullBuckets, pushBuckets := merkle.Diff(localRoot.Children, remoteRoot.Children)
	buckets := unionStrings(pullBuckets, pushBuckets)

	var pullIDs, pushIDs []string
	for _, bucket := range buckets {
		localBucket, err := merkle.BuildBucketNode(e.store, entityType, bucket)
		if err != nil {
			return report, fmt.Errorf("syncengine: build local bucket %q: %w", bucket, err)
		}
		remoteBucket, err := peer.GetBucket(ctx, entityType, bucket)
		if err != nil {
			return report, fmt.Errorf("syncengine: fetch peer bucket %q: %w", bucket, err)
		}
		pull, push := merkle.Diff(localBucket.Children, remoteBucket.Children)
		pullIDs = append(pullIDs, pull...)
		pushIDs = append(pushIDs, push...)
	}

	if len(pullIDs) > 0 {
		remoteRows, err := peer.PullEntities(ctx, entityType, pullIDs)
		if err != nil {
			return report, fmt.Errorf("syncengine: pull_entities: %w", err)
		}
		for _, remote := range remoteRows {
			report.Attempted++
			applied, err := e.applyRemote(remote)
			if err != nil {
				e.log.WithError(err).WithField("entity_id", remote.EntityID).Error("failed to upsert pulled entity")
				report.Failures++
				continue
			}
			if applied {
				report.Applied++
			} else {
				report.Skipped++
			}
		}
	}

	if len(pushIDs) > 0 {
		localRows, err := e.store.GetEntities(entityType, pushIDs)
		if err != nil {
			return report, fmt.Errorf("syncengine: load local rows to push: %w", err)
		}
		applied, err := peer.PushEntities(ctx, entityType, localRows)
		if err != nil {
			return report, fmt.Errorf("syncengine: push_entities: %w", err)
		}
		report.Attempted += len(localRows)
		report.Applied += applied
		report.Skipped += len(localRows) - applied
	}

	e.record(synchistory.KindPeerReconciliation, peer.BaseURL(), entityType, report)
	return report, nil
}

// PushEntity saves payload locally with this instance's self-incremented
// clock and configured source priority, seals it into a packet whose clear
// metadata carries that clock (the packet carries no source priority), then
// relay-pushes it to target with the standard entity TTL.
func (e *Engine) PushEntity(ctx context.Context, meshID, target, entityType, entityID string, payload map[string]any) error {
	local, ok, err := e.store.GetEntity(entityType, entityID)
	if err != nil {
		return fmt.Errorf("syncengine: load local entity: %w", err)
	}
	clock := vectorclock.New()
	version := uint64(1)
	if ok {
		clock = local.VectorClock.Clone()
		version = local.Version + 1
	}
	clock.Increment(e.InstanceID)

	ev := storage.EntityVersion{
		EntityType: entityType, EntityID: entityID, Payload: payload,
		Version: version, VectorClock: clock, UpdatedAt: time.Now().UTC(),
		Source: e.InstanceID, SourcePriority: e.SourcePriority,
	}
	if err := e.store.SaveEntity(ev); err != nil {
		return fmt.Errorf("syncengine: save local entity: %w", err)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("syncengine: marshal payload: %w", err)
	}
	meta := cryptopacket.Metadata{
		EntityType: entityType, EntityID: entityID, Version: version,
		SourceInstance: e.InstanceID, VectorClock: clock,
	}
	packet, err := e.sealer.Seal(meta, raw)
	if err != nil {
		return fmt.Errorf("syncengine: seal packet: %w", err)
	}
	if _, err := e.relay.Push(ctx, meshID, e.InstanceID, target, packet, PushTTL); err != nil {
		return fmt.Errorf("syncengine: relay push: %w", err)
	}
	e.record(synchistory.KindPushEntity, target, entityType, Report{Attempted: 1, Applied: 1})
	return nil
}

func unionStrings(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		set[s] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}
