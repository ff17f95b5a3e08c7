// Package resolver implements the three-tier conflict decision between two
// versions of the same entity: causality, then source priority, then
// last-write-wins. It is a pure function package; nothing here touches
// storage or the network.
package resolver

import (
	"github.com/xelth-com/eckwmsgo/internal/storage"
	"github.com/xelth-com/eckwmsgo/internal/vectorclock"
)

// Decision is the resolver's total output.
type Decision int

const (
	KeepLocal Decision = iota
	ApplyRemote
)

// Reason names which tier produced the decision, for logging.
type Reason string

const (
	ReasonCausality      Reason = "causality"
	ReasonSourcePriority Reason = "source_priority"
	ReasonLastWriteWins  Reason = "last_write_wins"
)

// Resolve decides between local and remote, which must describe the same
// (entity_type, entity_id). It never performs I/O.
func Resolve(local, remote storage.EntityVersion) (Decision, Reason) {
	switch local.VectorClock.Compare(remote.VectorClock) {
	case vectorclock.Before:
		return ApplyRemote, ReasonCausality
	case vectorclock.After:
		return KeepLocal, ReasonCausality
	case vectorclock.Equal:
		if remote.UpdatedAt.After(local.UpdatedAt) {
			return ApplyRemote, ReasonLastWriteWins
		}
		return KeepLocal, ReasonLastWriteWins
	}

	// Concurrent: fall through to source priority, then last-write-wins.
	if remote.SourcePriority != local.SourcePriority {
		if remote.SourcePriority > local.SourcePriority {
			return ApplyRemote, ReasonSourcePriority
		}
		return KeepLocal, ReasonSourcePriority
	}

	if remote.UpdatedAt.After(local.UpdatedAt) {
		return ApplyRemote, ReasonLastWriteWins
	}
	return KeepLocal, ReasonLastWriteWins
}
