package resolver_test

import (
	"testing"
	"time"

	"github.com/xelth-com/eckwmsgo/internal/resolver"
	"github.com/xelth-com/eckwmsgo/internal/storage"
	"github.com/xelth-com/eckwmsgo/internal/vectorclock"
)

func TestCausalityApplyRemoteWhenLocalBefore(t *testing.T) {
	T := time.Now().UTC()
	local := storage.EntityVersion{VectorClock: vectorclock.Clock{"a": 1}, SourcePriority: 50, UpdatedAt: T}
	remote := storage.EntityVersion{VectorClock: vectorclock.Clock{"a": 2}, SourcePriority: 50, UpdatedAt: T}

	d, reason := resolver.Resolve(local, remote)
	if d != resolver.ApplyRemote || reason != resolver.ReasonCausality {
		t.Fatalf("expected ApplyRemote/causality, got %v/%v", d, reason)
	}
}

func TestPriorityBreaksConcurrentTie(t *testing.T) {
	T := time.Now().UTC()
	local := storage.EntityVersion{VectorClock: vectorclock.Clock{"a": 1}, SourcePriority: 50, UpdatedAt: T}
	remote := storage.EntityVersion{VectorClock: vectorclock.Clock{"b": 1}, SourcePriority: 80, UpdatedAt: T}

	d, reason := resolver.Resolve(local, remote)
	if d != resolver.ApplyRemote || reason != resolver.ReasonSourcePriority {
		t.Fatalf("expected ApplyRemote/source_priority, got %v/%v", d, reason)
	}
}

func TestLastWriteWinsBreaksConcurrentEqualPriorityTie(t *testing.T) {
	T := time.Now().UTC()
	local := storage.EntityVersion{VectorClock: vectorclock.Clock{"a": 1}, SourcePriority: 50, UpdatedAt: T}
	remote := storage.EntityVersion{VectorClock: vectorclock.Clock{"b": 1}, SourcePriority: 50, UpdatedAt: T.Add(10 * time.Second)}

	d, reason := resolver.Resolve(local, remote)
	if d != resolver.ApplyRemote || reason != resolver.ReasonLastWriteWins {
		t.Fatalf("expected ApplyRemote/last_write_wins, got %v/%v", d, reason)
	}
}

func TestEqualClocksTieBreakByNewerTimestamp(t *testing.T) {
	T := time.Now().UTC()
	local := storage.EntityVersion{VectorClock: vectorclock.Clock{"a": 1}, UpdatedAt: T}
	remote := storage.EntityVersion{VectorClock: vectorclock.Clock{"a": 1}, UpdatedAt: T.Add(time.Second)}

	d, reason := resolver.Resolve(local, remote)
	if d != resolver.ApplyRemote || reason != resolver.ReasonLastWriteWins {
		t.Fatalf("expected ApplyRemote/last_write_wins for equal clocks, got %v/%v", d, reason)
	}
}

func TestCausalityKeepLocalWhenLocalAfter(t *testing.T) {
	T := time.Now().UTC()
	local := storage.EntityVersion{VectorClock: vectorclock.Clock{"a": 2}, UpdatedAt: T}
	remote := storage.EntityVersion{VectorClock: vectorclock.Clock{"a": 1}, UpdatedAt: T.Add(time.Hour)}

	d, reason := resolver.Resolve(local, remote)
	if d != resolver.KeepLocal || reason != resolver.ReasonCausality {
		t.Fatalf("expected KeepLocal/causality (causality must dominate LWW), got %v/%v", d, reason)
	}
}

func TestStrictGreaterThanRequiredForLWW(t *testing.T) {
	T := time.Now().UTC()
	local := storage.EntityVersion{VectorClock: vectorclock.Clock{"a": 1}, SourcePriority: 50, UpdatedAt: T}
	remote := storage.EntityVersion{VectorClock: vectorclock.Clock{"b": 1}, SourcePriority: 50, UpdatedAt: T}

	d, _ := resolver.Resolve(local, remote)
	if d != resolver.KeepLocal {
		t.Fatalf("expected KeepLocal when remote.updated_at is not strictly newer, got %v", d)
	}
}
