// Package merkle builds and compares a two-level digest tree over
// per-entity-type checksum rows, using the same "hash the concatenation of
// sorted entries" shape core/merkle_tree_operations.go uses for its binary
// leaf tree, generalized here to a bucket/root structure.
package merkle

import (
	"crypto/sha256"
	"sort"
	"strings"

	"github.com/xelth-com/eckwmsgo/internal/hashutil"
	"github.com/xelth-com/eckwmsgo/internal/storage"
)

// NumBuckets is the number of possible buckets: 26 letters + 10 digits + "_".
const NumBuckets = 37

// Bucket returns the lowercase first character of id, or "_" if id is
// empty.
func Bucket(id string) string {
	return hashutil.Bucket(id)
}

// Level distinguishes root nodes from bucket nodes.
type Level int

const (
	LevelBucket Level = 1
	LevelRoot   Level = 0
)

// Node is either a level-1 bucket node (children: entity id -> full_hash)
// or a level-0 root node (children: bucket -> bucket hash).
type Node struct {
	Level    Level             `json:"level"`
	Key      string            `json:"key"`
	Children map[string]string `json:"children"`
	Hash     string            `json:"hash"`
}

// hashEntries computes SHA-256 over the concatenation of
// "key:value;" for each sorted (key,value) pair, the formula shared by both
// tree levels.
func hashEntries(entries map[string]string) string {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(entries[k])
		b.WriteByte(';')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hexEncode(sum[:])
}

func hexEncode(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0x0F]
	}
	return string(out)
}

// BuildBucketNode loads every checksum row for (entityType, bucket) and
// returns the level-1 node.
func BuildBucketNode(store storage.ChecksumStore, entityType, bucket string) (Node, error) {
	rows, err := store.ListByBucket(entityType, bucket)
	if err != nil {
		return Node{}, err
	}
	children := make(map[string]string, len(rows))
	for _, r := range rows {
		children[r.EntityID] = r.FullHash
	}
	return Node{Level: LevelBucket, Key: bucket, Children: children, Hash: hashEntries(children)}, nil
}

// BuildRootNode partitions every checksum row for entityType by bucket and
// returns the level-0 node.
func BuildRootNode(store storage.ChecksumStore, entityType string) (Node, error) {
	rows, err := store.ListByType(entityType)
	if err != nil {
		return Node{}, err
	}
	byBucket := make(map[string]map[string]string)
	for _, r := range rows {
		b := Bucket(r.EntityID)
		if byBucket[b] == nil {
			byBucket[b] = make(map[string]string)
		}
		byBucket[b][r.EntityID] = r.FullHash
	}
	children := make(map[string]string, len(byBucket))
	for b, entries := range byBucket {
		children[b] = hashEntries(entries)
	}
	return Node{Level: LevelRoot, Key: "root", Children: children, Hash: hashEntries(children)}, nil
}

// Diff compares local and remote children maps at the same level and
// returns disjoint pull/push key lists: pull = remote has it and local is
// missing or differs, push = local has it and remote is missing or differs.
// Keys equal on both sides are skipped.
func Diff(local, remote map[string]string) (pull, push []string) {
	for k, remoteHash := range remote {
		if localHash, ok := local[k]; !ok || localHash != remoteHash {
			pull = append(pull, k)
		}
	}
	for k, localHash := range local {
		if remoteHash, ok := remote[k]; !ok || remoteHash != localHash {
			push = append(push, k)
		}
	}
	sort.Strings(pull)
	sort.Strings(push)
	return pull, push
}
