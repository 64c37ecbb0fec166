// Package store implements the storage map (C3): a single ordered map from
// encoded key to Entry shared by every table, backed by
// github.com/google/btree's generic BTreeG so point lookups, inserts,
// erases and ordered range iteration are all O(log n) over the shared
// encoded key space (table ids partition the space, see pkg/kvtkey).
package store

import (
	"bytes"

	"github.com/google/btree"
)

// Entry is the value half of the storage map. Metadata holds the 2PL lock
// owner (tx id, 0 = unlocked) or the OCC version counter (-1 = tombstone),
// per spec §3; which concurrency backend is active determines how the
// field is interpreted; the storage map itself is agnostic.
type Entry struct {
	Data     []byte
	Metadata int32
}

type row struct {
	key   []byte
	entry Entry
}

func less(a, b row) bool {
	return bytes.Compare(a.key, b.key) < 0
}

// Map is the ordered encoded-key -> Entry map for the whole engine (all
// tables share one Map; table ids keep their key ranges disjoint).
type Map struct {
	tree *btree.BTreeG[row]
}

// New creates an empty storage map. degree mirrors the teacher's B+Tree
// "t" constructor parameter (minimum children per internal node); 32 is a
// reasonable default for an in-memory index.
func New() *Map {
	return &Map{tree: btree.NewG(32, less)}
}

// Get performs a point lookup.
func (m *Map) Get(key []byte) (Entry, bool) {
	r, ok := m.tree.Get(row{key: key})
	return r.entry, ok
}

// Set inserts or replaces the entry at key, returning the previous entry
// if one existed.
func (m *Map) Set(key []byte, entry Entry) (prev Entry, existed bool) {
	old, existed := m.tree.ReplaceOrInsert(row{key: append([]byte(nil), key...), entry: entry})
	return old.entry, existed
}

// Delete erases key, returning the removed entry if it existed.
func (m *Map) Delete(key []byte) (prev Entry, existed bool) {
	old, existed := m.tree.Delete(row{key: key})
	return old.entry, existed
}

// Range iterates encoded keys in [start, end) in ascending order, calling
// fn for each. Iteration stops early if fn returns false. An empty start
// or end must already have been resolved to the table's concrete min/max
// bound by the caller (see pkg/kvtkey); Range itself only ever does plain
// byte-range iteration.
func (m *Map) Range(start, end []byte, fn func(key []byte, entry Entry) bool) {
	m.tree.AscendRange(row{key: start}, row{key: end}, func(r row) bool {
		return fn(r.key, r.entry)
	})
}

// Len returns the total number of entries across every table.
func (m *Map) Len() int { return m.tree.Len() }

// All iterates the entire map in ascending key order, used by the
// checkpoint writer to serialize the full storage state.
func (m *Map) All(fn func(key []byte, entry Entry) bool) {
	m.tree.Ascend(func(r row) bool {
		return fn(r.key, r.entry)
	})
}
