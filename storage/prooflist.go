// Package storage implements the authenticated, Merkleized storage layer:
// the proof list and proof map indexes, the database/snapshot/fork/patch
// model, the state aggregator, and migrations.
package storage

import (
	"sort"

	"rubin.dev/core/hash"
)

// maxListLen is 2^56, the index-space ceiling from §4.2.
const maxListLen uint64 = 1 << 56

// ProofList is an append-only Merkle list. It is the pure tree algorithm
// underlying a list-shaped database index: objectHashOfIndex (db.go)
// replays a declared list index's stored entries into one of these to
// compute its aggregator object hash, and BlockHashesProofList
// (chain.go) does the same for block_hashes_by_height. Kept independent
// of the storage engine so it can be built and tested in memory too.
type ProofList struct {
	leaves []hash.Hash // height-0 values' leaf hashes, in order
	values [][]byte    // the raw values, parallel to leaves
}

// NewProofList returns an empty proof list.
func NewProofList() *ProofList {
	return &ProofList{}
}

// Len returns the number of elements.
func (l *ProofList) Len() uint64 { return uint64(len(l.leaves)) }

// Push appends v.
func (l *ProofList) Push(v []byte) {
	l.values = append(l.values, v)
	l.leaves = append(l.leaves, hash.Leaf(v))
}

// Extend appends every value in vs, in order. Extend MUST yield the same
// root as the equivalent sequence of Push calls: it is implemented in
// terms of Push for exactly that reason.
func (l *ProofList) Extend(vs [][]byte) {
	for _, v := range vs {
		l.Push(v)
	}
}

// Get returns the value at index i, or (nil, false) if i is out of range.
func (l *ProofList) Get(i uint64) ([]byte, bool) {
	if i >= maxListLen || i >= l.Len() {
		return nil, false
	}
	return l.values[i], true
}

// Set replaces the value at index i. i must be < Len().
func (l *ProofList) Set(i uint64, v []byte) {
	if i >= l.Len() {
		return
	}
	l.values[i] = v
	l.leaves[i] = hash.Leaf(v)
}

// Pop removes and returns the last element, if any.
func (l *ProofList) Pop() ([]byte, bool) {
	n := l.Len()
	if n == 0 {
		return nil, false
	}
	v := l.values[n-1]
	l.Truncate(n - 1)
	return v, true
}

// Truncate removes every element at index >= newLen. Because this type
// recomputes the tree from the leaf level on every ObjectHash call, there
// are no stale branch nodes to clean up explicitly — truncation of the
// leaf slice is sufficient for a later Extend to reproduce the root of a
// list that had always held exactly newLen elements.
func (l *ProofList) Truncate(newLen uint64) {
	if newLen >= l.Len() {
		return
	}
	l.leaves = l.leaves[:newLen]
	l.values = l.values[:newLen]
}

// IterFrom returns every (index, value) pair with index >= from, in
// ascending order. Indices >= 2^56 yield an empty sequence.
func (l *ProofList) IterFrom(from uint64) []IndexedValue {
	if from >= maxListLen {
		return nil
	}
	out := make([]IndexedValue, 0, int(l.Len()-minU64(from, l.Len())))
	for i := from; i < l.Len(); i++ {
		out = append(out, IndexedValue{Index: i, Value: l.values[i]})
	}
	return out
}

// IndexedValue pairs a list index with its value.
type IndexedValue struct {
	Index uint64
	Value []byte
}

// treeHeight returns the number of levels above the leaf level required to
// reduce n leaves to a single root (0 for n<=1).
func treeHeight(n uint64) uint8 {
	h := uint8(0)
	for n > 1 {
		n = (n + 1) / 2
		h++
	}
	return h
}

// nodesAtHeight returns the number of nodes present at the given height
// (0 = leaves) for a list of length n.
func nodesAtHeight(n uint64, height uint8) uint64 {
	for ; height > 0; height-- {
		n = (n + 1) / 2
	}
	return n
}

// levels builds every level of the Merkle tree above the leaves, level[0]
// being the leaves themselves. The top level always has exactly one
// element (for n>0).
func (l *ProofList) levels() [][]hash.Hash {
	if l.Len() == 0 {
		return nil
	}
	levels := make([][]hash.Hash, 0, treeHeight(l.Len())+1)
	cur := append([]hash.Hash(nil), l.leaves...)
	levels = append(levels, cur)
	for len(cur) > 1 {
		next := make([]hash.Hash, 0, (len(cur)+1)/2)
		for i := 0; i < len(cur); i += 2 {
			if i+1 < len(cur) {
				next = append(next, hash.Node(cur[i], cur[i+1]))
			} else {
				next = append(next, hash.SingleNode(cur[i]))
			}
		}
		levels = append(levels, next)
		cur = next
	}
	return levels
}

// Root returns the top-level Merkle root, or the zero hash for an empty
// list (the zero hash is never exposed directly: ObjectHash always wraps
// it with ListNode).
func (l *ProofList) Root() hash.Hash {
	levels := l.levels()
	if len(levels) == 0 {
		return hash.Hash{}
	}
	top := levels[len(levels)-1]
	return top[0]
}

// ObjectHash is the proof list's object hash (§4.1).
func (l *ProofList) ObjectHash() hash.Hash {
	return hash.ListNode(l.Len(), l.Root())
}

// RangeProofEntry is one sibling hash needed to recompute the root from a
// range proof's entries.
type RangeProofEntry struct {
	Height uint8
	Index  uint64
	Hash   hash.Hash
}

// RangeProof is the result of GetRangeProof.
type RangeProof struct {
	Entries []IndexedValue
	Proof   []RangeProofEntry
	Length  uint64
}

// GetRangeProof returns the minimal range proof covering indices in
// [start, end) intersected with [0, Len()).
func (l *ProofList) GetRangeProof(start, end uint64) RangeProof {
	n := l.Len()
	if end > n {
		end = n
	}
	rp := RangeProof{Length: n}
	if start >= end {
		if n > 0 {
			// Nothing in the requested range overlaps the list: the
			// minimal proof that still lets a verifier recompute the
			// root is the root hash itself, carried as a single
			// proof entry rather than decomposed into siblings that
			// nobody asked for.
			rp.Proof = []RangeProofEntry{{Height: treeHeight(n), Index: 0, Hash: l.Root()}}
		}
		return rp
	}

	for i := start; i < end; i++ {
		rp.Entries = append(rp.Entries, IndexedValue{Index: i, Value: l.values[i]})
	}

	levels := l.levels()
	// present marks, per level, which positions are already known to the
	// verifier (either because they were supplied as entries, or because
	// they were derived while climbing).
	present := make([]map[uint64]bool, len(levels))
	present[0] = make(map[uint64]bool, end-start)
	for i := start; i < end; i++ {
		present[0][i] = true
	}
	for lvl := 1; lvl < len(levels); lvl++ {
		present[lvl] = make(map[uint64]bool)
	}

	for lvl := 0; lvl < len(levels)-1; lvl++ {
		width := uint64(len(levels[lvl]))
		for idx := range present[lvl] {
			parent := idx / 2
			if present[lvl+1][parent] {
				continue
			}
			sibling := idx ^ 1
			if sibling >= width {
				// odd promotion: no sibling needed, parent derives directly.
				present[lvl+1][parent] = true
				continue
			}
			if !present[lvl][sibling] {
				rp.Proof = append(rp.Proof, RangeProofEntry{
					Height: uint8(lvl + 1),
					Index:  sibling,
					Hash:   levels[lvl][sibling],
				})
			}
			present[lvl+1][parent] = true
		}
	}

	sort.Slice(rp.Proof, func(i, j int) bool {
		if rp.Proof[i].Height != rp.Proof[j].Height {
			return rp.Proof[i].Height < rp.Proof[j].Height
		}
		return rp.Proof[i].Index < rp.Proof[j].Index
	})
	return rp
}

// GetProof returns the single-index range proof for i.
func (l *ProofList) GetProof(i uint64) RangeProof {
	return l.GetRangeProof(i, i+1)
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
