package storage

import (
	"bytes"
	"crypto/sha256"
	"sort"

	"rubin.dev/core/hash"
)

// pathBits is the 256-bit MSB-first bit string of a proof path.
type pathBits = hash.Hash

// bitAt returns bit i (0 = most significant) of p.
func bitAt(p pathBits, i uint16) int {
	byteIdx := i / 8
	bitIdx := 7 - (i % 8)
	return int((p[byteIdx] >> bitIdx) & 1)
}

// PathFragment is the canonical, self-describing encoding of a bit-string
// slice used both as an internal-node-hash preimage component and as the
// externally visible proof identifier: the fragment's bits, big-endian,
// zero-padded to 32 bytes, plus an explicit 2-byte bit length (§4.3).
type PathFragment struct {
	Bits [hash.Size]byte
	Len  uint16
}

func fragmentOf(p pathBits, start, end uint16) PathFragment {
	var f PathFragment
	f.Len = end - start
	for i := start; i < end; i++ {
		if bitAt(p, i) == 1 {
			byteIdx := (i - start) / 8
			bitIdx := 7 - ((i - start) % 8)
			f.Bits[byteIdx] |= 1 << bitIdx
		}
	}
	return f
}

func (f PathFragment) encode() []byte {
	buf := make([]byte, hash.Size+2)
	copy(buf, f.Bits[:])
	buf[hash.Size] = byte(f.Len >> 8)
	buf[hash.Size+1] = byte(f.Len)
	return buf
}

// branchHash is the internal-node hash scheme: tag 0x01 (the same domain
// tag as hash.Node, since both represent "combine two children") applied
// to the two children's {fragment, child hash} blobs rather than the bare
// hash.Node(l, r) used by the proof list, because a map's internal node
// must also commit to where its children's paths diverge.
func branchHash(leftFrag PathFragment, leftHash hash.Hash, rightFrag PathFragment, rightHash hash.Hash) hash.Hash {
	l := leftFrag.encode()
	l = append(l, leftHash[:]...)
	r := rightFrag.encode()
	r = append(r, rightHash[:]...)
	buf := make([]byte, 0, 1+len(l)+len(r))
	buf = append(buf, 0x01)
	buf = append(buf, l...)
	buf = append(buf, r...)
	return hash.Hash(sha256.Sum256(buf))
}

// mapNode is either a resolved leaf/pruned-subtree hash (Depth is the
// number of significant bits of Path for this node) used as an input to
// buildNode, both when building a full map and when reconstructing a
// proof.
type mapNode struct {
	Path  pathBits
	Depth uint16
	Hash  hash.Hash
}

// buildNode recursively combines nodes that are known to share a common
// path prefix of length depth. It finds the actual branch point (the
// compaction step) rather than splitting one bit at a time, so that a
// long run of keys sharing a prefix collapses into a single edge exactly
// as a radix tree requires.
func buildNode(nodes []mapNode, depth uint16) (hash.Hash, uint16) {
	if len(nodes) == 1 {
		return nodes[0].Hash, nodes[0].Depth
	}
	branch := findBranch(nodes, depth)
	leftNodes, rightNodes := splitByBit(nodes, branch)
	lh, lsig := buildNode(leftNodes, branch+1)
	rh, rsig := buildNode(rightNodes, branch+1)
	// Each child's fragment starts at branch (the bit that discriminates
	// left from right) and runs to the child's own resolved depth: any
	// bits in [depth, branch) were already common to every node here and
	// are accounted for by this node's own fragment one level up, so this
	// node's significant depth is branch, not the inherited depth.
	lFrag := fragmentOf(leftNodes[0].Path, branch, lsig)
	rFrag := fragmentOf(rightNodes[0].Path, branch, rsig)
	h := branchHash(lFrag, lh, rFrag, rh)
	return h, branch
}

// findBranch scans forward from depth for the first bit position where
// nodes actually disagree, implementing the radix-compaction step: a run
// of bits every node shares is skipped rather than turned into a chain of
// single-child branches.
func findBranch(nodes []mapNode, depth uint16) uint16 {
	branch := depth
	for {
		left, right := 0, 0
		for _, n := range nodes {
			if bitAt(n.Path, branch) == 0 {
				left++
			} else {
				right++
			}
		}
		if left > 0 && right > 0 {
			return branch
		}
		branch++
	}
}

func splitByBit(nodes []mapNode, branch uint16) (left, right []mapNode) {
	for _, n := range nodes {
		if bitAt(n.Path, branch) == 0 {
			left = append(left, n)
		} else {
			right = append(right, n)
		}
	}
	return left, right
}

// ProofMap is an in-memory binary-radix Merkle map keyed by 256-bit
// proof paths.
type ProofMap struct {
	entries map[pathBits]mapValue
}

type mapValue struct {
	Key   []byte
	Value []byte
}

// NewProofMap returns an empty proof map.
func NewProofMap() *ProofMap {
	return &ProofMap{entries: make(map[pathBits]mapValue)}
}

func (m *ProofMap) Put(key, value []byte) {
	m.entries[hash.ToPath(key)] = mapValue{Key: append([]byte(nil), key...), Value: append([]byte(nil), value...)}
}

func (m *ProofMap) Remove(key []byte) {
	delete(m.entries, hash.ToPath(key))
}

func (m *ProofMap) Get(key []byte) ([]byte, bool) {
	v, ok := m.entries[hash.ToPath(key)]
	if !ok {
		return nil, false
	}
	return v.Value, true
}

func (m *ProofMap) Contains(key []byte) bool {
	_, ok := m.entries[hash.ToPath(key)]
	return ok
}

func (m *ProofMap) Clear() {
	m.entries = make(map[pathBits]mapValue)
}

func (m *ProofMap) Len() int { return len(m.entries) }

// KeyValue pairs an original key with its value, returned in proof-path
// order by the iteration methods below.
type KeyValue struct {
	Key   []byte
	Value []byte
}

func (m *ProofMap) sortedPaths() []pathBits {
	paths := make([]pathBits, 0, len(m.entries))
	for p := range m.entries {
		paths = append(paths, p)
	}
	sort.Slice(paths, func(i, j int) bool { return bytes.Compare(paths[i][:], paths[j][:]) < 0 })
	return paths
}

// Iter returns every entry in ascending proof-path order.
func (m *ProofMap) Iter() []KeyValue {
	paths := m.sortedPaths()
	out := make([]KeyValue, 0, len(paths))
	for _, p := range paths {
		v := m.entries[p]
		out = append(out, KeyValue{Key: v.Key, Value: v.Value})
	}
	return out
}

// IterFrom returns entries whose proof path is >= the path derived from
// fromKey, in ascending order.
func (m *ProofMap) IterFrom(fromKey []byte) []KeyValue {
	from := hash.ToPath(fromKey)
	paths := m.sortedPaths()
	out := make([]KeyValue, 0)
	for _, p := range paths {
		if bytes.Compare(p[:], from[:]) >= 0 {
			v := m.entries[p]
			out = append(out, KeyValue{Key: v.Key, Value: v.Value})
		}
	}
	return out
}

// Keys returns every key in proof-path order.
func (m *ProofMap) Keys() [][]byte {
	it := m.Iter()
	out := make([][]byte, len(it))
	for i, kv := range it {
		out[i] = kv.Key
	}
	return out
}

// Values returns every value in proof-path order.
func (m *ProofMap) Values() [][]byte {
	it := m.Iter()
	out := make([][]byte, len(it))
	for i, kv := range it {
		out[i] = kv.Value
	}
	return out
}

// Root returns the map's internal root hash (not yet wrapped by MapNode),
// the zero hash for an empty map.
func (m *ProofMap) Root() hash.Hash {
	if len(m.entries) == 0 {
		return hash.Hash{}
	}
	nodes := make([]mapNode, 0, len(m.entries))
	for p, v := range m.entries {
		nodes = append(nodes, mapNode{Path: p, Depth: 256, Hash: hash.Leaf(v.Value)})
	}
	sort.Slice(nodes, func(i, j int) bool { return bytes.Compare(nodes[i].Path[:], nodes[j].Path[:]) < 0 })
	h, _ := buildNode(nodes, 0)
	return h
}

// ObjectHash is the proof map's object hash (§4.1).
func (m *ProofMap) ObjectHash() hash.Hash {
	return hash.MapNode(m.Root())
}
