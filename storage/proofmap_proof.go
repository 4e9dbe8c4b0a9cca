package storage

import (
	"bytes"
	"sort"

	"rubin.dev/core/hash"
)

// MapProofEntry is a pruned subtree disclosed by a multi-proof: Path's
// first Depth bits identify the subtree's position, and Hash is that
// subtree's combined hash (a leaf hash if Depth == 256, a branch hash
// otherwise). Bits of Path at or beyond Depth carry no meaning.
type MapProofEntry struct {
	Path  hash.Hash
	Depth uint16
	Hash  hash.Hash
}

// MultiProof is the result of GetMultiProof: the requested keys that were
// present, the requested keys that were absent, and the minimal set of
// pruned subtree hashes needed to recompute the map's root from both.
type MultiProof struct {
	Entries     []KeyValue
	MissingKeys [][]byte
	Proof       []MapProofEntry
}

// GetMultiProof returns the proof covering exactly the given keys: every
// key present in the map is returned in Entries, every key absent from it
// is returned in MissingKeys, and Proof carries the smallest set of
// subtree hashes a verifier needs to confirm both against the map's root.
func (m *ProofMap) GetMultiProof(keys [][]byte) MultiProof {
	requested := make(map[pathBits]bool, len(keys))
	pathToKey := make(map[pathBits][]byte, len(keys))
	for _, k := range keys {
		p := hash.ToPath(k)
		requested[p] = true
		pathToKey[p] = k
	}

	var mp MultiProof
	paths := make([]pathBits, 0, len(pathToKey))
	for p := range pathToKey {
		paths = append(paths, p)
	}
	sort.Slice(paths, func(i, j int) bool { return bytes.Compare(paths[i][:], paths[j][:]) < 0 })
	for _, p := range paths {
		if v, ok := m.entries[p]; ok {
			mp.Entries = append(mp.Entries, KeyValue{Key: v.Key, Value: v.Value})
		} else {
			mp.MissingKeys = append(mp.MissingKeys, pathToKey[p])
		}
	}

	if len(m.entries) == 0 {
		return mp
	}
	nodes := make([]mapNode, 0, len(m.entries))
	for p, v := range m.entries {
		nodes = append(nodes, mapNode{Path: p, Depth: 256, Hash: hash.Leaf(v.Value)})
	}
	sort.Slice(nodes, func(i, j int) bool { return bytes.Compare(nodes[i].Path[:], nodes[j].Path[:]) < 0 })

	var proof []mapNode
	collectProof(nodes, 0, requested, &proof)
	mp.Proof = make([]MapProofEntry, len(proof))
	for i, n := range proof {
		mp.Proof[i] = MapProofEntry{Path: n.Path, Depth: n.Depth, Hash: n.Hash}
	}
	return mp
}

// collectProof walks the same compacted branch structure buildNode would,
// but stops descending into any subtree that contains no requested path,
// recording that subtree's hash as a single proof entry instead. A
// subtree containing at least one requested path is always fully
// expanded, even where some of its own children turn out to be prunable.
func collectProof(nodes []mapNode, depth uint16, requested map[pathBits]bool, proof *[]mapNode) (hash.Hash, uint16) {
	anyRequested := false
	for _, n := range nodes {
		if requested[n.Path] {
			anyRequested = true
			break
		}
	}
	if !anyRequested {
		h, sig := buildNode(nodes, depth)
		*proof = append(*proof, mapNode{Path: nodes[0].Path, Depth: sig, Hash: h})
		return h, sig
	}
	if len(nodes) == 1 {
		return nodes[0].Hash, nodes[0].Depth
	}
	branch := findBranch(nodes, depth)
	leftNodes, rightNodes := splitByBit(nodes, branch)
	lh, lsig := collectProof(leftNodes, branch+1, requested, proof)
	rh, rsig := collectProof(rightNodes, branch+1, requested, proof)
	lFrag := fragmentOf(leftNodes[0].Path, branch, lsig)
	rFrag := fragmentOf(rightNodes[0].Path, branch, rsig)
	h := branchHash(lFrag, lh, rFrag, rh)
	return h, branch
}

// prefixCommonLen returns how many leading bits aPath and bPath share, up
// to min(aDepth, bDepth).
func prefixCommonLen(aPath hash.Hash, aDepth uint16, bPath hash.Hash, bDepth uint16) uint16 {
	limit := aDepth
	if bDepth < limit {
		limit = bDepth
	}
	var i uint16
	for i = 0; i < limit; i++ {
		if bitAt(aPath, i) != bitAt(bPath, i) {
			break
		}
	}
	return i
}

// CheckAgainstHash verifies mp against the claimed map object hash,
// reconstructing the root from mp.Entries (disclosed leaves) and mp.Proof
// (pruned subtree hashes) and comparing the wrapped MapNode hash. It
// returns mp.Entries on success.
func (mp MultiProof) CheckAgainstHash(claimed hash.Hash) ([]KeyValue, error) {
	for i := 1; i < len(mp.Proof); i++ {
		if bytes.Compare(mp.Proof[i-1].Path[:], mp.Proof[i].Path[:]) >= 0 {
			return nil, proofErr(ErrInvalidOrdering, "proof entries not strictly ascending")
		}
	}
	for _, p := range mp.Proof {
		if p.Depth == 0 || p.Depth > hash.Size*8 {
			return nil, proofErr(ErrOutOfBounds, "proof depth out of range")
		}
	}
	for i := range mp.Proof {
		for j := i + 1; j < len(mp.Proof); j++ {
			a, b := mp.Proof[i], mp.Proof[j]
			c := prefixCommonLen(a.Path, a.Depth, b.Path, b.Depth)
			switch {
			case c == a.Depth && c == b.Depth:
				return nil, proofErr(ErrDuplicatePath, "duplicate proof path")
			case c == a.Depth || c == b.Depth:
				return nil, proofErr(ErrEmbeddedPaths, "one proof path embeds another")
			}
		}
	}
	for _, p := range mp.Proof {
		for _, e := range mp.Entries {
			ePath := hash.ToPath(e.Key)
			if prefixCommonLen(p.Path, p.Depth, ePath, 256) == p.Depth {
				return nil, proofErr(ErrEmbeddedPaths, "proof path embeds a disclosed entry")
			}
		}
	}
	for _, p := range mp.Proof {
		if p.Depth == hash.Size*8 && (len(mp.Proof) != 1 || len(mp.Entries) != 0) {
			return nil, proofErr(ErrNonTerminalNode, "leaf hash disclosed outside a single-element map")
		}
	}

	nodes := make([]mapNode, 0, len(mp.Entries)+len(mp.Proof))
	for _, e := range mp.Entries {
		nodes = append(nodes, mapNode{Path: hash.ToPath(e.Key), Depth: 256, Hash: hash.Leaf(e.Value)})
	}
	for _, p := range mp.Proof {
		nodes = append(nodes, mapNode{Path: p.Path, Depth: p.Depth, Hash: p.Hash})
	}
	if len(nodes) == 0 {
		if claimed != hash.EmptyMapHash {
			return nil, proofErr(ErrRootMismatch, "")
		}
		return mp.Entries, nil
	}
	sort.Slice(nodes, func(i, j int) bool { return bytes.Compare(nodes[i].Path[:], nodes[j].Path[:]) < 0 })
	root, _ := buildNode(nodes, 0)
	if hash.MapNode(root) != claimed {
		return nil, proofErr(ErrRootMismatch, "")
	}
	return mp.Entries, nil
}
