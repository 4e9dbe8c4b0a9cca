package storage

import "rubin.dev/core/hash"

// CheckAgainstHash verifies rp against the claimed list object hash,
// reconstructing the root from rp.Entries and rp.Proof and comparing the
// wrapped ListNode hash.
//
// Proof heights are destination-level heights: a proof entry with height
// H supplies a sibling that lives one storage level below H (storage
// level H-1), needed to combine up into level H. Height 0 never appears
// in a proof because level-0 (leaf) values are always supplied directly
// as entries or are not part of the requested range; see
// DESIGN.md for how this resolves the spec's otherwise-underspecified
// height/index numbering.
func (rp RangeProof) CheckAgainstHash(claimed hash.Hash) ([]IndexedValue, error) {
	if rp.Length > maxListLen {
		return nil, proofErr(ErrOutOfBounds, "length exceeds 2^56")
	}
	for _, e := range rp.Entries {
		if e.Index >= rp.Length {
			return nil, proofErr(ErrOutOfBounds, "entry index >= length")
		}
	}
	top := treeHeight(rp.Length)

	for i := 1; i < len(rp.Entries); i++ {
		if rp.Entries[i-1].Index >= rp.Entries[i].Index {
			return nil, proofErr(ErrUnordered, "entries not strictly ascending")
		}
	}

	if rp.Length == 0 {
		if len(rp.Entries) != 0 || len(rp.Proof) != 0 {
			return nil, proofErr(ErrNonEmptyProof, "empty list must have empty proof")
		}
		if claimed != hash.EmptyListHash {
			return nil, proofErr(ErrRootMismatch, "")
		}
		return nil, nil
	}

	if len(rp.Entries) == 0 {
		// Out-of-range request against a non-empty list: the only valid
		// proof shape is the root hash carried as a single entry at the
		// top height (exempt from the height>=1 rule below, since there
		// is no entry-channel way to attest a root nobody asked for).
		if len(rp.Proof) != 1 || rp.Proof[0].Index != 0 || rp.Proof[0].Height != top {
			return nil, proofErr(ErrMissingHash, "out-of-range proof must carry exactly the root hash")
		}
		object := hash.ListNode(rp.Length, rp.Proof[0].Hash)
		if object != claimed {
			return nil, proofErr(ErrRootMismatch, "")
		}
		return nil, nil
	}

	for _, p := range rp.Proof {
		if p.Height < 1 || p.Height > top {
			return nil, proofErr(ErrOutOfBounds, "proof height out of range")
		}
		if p.Index >= nodesAtSourceLevel(rp.Length, p.Height) {
			return nil, proofErr(ErrOutOfBounds, "proof index out of range")
		}
	}
	for i := 1; i < len(rp.Proof); i++ {
		a, b := rp.Proof[i-1], rp.Proof[i]
		if a.Height > b.Height || (a.Height == b.Height && a.Index >= b.Index) {
			return nil, proofErr(ErrUnordered, "proof entries not strictly ascending")
		}
	}

	if top == 0 {
		// Single-element list: the root is the sole leaf's hash directly,
		// no internal nodes exist to combine.
		if len(rp.Entries) != 1 || len(rp.Proof) != 0 {
			return nil, proofErr(ErrMissingHash, "single-element list requires exactly one entry and no proof")
		}
		object := hash.ListNode(rp.Length, hash.Leaf(rp.Entries[0].Value))
		if object != claimed {
			return nil, proofErr(ErrRootMismatch, "")
		}
		return rp.Entries, nil
	}

	// level[h] maps source-level index -> hash, for h = 0..top-1 (level
	// top is the single root and is never stored, only produced).
	levelVals := make([]map[uint64]hash.Hash, top)
	for h := range levelVals {
		levelVals[h] = make(map[uint64]hash.Hash)
	}
	for _, e := range rp.Entries {
		levelVals[0][e.Index] = hash.Leaf(e.Value)
	}
	proofByLevel := make([]map[uint64]hash.Hash, top+1)
	for h := range proofByLevel {
		proofByLevel[h] = make(map[uint64]hash.Hash)
	}
	for _, p := range rp.Proof {
		if p.Height == 0 {
			return nil, proofErr(ErrUnexpectedLeaf, "leaf-level proof entry not allowed")
		}
		srcLevel := p.Height - 1
		proofByLevel[srcLevel][p.Index] = p.Hash
	}

	used := make([]map[uint64]bool, top+1)
	for h := range used {
		used[h] = make(map[uint64]bool)
	}

	var root hash.Hash
	for h := uint8(0); h < top; h++ {
		width := nodesAtSourceLevel(rp.Length, h+1) // node count at level h
		next := make(map[uint64]hash.Hash)
		// indices with a known hash at this level: either entries (h==0)
		// or derived from the previous iteration.
		known := levelVals[h]
		for idx := range known {
			parent := idx / 2
			if _, ok := next[parent]; ok {
				continue
			}
			sibling := idx ^ 1
			var l, r hash.Hash
			if sibling >= width {
				next[parent] = hash.SingleNode(known[idx])
				continue
			}
			if sv, ok := known[sibling]; ok {
				l, r = orderPair(idx, known[idx], sibling, sv)
			} else if sv, ok := proofByLevel[h][sibling]; ok {
				used[h][sibling] = true
				l, r = orderPair(idx, known[idx], sibling, sv)
			} else {
				return nil, proofErr(ErrMissingHash, "missing sibling hash")
			}
			next[parent] = hash.Node(l, r)
		}
		if h+1 < top {
			levelVals[h+1] = mergeLevel(levelVals[h+1], next)
		} else {
			if len(next) != 1 {
				return nil, proofErr(ErrMissingHash, "root not fully determined")
			}
			for _, v := range next {
				root = v
			}
		}
	}

	for h, m := range proofByLevel {
		for idx := range m {
			if !used[h][idx] {
				return nil, proofErr(ErrUnexpectedBranch, "unused proof entry")
			}
		}
	}

	object := hash.ListNode(rp.Length, root)
	if object != claimed {
		return nil, proofErr(ErrRootMismatch, "")
	}
	return rp.Entries, nil
}

func orderPair(idxA uint64, a hash.Hash, idxB uint64, b hash.Hash) (hash.Hash, hash.Hash) {
	if idxA < idxB {
		return a, b
	}
	return b, a
}

func mergeLevel(dst, src map[uint64]hash.Hash) map[uint64]hash.Hash {
	if dst == nil {
		dst = make(map[uint64]hash.Hash, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// nodesAtSourceLevel returns the number of nodes at storage level
// (proofHeight-1): the level that proof entries tagged with proofHeight
// draw their sibling from.
func nodesAtSourceLevel(length uint64, proofHeight uint8) uint64 {
	if proofHeight == 0 {
		return length
	}
	return nodesAtHeight(length, proofHeight-1)
}
