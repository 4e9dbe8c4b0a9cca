// Package blockchain implements the canonical block, vote, and propose
// types (§3) and their deterministic, versioned wire encoding, grounded
// on the teacher's block encode/parse split (consensus/block_basic.go,
// consensus/block_parse.go, consensus/encode.go) generalized from a
// UTXO/PoW header to a BFT header carrying a proposer-identity
// extension.
package blockchain

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"

	"rubin.dev/core/hash"
)

// ValidatorID indexes into the current validator keys vector (§3).
type ValidatorID uint16

// Height is a monotonically increasing blockchain height; genesis is 0.
type Height uint64

// Round starts at 1 within each height; 0 is the "no lock" sentinel.
type Round uint32

// ProposerIDHeader is the reserved additional_headers name binding a
// block to the validator id of its proposer, per §4.5.
const ProposerIDHeader = "ProposerId"

// Block is the canonical, append-only block record (§3). Once committed,
// a Block's fields never change; the block's object hash is computed
// over exactly these fields in the layout Encode produces.
type Block struct {
	HeightValue       Height
	TxCount           uint32
	PrevHash          hash.Hash
	TxHash            hash.Hash // root of the proof-list of tx hashes
	StateHash         hash.Hash // root of the state aggregator after applying the block
	ErrorHash         hash.Hash // root of the execution-error map
	AdditionalHeaders []HeaderEntry
}

// HeaderEntry is one (name, bytes) pair in a Block's ordered
// additional_headers mapping.
type HeaderEntry struct {
	Name  string
	Value []byte
}

// ProposerID returns the validator id bound via the ProposerIDHeader
// extension, and whether it was present (every real block carries one;
// its absence is only valid for a hand-built test fixture).
func (b *Block) ProposerID() (ValidatorID, bool) {
	for _, h := range b.AdditionalHeaders {
		if h.Name == ProposerIDHeader {
			if len(h.Value) != 2 {
				return 0, false
			}
			return ValidatorID(binary.BigEndian.Uint16(h.Value)), true
		}
	}
	return 0, false
}

// WithProposerID returns a copy of b with its ProposerIDHeader extension
// set to id, replacing any existing one.
func (b Block) WithProposerID(id ValidatorID) Block {
	out := make([]HeaderEntry, 0, len(b.AdditionalHeaders)+1)
	for _, h := range b.AdditionalHeaders {
		if h.Name != ProposerIDHeader {
			out = append(out, h)
		}
	}
	val := make([]byte, 2)
	binary.BigEndian.PutUint16(val, uint16(id))
	out = append(out, HeaderEntry{Name: ProposerIDHeader, Value: val})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	b.AdditionalHeaders = out
	return b
}

// schemaVersion is prepended to every canonical encoding, so a future
// field addition can be introduced without ambiguity about which layout
// produced a given hash.
const schemaVersion = 1

// Encode produces the canonical, versioned serialization of b used both
// as the object-hash preimage and as the wire/storage representation.
// additional_headers are always encoded in ascending name order
// regardless of construction order, so two Blocks with the same logical
// headers in different orders encode identically.
func (b *Block) Encode() []byte {
	headers := append([]HeaderEntry(nil), b.AdditionalHeaders...)
	sort.Slice(headers, func(i, j int) bool { return headers[i].Name < headers[j].Name })

	buf := make([]byte, 0, 128)
	buf = append(buf, schemaVersion)
	buf = appendU64(buf, uint64(b.HeightValue))
	buf = appendU32(buf, b.TxCount)
	buf = append(buf, b.PrevHash[:]...)
	buf = append(buf, b.TxHash[:]...)
	buf = append(buf, b.StateHash[:]...)
	buf = append(buf, b.ErrorHash[:]...)
	buf = appendU32(buf, uint32(len(headers)))
	for _, h := range headers {
		buf = appendU32(buf, uint32(len(h.Name)))
		buf = append(buf, h.Name...)
		buf = appendU32(buf, uint32(len(h.Value)))
		buf = append(buf, h.Value...)
	}
	return buf
}

// ObjectHash is the block's object hash (§3): SHA-256 of the canonical
// encoding, domain-separated from the leaf/node tags in package hash by
// a dedicated tag byte so a block encoding can never collide with a
// proof-list or proof-map preimage.
const tagBlock = 0x10

func (b *Block) ObjectHash() hash.Hash {
	enc := b.Encode()
	buf := make([]byte, 0, 1+len(enc))
	buf = append(buf, tagBlock)
	buf = append(buf, enc...)
	return hash.Hash(sha256.Sum256(buf))
}

// Decode parses the canonical encoding produced by Encode.
func Decode(b []byte) (*Block, error) {
	if len(b) < 1 {
		return nil, fmt.Errorf("blockchain: empty block encoding")
	}
	if b[0] != schemaVersion {
		return nil, fmt.Errorf("blockchain: unsupported block schema version %d", b[0])
	}
	r := b[1:]
	height, r, err := readU64(r)
	if err != nil {
		return nil, err
	}
	txCount, r, err := readU32(r)
	if err != nil {
		return nil, err
	}
	prevHash, r, err := readHash(r)
	if err != nil {
		return nil, err
	}
	txHash, r, err := readHash(r)
	if err != nil {
		return nil, err
	}
	stateHash, r, err := readHash(r)
	if err != nil {
		return nil, err
	}
	errorHash, r, err := readHash(r)
	if err != nil {
		return nil, err
	}
	headerCount, r, err := readU32(r)
	if err != nil {
		return nil, err
	}
	headers := make([]HeaderEntry, 0, headerCount)
	for i := uint32(0); i < headerCount; i++ {
		var nameLen, valLen uint32
		nameLen, r, err = readU32(r)
		if err != nil {
			return nil, err
		}
		if uint32(len(r)) < nameLen {
			return nil, fmt.Errorf("blockchain: truncated header name")
		}
		name := string(r[:nameLen])
		r = r[nameLen:]
		valLen, r, err = readU32(r)
		if err != nil {
			return nil, err
		}
		if uint32(len(r)) < valLen {
			return nil, fmt.Errorf("blockchain: truncated header value")
		}
		val := append([]byte(nil), r[:valLen]...)
		r = r[valLen:]
		headers = append(headers, HeaderEntry{Name: name, Value: val})
	}
	if len(r) != 0 {
		return nil, fmt.Errorf("blockchain: trailing bytes after block encoding")
	}
	return &Block{
		HeightValue:       Height(height),
		TxCount:           txCount,
		PrevHash:          prevHash,
		TxHash:            txHash,
		StateHash:         stateHash,
		ErrorHash:         errorHash,
		AdditionalHeaders: headers,
	}, nil
}

func appendU32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendU64(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}

func readU32(b []byte) (uint32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, fmt.Errorf("blockchain: truncated u32")
	}
	return binary.BigEndian.Uint32(b[:4]), b[4:], nil
}

func readU64(b []byte) (uint64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, fmt.Errorf("blockchain: truncated u64")
	}
	return binary.BigEndian.Uint64(b[:8]), b[8:], nil
}

func readHash(b []byte) (hash.Hash, []byte, error) {
	if len(b) < hash.Size {
		return hash.Hash{}, nil, fmt.Errorf("blockchain: truncated hash")
	}
	var h hash.Hash
	copy(h[:], b[:hash.Size])
	return h, b[hash.Size:], nil
}

// GenesisBlock constructs height-0's block: zero prev_hash, no
// transactions, and the state/error hashes of an execution runtime run
// against an empty fork, bound to no particular proposer (genesis is not
// proposed by a leader).
func GenesisBlock(stateHash, errorHash hash.Hash) Block {
	return Block{
		HeightValue: 0,
		TxCount:     0,
		PrevHash:    hash.Hash{},
		TxHash:      hash.EmptyListHash,
		StateHash:   stateHash,
		ErrorHash:   errorHash,
	}
}
