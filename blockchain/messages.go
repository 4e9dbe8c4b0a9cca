package blockchain

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"rubin.dev/core/hash"
)

// Precommit is a validator's vote that a specific block should be
// committed for (height, round) (§3). Signed by the validator's
// consensus key: unlike Prevote and Propose, which are only ever
// authenticated by the SignedEnvelope of the hop that carried them, a
// Precommit's Signature travels with the vote itself, because a
// precommit set is replayed in bulk by a third party (e.g. inside a
// BlockResponse during catch-up, §4.7.7) and must stay independently
// verifiable no matter who relayed it.
type Precommit struct {
	Validator   ValidatorID
	Height      Height
	Round       Round
	ProposeHash hash.Hash
	BlockHash   hash.Hash
	Timestamp   int64
	Signature   []byte
}

// SigningPreimage returns the bytes a Precommit's Signature is computed
// over: every field except the signature itself.
func (p *Precommit) SigningPreimage() []byte {
	buf := make([]byte, 0, 1+2+8+4+32+32+8)
	buf = append(buf, tagPrecommit)
	buf = appendU16(buf, uint16(p.Validator))
	buf = appendU64(buf, uint64(p.Height))
	buf = appendU32(buf, uint32(p.Round))
	buf = append(buf, p.ProposeHash[:]...)
	buf = append(buf, p.BlockHash[:]...)
	buf = appendU64(buf, uint64(p.Timestamp))
	return buf
}

// Sign fills in p.Signature over SigningPreimage using priv.
func (p *Precommit) Sign(priv ed25519.PrivateKey) {
	p.Signature = ed25519.Sign(priv, p.SigningPreimage())
}

// VerifySignature reports whether p.Signature is a valid Ed25519
// signature by pub over p's other fields.
func (p *Precommit) VerifySignature(pub ed25519.PublicKey) bool {
	if len(pub) != ed25519.PublicKeySize || len(p.Signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, p.SigningPreimage(), p.Signature)
}

// Prevote is a validator's vote that a propose is acceptable for
// (height, round) (§3).
type Prevote struct {
	Validator   ValidatorID
	Height      Height
	Round       Round
	ProposeHash hash.Hash
	LockedRound Round
}

// Propose is a leader's proposed block body (§3): the ordered list of
// transaction hashes it claims make up the block, not yet executed.
type Propose struct {
	Validator    ValidatorID
	Height       Height
	Round        Round
	PrevHash     hash.Hash
	Transactions []hash.Hash
}

const (
	tagPrecommit = 0x20
	tagPrevote   = 0x21
	tagPropose   = 0x22
)

// Envelope payload tags (§6): which decoder a SignedEnvelope's Payload
// needs, one per consensus message type. Values match the signing
// preimage tags above by construction, not by requirement — a decoder
// only ever looks at PayloadTag, never decodes the signing preimage
// byte itself as a tag.
const (
	PayloadTagPrecommit uint16 = tagPrecommit
	PayloadTagPrevote   uint16 = tagPrevote
	PayloadTagPropose   uint16 = tagPropose
)

// Encode produces Precommit's wire form: SigningPreimage followed by the
// Signature (empty until Sign is called).
func (p *Precommit) Encode() []byte {
	buf := p.SigningPreimage()
	buf = append(buf, p.Signature...)
	return buf
}

// Encode produces Prevote's canonical signing preimage.
func (p *Prevote) Encode() []byte {
	buf := make([]byte, 0, 1+2+8+4+32+4)
	buf = append(buf, tagPrevote)
	buf = appendU16(buf, uint16(p.Validator))
	buf = appendU64(buf, uint64(p.Height))
	buf = appendU32(buf, uint32(p.Round))
	buf = append(buf, p.ProposeHash[:]...)
	buf = appendU32(buf, uint32(p.LockedRound))
	return buf
}

// Encode produces Propose's canonical signing preimage.
func (p *Propose) Encode() []byte {
	buf := make([]byte, 0, 1+2+8+4+32+4+len(p.Transactions)*32)
	buf = append(buf, tagPropose)
	buf = appendU16(buf, uint16(p.Validator))
	buf = appendU64(buf, uint64(p.Height))
	buf = appendU32(buf, uint32(p.Round))
	buf = append(buf, p.PrevHash[:]...)
	buf = appendU32(buf, uint32(len(p.Transactions)))
	for _, h := range p.Transactions {
		buf = append(buf, h[:]...)
	}
	return buf
}

// Hash returns the propose hash used to key ProposeState / prevotes /
// precommits: the object hash of the canonical signing preimage.
func (p *Propose) Hash() hash.Hash {
	return hash.Leaf(p.Encode())
}

func appendU16(b []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(b, tmp[:]...)
}

func readU16(b []byte) (uint16, []byte, error) {
	if len(b) < 2 {
		return 0, nil, fmt.Errorf("blockchain: truncated u16")
	}
	return binary.BigEndian.Uint16(b[:2]), b[2:], nil
}

// DecodePrecommit parses the encoding produced by Precommit.Encode.
func DecodePrecommit(b []byte) (*Precommit, error) {
	if len(b) < 1 || b[0] != tagPrecommit {
		return nil, fmt.Errorf("blockchain: not a precommit encoding")
	}
	r := b[1:]
	validator, r, err := readU16(r)
	if err != nil {
		return nil, err
	}
	height, r, err := readU64(r)
	if err != nil {
		return nil, err
	}
	round, r, err := readU32(r)
	if err != nil {
		return nil, err
	}
	proposeHash, r, err := readHash(r)
	if err != nil {
		return nil, err
	}
	blockHash, r, err := readHash(r)
	if err != nil {
		return nil, err
	}
	ts, r, err := readU64(r)
	if err != nil {
		return nil, err
	}
	var sig []byte
	if len(r) > 0 {
		if len(r) != ed25519.SignatureSize {
			return nil, fmt.Errorf("blockchain: precommit signature must be %d bytes", ed25519.SignatureSize)
		}
		sig = append([]byte(nil), r...)
	}
	return &Precommit{
		Validator:   ValidatorID(validator),
		Height:      Height(height),
		Round:       Round(round),
		ProposeHash: proposeHash,
		BlockHash:   blockHash,
		Timestamp:   int64(ts),
		Signature:   sig,
	}, nil
}

// DecodePrevote parses the encoding produced by Prevote.Encode.
func DecodePrevote(b []byte) (*Prevote, error) {
	if len(b) < 1 || b[0] != tagPrevote {
		return nil, fmt.Errorf("blockchain: not a prevote encoding")
	}
	r := b[1:]
	validator, r, err := readU16(r)
	if err != nil {
		return nil, err
	}
	height, r, err := readU64(r)
	if err != nil {
		return nil, err
	}
	round, r, err := readU32(r)
	if err != nil {
		return nil, err
	}
	proposeHash, r, err := readHash(r)
	if err != nil {
		return nil, err
	}
	lockedRound, r, err := readU32(r)
	if err != nil {
		return nil, err
	}
	if len(r) != 0 {
		return nil, fmt.Errorf("blockchain: trailing bytes after prevote encoding")
	}
	return &Prevote{
		Validator:   ValidatorID(validator),
		Height:      Height(height),
		Round:       Round(round),
		ProposeHash: proposeHash,
		LockedRound: Round(lockedRound),
	}, nil
}

// DecodePropose parses the encoding produced by Propose.Encode.
func DecodePropose(b []byte) (*Propose, error) {
	if len(b) < 1 || b[0] != tagPropose {
		return nil, fmt.Errorf("blockchain: not a propose encoding")
	}
	r := b[1:]
	validator, r, err := readU16(r)
	if err != nil {
		return nil, err
	}
	height, r, err := readU64(r)
	if err != nil {
		return nil, err
	}
	round, r, err := readU32(r)
	if err != nil {
		return nil, err
	}
	prevHash, r, err := readHash(r)
	if err != nil {
		return nil, err
	}
	txCount, r, err := readU32(r)
	if err != nil {
		return nil, err
	}
	txs := make([]hash.Hash, 0, txCount)
	for i := uint32(0); i < txCount; i++ {
		var h hash.Hash
		h, r, err = readHash(r)
		if err != nil {
			return nil, err
		}
		txs = append(txs, h)
	}
	if len(r) != 0 {
		return nil, fmt.Errorf("blockchain: trailing bytes after propose encoding")
	}
	return &Propose{
		Validator:    ValidatorID(validator),
		Height:       Height(height),
		Round:        Round(round),
		PrevHash:     prevHash,
		Transactions: txs,
	}, nil
}

// SignedEnvelope is the signed-message envelope of §6: version, payload
// tag, author public key, length-prefixed payload, 64-byte signature.
type SignedEnvelope struct {
	Version    uint8
	PayloadTag uint16
	Author     ed25519.PublicKey
	Payload    []byte
	Signature  []byte
}

// EncodeEnvelope produces the canonical bit-layout of §6:
// version:u8 | payload_tag:u16 | author_pubkey:32 | payload_len:u32 |
// payload_bytes | signature:64.
func (e *SignedEnvelope) EncodeEnvelope() ([]byte, error) {
	if len(e.Author) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("blockchain: author pubkey must be %d bytes", ed25519.PublicKeySize)
	}
	if len(e.Signature) != ed25519.SignatureSize {
		return nil, fmt.Errorf("blockchain: signature must be %d bytes", ed25519.SignatureSize)
	}
	buf := make([]byte, 0, 1+2+32+4+len(e.Payload)+64)
	buf = append(buf, e.Version)
	buf = appendU16(buf, e.PayloadTag)
	buf = append(buf, e.Author...)
	buf = appendU32(buf, uint32(len(e.Payload)))
	buf = append(buf, e.Payload...)
	buf = append(buf, e.Signature...)
	return buf, nil
}

// signingPreimage is what the signature in a SignedEnvelope covers:
// every envelope field except the signature itself.
func (e *SignedEnvelope) signingPreimage() []byte {
	buf := make([]byte, 0, 1+2+32+4+len(e.Payload))
	buf = append(buf, e.Version)
	buf = appendU16(buf, e.PayloadTag)
	buf = append(buf, e.Author...)
	buf = appendU32(buf, uint32(len(e.Payload)))
	buf = append(buf, e.Payload...)
	return buf
}

// Sign fills in e.Signature over e's other fields using priv.
func (e *SignedEnvelope) Sign(priv ed25519.PrivateKey) {
	e.Signature = ed25519.Sign(priv, e.signingPreimage())
}

// Verify reports whether e.Signature is a valid Ed25519 signature by
// e.Author over e's other fields.
func (e *SignedEnvelope) Verify() bool {
	if len(e.Author) != ed25519.PublicKeySize || len(e.Signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(e.Author, e.signingPreimage(), e.Signature)
}

// DecodeEnvelope parses the canonical bit-layout produced by
// EncodeEnvelope. Any deviation from the exact layout is an error, per
// §6 ("any deviation ⇒ discard").
func DecodeEnvelope(b []byte) (*SignedEnvelope, error) {
	if len(b) < 1+2+32+4+64 {
		return nil, fmt.Errorf("blockchain: envelope too short")
	}
	e := &SignedEnvelope{}
	e.Version = b[0]
	e.PayloadTag = binary.BigEndian.Uint16(b[1:3])
	e.Author = append(ed25519.PublicKey(nil), b[3:35]...)
	payloadLen := binary.BigEndian.Uint32(b[35:39])
	rest := b[39:]
	if uint64(len(rest)) != uint64(payloadLen)+64 {
		return nil, fmt.Errorf("blockchain: envelope length mismatch")
	}
	e.Payload = append([]byte(nil), rest[:payloadLen]...)
	e.Signature = append([]byte(nil), rest[payloadLen:]...)
	return e, nil
}
