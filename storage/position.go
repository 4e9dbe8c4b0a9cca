package storage

import (
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"rubin.dev/core/hash"
)

var bucketConsensusPosition = []byte("consensus_position")
var positionKey = []byte("position")

// ConsensusPosition is the node's own place in the round machine: not
// just the last committed height (the aggregator's StateHash already
// captures that), but the round a live node has reached and whatever
// it has locked on within that height. Persisting it lets a restarted
// node resume at its actual round instead of replaying from round 1.
type ConsensusPosition struct {
	Height        uint64
	Round         uint32
	HasLock       bool
	LockedRound   uint32
	LockedPropose hash.Hash
}

// WriteConsensusPosition persists pos, overwriting whatever was there
// before. Callers write on every round advance and lock, so a crash
// never loses more than the in-flight transition itself.
func (d *Database) WriteConsensusPosition(pos ConsensusPosition) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConsensusPosition).Put(positionKey, encodeConsensusPosition(pos))
	})
}

// ReadConsensusPosition returns the persisted position. ok is false on
// a database that has never had one written (a fresh node, or one
// started before this field existed).
func (d *Database) ReadConsensusPosition() (pos ConsensusPosition, ok bool, err error) {
	err = d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketConsensusPosition).Get(positionKey)
		if v == nil {
			return nil
		}
		p, decErr := decodeConsensusPosition(v)
		if decErr != nil {
			return decErr
		}
		pos, ok = p, true
		return nil
	})
	return pos, ok, err
}

const consensusPositionLen = 8 + 4 + 1 + 4 + hash.Size

func encodeConsensusPosition(pos ConsensusPosition) []byte {
	buf := make([]byte, consensusPositionLen)
	binary.BigEndian.PutUint64(buf[0:8], pos.Height)
	binary.BigEndian.PutUint32(buf[8:12], pos.Round)
	if pos.HasLock {
		buf[12] = 1
	}
	binary.BigEndian.PutUint32(buf[13:17], pos.LockedRound)
	copy(buf[17:17+hash.Size], pos.LockedPropose[:])
	return buf
}

func decodeConsensusPosition(b []byte) (ConsensusPosition, error) {
	if len(b) != consensusPositionLen {
		return ConsensusPosition{}, fmt.Errorf("storage: malformed consensus position (%d bytes)", len(b))
	}
	var pos ConsensusPosition
	pos.Height = binary.BigEndian.Uint64(b[0:8])
	pos.Round = binary.BigEndian.Uint32(b[8:12])
	pos.HasLock = b[12] != 0
	pos.LockedRound = binary.BigEndian.Uint32(b[13:17])
	copy(pos.LockedPropose[:], b[17:17+hash.Size])
	return pos, nil
}
