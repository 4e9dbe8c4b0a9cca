package storage

import (
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"rubin.dev/core/blockchain"
	"rubin.dev/core/hash"
)

// Persisted chain bookkeeping (§6): the column families a node needs to
// answer "what did we commit" without replaying consensus — blocks by
// height and by hash, the append-only proof-list index of block hashes
// (§6 line 270), committed transaction bodies and their (height,
// position) locations, and the precommit set that justified each block.
// None of these are part of the state aggregator: the aggregator's root
// is an input to the block that's about to be committed
// (Block.StateHash), so folding the chain's own bookkeeping indexes into
// it would make the aggregator depend on the very commit it is about to
// help produce.
const (
	blocksIndexName         = "blocks"
	blockHashesByHeightName = "block_hashes_by_height"
	transactionsIndexName   = "transactions"
	txLocationsIndexName    = "transactions_locations"
	precommitsIndexName     = "precommits"
)

func heightKey(h blockchain.Height) []byte {
	var buf [9]byte
	buf[0] = 'h'
	binary.BigEndian.PutUint64(buf[1:], uint64(h))
	return buf[:]
}

func blockHashKey(h hash.Hash) []byte {
	buf := make([]byte, 1+hash.Size)
	buf[0] = 'x'
	copy(buf[1:], h[:])
	return buf
}

// TransactionLocation records where a committed transaction landed:
// which block, and its position within that block's transaction list.
type TransactionLocation struct {
	Height   blockchain.Height
	Position uint32
}

func encodeTxLocation(loc TransactionLocation) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint64(buf[:8], uint64(loc.Height))
	binary.BigEndian.PutUint32(buf[8:], loc.Position)
	return buf
}

func decodeTxLocation(b []byte) (TransactionLocation, error) {
	if len(b) != 12 {
		return TransactionLocation{}, fmt.Errorf("storage: malformed transaction location")
	}
	return TransactionLocation{
		Height:   blockchain.Height(binary.BigEndian.Uint64(b[:8])),
		Position: binary.BigEndian.Uint32(b[8:]),
	}, nil
}

func encodePrecommits(pcs []blockchain.Precommit) []byte {
	var buf []byte
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(pcs)))
	buf = append(buf, countBuf[:]...)
	for _, pc := range pcs {
		enc := pc.Encode()
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(enc)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, enc...)
	}
	return buf
}

func decodePrecommits(b []byte) ([]blockchain.Precommit, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("storage: truncated precommit set")
	}
	count := binary.BigEndian.Uint32(b[:4])
	r := b[4:]
	out := make([]blockchain.Precommit, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(r) < 4 {
			return nil, fmt.Errorf("storage: truncated precommit entry length")
		}
		n := binary.BigEndian.Uint32(r[:4])
		r = r[4:]
		if uint32(len(r)) < n {
			return nil, fmt.Errorf("storage: truncated precommit entry")
		}
		pc, err := blockchain.DecodePrecommit(r[:n])
		if err != nil {
			return nil, fmt.Errorf("storage: decode precommit: %w", err)
		}
		out = append(out, *pc)
		r = r[n:]
	}
	return out, nil
}

// CommitBlock atomically merges patch (the execution runtime's state
// changes) and records the committed block, its justifying precommit
// set, and its transaction bodies, all within a single bbolt
// transaction. Doing this in one transaction is what makes "every
// committed height has exactly one block" (§3 invariant) hold even
// across a crash: a reader can never observe an aggregator that moved
// forward without the block record that explains the move, or a block
// record whose patch never landed.
//
// txOrder is the block's transaction hashes in the order Block.TxHash
// was computed over; txBodies supplies the raw bytes for any hash in
// txOrder not already persisted from an earlier height (a transaction
// can appear in tx_cache/pool before it is committed, but this is where
// it first becomes part of the permanent record).
func (d *Database) CommitBlock(patch *Patch, block blockchain.Block, precommits []blockchain.Precommit, txOrder []hash.Hash, txBodies map[hash.Hash][]byte) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketData)
		meta := tx.Bucket(bucketIndexMeta)
		touchedAggregated := make(map[string]bool)
		for _, w := range patch.writes {
			k := dataKey(w.fullName, w.key)
			if w.value == nil {
				if err := data.Delete(k); err != nil {
					return err
				}
			} else if err := data.Put(k, w.value); err != nil {
				return err
			}
			if kindOf(meta, w.fullName) == IndexKindAggregated {
				touchedAggregated[w.fullName] = true
			}
		}
		if err := recomputeAggregator(tx, touchedAggregated); err != nil {
			return err
		}

		enc := block.Encode()
		blockHash := block.ObjectHash()
		if err := data.Put(dataKey(blocksIndexName, heightKey(block.HeightValue)), enc); err != nil {
			return err
		}
		if err := data.Put(dataKey(blocksIndexName, blockHashKey(blockHash)), enc); err != nil {
			return err
		}
		if err := data.Put(dataKey(blockHashesByHeightName, listKey(uint64(block.HeightValue))), blockHash[:]); err != nil {
			return err
		}
		if err := data.Put(dataKey(precommitsIndexName, blockHash[:]), encodePrecommits(precommits)); err != nil {
			return err
		}

		for i, h := range txOrder {
			if body, ok := txBodies[h]; ok {
				if err := data.Put(dataKey(transactionsIndexName, h[:]), body); err != nil {
					return err
				}
			}
			loc := TransactionLocation{Height: block.HeightValue, Position: uint32(i)}
			if err := data.Put(dataKey(txLocationsIndexName, h[:]), encodeTxLocation(loc)); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetBlockByHeight returns the committed block at height, if any.
func (d *Database) GetBlockByHeight(height blockchain.Height) (*blockchain.Block, bool, error) {
	return d.getBlock(heightKey(height))
}

// GetBlockByHash returns the committed block with the given object hash,
// if any.
func (d *Database) GetBlockByHash(h hash.Hash) (*blockchain.Block, bool, error) {
	return d.getBlock(blockHashKey(h))
}

func (d *Database) getBlock(key []byte) (*blockchain.Block, bool, error) {
	var enc []byte
	err := d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketData).Get(dataKey(blocksIndexName, key))
		if v != nil {
			enc = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if enc == nil {
		return nil, false, nil
	}
	b, err := blockchain.Decode(enc)
	if err != nil {
		return nil, false, fmt.Errorf("storage: decode stored block: %w", err)
	}
	return b, true, nil
}

// BlockHashesProofList reconstructs the block_hashes_by_height index as a
// read-only ProofList, in committed-height order. It is a bookkeeping
// index, not the default aggregator's — see CommitBlock's doc comment —
// so this is the only place its proof-list structure is materialized.
func (d *Database) BlockHashesProofList() (*ProofList, error) {
	l := NewProofList()
	err := d.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketData)
		c := data.Cursor()
		prefix := append([]byte(blockHashesByHeightName), 0)
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			l.Push(v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

// GetPrecommits returns the precommit set that justified the block with
// the given hash, if that block has been committed.
func (d *Database) GetPrecommits(blockHash hash.Hash) ([]blockchain.Precommit, bool, error) {
	var enc []byte
	err := d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketData).Get(dataKey(precommitsIndexName, blockHash[:]))
		if v != nil {
			enc = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if enc == nil {
		return nil, false, nil
	}
	pcs, err := decodePrecommits(enc)
	if err != nil {
		return nil, false, err
	}
	return pcs, true, nil
}

// GetTransaction returns a committed transaction's raw body, if known.
func (d *Database) GetTransaction(h hash.Hash) ([]byte, bool, error) {
	var body []byte
	err := d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketData).Get(dataKey(transactionsIndexName, h[:]))
		if v != nil {
			body = append([]byte(nil), v...)
		}
		return nil
	})
	return body, body != nil, err
}

// GetTransactionLocation returns where a committed transaction landed.
func (d *Database) GetTransactionLocation(h hash.Hash) (TransactionLocation, bool, error) {
	var loc TransactionLocation
	var found bool
	err := d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketData).Get(dataKey(txLocationsIndexName, h[:]))
		if v == nil {
			return nil
		}
		l, err := decodeTxLocation(v)
		if err != nil {
			return err
		}
		loc, found = l, true
		return nil
	})
	return loc, found, err
}
