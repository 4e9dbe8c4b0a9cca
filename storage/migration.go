package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"

	bolt "go.etcd.io/bbolt"
)

// Migration scopes a set of index rewrites to a dotted namespace prefix
// (§4.4). While a migration is in flight, original data and migrated
// (shadow) data coexist: only code holding the Migration can see the
// shadow, everyone else still sees the original index contents.
type Migration struct {
	db *Database
	ns string

	shadow      map[string]map[string][]byte // fullName -> key -> value (nil = tombstoned key)
	tombstones  map[string]bool              // fullName -> entire index removed on flush
	scratchpad  map[string][]byte
	nsAggregate map[string][]byte // fullName -> object hash bytes, recomputed as shadow writes land
	aborted     bool
}

// BeginMigration starts (or resumes, if a checkpoint exists) a migration
// scoped to ns.
func (d *Database) BeginMigration(ns string) (*Migration, error) {
	if ns == "" {
		return nil, migrationErr(ns, ErrMigrationNone, "namespace required")
	}
	mg := &Migration{
		db:          d,
		ns:          ns,
		shadow:      make(map[string]map[string][]byte),
		tombstones:  make(map[string]bool),
		scratchpad:  make(map[string][]byte),
		nsAggregate: make(map[string][]byte),
	}
	if err := mg.loadCheckpoint(); err != nil {
		return nil, err
	}
	return mg, nil
}

// Abort signals the migration to stop: any subsequent Flush or Checkpoint
// fails with ErrMigrationAborted, per §4.4's abort-at-next-merge-point
// contract. It is safe to call from outside the single-threaded consensus
// handler; Migration is not otherwise safe for concurrent use.
func (mg *Migration) Abort() { mg.aborted = true }

func (mg *Migration) namespaced(fullName string) bool {
	return len(fullName) >= len(mg.ns) && fullName[:len(mg.ns)] == mg.ns
}

// Get reads key from fullName as the migration sees it: shadow overlay
// first, then (if not tombstoned) the live database.
func (mg *Migration) Get(fullName string, key []byte) ([]byte, bool) {
	if idx, ok := mg.shadow[fullName]; ok {
		if v, ok := idx[string(key)]; ok {
			if v == nil {
				return nil, false
			}
			return v, true
		}
	}
	if mg.tombstones[fullName] {
		return nil, false
	}
	var out []byte
	var found bool
	_ = mg.db.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketData).Get(dataKey(fullName, key))
		if v != nil {
			out = append([]byte(nil), v...)
			found = true
		}
		return nil
	})
	return out, found
}

// Put writes key/value into fullName's shadow location and recomputes
// that index's entry in the migration's own namespace aggregator.
func (mg *Migration) Put(fullName string, key, value []byte) error {
	if mg.aborted {
		return migrationErr(mg.ns, ErrMigrationAborted, "")
	}
	if !mg.namespaced(fullName) {
		return migrationErr(mg.ns, ErrMigrationCustom, fmt.Sprintf("index %q is outside namespace %q", fullName, mg.ns))
	}
	idx, ok := mg.shadow[fullName]
	if !ok {
		idx = make(map[string][]byte)
		mg.shadow[fullName] = idx
	}
	idx[string(key)] = append([]byte(nil), value...)
	mg.recomputeNsAggregate(fullName)
	return nil
}

// Tombstone marks fullName for removal from the live database on flush.
func (mg *Migration) Tombstone(fullName string) {
	mg.tombstones[fullName] = true
	delete(mg.nsAggregate, fullName)
	delete(mg.shadow, fullName)
}

func (mg *Migration) recomputeNsAggregate(fullName string) {
	idx := mg.shadow[fullName]
	m := NewProofMap()
	keys := make([]string, 0, len(idx))
	for k, v := range idx {
		if v == nil {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		m.Put([]byte(k), idx[k])
	}
	h := m.ObjectHash()
	mg.nsAggregate[fullName] = h[:]
}

// Scratchpad is ephemeral per-migration storage, cleared on Flush or
// Rollback; it never participates in aggregation or in the live database.
func (mg *Migration) ScratchpadPut(key string, value []byte) {
	mg.scratchpad[key] = append([]byte(nil), value...)
}

func (mg *Migration) ScratchpadGet(key string) ([]byte, bool) {
	v, ok := mg.scratchpad[key]
	return v, ok
}

// Checkpoint persists the migration's current shadow/tombstone/scratchpad
// state to the database so memory can be bounded and an abort can take
// effect at the next merge point, per §4.4's recommended pattern.
func (mg *Migration) Checkpoint() error {
	if mg.aborted {
		return migrationErr(mg.ns, ErrMigrationAborted, "")
	}
	snap := checkpointState{
		Shadow:     mg.shadow,
		Tombstones: mg.tombstones,
		Scratchpad: mg.scratchpad,
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("storage: marshal migration checkpoint: %w", err)
	}
	return mg.db.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMigrations).Put([]byte(mg.ns), b)
	})
}

type checkpointState struct {
	Shadow     map[string]map[string][]byte
	Tombstones map[string]bool
	Scratchpad map[string][]byte
}

func (mg *Migration) loadCheckpoint() error {
	var b []byte
	err := mg.db.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMigrations).Get([]byte(mg.ns))
		if v != nil {
			b = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil || b == nil {
		return err
	}
	var snap checkpointState
	if err := json.Unmarshal(b, &snap); err != nil {
		return fmt.Errorf("storage: unmarshal migration checkpoint: %w", err)
	}
	mg.shadow = snap.Shadow
	mg.tombstones = snap.Tombstones
	mg.scratchpad = snap.Scratchpad
	for fullName := range mg.shadow {
		mg.recomputeNsAggregate(fullName)
	}
	return nil
}

// Flush atomically replaces each migrated index's original data with its
// shadow, removes tombstoned indexes, clears the scratchpad and the
// checkpoint, and moves migrated indexes into the default aggregator.
// Flush fails with ErrMigrationAborted if Abort was called since the
// last successful Flush.
//
// targetDataVersion is optional (§9's data_version open question): when
// given, it is stored as ns's data version and must be strictly greater
// than whatever was stored there before, so repeated flushes can only
// move a namespace's data version forward, never back or sideways.
func (mg *Migration) Flush(targetDataVersion ...uint32) error {
	if len(targetDataVersion) > 1 {
		return migrationErr(mg.ns, ErrMigrationCustom, "at most one targetDataVersion may be given")
	}
	if mg.aborted {
		return migrationErr(mg.ns, ErrMigrationAborted, "flush rejected")
	}
	err := mg.db.db.Update(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketData)
		meta := tx.Bucket(bucketIndexMeta)

		if len(targetDataVersion) == 1 {
			versions := tx.Bucket(bucketDataVersions)
			var cur uint32
			if b := versions.Get([]byte(mg.ns)); b != nil {
				cur = binary.BigEndian.Uint32(b)
			}
			target := targetDataVersion[0]
			if target <= cur {
				return migrationErr(mg.ns, ErrMigrationCustom,
					fmt.Sprintf("target data version %d is not greater than current %d", target, cur))
			}
			var buf [4]byte
			binary.BigEndian.PutUint32(buf[:], target)
			if err := versions.Put([]byte(mg.ns), buf[:]); err != nil {
				return err
			}
		}

		for fullName := range mg.tombstones {
			if err := deleteIndexPrefix(data, fullName); err != nil {
				return err
			}
		}

		names := make([]string, 0, len(mg.shadow))
		for name := range mg.shadow {
			names = append(names, name)
		}
		sort.Strings(names)
		touchedAggregated := make(map[string]bool)
		for _, fullName := range names {
			idx := mg.shadow[fullName]
			keys := make([]string, 0, len(idx))
			for k := range idx {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				v := idx[k]
				key := dataKey(fullName, []byte(k))
				if v == nil {
					if err := data.Delete(key); err != nil {
						return err
					}
					continue
				}
				if err := data.Put(key, v); err != nil {
					return err
				}
			}
			if err := meta.Put([]byte(fullName), encodeIndexMeta(IndexKindAggregated, IndexShapeMap)); err != nil {
				return err
			}
			touchedAggregated[fullName] = true
		}
		if err := recomputeAggregator(tx, touchedAggregated); err != nil {
			return err
		}
		return tx.Bucket(bucketMigrations).Delete([]byte(mg.ns))
	})
	if err != nil {
		return err
	}
	mg.clearState()
	return nil
}

// Rollback discards all shadow data, tombstones, the scratchpad, and the
// checkpoint, leaving the live database untouched.
func (mg *Migration) Rollback() error {
	err := mg.db.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMigrations).Delete([]byte(mg.ns))
	})
	if err != nil {
		return err
	}
	mg.clearState()
	return nil
}

func (mg *Migration) clearState() {
	mg.shadow = make(map[string]map[string][]byte)
	mg.tombstones = make(map[string]bool)
	mg.scratchpad = make(map[string][]byte)
	mg.nsAggregate = make(map[string][]byte)
}

func deleteIndexPrefix(data *bolt.Bucket, fullName string) error {
	c := data.Cursor()
	prefix := append([]byte(fullName), 0)
	var keys [][]byte
	for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := data.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
