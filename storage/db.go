package storage

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"rubin.dev/core/hash"
)

// IndexKind distinguishes the three aggregation classes an index can
// belong to: indexes whose object hash is folded into the state
// aggregator automatically, indexes that are never aggregated, and
// indexes that are aggregated only while a migration is in flight (into
// that migration's own namespace aggregator, not the default one).
type IndexKind byte

const (
	IndexKindPlain IndexKind = iota
	IndexKindAggregated
	IndexKindMigrationAggregated
)

// IndexShape distinguishes the two self-describing Merkle encodings an
// index can use (§4.4 line 129 names "proof list, proof map, proof
// entry" as the aggregatable index types): a proof list, whose object
// hash is a hash.ListNode root over values appended at contiguous
// big-endian-keyed positions (Fork.ListPush), or a proof map, whose
// object hash is a hash.MapNode root over arbitrary keys (Fork.Put). An
// index defaults to map shape unless declared with DeclareListIndex.
type IndexShape byte

const (
	IndexShapeMap IndexShape = iota
	IndexShapeList
)

// IndexMetadata records how a named index participates in aggregation
// and which Merkle shape it is hashed as. It is itself persisted (in the
// teacher's bucket-per-concern style) so that re-opening a database
// doesn't need every index re-declared by its caller before its
// aggregation behavior is known.
type IndexMetadata struct {
	FullName string
	Kind     IndexKind
	Shape    IndexShape
}

func encodeIndexMeta(kind IndexKind, shape IndexShape) []byte {
	return []byte{byte(kind), byte(shape)}
}

func decodeIndexMeta(fullName string, v []byte) IndexMetadata {
	md := IndexMetadata{FullName: fullName}
	if len(v) > 0 {
		md.Kind = IndexKind(v[0])
	}
	if len(v) > 1 {
		md.Shape = IndexShape(v[1])
	}
	return md
}

var validIndexNameChars = func() [256]bool {
	var ok [256]bool
	for c := 'a'; c <= 'z'; c++ {
		ok[c] = true
	}
	for c := 'A'; c <= 'Z'; c++ {
		ok[c] = true
	}
	for c := '0'; c <= '9'; c++ {
		ok[c] = true
	}
	for _, c := range []byte("_-./") {
		ok[c] = true
	}
	return ok
}()

// ValidateIndexName enforces §4.4's index-name charset and non-emptiness.
func ValidateIndexName(name string) error {
	if name == "" {
		return fmt.Errorf("storage: index name must be non-empty")
	}
	for i := 0; i < len(name); i++ {
		if !validIndexNameChars[name[i]] {
			return fmt.Errorf("storage: index name %q contains disallowed character %q", name, name[i])
		}
	}
	return nil
}

var bucketData = []byte("data")
var bucketIndexMeta = []byte("index_meta")
var bucketMigrations = []byte("migrations")
var bucketDataVersions = []byte("data_versions")

// Database is the bbolt-backed column store. Every logical index lives
// under a single flat "data" bucket keyed by fullName+"\x00"+key, mirroring
// the teacher's bucket-per-concern layout (node/store/db.go) collapsed to
// one bucket because columns here are a caller-chosen naming convention
// rather than fixed structs.
type Database struct {
	path     string
	db       *bolt.DB
	manifest *Manifest
}

// Manifest is the crash-safe commit-point record for the aggregator's
// current state hash, mirroring node/store/manifest.go's role for chain
// tip tracking.
type Manifest struct {
	SchemaVersion uint32
	StateHashHex  string
}

const SchemaVersionV1 uint32 = 1

// OpenDatabase opens (creating if absent) the bbolt file at dataDir/kv.db.
func OpenDatabase(dataDir string) (*Database, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("storage: data dir required")
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("storage: mkdir data dir: %w", err)
	}
	path := filepath.Join(dataDir, "kv.db")
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("storage: open bbolt: %w", err)
	}
	d := &Database{path: dataDir, db: bdb}
	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketData, bucketIndexMeta, bucketMigrations, bucketConsensusPosition, bucketDataVersions} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, err
	}
	m, err := readManifest(dataDir)
	if err != nil {
		if !os.IsNotExist(err) {
			_ = bdb.Close()
			return nil, fmt.Errorf("storage: read manifest: %w", err)
		}
	} else {
		if m.SchemaVersion > SchemaVersionV1 {
			_ = bdb.Close()
			return nil, fmt.Errorf("storage: manifest schema_version %d > supported %d", m.SchemaVersion, SchemaVersionV1)
		}
		d.manifest = m
	}
	return d, nil
}

func (d *Database) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// dataKey builds the flat-bucket key for (fullName, key).
func dataKey(fullName string, key []byte) []byte {
	out := make([]byte, 0, len(fullName)+1+len(key))
	out = append(out, fullName...)
	out = append(out, 0)
	out = append(out, key...)
	return out
}

// listKey is the big-endian 8-byte encoding of a proof-list index
// position. bbolt's cursor orders keys lexicographically, and big-endian
// encoding makes that order match ascending numeric index order — the
// property objectHashOfIndex's list reconstruction and Fork.ListLen/
// ListPush all depend on.
func listKey(i uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], i)
	return buf[:]
}

// Snapshot is an immutable view of the database as of the moment it was
// taken: a bbolt read transaction held open for the snapshot's lifetime.
type Snapshot struct {
	tx *bolt.Tx
}

// Snapshot opens a read-only view. Callers MUST call Close when done, or
// the underlying bbolt read transaction (and the pages it pins) leaks.
func (d *Database) Snapshot() (*Snapshot, error) {
	tx, err := d.db.Begin(false)
	if err != nil {
		return nil, fmt.Errorf("storage: begin snapshot: %w", err)
	}
	return &Snapshot{tx: tx}, nil
}

func (s *Snapshot) Close() error { return s.tx.Rollback() }

// Get reads a single key from the named index as it stood when the
// snapshot was taken.
func (s *Snapshot) Get(fullName string, key []byte) ([]byte, bool) {
	b := s.tx.Bucket(bucketData)
	v := b.Get(dataKey(fullName, key))
	if v == nil {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

// IterFrom returns every (key, value) pair in the named index with key
// >= from, in ascending order.
func (s *Snapshot) IterFrom(fullName string, from []byte) []KeyValue {
	b := s.tx.Bucket(bucketData)
	c := b.Cursor()
	prefix := append([]byte(fullName), 0)
	seek := append(append([]byte(nil), prefix...), from...)
	var out []KeyValue
	for k, v := c.Seek(seek); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		out = append(out, KeyValue{Key: append([]byte(nil), k[len(prefix):]...), Value: append([]byte(nil), v...)})
	}
	return out
}

func hasPrefix(b, prefix []byte) bool {
	return len(b) >= len(prefix) && string(b[:len(prefix)]) == string(prefix)
}

// Fork is a mutable view layered over a Snapshot: writes accumulate in an
// in-memory overlay and are only durable once turned into a Patch and
// merged. Reads check the overlay first, falling back to the snapshot.
type Fork struct {
	snap      *Snapshot
	overlay   map[string]map[string][]byte // fullName -> key -> value (nil value = tombstone)
	touched   map[string]bool              // fullName that changed this fork, for aggregator recompute
	aggregate func(fullName string) (hash.Hash, bool)
	listLen   map[string]uint64 // fullName -> next append position, for list-shaped indexes
}

// Fork returns a mutable view over snap.
func (d *Database) Fork(snap *Snapshot) *Fork {
	return &Fork{
		snap:    snap,
		overlay: make(map[string]map[string][]byte),
		touched: make(map[string]bool),
	}
}

func (f *Fork) Get(fullName string, key []byte) ([]byte, bool) {
	if idx, ok := f.overlay[fullName]; ok {
		if v, ok := idx[string(key)]; ok {
			if v == nil {
				return nil, false
			}
			return v, true
		}
	}
	return f.snap.Get(fullName, key)
}

func (f *Fork) Put(fullName string, key, value []byte) {
	idx, ok := f.overlay[fullName]
	if !ok {
		idx = make(map[string][]byte)
		f.overlay[fullName] = idx
	}
	idx[string(key)] = append([]byte(nil), value...)
	f.touched[fullName] = true
}

func (f *Fork) Delete(fullName string, key []byte) {
	idx, ok := f.overlay[fullName]
	if !ok {
		idx = make(map[string][]byte)
		f.overlay[fullName] = idx
	}
	idx[string(key)] = nil
	f.touched[fullName] = true
}

// ListLen returns the number of elements currently in the named
// list-shaped index (§4.2), combining this fork's pending appends with
// the underlying snapshot's contents. Lazily seeded from the snapshot on
// first use per fullName, then maintained incrementally by ListPush.
func (f *Fork) ListLen(fullName string) uint64 {
	if n, ok := f.listLen[fullName]; ok {
		return n
	}
	n := uint64(len(f.snap.IterFrom(fullName, nil)))
	if f.listLen == nil {
		f.listLen = make(map[string]uint64)
	}
	f.listLen[fullName] = n
	return n
}

// ListPush appends value to the named list-shaped index at the next
// contiguous big-endian-keyed position and returns its new length — the
// Fork-level counterpart of ProofList.Push (§4.2). Indexes written this
// way, once declared with DeclareListIndex, are reconstructed by
// objectHashOfIndex as a ProofList (hash.ListNode root) rather than a
// ProofMap (hash.MapNode root).
func (f *Fork) ListPush(fullName string, value []byte) uint64 {
	n := f.ListLen(fullName)
	f.Put(fullName, listKey(n), value)
	n++
	f.listLen[fullName] = n
	return n
}

// Touched returns the full names of every index this fork wrote to, in
// deterministic order.
func (f *Fork) Touched() []string {
	out := make([]string, 0, len(f.touched))
	for name := range f.touched {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Patch is the result of consuming a Fork: an ordered set of writes ready
// to be merged atomically.
type Patch struct {
	writes []patchWrite
}

type patchWrite struct {
	fullName string
	key      []byte
	value    []byte // nil means delete
}

// IntoPatch consumes f, producing the write set in a stable order
// (full name, then key) so repeated merges of logically identical forks
// produce identical bbolt write sequences.
func (f *Fork) IntoPatch() *Patch {
	p := &Patch{}
	names := f.Touched()
	for _, name := range names {
		idx := f.overlay[name]
		keys := make([]string, 0, len(idx))
		for k := range idx {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			p.writes = append(p.writes, patchWrite{fullName: name, key: []byte(k), value: idx[k]})
		}
	}
	return p
}

// ErrMigrationAbortedPatch is a MigrationError carrying ErrMigrationAborted.
// Merge does not consult migrations and never returns it; an aborted
// Migration reports the abort from its own methods instead.
var ErrMigrationAbortedPatch = migrationErr("", ErrMigrationAborted, "merge rejected: migration aborted")

// Merge applies patch atomically and recomputes the state aggregator for
// every aggregated index the patch touched.
func (d *Database) Merge(patch *Patch) error {
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
		return recomputeAggregator(tx, touchedAggregated)
	})
}

// DeclareIndex records fullName's aggregation kind as a map-shaped index
// (§4.3). It must be called (at least once, idempotently) before the
// index's writes are expected to participate in aggregation.
func (d *Database) DeclareIndex(fullName string, kind IndexKind) error {
	return d.declareIndex(fullName, kind, IndexShapeMap)
}

// DeclareListIndex records fullName as an index whose object hash is a
// ProofList root (§4.2) rather than a ProofMap root: writes must go
// through Fork.ListPush, not Fork.Put, for the stored positions to stay
// contiguous and big-endian-ordered.
func (d *Database) DeclareListIndex(fullName string, kind IndexKind) error {
	return d.declareIndex(fullName, kind, IndexShapeList)
}

func (d *Database) declareIndex(fullName string, kind IndexKind, shape IndexShape) error {
	if err := ValidateIndexName(fullName); err != nil {
		return err
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIndexMeta).Put([]byte(fullName), encodeIndexMeta(kind, shape))
	})
}

func kindOf(meta *bolt.Bucket, fullName string) IndexKind {
	v := meta.Get([]byte(fullName))
	if len(v) == 0 {
		return IndexKindPlain
	}
	return decodeIndexMeta(fullName, v).Kind
}

func shapeOf(meta *bolt.Bucket, fullName string) IndexShape {
	v := meta.Get([]byte(fullName))
	if len(v) < 2 {
		return IndexShapeMap
	}
	return decodeIndexMeta(fullName, v).Shape
}

// aggregatorFullName is the reserved name of the default state
// aggregator's own backing proof map. ValidateIndexName does not reject
// this name, so a caller-declared index of the same name would share its
// entries.
const aggregatorFullName = "__state_aggregator__"

// recomputeAggregator recomputes the object hash of every aggregated
// index in touched and writes it into the default aggregator's backing
// proof map, as flat key/value pairs under aggregatorFullName (itself a
// plain, non-aggregated index — the aggregator does not aggregate
// itself).
func recomputeAggregator(tx *bolt.Tx, touched map[string]bool) error {
	if len(touched) == 0 {
		return nil
	}
	data := tx.Bucket(bucketData)
	meta := tx.Bucket(bucketIndexMeta)
	names := make([]string, 0, len(touched))
	for n := range touched {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, name := range names {
		h := objectHashOfIndex(meta, data, name)
		if err := data.Put(dataKey(aggregatorFullName, []byte(name)), h[:]); err != nil {
			return err
		}
	}
	return nil
}

// objectHashOfIndex reconstructs the named index's object hash from its
// raw key/value pairs in the data bucket. §4.4 names proof list and
// proof map as the two aggregatable index shapes, each hashed by its own
// rule (hash.ListNode vs hash.MapNode, §4.1); which one fullName is
// depends on its declared IndexShape (see shapeOf, declareIndex), so a
// list-shaped index (written via Fork.ListPush, keys in ascending
// listKey order) is replayed into a ProofList here rather than a
// ProofMap.
func objectHashOfIndex(meta, data *bolt.Bucket, fullName string) hash.Hash {
	c := data.Cursor()
	prefix := append([]byte(fullName), 0)
	if shapeOf(meta, fullName) == IndexShapeList {
		l := NewProofList()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			l.Push(v)
		}
		return l.ObjectHash()
	}
	m := NewProofMap()
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		key := append([]byte(nil), k[len(prefix):]...)
		m.Put(key, v)
	}
	return m.ObjectHash()
}

// StateHash returns the database's overall state hash: the object hash
// of the default aggregator. The aggregator itself is never declared in
// index_meta, so shapeOf defaults it to IndexShapeMap — it is always a
// ProofMap keyed by aggregated index name.
func (d *Database) StateHash() (hash.Hash, error) {
	var h hash.Hash
	err := d.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketData)
		meta := tx.Bucket(bucketIndexMeta)
		h = objectHashOfIndex(meta, data, aggregatorFullName)
		return nil
	})
	return h, err
}

func manifestPath(dataDir string) string { return filepath.Join(dataDir, "MANIFEST.json") }

func readManifest(dataDir string) (*Manifest, error) {
	b, err := os.ReadFile(manifestPath(dataDir))
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(strings.TrimSpace(string(b)), " ", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("storage: malformed manifest")
	}
	var ver uint32
	if _, err := fmt.Sscanf(parts[0], "%d", &ver); err != nil {
		return nil, fmt.Errorf("storage: malformed manifest version: %w", err)
	}
	return &Manifest{SchemaVersion: ver, StateHashHex: parts[1]}, nil
}

// WriteManifest writes MANIFEST.json as a crash-safe commit point:
// write temp -> fsync temp -> rename -> fsync dir, exactly as
// node/store/manifest.go does for the chain tip.
func (d *Database) WriteManifest(stateHashHex string) error {
	m := &Manifest{SchemaVersion: SchemaVersionV1, StateHashHex: stateHashHex}
	final := manifestPath(d.path)
	tmp := final + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("storage: manifest open tmp: %w", err)
	}
	_, werr := fmt.Fprintf(f, "%d %s\n", m.SchemaVersion, m.StateHashHex)
	serr := f.Sync()
	cerr := f.Close()
	if werr != nil {
		return fmt.Errorf("storage: manifest write tmp: %w", werr)
	}
	if serr != nil {
		return fmt.Errorf("storage: manifest fsync tmp: %w", serr)
	}
	if cerr != nil {
		return fmt.Errorf("storage: manifest close tmp: %w", cerr)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("storage: manifest rename: %w", err)
	}
	dir, err := os.Open(d.path)
	if err != nil {
		return fmt.Errorf("storage: manifest fsync dir open: %w", err)
	}
	if err := dir.Sync(); err != nil {
		_ = dir.Close()
		return fmt.Errorf("storage: manifest fsync dir: %w", err)
	}
	d.manifest = m
	return dir.Close()
}

func (d *Database) Manifest() *Manifest { return d.manifest }

// DataVersion returns the data version last recorded for ns by a
// versioned Flush, or 0 if ns has never flushed with an explicit
// target version (§9: "flush_migration bumps the stored data version
// monotonically when the migration's target version is provided").
func (d *Database) DataVersion(ns string) (uint32, error) {
	var v uint32
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDataVersions).Get([]byte(ns))
		if b != nil {
			v = binary.BigEndian.Uint32(b)
		}
		return nil
	})
	return v, err
}
