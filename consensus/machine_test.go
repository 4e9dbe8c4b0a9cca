package consensus

import (
	"crypto/ed25519"
	"testing"

	"rubin.dev/core/blockchain"
	"rubin.dev/core/crypto"
	"rubin.dev/core/hash"
	"rubin.dev/core/storage"
)

type fakeTransport struct {
	prevotes   []blockchain.Prevote
	precommits []blockchain.Precommit
	statuses   int
}

func (f *fakeTransport) BroadcastPrevote(p blockchain.Prevote)     { f.prevotes = append(f.prevotes, p) }
func (f *fakeTransport) BroadcastPrecommit(p blockchain.Precommit) { f.precommits = append(f.precommits, p) }
func (f *fakeTransport) BroadcastStatus(blockchain.Height, hash.Hash, int) { f.statuses++ }
func (f *fakeTransport) SendProposeRequest(blockchain.ValidatorID, blockchain.Height, hash.Hash) {}
func (f *fakeTransport) SendProposeTransactionsRequest(blockchain.ValidatorID, hash.Hash)          {}
func (f *fakeTransport) SendBlockRequest(blockchain.ValidatorID, blockchain.Height)                {}
func (f *fakeTransport) SendPrevotesRequest(blockchain.ValidatorID, blockchain.Height, blockchain.Round, hash.Hash) {
}

type fakeExecutor struct{ calls int }

func (e *fakeExecutor) Execute(snap *storage.Snapshot, p blockchain.Propose, txs map[hash.Hash][]byte) (blockchain.Block, *storage.Patch, error) {
	e.calls++
	b := blockchain.GenesisBlock(hash.Leaf([]byte("state")), hash.Leaf([]byte("errors")))
	b.HeightValue = p.Height
	b.PrevHash = p.PrevHash
	b = b.WithProposerID(p.Validator)
	return b, &storage.Patch{}, nil
}

type fakePool struct{ has map[hash.Hash][]byte }

func (p *fakePool) Has(h hash.Hash) bool          { _, ok := p.has[h]; return ok }
func (p *fakePool) Get(h hash.Hash) ([]byte, bool) { v, ok := p.has[h]; return v, ok }
func (p *fakePool) Remove(hs []hash.Hash)          {}
func (p *fakePool) Size() int                      { return len(p.has) }

func newTestMachine(t *testing.T, n int) (*Machine, []ed25519.PublicKey) {
	m, pubs, _ := newTestMachineWithKeys(t, n)
	return m, pubs
}

// newTestMachineWithKeys additionally returns the generated validators'
// private keys, so tests can sign Precommits themselves and opt a
// Machine into the signature check (validatePrecommitSet only enforces
// it when Crypto is non-nil) by setting m.Crypto and m.PrivKey.
func newTestMachineWithKeys(t *testing.T, n int) (*Machine, []ed25519.PublicKey, []ed25519.PrivateKey) {
	t.Helper()
	keys := make([]blockchain.ValidatorKeys, n)
	pubs := make([]ed25519.PublicKey, n)
	privs := make([]ed25519.PrivateKey, n)
	for i := 0; i < n; i++ {
		pub, priv, err := ed25519.GenerateKey(nil)
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		pubs[i] = pub
		privs[i] = priv
		keys[i] = blockchain.ValidatorKeys{ConsensusKey: pub, ServiceKey: pub}
	}
	genesis := blockchain.GenesisBlock(hash.Leaf([]byte("genesis-state")), hash.Leaf([]byte("genesis-errors")))
	genesisHash := genesis.ObjectHash()

	cfg := &blockchain.ConsensusConfig{
		FirstRoundTimeoutMillis: 1000,
		RoundTimeoutIncreasePct: 50,
		StatusTimeoutMillis:     5000,
		PeersTimeoutMillis:      2000,
		TxsBlockLimit:           100,
		MaxMessageLen:           1 << 20,
		MinProposeTimeoutMillis: 100,
		MaxProposeTimeoutMillis: 1000,
		ProposeTimeoutThreshold: 1,
		ValidatorKeys:           keys,
	}
	leader := cfg.Leader(1, 1)

	dir := t.TempDir()
	db, err := storage.OpenDatabase(dir)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	state := NewNodeState(keys, leader, true, genesisHash)
	m := &Machine{
		State:     state,
		Config:    cfg,
		DB:        db,
		Timers:    NewTimerQueue(),
		Transport: &fakeTransport{},
		Executor:  &fakeExecutor{},
		Pool:      &fakePool{has: make(map[hash.Hash][]byte)},
		Clock:     func() int64 { return 0 },
	}
	return m, pubs, privs
}

func TestClassifyHeight(t *testing.T) {
	m, _ := newTestMachine(t, 4)
	if got := m.ClassifyHeight(m.State.HeightValue); got != IngressProcessNow {
		t.Fatalf("current height: got %v, want IngressProcessNow", got)
	}
	if got := m.ClassifyHeight(m.State.HeightValue + 1); got != IngressQueue {
		t.Fatalf("height+1: got %v, want IngressQueue", got)
	}
	if got := m.ClassifyHeight(m.State.HeightValue - 1); got != IngressIgnorePast {
		t.Fatalf("height-1: got %v, want IngressIgnorePast", got)
	}
	if got := m.ClassifyHeight(m.State.HeightValue + 2); got != IngressDrop {
		t.Fatalf("height+2: got %v, want IngressDrop", got)
	}
}

func TestHandleProposeRejectsWrongLeader(t *testing.T) {
	m, _ := newTestMachine(t, 4)
	wrong := m.State.OwnValidator + 1
	p := blockchain.Propose{Validator: wrong, Height: m.State.HeightValue, Round: 1, PrevHash: m.State.LastHash}
	err := m.HandlePropose(p)
	cerr, ok := err.(*ConsensusError)
	if !ok || cerr.Code != ErrWrongLeader {
		t.Fatalf("expected ErrWrongLeader, got %v", err)
	}
}

func TestHandleProposeRejectsWrongPrevHash(t *testing.T) {
	m, _ := newTestMachine(t, 4)
	p := blockchain.Propose{Validator: m.State.OwnValidator, Height: m.State.HeightValue, Round: 1, PrevHash: hash.Leaf([]byte("not the real prev hash"))}
	err := m.HandlePropose(p)
	cerr, ok := err.(*ConsensusError)
	if !ok || cerr.Code != ErrWrongPrevHash {
		t.Fatalf("expected ErrWrongPrevHash, got %v", err)
	}
}

// TestFullRoundCommits drives a complete propose/prevote/precommit round
// to commit for a node that is itself the round's leader and a voting
// validator, exercising HandlePropose, HandlePrevote, Lock,
// HandlePrecommit, and Commit end to end.
func TestFullRoundCommits(t *testing.T) {
	m, _ := newTestMachine(t, 4)
	transport := m.Transport.(*fakeTransport)
	executor := m.Executor.(*fakeExecutor)

	p := blockchain.Propose{Validator: m.State.OwnValidator, Height: m.State.HeightValue, Round: 1, PrevHash: m.State.LastHash}
	if err := m.HandlePropose(p); err != nil {
		t.Fatalf("HandlePropose: %v", err)
	}
	if len(transport.prevotes) != 1 {
		t.Fatalf("expected own prevote broadcast, got %d", len(transport.prevotes))
	}

	proposeHash := p.Hash()
	startHeight := m.State.HeightValue

	var other blockchain.ValidatorID
	voters := 0
	for v := blockchain.ValidatorID(0); voters < 2; v++ {
		if v == m.State.OwnValidator {
			continue
		}
		other = v
		pv := blockchain.Prevote{Validator: v, Height: startHeight, Round: 1, ProposeHash: proposeHash}
		if err := m.HandlePrevote(pv); err != nil {
			t.Fatalf("HandlePrevote: %v", err)
		}
		voters++
	}
	_ = other

	if m.State.LockedRound != 1 || m.State.LockedPropose != proposeHash {
		t.Fatalf("expected lock on round 1/%x, got round=%d hash=%x", proposeHash, m.State.LockedRound, m.State.LockedPropose)
	}
	if len(transport.precommits) != 1 {
		t.Fatalf("expected own precommit broadcast, got %d", len(transport.precommits))
	}
	if executor.calls != 1 {
		t.Fatalf("expected exactly one execution, got %d", executor.calls)
	}

	blockHash := transport.precommits[0].BlockHash
	voters = 0
	for v := blockchain.ValidatorID(0); voters < 2; v++ {
		if v == m.State.OwnValidator {
			continue
		}
		pc := blockchain.Precommit{Validator: v, Height: startHeight, Round: 1, ProposeHash: proposeHash, BlockHash: blockHash}
		if err := m.HandlePrecommit(pc); err != nil {
			t.Fatalf("HandlePrecommit: %v", err)
		}
		voters++
	}

	if m.State.HeightValue != startHeight+1 {
		t.Fatalf("expected commit to advance height, got %d", m.State.HeightValue)
	}
	if m.State.RoundValue != 1 {
		t.Fatalf("expected round reset to 1, got %d", m.State.RoundValue)
	}
	if transport.statuses != 1 {
		t.Fatalf("expected one status broadcast on commit, got %d", transport.statuses)
	}
	if executor.calls != 1 {
		t.Fatalf("expected execution cached across lock/commit, got %d calls", executor.calls)
	}
}

func TestOnRoundTimeoutAdvancesRound(t *testing.T) {
	m, _ := newTestMachine(t, 4)
	startRound := m.State.RoundValue
	if err := m.OnRoundTimeout(); err != nil {
		t.Fatalf("OnRoundTimeout: %v", err)
	}
	if m.State.RoundValue != startRound+1 {
		t.Fatalf("expected round to advance, got %d", m.State.RoundValue)
	}
	if m.Timers.Len() == 0 {
		t.Fatalf("expected a new round timer scheduled")
	}
}

func TestHandlePrecommitQueuesFutureRoundWithoutJump(t *testing.T) {
	m, _ := newTestMachine(t, 4)
	bh := hash.Leaf([]byte("future-block"))
	pc := blockchain.Precommit{Validator: 0, Height: m.State.HeightValue, Round: 5, BlockHash: bh}
	if m.State.OwnValidator == 0 {
		pc.Validator = 1
	}
	if err := m.HandlePrecommit(pc); err != nil {
		t.Fatalf("HandlePrecommit: %v", err)
	}
	if m.State.RoundValue != 1 {
		t.Fatalf("one reporter should not trigger a round jump, got round %d", m.State.RoundValue)
	}
	if len(m.State.Queued) != 1 {
		t.Fatalf("expected the future-round precommit to be queued, got %d entries", len(m.State.Queued))
	}
}

func TestHandlePrecommitJumpsRoundOnQuorum(t *testing.T) {
	m, _ := newTestMachine(t, 4)
	bh := hash.Leaf([]byte("future-block"))
	voters := 0
	for v := blockchain.ValidatorID(0); voters < m.State.Majority(); v++ {
		pc := blockchain.Precommit{Validator: v, Height: m.State.HeightValue, Round: 5, BlockHash: bh}
		if err := m.HandlePrecommit(pc); err != nil {
			t.Fatalf("HandlePrecommit: %v", err)
		}
		voters++
	}
	if m.State.RoundValue != 5 {
		t.Fatalf("expected round jump to 5, got %d", m.State.RoundValue)
	}
}

// TestRoundTimeoutPersistsPosition covers the "Height/Round persisted
// across restart" supplemented feature: a round timeout bumps
// RoundValue, and that new position must be durable immediately so a
// crash right after doesn't resume at a stale round.
func TestRoundTimeoutPersistsPosition(t *testing.T) {
	m, _ := newTestMachine(t, 4)
	startHeight, startRound := m.State.HeightValue, m.State.RoundValue

	if err := m.OnRoundTimeout(); err != nil {
		t.Fatalf("OnRoundTimeout: %v", err)
	}
	if m.State.RoundValue != startRound+1 {
		t.Fatalf("expected round to advance, got %d", m.State.RoundValue)
	}

	pos, ok, err := m.DB.ReadConsensusPosition()
	if err != nil || !ok {
		t.Fatalf("read position: ok=%v err=%v", ok, err)
	}
	if pos.Height != uint64(startHeight) || pos.Round != uint32(startRound+1) {
		t.Fatalf("persisted position %+v does not match in-memory state (height=%d round=%d)", pos, startHeight, startRound+1)
	}

	resumed := NewNodeState(m.State.ValidatorKeys, m.State.OwnValidator, m.State.IsValidator, m.State.LastHash)
	resumed.ResumeFrom(pos)
	if resumed.HeightValue != m.State.HeightValue || resumed.RoundValue != m.State.RoundValue {
		t.Fatalf("ResumeFrom produced height=%d round=%d, want height=%d round=%d",
			resumed.HeightValue, resumed.RoundValue, m.State.HeightValue, m.State.RoundValue)
	}
}

// TestHandleBlockResponseCatchesUp exercises §8 scenario 5: a node
// behind the current height accepts a BlockResponse whose precommit set
// is a validly signed majority, recomputes the block independently, and
// commits it exactly like a live round would.
func TestHandleBlockResponseCatchesUp(t *testing.T) {
	m, _, privs := newTestMachineWithKeys(t, 4)
	m.Crypto = crypto.Default{}

	startHeight := m.State.HeightValue
	leader := m.Config.Leader(startHeight, 1)

	block := blockchain.GenesisBlock(hash.Leaf([]byte("state")), hash.Leaf([]byte("errors")))
	block.HeightValue = startHeight
	block.PrevHash = m.State.LastHash
	block = block.WithProposerID(leader)
	blockHash := block.ObjectHash()

	var precommits []blockchain.Precommit
	for v := blockchain.ValidatorID(0); len(precommits) < m.State.Majority(); v++ {
		pc := blockchain.Precommit{Validator: v, Height: startHeight, Round: 1, BlockHash: blockHash}
		pc.Sign(privs[v])
		precommits = append(precommits, pc)
	}

	if err := m.HandleBlockResponse(block, precommits, nil); err != nil {
		t.Fatalf("HandleBlockResponse: %v", err)
	}
	if m.State.HeightValue != startHeight+1 {
		t.Fatalf("expected catch-up commit to advance height, got %d", m.State.HeightValue)
	}
}

// TestHandleBlockResponseRejectsBadPrecommitSignature covers the other
// side of §4.7.7 step 1: a precommit set whose signatures don't trace
// back to the claimed validators' consensus keys must not be trusted
// just because a peer bundled it into a BlockResponse.
func TestHandleBlockResponseRejectsBadPrecommitSignature(t *testing.T) {
	m, _, privs := newTestMachineWithKeys(t, 4)
	m.Crypto = crypto.Default{}

	startHeight := m.State.HeightValue
	leader := m.Config.Leader(startHeight, 1)

	block := blockchain.GenesisBlock(hash.Leaf([]byte("state")), hash.Leaf([]byte("errors")))
	block.HeightValue = startHeight
	block.PrevHash = m.State.LastHash
	block = block.WithProposerID(leader)
	blockHash := block.ObjectHash()

	var precommits []blockchain.Precommit
	for v := blockchain.ValidatorID(0); len(precommits) < m.State.Majority(); v++ {
		pc := blockchain.Precommit{Validator: v, Height: startHeight, Round: 1, BlockHash: blockHash}
		pc.Sign(privs[(int(v)+1)%len(privs)]) // forged: signed by the wrong validator's key
		precommits = append(precommits, pc)
	}

	err := m.HandleBlockResponse(block, precommits, nil)
	cerr, ok := err.(*ConsensusError)
	if !ok || cerr.Code != ErrBadPrecommitSet {
		t.Fatalf("expected ErrBadPrecommitSet, got %v", err)
	}
	if m.State.HeightValue != startHeight {
		t.Fatalf("a forged precommit set must not advance height")
	}
}

func TestValidatePrecommitSetRejectsDuplicateVoter(t *testing.T) {
	m, _ := newTestMachine(t, 4)
	bh := hash.Leaf([]byte("block"))
	precommits := []blockchain.Precommit{
		{Validator: 0, Height: 1, Round: 1, BlockHash: bh},
		{Validator: 0, Height: 1, Round: 1, BlockHash: bh},
		{Validator: 1, Height: 1, Round: 1, BlockHash: bh},
	}
	err := m.validatePrecommitSet(precommits, bh)
	cerr, ok := err.(*ConsensusError)
	if !ok || cerr.Code != ErrNotDistinctVoters {
		t.Fatalf("expected ErrNotDistinctVoters, got %v", err)
	}
}
