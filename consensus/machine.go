package consensus

import (
	"crypto/ed25519"
	"fmt"

	"rubin.dev/core/blockchain"
	"rubin.dev/core/crypto"
	"rubin.dev/core/hash"
	"rubin.dev/core/storage"
)

// Transport is the outbound side of the four-channel event loop (§5):
// the machine never touches a socket directly, only this seam, so the
// handler stays synchronous and testable without real networking.
type Transport interface {
	BroadcastPrevote(p blockchain.Prevote)
	BroadcastPrecommit(p blockchain.Precommit)
	BroadcastStatus(height blockchain.Height, lastHash hash.Hash, poolSize int)
	SendProposeRequest(to blockchain.ValidatorID, height blockchain.Height, h hash.Hash)
	SendProposeTransactionsRequest(to blockchain.ValidatorID, h hash.Hash)
	SendBlockRequest(to blockchain.ValidatorID, height blockchain.Height)
	SendPrevotesRequest(to blockchain.ValidatorID, height blockchain.Height, round blockchain.Round, h hash.Hash)
}

// TransactionPool is the mempool seam: transactions waiting to be
// proposed, and verified transactions received out of band (§4.6
// tx_cache is maintained by the Machine itself, not the pool).
type TransactionPool interface {
	Has(h hash.Hash) bool
	Get(h hash.Hash) ([]byte, bool)
	Remove(hashes []hash.Hash)
	Size() int
}

// Executor runs a Propose's transactions against a fork to produce the
// committed Block (with state_hash/error_hash filled in) and the patch
// to merge on commit (§4.5).
type Executor interface {
	Execute(snap *storage.Snapshot, propose blockchain.Propose, txs map[hash.Hash][]byte) (blockchain.Block, *storage.Patch, error)
}

// Machine is the single-threaded BFT event handler (§4.7). Exactly one
// of its methods runs at a time; callers are responsible for draining
// the four input channels (§5) and invoking the matching method.
type Machine struct {
	State     *NodeState
	Config    *blockchain.ConsensusConfig
	DB        *storage.Database
	Timers    *TimerQueue
	Transport Transport
	Executor  Executor
	Pool      TransactionPool
	Crypto    crypto.Provider
	PrivKey   ed25519.PrivateKey // this node's consensus key; nil for auditors
	Clock     func() int64       // monotonic milliseconds; injectable for tests
	Paused    bool               // operator-requested halt: no new requests or votes go out (§4.8)
}

// IngressAction is the routing decision for a message at a given height
// (§4.7.1).
type IngressAction int

const (
	IngressDrop IngressAction = iota
	IngressQueue
	IngressIgnorePast
	IngressProcessNow
)

// ClassifyHeight implements §4.7.1's height routing: messages more than
// one height away are dropped; one height ahead are queued for replay
// after commit; one height behind are logged and ignored.
func (m *Machine) ClassifyHeight(msgHeight blockchain.Height) IngressAction {
	diff := int64(msgHeight) - int64(m.State.HeightValue)
	switch {
	case diff < -1 || diff > 1:
		return IngressDrop
	case diff == 1:
		return IngressQueue
	case diff == -1:
		return IngressIgnorePast
	default:
		return IngressProcessNow
	}
}

// ClassifyRound reports whether a same-height message at round should be
// queued rather than processed immediately (§4.7.1).
func (m *Machine) ClassifyRound(round blockchain.Round) bool {
	return round > m.State.RoundValue
}

// HandlePropose implements §4.7.2.
func (m *Machine) HandlePropose(p blockchain.Propose) error {
	switch m.ClassifyHeight(p.Height) {
	case IngressDrop, IngressIgnorePast:
		return nil
	case IngressQueue:
		m.State.Queued = append(m.State.Queued, QueuedMessage{Height: p.Height, Round: p.Round, Payload: p})
		return nil
	}
	if m.ClassifyRound(p.Round) {
		m.State.Queued = append(m.State.Queued, QueuedMessage{Height: p.Height, Round: p.Round, Payload: p})
		return m.maybeJumpRound(p.Round, p.Validator)
	}
	if p.PrevHash != m.State.LastHash {
		return consensusErr(ErrWrongPrevHash, "propose prev_hash does not match last_hash")
	}
	if p.Validator != m.Config.Leader(p.Height, p.Round) {
		return consensusErr(ErrWrongLeader, "propose author is not the round's leader")
	}

	proposeHash := p.Hash()
	unknown := make(map[hash.Hash]bool)
	for _, txh := range p.Transactions {
		if m.State.TxCache[txh] != nil {
			continue
		}
		if m.Pool != nil && m.Pool.Has(txh) {
			continue
		}
		if m.committed(txh) {
			continue
		}
		unknown[txh] = true
	}
	ps := &ProposeState{Message: p, UnknownTxs: unknown}
	m.State.Proposes[proposeHash] = ps

	if len(unknown) > 0 {
		knownNodes := []blockchain.ValidatorID{p.Validator}
		for peer := range m.State.PeersWithPropose[proposeHash] {
			if peer != p.Validator {
				knownNodes = append(knownNodes, peer)
			}
		}
		m.EnsureRequested(RequestData{Kind: RequestProposeTransactions, Hash: proposeHash}, knownNodes)
		return nil
	}
	return m.HandleFullPropose(proposeHash)
}

func (m *Machine) committed(txHash hash.Hash) bool {
	snap, err := m.DB.Snapshot()
	if err != nil {
		return false
	}
	defer snap.Close()
	_, ok := snap.Get("transactions", txHash[:])
	return ok
}

// HandleTransactions implements the tx_cache side of §4.6/§4.7.2: txs are
// verified transaction bodies received out of band, typically answering
// a ProposeTransactions or BlockTransactions request. Caching them and
// re-checking any propose they unblock is how a propose that stalled on
// unknown transactions eventually reaches HandleFullPropose without
// reprocessing the original Propose message.
func (m *Machine) HandleTransactions(txs map[hash.Hash][]byte) error {
	for h, body := range txs {
		m.State.TxCache[h] = body
	}
	for proposeHash, ps := range m.State.Proposes {
		unblocked := false
		for h := range txs {
			if ps.UnknownTxs[h] {
				delete(ps.UnknownTxs, h)
				unblocked = true
			}
		}
		if !unblocked {
			continue
		}
		if len(ps.UnknownTxs) == 0 {
			m.ResolveRequest(RequestData{Kind: RequestProposeTransactions, Hash: proposeHash})
			if err := m.HandleFullPropose(proposeHash); err != nil {
				return err
			}
		}
	}
	return nil
}

// HandleFullPropose implements §4.7.3: a propose whose every transaction
// is now known locally.
func (m *Machine) HandleFullPropose(proposeHash hash.Hash) error {
	ps, ok := m.State.Proposes[proposeHash]
	if !ok {
		return fmt.Errorf("consensus: unknown propose %x", proposeHash)
	}

	if m.State.IsValidator && !m.Paused && m.State.LockedRound == 0 && !m.State.HasPrevoted(ps.Message.Round) && !ps.HasInvalidTx {
		pv := blockchain.Prevote{
			Validator:   m.State.OwnValidator,
			Height:      m.State.HeightValue,
			Round:       ps.Message.Round,
			ProposeHash: proposeHash,
			LockedRound: m.State.LockedRound,
		}
		m.State.AddPrevote(pv.Round, pv.ProposeHash, pv.Validator)
		m.Transport.BroadcastPrevote(pv)
	}

	start := m.State.LockedRound + 1
	if ps.Message.Round > start {
		start = ps.Message.Round
	}
	for r := start; r <= m.State.RoundValue; r++ {
		if len(m.State.Prevotes[RoundAndHash{Round: r, Hash: proposeHash}]) >= m.State.Majority() {
			if err := m.Lock(r, proposeHash); err != nil {
				return err
			}
		}
	}

	if rb, ok := m.State.ConfirmedByMajority[proposeHash]; ok {
		block, blockHash, patch, err := m.execute(ps)
		if err != nil {
			return err
		}
		if blockHash != rb.BlockHash {
			return &DivergenceError{Msg: "locally computed block hash diverges from precommitted block hash"}
		}
		return m.Commit(block, m.collectPrecommitMsgs(rb.Round, blockHash), patch, ps.Message.Transactions, ps.Txs)
	}
	return nil
}

// HandlePrevote implements the prevote side of §4.7.3/§4.7.4: record the
// vote and, once a round reaches quorum for some propose hash, attempt
// the lock.
func (m *Machine) HandlePrevote(pv blockchain.Prevote) error {
	switch m.ClassifyHeight(pv.Height) {
	case IngressDrop, IngressIgnorePast:
		return nil
	case IngressQueue:
		// Prevotes aren't part of the replay set (replayQueued only
		// replays proposes/precommits): a new height starts voting
		// from scratch, so a prevote for the next height ahead is
		// simply dropped rather than queued.
		return nil
	}
	if int(pv.Validator) >= len(m.State.ValidatorKeys) {
		return consensusErr(ErrUnknownValidator, "prevote from unknown validator")
	}
	if m.ClassifyRound(pv.Round) {
		// Not queued for replay (replayQueued never replays prevotes, a
		// new round starts voting fresh), but it still counts toward
		// the round-jump quorum.
		return m.maybeJumpRound(pv.Round, pv.Validator)
	}
	m.State.RecordPeerHasPropose(pv.ProposeHash, pv.Validator)
	count := m.State.AddPrevote(pv.Round, pv.ProposeHash, pv.Validator)
	if count < m.State.Majority() {
		return nil
	}
	return m.Lock(pv.Round, pv.ProposeHash)
}

// Lock implements §4.7.4.
func (m *Machine) Lock(r blockchain.Round, h hash.Hash) error {
	for round := r; round <= m.State.RoundValue; round++ {
		if m.State.IsValidator && !m.Paused && !m.State.HasPrevoted(round) {
			pv := blockchain.Prevote{Validator: m.State.OwnValidator, Height: m.State.HeightValue, Round: round, ProposeHash: h, LockedRound: m.State.LockedRound}
			m.State.AddPrevote(round, h, pv.Validator)
			m.Transport.BroadcastPrevote(pv)
		}
	}

	if len(m.State.Prevotes[RoundAndHash{Round: r, Hash: h}]) < m.State.Majority() {
		return nil
	}

	m.State.LockedRound = r
	m.State.LockedPropose = h
	if err := m.persistPosition(); err != nil {
		return fmt.Errorf("consensus: persist position: %w", err)
	}

	ps, ok := m.State.Proposes[h]
	if !ok || len(ps.UnknownTxs) > 0 {
		return nil
	}
	if m.State.IsValidator && !m.Paused && !m.State.HasPrecommitted(r) {
		block, blockHash, patch, err := m.execute(ps)
		if err != nil {
			return err
		}
		pc := blockchain.Precommit{Validator: m.State.OwnValidator, Height: m.State.HeightValue, Round: r, ProposeHash: h, BlockHash: blockHash}
		if m.PrivKey != nil && m.Crypto != nil {
			pc.Signature = m.Crypto.Sign(m.PrivKey, pc.SigningPreimage())
		}
		m.State.AddPrecommit(r, blockHash, pc.Validator)
		m.State.RecordPrecommitMsg(pc)
		m.Transport.BroadcastPrecommit(pc)
		if len(m.State.Precommits[RoundAndHash{Round: r, Hash: blockHash}]) >= m.State.Majority() {
			return m.Commit(block, m.collectPrecommitMsgs(r, blockHash), patch, ps.Message.Transactions, ps.Txs)
		}
	}
	return nil
}

// HandlePrecommit implements §4.7.5.
func (m *Machine) HandlePrecommit(pc blockchain.Precommit) error {
	switch m.ClassifyHeight(pc.Height) {
	case IngressDrop, IngressIgnorePast:
		return nil
	case IngressQueue:
		m.State.Queued = append(m.State.Queued, QueuedMessage{Height: pc.Height, Round: pc.Round, Payload: pc})
		return nil
	}
	if m.ClassifyRound(pc.Round) {
		m.State.Queued = append(m.State.Queued, QueuedMessage{Height: pc.Height, Round: pc.Round, Payload: pc})
		return m.maybeJumpRound(pc.Round, pc.Validator)
	}
	count := m.State.AddPrecommit(pc.Round, pc.BlockHash, pc.Validator)
	m.State.RecordPrecommitMsg(pc)
	if count < m.State.Majority() {
		return nil
	}

	ps, ok := m.State.Proposes[pc.ProposeHash]
	if !ok {
		m.State.ConfirmedByMajority[pc.ProposeHash] = RoundAndBlockHash{Round: pc.Round, BlockHash: pc.BlockHash}
		m.EnsureRequested(RequestData{Kind: RequestPropose, Height: m.State.HeightValue, Hash: pc.ProposeHash}, []blockchain.ValidatorID{pc.Validator})
		return nil
	}
	if len(ps.UnknownTxs) > 0 {
		m.State.ConfirmedByMajority[pc.ProposeHash] = RoundAndBlockHash{Round: pc.Round, BlockHash: pc.BlockHash}
		m.EnsureRequested(RequestData{Kind: RequestProposeTransactions, Hash: pc.ProposeHash}, []blockchain.ValidatorID{pc.Validator})
		return nil
	}
	block, blockHash, patch, err := m.execute(ps)
	if err != nil {
		return err
	}
	if blockHash != pc.BlockHash {
		return &DivergenceError{Msg: "locally computed block hash diverges from precommitted block hash"}
	}
	return m.Commit(block, m.collectPrecommitMsgs(pc.Round, blockHash), patch, ps.Message.Transactions, ps.Txs)
}

// collectPrecommitMsgs returns the full signed Precommit records for
// (round, blockHash), so Commit has real, independently-verifiable votes
// to persist rather than just a list of validator ids.
func (m *Machine) collectPrecommitMsgs(round blockchain.Round, blockHash hash.Hash) []blockchain.Precommit {
	set := m.State.PrecommitRecords[RoundAndHash{Round: round, Hash: blockHash}]
	out := make([]blockchain.Precommit, 0, len(set))
	for _, pc := range set {
		out = append(out, pc)
	}
	return out
}

func (m *Machine) execute(ps *ProposeState) (blockchain.Block, hash.Hash, *storage.Patch, error) {
	if ps.BlockHashKnown {
		return ps.Block, ps.BlockHash, ps.Patch, nil
	}
	snap, err := m.DB.Snapshot()
	if err != nil {
		return blockchain.Block{}, hash.Hash{}, nil, fmt.Errorf("consensus: snapshot for execution: %w", err)
	}
	defer snap.Close()
	txs := make(map[hash.Hash][]byte, len(ps.Message.Transactions))
	for _, h := range ps.Message.Transactions {
		if b, ok := m.State.TxCache[h]; ok {
			txs[h] = b
		} else if m.Pool != nil {
			if b, ok := m.Pool.Get(h); ok {
				txs[h] = b
			}
		}
	}
	block, patch, err := m.Executor.Execute(snap, ps.Message, txs)
	if err != nil {
		return blockchain.Block{}, hash.Hash{}, nil, fmt.Errorf("consensus: execute propose: %w", err)
	}
	blockHash := block.ObjectHash()
	ps.BlockHashKnown = true
	ps.BlockHash = blockHash
	ps.Block = block
	ps.Patch = patch
	ps.Txs = txs
	m.State.Blocks[blockHash] = &BlockState{
		Patch:      patch,
		TxHashes:   ps.Message.Transactions,
		ProposerID: ps.Message.Validator,
	}
	return block, blockHash, patch, nil
}

// Commit implements §4.7.6, persisting the execution patch, the block
// record, its justifying precommit set, and its transaction bodies in
// one atomic step (storage.Database.CommitBlock) before advancing
// in-memory state.
func (m *Machine) Commit(block blockchain.Block, precommits []blockchain.Precommit, patch *storage.Patch, txOrder []hash.Hash, txBodies map[hash.Hash][]byte) error {
	blockHash := block.ObjectHash()
	if err := m.DB.CommitBlock(patch, block, precommits, txOrder, txBodies); err != nil {
		return fmt.Errorf("consensus: commit block: %w", err)
	}
	if m.Pool != nil {
		m.Pool.Remove(txOrder)
	}

	newHeight := m.State.HeightValue + 1
	m.State.ResetForHeight(newHeight, blockHash)
	if err := m.persistPosition(); err != nil {
		return fmt.Errorf("consensus: persist position: %w", err)
	}

	poolSize := 0
	if m.Pool != nil {
		poolSize = m.Pool.Size()
	}
	m.Transport.BroadcastStatus(newHeight, blockHash, poolSize)

	m.scheduleTimer(TimerStatus, m.Config.StatusTimeoutMillis)
	m.scheduleTimer(TimerPeerExchange, m.Config.PeersTimeoutMillis)
	m.scheduleRoundTimeout()
	if m.Config.Leader(newHeight, 1) == m.State.OwnValidator {
		m.scheduleProposeTimeout()
	}

	return m.replayQueued()
}

// persistPosition writes the machine's current height/round/lock to
// the database so a restart resumes from here rather than round 1.
// Errors are logged-worthy but not fatal to the round in progress: a
// missed persist only costs an extra round of catch-up after a crash,
// never a safety violation, so callers fold the error into their own
// return rather than treating it as a consensus error.
func (m *Machine) persistPosition() error {
	if m.DB == nil {
		return nil
	}
	return m.DB.WriteConsensusPosition(storage.ConsensusPosition{
		Height:        uint64(m.State.HeightValue),
		Round:         uint32(m.State.RoundValue),
		HasLock:       m.State.LockedRound > 0,
		LockedRound:   uint32(m.State.LockedRound),
		LockedPropose: m.State.LockedPropose,
	})
}

func (m *Machine) replayQueued() error {
	queued := m.State.Queued
	m.State.Queued = nil
	for _, q := range queued {
		if q.Height > m.State.HeightValue {
			// Still a height ahead (this replay was triggered by a
			// round jump, not a commit): keep waiting for it.
			m.State.Queued = append(m.State.Queued, q)
			continue
		}
		if q.Height < m.State.HeightValue {
			continue // stale, the height it was queued for already passed
		}
		if q.Round > m.State.RoundValue {
			// Still ahead of the round we've now reached; keep it
			// queued rather than replaying it prematurely.
			m.State.Queued = append(m.State.Queued, q)
			continue
		}
		switch payload := q.Payload.(type) {
		case blockchain.Propose:
			if err := m.HandlePropose(payload); err != nil {
				return err
			}
		case blockchain.Precommit:
			if err := m.HandlePrecommit(payload); err != nil {
				return err
			}
		}
	}
	return nil
}

// maybeJumpRound implements the "quorum of validators has reported a
// higher round" half of §4.7.1: once a majority of distinct validators
// have sent any message carrying a round ahead of RoundValue, the
// machine jumps straight to that round instead of waiting out its own
// round timer.
func (m *Machine) maybeJumpRound(round blockchain.Round, reporter blockchain.ValidatorID) error {
	if round <= m.State.RoundValue {
		return nil
	}
	reporters, ok := m.State.RoundReports[round]
	if !ok {
		reporters = make(map[blockchain.ValidatorID]bool)
		m.State.RoundReports[round] = reporters
	}
	reporters[reporter] = true
	if len(reporters) < m.State.Majority() {
		return nil
	}
	m.State.RoundValue = round
	if err := m.persistPosition(); err != nil {
		return fmt.Errorf("consensus: persist position: %w", err)
	}
	m.scheduleRoundTimeout()
	if err := m.ProcessNewRound(); err != nil {
		return err
	}
	return m.replayQueued()
}

func (m *Machine) scheduleTimer(kind TimerKind, deltaMillis uint64) {
	m.Timers.Add(&Timer{DeadlineMillis: m.now() + int64(deltaMillis), Kind: kind})
}

func (m *Machine) scheduleRoundTimeout() {
	m.scheduleTimer(TimerRound, m.Config.RoundTimeoutMillis(m.State.RoundValue))
}

func (m *Machine) scheduleProposeTimeout() {
	timeout := m.Config.MaxProposeTimeoutMillis
	if m.Pool != nil && uint32(m.Pool.Size()) >= m.Config.ProposeTimeoutThreshold {
		timeout = m.Config.MinProposeTimeoutMillis
	}
	m.scheduleTimer(TimerPropose, timeout)
}

// OnRoundTimeout implements §4.7.8's round timer: advance the round and
// reschedule.
func (m *Machine) OnRoundTimeout() error {
	m.State.RoundValue++
	if err := m.persistPosition(); err != nil {
		return fmt.Errorf("consensus: persist position: %w", err)
	}
	m.scheduleRoundTimeout()
	return m.ProcessNewRound()
}

// ProcessNewRound runs the leader-propose-timeout bookkeeping a fresh
// round needs (§4.7.8).
func (m *Machine) ProcessNewRound() error {
	if m.Config.Leader(m.State.HeightValue, m.State.RoundValue) == m.State.OwnValidator && !m.State.HasPrevoted(m.State.RoundValue) {
		m.scheduleProposeTimeout()
	}
	return nil
}

// HandleBlockResponse implements §4.7.7.
func (m *Machine) HandleBlockResponse(block blockchain.Block, precommits []blockchain.Precommit, txHashes []hash.Hash) error {
	if block.HeightValue != m.State.HeightValue {
		return consensusErr(ErrHeightOutOfRange, "block response for non-current height")
	}
	if block.PrevHash != m.State.LastHash {
		return consensusErr(ErrWrongPrevHash, "block response prev_hash mismatch")
	}
	if err := m.validatePrecommitSet(precommits, block.ObjectHash()); err != nil {
		return err
	}

	var missing []hash.Hash
	for _, h := range txHashes {
		if m.State.TxCache[h] == nil && !(m.Pool != nil && m.Pool.Has(h)) && !m.committed(h) {
			missing = append(missing, h)
		}
	}
	if len(missing) > 0 {
		knownNodes := make([]blockchain.ValidatorID, 0, len(precommits))
		for _, pc := range precommits {
			knownNodes = append(knownNodes, pc.Validator)
		}
		m.EnsureRequested(RequestData{Kind: RequestBlock, Height: block.HeightValue}, knownNodes)
		return nil
	}

	proposerID, _ := block.ProposerID()
	synthetic := blockchain.Propose{
		Validator:    proposerID,
		Height:       block.HeightValue,
		Round:        precommits[0].Round,
		PrevHash:     block.PrevHash,
		Transactions: txHashes,
	}
	synthPS := &ProposeState{Message: synthetic}
	_, blockHash, patch, err := m.execute(synthPS)
	if err != nil {
		return err
	}
	if blockHash != block.ObjectHash() {
		return &DivergenceError{Msg: "recomputed block hash diverges from catch-up response block hash"}
	}

	// Persist the peer's canonical block (carrying its original
	// ProposerId header etc.) rather than the locally re-executed one:
	// the divergence check above already proves they share the same
	// object hash, so either is correct, but the response's own copy is
	// what a future catch-up request for this height should echo back.
	return m.Commit(block, precommits, patch, txHashes, synthPS.Txs)
}

func (m *Machine) validatePrecommitSet(precommits []blockchain.Precommit, blockHash hash.Hash) error {
	if len(precommits) < m.State.Majority() || len(precommits) > m.State.N() {
		return consensusErr(ErrInsufficientVotes, "precommit count out of range")
	}
	seen := make(map[blockchain.ValidatorID]bool, len(precommits))
	round := precommits[0].Round
	height := precommits[0].Height
	for _, pc := range precommits {
		if seen[pc.Validator] {
			return consensusErr(ErrNotDistinctVoters, "duplicate validator in precommit set")
		}
		seen[pc.Validator] = true
		if pc.BlockHash != blockHash || pc.Round != round || pc.Height != height {
			return consensusErr(ErrBadPrecommitSet, "precommits disagree on block_hash/round/height")
		}
		if int(pc.Validator) >= len(m.State.ValidatorKeys) {
			return consensusErr(ErrUnknownValidator, "precommit from unknown validator")
		}
		if m.Crypto != nil {
			pub := m.State.ValidatorKeys[pc.Validator].ConsensusKey
			if len(pc.Signature) != ed25519.SignatureSize || !m.Crypto.Verify(pub, pc.SigningPreimage(), pc.Signature) {
				return consensusErr(ErrBadPrecommitSet, "precommit signature does not verify against validator's consensus key")
			}
		}
	}
	return nil
}
