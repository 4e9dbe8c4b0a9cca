// Package consensus implements the per-height node state and the
// single-threaded BFT event handler (§4.6–§4.8), grounded on the
// teacher's single-threaded validation pipeline style
// (clients/go/consensus/validate.go, clients/go/consensus/fork_choice.go)
// generalized from UTXO/PoW fork choice to Tendermint-style
// propose/prevote/precommit/lock/commit handling.
package consensus

import (
	"rubin.dev/core/blockchain"
	"rubin.dev/core/hash"
	"rubin.dev/core/storage"
)

// ProposeState is everything known about a received Propose (§4.6).
type ProposeState struct {
	Message        blockchain.Propose
	UnknownTxs     map[hash.Hash]bool
	HasInvalidTx   bool
	BlockHashKnown bool
	BlockHash      hash.Hash
	Block          blockchain.Block
	Patch          *storage.Patch
	// Txs caches the transaction bodies resolved at execution time (from
	// tx_cache or the pool), so Commit can persist them without resolving
	// the propose's transaction list a second time.
	Txs map[hash.Hash][]byte
}

// BlockState is everything known about a block once executed (§4.6).
type BlockState struct {
	Patch       *storage.Patch
	TxHashes    []hash.Hash
	ProposerID  blockchain.ValidatorID
}

// RoundAndHash keys the prevote/precommit vote tallies.
type RoundAndHash struct {
	Round blockchain.Round
	Hash  hash.Hash
}

// RoundAndBlockHash identifies a confirmed-by-majority propose's
// resolution.
type RoundAndBlockHash struct {
	Round     blockchain.Round
	BlockHash hash.Hash
}

// RequestDataKind tags the six request shapes of §4.6.
type RequestDataKind int

const (
	RequestPropose RequestDataKind = iota
	RequestProposeTransactions
	RequestBlock
	RequestBlockTransactions
	RequestPrevotes
	RequestPoolTransactions
)

// RequestData is the key for an outstanding request (§4.6/§4.8): at most
// one request per distinct RequestData may be outstanding at a time.
type RequestData struct {
	Kind   RequestDataKind
	Hash   hash.Hash           // Propose/ProposeTransactions/Prevotes
	Height blockchain.Height   // Block
	Round  blockchain.Round    // Prevotes
}

// RequestRecord tracks an outstanding request's known-node set so a
// timeout can pick a different peer (§4.8).
type RequestRecord struct {
	KnownNodes []blockchain.ValidatorID
	Tried      map[blockchain.ValidatorID]bool
}

// NodeState is the per-height, in-memory state maintained by the
// consensus machine (§4.6). A NodeState is owned exclusively by one
// Machine's single-threaded handler.
type NodeState struct {
	HeightValue    blockchain.Height
	RoundValue     blockchain.Round
	LockedRound    blockchain.Round
	LockedPropose  hash.Hash
	LastHash       hash.Hash

	ValidatorKeys []blockchain.ValidatorKeys
	OwnValidator  blockchain.ValidatorID
	IsValidator   bool

	Proposes   map[hash.Hash]*ProposeState
	Prevotes   map[RoundAndHash]map[blockchain.ValidatorID]bool
	Precommits map[RoundAndHash]map[blockchain.ValidatorID]bool
	Blocks     map[hash.Hash]*BlockState

	// PrecommitRecords mirrors Precommits' vote tally but keeps the full
	// signed message per validator, not just a boolean: Commit needs the
	// actual Precommit records (with signatures) to persist the block's
	// justifying precommit set, and a bitmap alone can't reconstruct them.
	PrecommitRecords map[RoundAndHash]map[blockchain.ValidatorID]blockchain.Precommit

	ConfirmedByMajority map[hash.Hash]RoundAndBlockHash

	Requests map[RequestData]*RequestRecord

	TxCache    map[hash.Hash][]byte
	InvalidTxs map[hash.Hash]bool

	Queued []QueuedMessage

	// RoundReports tracks, for a round ahead of RoundValue, which
	// validators have sent a message carrying that round: once a
	// majority have, JumpToRound fires (§4.7.1's "if a quorum of
	// validators has reported a higher round").
	RoundReports map[blockchain.Round]map[blockchain.ValidatorID]bool

	// PeersWithPropose tracks, per propose hash, which peers have
	// signaled they hold the full propose body (the "has this propose"
	// supplemented feature): a ProposeTransactions request goes to the
	// author first and then to these peers rather than a blind
	// broadcast.
	PeersWithPropose map[hash.Hash]map[blockchain.ValidatorID]bool
}

// QueuedMessage is a message deferred for replay after NewHeight or
// JumpRound (§4.6 queued, §4.7.1). Scope narrows what gets replayed: a
// message queued for a specific (height, round) is only replayed once
// the machine actually reaches that height and round, rather than
// replayed unconditionally and re-queued if still premature.
type QueuedMessage struct {
	Height  blockchain.Height
	Round   blockchain.Round
	Payload interface{}
}

// NewNodeState returns a NodeState ready for height 1 with the given
// validator set, as produced right after genesis.
func NewNodeState(keys []blockchain.ValidatorKeys, ownValidator blockchain.ValidatorID, isValidator bool, genesisHash hash.Hash) *NodeState {
	return &NodeState{
		HeightValue:         1,
		RoundValue:          1,
		ValidatorKeys:       keys,
		OwnValidator:        ownValidator,
		IsValidator:         isValidator,
		LastHash:            genesisHash,
		Proposes:            make(map[hash.Hash]*ProposeState),
		Prevotes:            make(map[RoundAndHash]map[blockchain.ValidatorID]bool),
		Precommits:          make(map[RoundAndHash]map[blockchain.ValidatorID]bool),
		PrecommitRecords:    make(map[RoundAndHash]map[blockchain.ValidatorID]blockchain.Precommit),
		Blocks:              make(map[hash.Hash]*BlockState),
		ConfirmedByMajority: make(map[hash.Hash]RoundAndBlockHash),
		Requests:            make(map[RequestData]*RequestRecord),
		TxCache:             make(map[hash.Hash][]byte),
		InvalidTxs:          make(map[hash.Hash]bool),
		RoundReports:        make(map[blockchain.Round]map[blockchain.ValidatorID]bool),
		PeersWithPropose:    make(map[hash.Hash]map[blockchain.ValidatorID]bool),
	}
}

// ResumeFrom overrides a freshly constructed state's height, round, and
// lock with a persisted consensus position, so a restarted node picks
// up at its last known round instead of replaying from round 1. The
// per-height maps NewNodeState already built stay as-is: they start
// empty for the resumed height exactly as ResetForHeight would leave
// them, since nothing queued in memory survives a restart anyway.
func (s *NodeState) ResumeFrom(pos storage.ConsensusPosition) {
	s.HeightValue = blockchain.Height(pos.Height)
	s.RoundValue = blockchain.Round(pos.Round)
	if pos.HasLock {
		s.LockedRound = blockchain.Round(pos.LockedRound)
		s.LockedPropose = pos.LockedPropose
	}
}

// N returns the validator count.
func (s *NodeState) N() int { return len(s.ValidatorKeys) }

// Majority returns floor(2N/3)+1.
func (s *NodeState) Majority() int { return (2*s.N())/3 + 1 }

// AddPrevote records validator's prevote for (round, proposeHash) and
// returns the updated vote count.
func (s *NodeState) AddPrevote(round blockchain.Round, proposeHash hash.Hash, validator blockchain.ValidatorID) int {
	key := RoundAndHash{Round: round, Hash: proposeHash}
	set, ok := s.Prevotes[key]
	if !ok {
		set = make(map[blockchain.ValidatorID]bool)
		s.Prevotes[key] = set
	}
	set[validator] = true
	return len(set)
}

// AddPrecommit records validator's precommit for (round, blockHash) and
// returns the updated vote count.
func (s *NodeState) AddPrecommit(round blockchain.Round, blockHash hash.Hash, validator blockchain.ValidatorID) int {
	key := RoundAndHash{Round: round, Hash: blockHash}
	set, ok := s.Precommits[key]
	if !ok {
		set = make(map[blockchain.ValidatorID]bool)
		s.Precommits[key] = set
	}
	set[validator] = true
	return len(set)
}

// RecordPrecommitMsg stores pc's full signed message alongside the
// boolean tally AddPrecommit already maintains for (pc.Round,
// pc.BlockHash).
func (s *NodeState) RecordPrecommitMsg(pc blockchain.Precommit) {
	key := RoundAndHash{Round: pc.Round, Hash: pc.BlockHash}
	set, ok := s.PrecommitRecords[key]
	if !ok {
		set = make(map[blockchain.ValidatorID]blockchain.Precommit)
		s.PrecommitRecords[key] = set
	}
	set[pc.Validator] = pc
}

// HasPrevoted reports whether OwnValidator has already cast a prevote in
// round.
func (s *NodeState) HasPrevoted(round blockchain.Round) bool {
	for key, set := range s.Prevotes {
		if key.Round == round && set[s.OwnValidator] {
			return true
		}
	}
	return false
}

// HasPrecommitted reports whether OwnValidator has already cast a
// precommit in round.
func (s *NodeState) HasPrecommitted(round blockchain.Round) bool {
	for key, set := range s.Precommits {
		if key.Round == round && set[s.OwnValidator] {
			return true
		}
	}
	return false
}

// RecordPeerHasPropose notes that peer has signaled (via a prevote,
// precommit, or explicit announcement referencing it) that it holds the
// full propose body for proposeHash.
func (s *NodeState) RecordPeerHasPropose(proposeHash hash.Hash, peer blockchain.ValidatorID) {
	set, ok := s.PeersWithPropose[proposeHash]
	if !ok {
		set = make(map[blockchain.ValidatorID]bool)
		s.PeersWithPropose[proposeHash] = set
	}
	set[peer] = true
}

// ResetForHeight clears every per-height map in preparation for the next
// height, per Commit step 4 (§4.7.6).
func (s *NodeState) ResetForHeight(newHeight blockchain.Height, lastHash hash.Hash) {
	s.HeightValue = newHeight
	s.RoundValue = 1
	s.LockedRound = 0
	s.LockedPropose = hash.Hash{}
	s.LastHash = lastHash
	s.Proposes = make(map[hash.Hash]*ProposeState)
	s.Prevotes = make(map[RoundAndHash]map[blockchain.ValidatorID]bool)
	s.Precommits = make(map[RoundAndHash]map[blockchain.ValidatorID]bool)
	s.PrecommitRecords = make(map[RoundAndHash]map[blockchain.ValidatorID]blockchain.Precommit)
	s.Blocks = make(map[hash.Hash]*BlockState)
	s.ConfirmedByMajority = make(map[hash.Hash]RoundAndBlockHash)
	s.InvalidTxs = make(map[hash.Hash]bool)
	s.RoundReports = make(map[blockchain.Round]map[blockchain.ValidatorID]bool)
	s.PeersWithPropose = make(map[hash.Hash]map[blockchain.ValidatorID]bool)
}
