package node

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"rubin.dev/core/blockchain"
	"rubin.dev/core/consensus"
	"rubin.dev/core/hash"
	"rubin.dev/core/storage"
)

type noopTransport struct{}

func (noopTransport) BroadcastPrevote(blockchain.Prevote)     {}
func (noopTransport) BroadcastPrecommit(blockchain.Precommit) {}
func (noopTransport) BroadcastStatus(blockchain.Height, hash.Hash, int) {}
func (noopTransport) SendProposeRequest(blockchain.ValidatorID, blockchain.Height, hash.Hash) {}
func (noopTransport) SendProposeTransactionsRequest(blockchain.ValidatorID, hash.Hash)          {}
func (noopTransport) SendBlockRequest(blockchain.ValidatorID, blockchain.Height)                {}
func (noopTransport) SendPrevotesRequest(blockchain.ValidatorID, blockchain.Height, blockchain.Round, hash.Hash) {
}

type noopExecutor struct{}

func (noopExecutor) Execute(snap *storage.Snapshot, p blockchain.Propose, txs map[hash.Hash][]byte) (blockchain.Block, *storage.Patch, error) {
	b := blockchain.GenesisBlock(hash.Leaf([]byte("s")), hash.Leaf([]byte("e")))
	b.HeightValue = p.Height
	b.PrevHash = p.PrevHash
	return b, &storage.Patch{}, nil
}

type noopPool struct{}

func (noopPool) Has(hash.Hash) bool            { return false }
func (noopPool) Get(hash.Hash) ([]byte, bool)  { return nil, false }
func (noopPool) Remove([]hash.Hash)            {}
func (noopPool) Size() int                     { return 0 }

func newTestNode(t *testing.T) *Node {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	keys := []blockchain.ValidatorKeys{{ConsensusKey: pub, ServiceKey: pub}}
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
	genesis := blockchain.GenesisBlock(hash.Leaf([]byte("gs")), hash.Leaf([]byte("ge")))
	dir := t.TempDir()
	db, err := storage.OpenDatabase(dir)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	state := consensus.NewNodeState(keys, 0, true, genesis.ObjectHash())
	machine := &consensus.Machine{
		State:     state,
		Config:    cfg,
		DB:        db,
		Timers:    consensus.NewTimerQueue(),
		Transport: noopTransport{},
		Executor:  noopExecutor{},
		Pool:      noopPool{},
		Clock:     func() int64 { return 0 },
	}
	return &Node{
		Machine:     machine,
		Log:         NewLogger("error"),
		RawNetwork:  make(chan RawEnvelope),
		Internal:    make(chan InboundMessage),
		API:         make(chan APIRequest),
		WorkerCount: 1,
		Clock:       func() int64 { return 0 },
	}
}

func TestNodeAPIStatusRoundTrip(t *testing.T) {
	n := newTestNode(t)
	apiCh := make(chan APIRequest)
	n.API = apiCh

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	reply := make(chan APIReply, 1)
	apiCh <- APIRequest{Kind: APIStatus, Reply: reply}
	select {
	case r := <-reply:
		if r.Height != n.Machine.State.HeightValue {
			t.Fatalf("expected height %d, got %d", n.Machine.State.HeightValue, r.Height)
		}
		if r.Paused {
			t.Fatalf("expected not paused")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for API reply")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Run to return")
	}
}

func TestNodePauseResume(t *testing.T) {
	n := newTestNode(t)
	apiCh := make(chan APIRequest)
	n.API = apiCh

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	reply := make(chan APIReply, 1)
	apiCh <- APIRequest{Kind: APIPause, Reply: reply}
	r := <-reply
	if !r.Paused {
		t.Fatalf("expected paused after APIPause")
	}
	if !n.Machine.Paused {
		t.Fatalf("expected machine.Paused set")
	}

	apiCh <- APIRequest{Kind: APIResume, Reply: reply}
	r = <-reply
	if r.Paused {
		t.Fatalf("expected resumed after APIResume")
	}
}

func TestVerifyLoopDiscardsBadSignature(t *testing.T) {
	n := newTestNode(t)
	rawCh := make(chan RawEnvelope)
	n.RawNetwork = rawCh
	apiCh := make(chan APIRequest)
	n.API = apiCh

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	pub, _, _ := ed25519.GenerateKey(nil)
	env := &blockchain.SignedEnvelope{
		Version:    1,
		PayloadTag: blockchain.PayloadTagPropose,
		Author:     pub,
		Payload:    []byte("not actually signed correctly"),
		Signature:  make([]byte, ed25519.SignatureSize),
	}
	rawCh <- RawEnvelope{Envelope: env}

	// Give the worker pool a moment to process and discard; the node
	// must not panic or block on a bad signature.
	reply := make(chan APIReply, 1)
	select {
	case apiCh <- APIRequest{Kind: APIStatus, Reply: reply}:
	case <-time.After(2 * time.Second):
		t.Fatal("node appears stuck after a bad-signature envelope")
	}
	<-reply
}
