package consensus

import (
	"testing"

	"rubin.dev/core/blockchain"
	"rubin.dev/core/hash"
)

func TestEnsureRequestedSendsToFirstKnownPeer(t *testing.T) {
	m, _ := newTestMachine(t, 4)
	transport := &recordingTransport{}
	m.Transport = transport

	rd := RequestData{Kind: RequestBlock, Height: m.State.HeightValue}
	sent := m.EnsureRequested(rd, []blockchain.ValidatorID{1, 2, 3})
	if !sent {
		t.Fatalf("expected first EnsureRequested to send")
	}
	if len(transport.blockRequests) != 1 || transport.blockRequests[0] != 1 {
		t.Fatalf("expected block request sent to validator 1, got %v", transport.blockRequests)
	}
	if m.Timers.Len() != 1 {
		t.Fatalf("expected a request timer scheduled")
	}

	again := m.EnsureRequested(rd, []blockchain.ValidatorID{1, 2, 3})
	if again {
		t.Fatalf("expected a second EnsureRequested for the same key to be a no-op")
	}
	if len(transport.blockRequests) != 1 {
		t.Fatalf("expected no duplicate request sent, got %v", transport.blockRequests)
	}
}

func TestOnRequestTimeoutRotatesPeer(t *testing.T) {
	m, _ := newTestMachine(t, 4)
	transport := &recordingTransport{}
	m.Transport = transport

	rd := RequestData{Kind: RequestBlock, Height: m.State.HeightValue}
	m.EnsureRequested(rd, []blockchain.ValidatorID{1, 2})

	if err := m.OnRequestTimeout(rd); err != nil {
		t.Fatalf("OnRequestTimeout: %v", err)
	}
	if len(transport.blockRequests) != 2 || transport.blockRequests[1] != 2 {
		t.Fatalf("expected rotation to validator 2, got %v", transport.blockRequests)
	}

	if err := m.OnRequestTimeout(rd); err != nil {
		t.Fatalf("OnRequestTimeout (exhausted): %v", err)
	}
	if _, ok := m.State.Requests[rd]; ok {
		t.Fatalf("expected request record cleared once every known peer is tried")
	}
}

func TestResolveRequestClearsRecord(t *testing.T) {
	m, _ := newTestMachine(t, 4)
	rd := RequestData{Kind: RequestPropose, Hash: hash.Leaf([]byte("x")), Height: m.State.HeightValue}
	m.EnsureRequested(rd, []blockchain.ValidatorID{1})
	m.ResolveRequest(rd)
	if _, ok := m.State.Requests[rd]; ok {
		t.Fatalf("expected request record removed after ResolveRequest")
	}
}

func TestAuditorCannotRequestPrevotes(t *testing.T) {
	m, _ := newTestMachine(t, 4)
	m.State.IsValidator = false
	rd := RequestData{Kind: RequestPrevotes, Height: m.State.HeightValue, Round: 1, Hash: hash.Leaf([]byte("p"))}
	if m.EnsureRequested(rd, []blockchain.ValidatorID{1, 2}) {
		t.Fatalf("expected auditor prevote request to be refused")
	}
}

func TestPausedMachineIssuesNoRequests(t *testing.T) {
	m, _ := newTestMachine(t, 4)
	m.Paused = true
	rd := RequestData{Kind: RequestBlock, Height: m.State.HeightValue}
	if m.EnsureRequested(rd, []blockchain.ValidatorID{1}) {
		t.Fatalf("expected paused machine to refuse requests")
	}
}

type recordingTransport struct {
	blockRequests []blockchain.ValidatorID
}

func (r *recordingTransport) BroadcastPrevote(blockchain.Prevote)     {}
func (r *recordingTransport) BroadcastPrecommit(blockchain.Precommit) {}
func (r *recordingTransport) BroadcastStatus(blockchain.Height, hash.Hash, int) {}
func (r *recordingTransport) SendProposeRequest(blockchain.ValidatorID, blockchain.Height, hash.Hash) {
}
func (r *recordingTransport) SendProposeTransactionsRequest(blockchain.ValidatorID, hash.Hash) {}
func (r *recordingTransport) SendBlockRequest(to blockchain.ValidatorID, height blockchain.Height) {
	r.blockRequests = append(r.blockRequests, to)
}
func (r *recordingTransport) SendPrevotesRequest(blockchain.ValidatorID, blockchain.Height, blockchain.Round, hash.Hash) {
}
