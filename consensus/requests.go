package consensus

import "rubin.dev/core/blockchain"

// requestsAllowed reports whether a request of kind may be issued. A
// Paused machine (validator or auditor) has voluntarily stopped
// participating in consensus I/O — it keeps its NodeState but issues no
// new requests and sends no votes (§4.8's paused/auditor
// restriction). An auditor (IsValidator == false) is permanently
// restricted from the validator-only requests regardless of Paused.
func (m *Machine) requestsAllowed(kind RequestDataKind) bool {
	if m.Paused {
		return false
	}
	if kind == RequestPrevotes && !m.State.IsValidator {
		// Auditors never vote, so there is nothing useful a prevote set
		// tells them that the block response path doesn't already cover.
		return false
	}
	return true
}

// EnsureRequested registers rd as outstanding if it is not already, and
// sends the first attempt to the first untried node in knownNodes. It
// reports whether a request was actually sent. Calling it again for an
// already-outstanding rd is a no-op (§4.8: at most one outstanding
// request per key).
func (m *Machine) EnsureRequested(rd RequestData, knownNodes []blockchain.ValidatorID) bool {
	if !m.requestsAllowed(rd.Kind) {
		return false
	}
	if _, ok := m.State.Requests[rd]; ok {
		return false
	}
	rec := &RequestRecord{KnownNodes: knownNodes, Tried: make(map[blockchain.ValidatorID]bool)}
	m.State.Requests[rd] = rec
	peer, ok := m.nextPeer(rec)
	if !ok {
		delete(m.State.Requests, rd)
		return false
	}
	m.sendRequest(rd, peer)
	rec.Tried[peer] = true
	m.Timers.Add(&Timer{DeadlineMillis: m.now() + int64(m.Config.PeersTimeoutMillis), Kind: TimerRequest, Request: rd})
	return true
}

// OnRequestTimeout implements §4.8's retry path: rotate to the next
// untried known peer, or give up (clearing the record) once every known
// peer has been tried — a later PeerExchange/Status update can refresh
// KnownNodes and the request will be retried from HandlePropose /
// HandlePrecommit noticing the data is still missing.
func (m *Machine) OnRequestTimeout(rd RequestData) error {
	rec, ok := m.State.Requests[rd]
	if !ok {
		return nil
	}
	peer, ok := m.nextPeer(rec)
	if !ok {
		delete(m.State.Requests, rd)
		return nil
	}
	m.sendRequest(rd, peer)
	rec.Tried[peer] = true
	m.Timers.Add(&Timer{DeadlineMillis: m.now() + int64(m.Config.PeersTimeoutMillis), Kind: TimerRequest, Request: rd})
	return nil
}

// ResolveRequest clears an outstanding request once its data has
// arrived, whatever peer it came from.
func (m *Machine) ResolveRequest(rd RequestData) {
	delete(m.State.Requests, rd)
}

func (m *Machine) nextPeer(rec *RequestRecord) (blockchain.ValidatorID, bool) {
	for _, v := range rec.KnownNodes {
		if !rec.Tried[v] {
			return v, true
		}
	}
	return 0, false
}

func (m *Machine) sendRequest(rd RequestData, peer blockchain.ValidatorID) {
	switch rd.Kind {
	case RequestPropose:
		m.Transport.SendProposeRequest(peer, rd.Height, rd.Hash)
	case RequestProposeTransactions:
		m.Transport.SendProposeTransactionsRequest(peer, rd.Hash)
	case RequestBlock, RequestBlockTransactions:
		m.Transport.SendBlockRequest(peer, rd.Height)
	case RequestPrevotes:
		m.Transport.SendPrevotesRequest(peer, rd.Height, rd.Round, rd.Hash)
	case RequestPoolTransactions:
		// No dedicated transport hook: pool transactions ride along with
		// whichever Propose/Block request already names them.
	}
}

func (m *Machine) now() int64 {
	if m.Clock != nil {
		return m.Clock()
	}
	return 0
}
