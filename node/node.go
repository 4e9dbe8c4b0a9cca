package node

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"rubin.dev/core/blockchain"
	"rubin.dev/core/consensus"
	"rubin.dev/core/hash"
)

// InboundMessage is a decoded, signature-verified consensus message
// ready for the single-threaded dispatch loop. Exactly one field is
// non-nil.
type InboundMessage struct {
	Propose       *blockchain.Propose
	Prevote       *blockchain.Prevote
	Precommit     *blockchain.Precommit
	BlockResponse *BlockResponse
}

// BlockResponse carries a catch-up block plus its justifying precommit
// set and referenced transaction hashes (§4.7.7).
type BlockResponse struct {
	Block      blockchain.Block
	Precommits []blockchain.Precommit
	TxHashes   []hash.Hash
}

// APIRequestKind tags the handful of read/control operations the node
// exposes to an out-of-process caller; the wire format for that caller
// is out of scope (Non-goals: HTTP API layer), only the internal
// request/reply shape is defined here.
type APIRequestKind int

const (
	APIStatus APIRequestKind = iota
	APIPause
	APIResume
)

// APIRequest is a single API-channel request; Reply receives exactly
// one APIReply.
type APIRequest struct {
	Kind  APIRequestKind
	Reply chan<- APIReply
}

// APIReply answers an APIRequest.
type APIReply struct {
	Height blockchain.Height
	Round  blockchain.Round
	Paused bool
}

// RawEnvelope is an unverified signed envelope received from the
// network. It carries only the envelope, not the peer it came from;
// attributing a bad signature for banning/scoring is left to the
// transport layer (Non-goals).
type RawEnvelope struct {
	Envelope *blockchain.SignedEnvelope
}

// Node supervises the consensus.Machine's four input sources (§5):
// the network (signature-verified by a worker pool before reaching the
// single dispatch loop), locally-sourced "internal" messages (e.g. a
// propose built from the local pool), the API, and the machine's own
// timers. Exactly one goroutine — the dispatch loop — ever calls into
// Machine, so Machine itself needs no internal locking.
type Node struct {
	Machine     *consensus.Machine
	Log         *Logger
	RawNetwork  <-chan RawEnvelope
	Internal    <-chan InboundMessage
	API         <-chan APIRequest
	WorkerCount int
	Clock       func() int64 // monotonic milliseconds

	dispatch chan InboundMessage
	paused   bool
}

func (n *Node) workerCount() int {
	if n.WorkerCount <= 0 {
		return 1
	}
	return n.WorkerCount
}

func (n *Node) nowMillis() int64 {
	if n.Clock != nil {
		return n.Clock()
	}
	return time.Now().UnixMilli()
}

// Run starts the verification worker pool and the single dispatch loop,
// and blocks until ctx is cancelled or an unrecoverable error occurs.
func (n *Node) Run(ctx context.Context) error {
	n.dispatch = make(chan InboundMessage, 256)
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < n.workerCount(); i++ {
		g.Go(func() error { return n.verifyLoop(ctx) })
	}
	g.Go(func() error { return n.dispatchLoop(ctx) })

	return g.Wait()
}

// verifyLoop decodes and signature-checks raw envelopes, discarding
// anything that fails verification (§6: "any deviation ⇒ discard"), and
// forwards the rest to the dispatch loop.
func (n *Node) verifyLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-n.RawNetwork:
			if !ok {
				return nil
			}
			msg, err := n.decodeAndVerify(raw.Envelope)
			if err != nil {
				if n.Log != nil {
					n.Log.Warnf("discarding envelope: %v", err)
				}
				continue
			}
			select {
			case n.dispatch <- msg:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (n *Node) decodeAndVerify(e *blockchain.SignedEnvelope) (InboundMessage, error) {
	if !e.Verify() {
		return InboundMessage{}, fmt.Errorf("node: bad signature")
	}
	switch e.PayloadTag {
	case blockchain.PayloadTagPropose:
		p, err := blockchain.DecodePropose(e.Payload)
		if err != nil {
			return InboundMessage{}, err
		}
		return InboundMessage{Propose: p}, nil
	case blockchain.PayloadTagPrevote:
		p, err := blockchain.DecodePrevote(e.Payload)
		if err != nil {
			return InboundMessage{}, err
		}
		return InboundMessage{Prevote: p}, nil
	case blockchain.PayloadTagPrecommit:
		p, err := blockchain.DecodePrecommit(e.Payload)
		if err != nil {
			return InboundMessage{}, err
		}
		return InboundMessage{Precommit: p}, nil
	default:
		return InboundMessage{}, fmt.Errorf("node: unknown payload tag %d", e.PayloadTag)
	}
}

// dispatchLoop is the node's single-threaded event handler: it serially
// drains verified network messages, internal messages, API requests,
// and fired timers into the consensus machine.
func (n *Node) dispatchLoop(ctx context.Context) error {
	for {
		var timerC <-chan time.Time
		var timerDuration time.Duration
		if t := n.Machine.Timers.Peek(); t != nil {
			timerDuration = time.Duration(t.DeadlineMillis-n.nowMillis()) * time.Millisecond
			if timerDuration < 0 {
				timerDuration = 0
			}
			timerC = time.After(timerDuration)
		}

		select {
		case <-ctx.Done():
			return nil
		case msg := <-n.dispatch:
			n.handle(msg)
		case msg, ok := <-n.Internal:
			if ok {
				n.handle(msg)
			}
		case req, ok := <-n.API:
			if ok {
				n.handleAPI(req)
			}
		case <-timerC:
			n.fireNextTimer()
		}
	}
}

func (n *Node) handle(msg InboundMessage) {
	var err error
	switch {
	case msg.Propose != nil:
		err = n.Machine.HandlePropose(*msg.Propose)
	case msg.Prevote != nil:
		err = n.Machine.HandlePrevote(*msg.Prevote)
	case msg.Precommit != nil:
		err = n.Machine.HandlePrecommit(*msg.Precommit)
	case msg.BlockResponse != nil:
		err = n.Machine.HandleBlockResponse(msg.BlockResponse.Block, msg.BlockResponse.Precommits, msg.BlockResponse.TxHashes)
	}
	if err == nil {
		return
	}
	if _, fatal := err.(*consensus.DivergenceError); fatal {
		if n.Log != nil {
			n.Log.Errorf("fatal divergence, terminating: %v", err)
		}
		panic(err)
	}
	if n.Log != nil {
		n.Log.Debugf("dropping message: %v", err)
	}
}

func (n *Node) handleAPI(req APIRequest) {
	switch req.Kind {
	case APIPause:
		n.paused = true
		n.Machine.Paused = true
	case APIResume:
		n.paused = false
		n.Machine.Paused = false
	}
	req.Reply <- APIReply{
		Height: n.Machine.State.HeightValue,
		Round:  n.Machine.State.RoundValue,
		Paused: n.paused,
	}
}

func (n *Node) fireNextTimer() {
	t := n.Machine.Timers.Pop()
	if t == nil {
		return
	}
	var err error
	switch t.Kind {
	case consensus.TimerRound:
		err = n.Machine.OnRoundTimeout()
	case consensus.TimerPropose:
		err = n.Machine.ProcessNewRound()
	case consensus.TimerRequest:
		err = n.Machine.OnRequestTimeout(t.Request)
	case consensus.TimerStatus, consensus.TimerPeerExchange:
		// Rebroadcast hooks live in the transport layer (Non-goals: P2P
		// framing); the machine only needs the timer to fire and be
		// rescheduled by whatever handles it there.
	}
	if err != nil && n.Log != nil {
		n.Log.Warnf("timer %v handling error: %v", t.Kind, err)
	}
}
