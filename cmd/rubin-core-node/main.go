// Command rubin-core-node runs a single BFT validator or auditor node:
// it loads the node and consensus configuration, opens the storage
// engine, and drives the consensus event loop until interrupted.
package main

import (
	"context"
	"crypto/ed25519"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"rubin.dev/core/blockchain"
	"rubin.dev/core/consensus"
	"rubin.dev/core/crypto"
	"rubin.dev/core/hash"
	"rubin.dev/core/node"
	"rubin.dev/core/storage"
)

func main() {
	configPath := flag.String("config", "rubin-core-node.toml", "path to the node config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "rubin-core-node:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := node.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if err := node.ValidateConfig(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := node.NewLogger(cfg.LogLevel)

	consensusPath := cfg.ConsensusFile
	if !filepath.IsAbs(consensusPath) {
		consensusPath = filepath.Join(filepath.Dir(configPath), consensusPath)
	}
	consensusCfg, err := node.LoadConsensusConfig(consensusPath)
	if err != nil {
		return err
	}

	db, err := storage.OpenDatabase(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	genesisHash, err := genesisHashFromManifestOrDefault(db)
	if err != nil {
		return err
	}

	var privKey ed25519.PrivateKey
	if cfg.IsValidator {
		keyPath := cfg.ConsensusKeyFile
		if !filepath.IsAbs(keyPath) {
			keyPath = filepath.Join(filepath.Dir(configPath), keyPath)
		}
		privKey, err = node.LoadConsensusPrivateKey(keyPath)
		if err != nil {
			return err
		}
	}

	state := consensus.NewNodeState(consensusCfg.ValidatorKeys, cfg.OwnValidatorID(), cfg.IsValidator, genesisHash)
	if pos, ok, err := db.ReadConsensusPosition(); err != nil {
		return fmt.Errorf("read consensus position: %w", err)
	} else if ok {
		state.ResumeFrom(pos)
		if pos.Height > 1 {
			lastHash, err := lastCommittedBlockHash(db, blockchain.Height(pos.Height-1))
			if err != nil {
				return err
			}
			state.LastHash = lastHash
		}
	}

	machine := &consensus.Machine{
		State:     state,
		Config:    consensusCfg,
		DB:        db,
		Timers:    consensus.NewTimerQueue(),
		Transport: &unimplementedTransport{log: logger},
		Executor:  &unimplementedExecutor{},
		Pool:      &unimplementedPool{},
		Crypto:    crypto.Default{},
		PrivKey:   privKey,
	}

	n := &node.Node{
		Machine:     machine,
		Log:         logger,
		RawNetwork:  make(chan node.RawEnvelope, 256),
		Internal:    make(chan node.InboundMessage, 256),
		API:         make(chan node.APIRequest, 16),
		WorkerCount: cfg.WorkerCount,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Infof("starting node: network=%s data_dir=%s validator=%d is_validator=%t", cfg.Network, cfg.DataDir, cfg.OwnValidator, cfg.IsValidator)
	return n.Run(ctx)
}

// genesisHashFromManifestOrDefault derives the node's starting last-hash
// from the persisted state hash if the database already has one (a
// restart), or from a fresh genesis block otherwise. A resumed node above
// height 1 overwrites this with the real previous block's hash via
// lastCommittedBlockHash once the consensus position is known.
func genesisHashFromManifestOrDefault(db *storage.Database) (hash.Hash, error) {
	stateHash, err := db.StateHash()
	if err != nil {
		return hash.Hash{}, fmt.Errorf("read state hash: %w", err)
	}
	genesis := blockchain.GenesisBlock(stateHash, hash.EmptyListHash)
	return genesis.ObjectHash(), nil
}

// lastCommittedBlockHash looks up the committed block at height and
// returns its object hash, so a node resuming above height 1 starts with
// the real previous-block hash rather than a synthetic genesis hash that
// only happens to share the current state hash.
func lastCommittedBlockHash(db *storage.Database, height blockchain.Height) (hash.Hash, error) {
	block, ok, err := db.GetBlockByHeight(height)
	if err != nil {
		return hash.Hash{}, fmt.Errorf("read committed block at height %d: %w", height, err)
	}
	if !ok {
		return hash.Hash{}, fmt.Errorf("consensus position resumes at height %d but no committed block found at height %d", height+1, height)
	}
	return block.ObjectHash(), nil
}

// The transport, executor, and pool wiring below are placeholders: the
// actual network transport, transaction runtime, and mempool are out of
// scope (Non-goals: P2P transport framing, runtime/service-instance
// dispatcher payload interpretation) and are expected to be supplied by
// an embedding program via the same node.Node fields.

type unimplementedTransport struct{ log *node.Logger }

func (t *unimplementedTransport) BroadcastPrevote(p blockchain.Prevote) {
	t.log.Debugf("broadcast prevote height=%d round=%d", p.Height, p.Round)
}
func (t *unimplementedTransport) BroadcastPrecommit(p blockchain.Precommit) {
	t.log.Debugf("broadcast precommit height=%d round=%d", p.Height, p.Round)
}
func (t *unimplementedTransport) BroadcastStatus(height blockchain.Height, lastHash hash.Hash, poolSize int) {
	t.log.Infof("status height=%d pool_size=%d", height, poolSize)
}
func (t *unimplementedTransport) SendProposeRequest(blockchain.ValidatorID, blockchain.Height, hash.Hash) {
}
func (t *unimplementedTransport) SendProposeTransactionsRequest(blockchain.ValidatorID, hash.Hash) {}
func (t *unimplementedTransport) SendBlockRequest(blockchain.ValidatorID, blockchain.Height)       {}
func (t *unimplementedTransport) SendPrevotesRequest(blockchain.ValidatorID, blockchain.Height, blockchain.Round, hash.Hash) {
}

type unimplementedExecutor struct{}

func (unimplementedExecutor) Execute(snap *storage.Snapshot, p blockchain.Propose, txs map[hash.Hash][]byte) (blockchain.Block, *storage.Patch, error) {
	return blockchain.Block{}, nil, fmt.Errorf("no execution runtime wired: out of scope")
}

type unimplementedPool struct{}

func (unimplementedPool) Has(hash.Hash) bool           { return false }
func (unimplementedPool) Get(hash.Hash) ([]byte, bool) { return nil, false }
func (unimplementedPool) Remove([]hash.Hash)           {}
func (unimplementedPool) Size() int                    { return 0 }
