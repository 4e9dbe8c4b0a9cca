package node

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"rubin.dev/core/blockchain"
)

// LoadConfig reads a node TOML config file, starting from DefaultConfig
// so any field the file omits keeps its default.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("node: decode config %s: %w", path, err)
	}
	return cfg, nil
}

// consensusFile is consensus.toml's on-disk shape: validator keys are
// hex strings since TOML has no native byte-string type.
type consensusFile struct {
	FirstRoundTimeoutMillis uint64              `toml:"first_round_timeout_millis"`
	RoundTimeoutIncreasePct uint64              `toml:"round_timeout_increase_pct"`
	StatusTimeoutMillis     uint64              `toml:"status_timeout_millis"`
	PeersTimeoutMillis      uint64              `toml:"peers_timeout_millis"`
	TxsBlockLimit           uint32              `toml:"txs_block_limit"`
	MaxMessageLen           uint32              `toml:"max_message_len"`
	MinProposeTimeoutMillis uint64              `toml:"min_propose_timeout_millis"`
	MaxProposeTimeoutMillis uint64              `toml:"max_propose_timeout_millis"`
	ProposeTimeoutThreshold uint32              `toml:"propose_timeout_threshold"`
	Validators              []validatorKeysFile `toml:"validators"`
}

type validatorKeysFile struct {
	ConsensusKeyHex string `toml:"consensus_key"`
	ServiceKeyHex   string `toml:"service_key"`
}

// LoadConsensusConfig reads and validates a consensus.toml file into a
// blockchain.ConsensusConfig.
func LoadConsensusConfig(path string) (*blockchain.ConsensusConfig, error) {
	var cf consensusFile
	if _, err := toml.DecodeFile(path, &cf); err != nil {
		return nil, fmt.Errorf("node: decode consensus config %s: %w", path, err)
	}
	keys := make([]blockchain.ValidatorKeys, 0, len(cf.Validators))
	for i, v := range cf.Validators {
		ck, err := hex.DecodeString(v.ConsensusKeyHex)
		if err != nil {
			return nil, fmt.Errorf("node: validator %d consensus_key: %w", i, err)
		}
		sk, err := hex.DecodeString(v.ServiceKeyHex)
		if err != nil {
			return nil, fmt.Errorf("node: validator %d service_key: %w", i, err)
		}
		keys = append(keys, blockchain.ValidatorKeys{
			ConsensusKey: ed25519.PublicKey(ck),
			ServiceKey:   ed25519.PublicKey(sk),
		})
	}
	cfg := &blockchain.ConsensusConfig{
		FirstRoundTimeoutMillis: cf.FirstRoundTimeoutMillis,
		RoundTimeoutIncreasePct: cf.RoundTimeoutIncreasePct,
		StatusTimeoutMillis:     cf.StatusTimeoutMillis,
		PeersTimeoutMillis:      cf.PeersTimeoutMillis,
		TxsBlockLimit:           cf.TxsBlockLimit,
		MaxMessageLen:           cf.MaxMessageLen,
		MinProposeTimeoutMillis: cf.MinProposeTimeoutMillis,
		MaxProposeTimeoutMillis: cf.MaxProposeTimeoutMillis,
		ProposeTimeoutThreshold: cf.ProposeTimeoutThreshold,
		ValidatorKeys:           keys,
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("node: invalid consensus config: %w", err)
	}
	return cfg, nil
}

// LoadConsensusPrivateKey reads this node's own Ed25519 consensus
// private key from a hex-encoded file (the seed-plus-public-key wire
// form ed25519.PrivateKey uses), the counterpart to the public
// consensus_key every validator publishes in consensus.toml.
func LoadConsensusPrivateKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("node: read consensus key file %s: %w", path, err)
	}
	b, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("node: decode consensus key file %s: %w", path, err)
	}
	if len(b) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("node: consensus key file %s: want %d bytes, got %d", path, ed25519.PrivateKeySize, len(b))
	}
	return ed25519.PrivateKey(b), nil
}
