package blockchain

import (
	"crypto/ed25519"
	"fmt"
)

// ValidatorKeys is one validator's key pair as carried in
// ConsensusConfig.validator_keys (§3): a consensus key used for votes
// and block signing, and a separate service key used for service-call
// transactions.
type ValidatorKeys struct {
	ConsensusKey ed25519.PublicKey
	ServiceKey   ed25519.PublicKey
}

// ConsensusConfig is the versioned, height-scoped consensus parameter
// set (§3). The latest entry by height wins (§6, consensus_config:
// "versioned entry; latest wins").
type ConsensusConfig struct {
	FirstRoundTimeoutMillis   uint64
	RoundTimeoutIncreasePct   uint64
	StatusTimeoutMillis       uint64
	PeersTimeoutMillis        uint64
	TxsBlockLimit             uint32
	MaxMessageLen             uint32
	MinProposeTimeoutMillis   uint64
	MaxProposeTimeoutMillis   uint64
	ProposeTimeoutThreshold   uint32
	ValidatorKeys             []ValidatorKeys
}

// Validate checks ConsensusConfig's internal consistency.
func (c *ConsensusConfig) Validate() error {
	if len(c.ValidatorKeys) == 0 {
		return fmt.Errorf("blockchain: consensus config needs at least one validator")
	}
	if len(c.ValidatorKeys) > 1<<16-1 {
		return fmt.Errorf("blockchain: too many validators for a 16-bit ValidatorId")
	}
	for i, vk := range c.ValidatorKeys {
		if len(vk.ConsensusKey) != ed25519.PublicKeySize {
			return fmt.Errorf("blockchain: validator %d: bad consensus key length", i)
		}
		if len(vk.ServiceKey) != ed25519.PublicKeySize {
			return fmt.Errorf("blockchain: validator %d: bad service key length", i)
		}
	}
	if c.FirstRoundTimeoutMillis == 0 {
		return fmt.Errorf("blockchain: first_round_timeout must be > 0")
	}
	if c.MinProposeTimeoutMillis == 0 || c.MaxProposeTimeoutMillis < c.MinProposeTimeoutMillis {
		return fmt.Errorf("blockchain: propose timeout bounds invalid")
	}
	if c.TxsBlockLimit == 0 {
		return fmt.Errorf("blockchain: txs_block_limit must be > 0")
	}
	return nil
}

// N returns the validator count.
func (c *ConsensusConfig) N() int { return len(c.ValidatorKeys) }

// ByzantineMajority returns floor(2N/3)+1, the minimum vote count for a
// quorum (§3 invariant).
func (c *ConsensusConfig) ByzantineMajority() int {
	n := c.N()
	return (2*n)/3 + 1
}

// RoundTimeoutMillis computes the round timeout for round (§4.7.8):
// first_round_timeout + (round-1) * (first_round_timeout *
// increase_percent / 100).
func (c *ConsensusConfig) RoundTimeoutMillis(round Round) uint64 {
	if round == 0 {
		round = 1
	}
	increase := c.FirstRoundTimeoutMillis * c.RoundTimeoutIncreasePct / 100
	return c.FirstRoundTimeoutMillis + uint64(round-1)*increase
}

// Leader returns the validator id leading the given (height, round),
// per §4.7.9: (height + round) mod N, 0-based.
func (c *ConsensusConfig) Leader(height Height, round Round) ValidatorID {
	n := uint64(c.N())
	if n == 0 {
		return 0
	}
	return ValidatorID((uint64(height) + uint64(round)) % n)
}
