// Package node wires the storage, crypto, and consensus packages into a
// runnable daemon: configuration loading, leveled logging, and the
// event-loop supervisor (§5), grounded on the teacher's node/config.go,
// node/p2p_runtime.go, and node/main.go.
package node

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"rubin.dev/core/blockchain"
)

// Config is the node daemon's flat configuration, the same shape as the
// teacher's node.Config: simple fields, validated with explicit checks
// rather than a schema library.
type Config struct {
	Network          string   `toml:"network"`
	DataDir          string   `toml:"data_dir"`
	BindAddr         string   `toml:"bind_addr"`
	LogLevel         string   `toml:"log_level"`
	Peers            []string `toml:"peers"`
	MaxPeers         int      `toml:"max_peers"`
	OwnValidator     uint16   `toml:"own_validator"`
	IsValidator      bool     `toml:"is_validator"`
	WorkerCount      int      `toml:"worker_count"`
	ConsensusFile    string   `toml:"consensus_file"`
	ConsensusKeyFile string   `toml:"consensus_key_file"`
}

var allowedLogLevels = map[string]struct{}{
	"debug": {},
	"info":  {},
	"warn":  {},
	"error": {},
}

// DefaultDataDir returns the user's home-relative data directory, the
// same fallback the teacher uses when $HOME can't be resolved.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".rubin-core"
	}
	return filepath.Join(home, ".rubin-core")
}

// DefaultConfig returns the out-of-the-box configuration for a single
// devnet node.
func DefaultConfig() Config {
	return Config{
		Network:       "devnet",
		DataDir:       DefaultDataDir(),
		BindAddr:      "0.0.0.0:19111",
		LogLevel:      "info",
		MaxPeers:      64,
		WorkerCount:   4,
		ConsensusFile: "consensus.toml",
	}
}

// NormalizePeers dedupes and trims a set of comma-joined peer address
// tokens, preserving first-seen order.
func NormalizePeers(raw ...string) []string {
	out := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, token := range raw {
		for _, p := range strings.Split(token, ",") {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

// ValidateConfig checks cfg's internal consistency before a node starts.
func ValidateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Network) == "" {
		return errors.New("network is required")
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		return errors.New("data_dir is required")
	}
	if err := validateAddr(cfg.BindAddr); err != nil {
		return fmt.Errorf("invalid bind_addr: %w", err)
	}
	for _, peer := range cfg.Peers {
		if err := validatePeerAddr(peer); err != nil {
			return fmt.Errorf("invalid peer %q: %w", peer, err)
		}
	}
	logLevel := strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if _, ok := allowedLogLevels[logLevel]; !ok {
		return fmt.Errorf("invalid log_level %q", cfg.LogLevel)
	}
	if cfg.MaxPeers <= 0 || cfg.MaxPeers > 4096 {
		return errors.New("max_peers must be in (0, 4096]")
	}
	if cfg.WorkerCount <= 0 || cfg.WorkerCount > 256 {
		return errors.New("worker_count must be in (0, 256]")
	}
	if strings.TrimSpace(cfg.ConsensusFile) == "" {
		return errors.New("consensus_file is required")
	}
	if cfg.IsValidator && strings.TrimSpace(cfg.ConsensusKeyFile) == "" {
		return errors.New("consensus_key_file is required when is_validator is true")
	}
	return nil
}

func validateAddr(addr string) error {
	if strings.TrimSpace(addr) == "" {
		return errors.New("empty address")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if strings.TrimSpace(port) == "" {
		return errors.New("missing port")
	}
	if strings.Contains(host, " ") {
		return errors.New("invalid host")
	}
	return nil
}

func validatePeerAddr(addr string) error {
	if err := validateAddr(addr); err != nil {
		return err
	}
	host, _, _ := net.SplitHostPort(addr)
	if strings.TrimSpace(host) == "" {
		return errors.New("missing host")
	}
	return nil
}

// OwnValidatorID narrows cfg.OwnValidator to the blockchain package's
// ValidatorID type.
func (c Config) OwnValidatorID() blockchain.ValidatorID {
	return blockchain.ValidatorID(c.OwnValidator)
}
