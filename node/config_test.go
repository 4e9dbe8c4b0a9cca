package node

import "testing"

func validConfig() Config {
	return DefaultConfig()
}

func TestValidateConfigAcceptsDefault(t *testing.T) {
	if err := ValidateConfig(validConfig()); err != nil {
		t.Fatalf("expected default-derived config to validate, got %v", err)
	}
}

func TestValidateConfigRejectsMissingBindAddr(t *testing.T) {
	cfg := validConfig()
	cfg.BindAddr = ""
	if err := ValidateConfig(cfg); err == nil {
		t.Fatalf("expected an error for an empty bind_addr")
	}
}

func TestValidateConfigRejectsBadPeerAddr(t *testing.T) {
	cfg := validConfig()
	cfg.Peers = []string{"not-a-host-port"}
	if err := ValidateConfig(cfg); err == nil {
		t.Fatalf("expected an error for a malformed peer address")
	}
}

func TestValidateConfigRequiresConsensusKeyFileForValidators(t *testing.T) {
	cfg := validConfig()
	cfg.IsValidator = true
	cfg.ConsensusKeyFile = ""
	if err := ValidateConfig(cfg); err == nil {
		t.Fatalf("expected an error when is_validator is set without a consensus_key_file")
	}
	cfg.ConsensusKeyFile = "validator0.key"
	if err := ValidateConfig(cfg); err != nil {
		t.Fatalf("expected a config with a consensus_key_file to validate, got %v", err)
	}
}

func TestNormalizePeersDedupesAndTrims(t *testing.T) {
	got := NormalizePeers(" 10.0.0.1:1 , 10.0.0.2:2", "10.0.0.1:1")
	if len(got) != 2 || got[0] != "10.0.0.1:1" || got[1] != "10.0.0.2:2" {
		t.Fatalf("unexpected normalized peers: %v", got)
	}
}
