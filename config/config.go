// Package config loads and validates node configuration: network
// parameters, the genesis promoter set, seed peers, and optional mTLS.
package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// TLSConfig holds paths to the PEM files needed for mTLS.
// When nil or all paths empty, the node falls back to plain TCP.
type TLSConfig struct {
	CACert   string `json:"ca_cert"`   // CA certificate PEM path
	NodeCert string `json:"node_cert"` // node certificate PEM path
	NodeKey  string `json:"node_key"`  // node private key PEM path
}

// SeedPeer identifies a remote node to connect to on startup.
type SeedPeer struct {
	ID   string `json:"id"`   // remote node ID
	Addr string `json:"addr"` // host:port
}

// GenesisConfig describes the network's bootstrap promoter committee: the
// set every node starts with before any ACS round has run.
type GenesisConfig struct {
	NetworkID string   `json:"network_id"`
	Promoters []string `json:"promoters"` // hex-encoded ed25519 pubkeys
}

// Config holds all node configuration.
type Config struct {
	NodeID  string `json:"node_id"`
	DataDir string `json:"data_dir"`
	RPCPort int    `json:"rpc_port"`
	P2PPort int    `json:"p2p_port"`

	N int `json:"n"` // network size
	T int `json:"t"` // Byzantine fault bound, must satisfy t < n/3

	Genesis      GenesisConfig `json:"genesis"`
	SeedPeers    []SeedPeer    `json:"seed_peers,omitempty"`
	TLS          *TLSConfig    `json:"tls,omitempty"`
	RPCAuthToken string        `json:"rpc_auth_token,omitempty"`

	// QueueDrainInterval is how often the request queue is drained
	// (§4.6.6); RoundCheckInterval how often a new checkpoint round is
	// proposed when this node is a promoter.
	QueueDrainInterval time.Duration `json:"queue_drain_interval"`
	RoundCheckInterval time.Duration `json:"round_check_interval"`
}

// DefaultConfig returns a single-node development configuration.
func DefaultConfig() *Config {
	return &Config{
		NodeID:  "node0",
		DataDir: "./data",
		RPCPort: 8545,
		P2PPort: 30303,
		N:       4,
		T:       1,
		Genesis: GenesisConfig{
			NetworkID: "trustchain-dev",
			Promoters: []string{},
		},
		QueueDrainInterval: time.Second,
		RoundCheckInterval: 5 * time.Second,
	}
}

// Load reads a JSON config file from path and validates required fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required fields are present and well-formed.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.Genesis.NetworkID == "" {
		return fmt.Errorf("genesis.network_id must not be empty")
	}
	if c.RPCPort <= 0 || c.RPCPort > 65535 {
		return fmt.Errorf("rpc_port must be 1-65535, got %d", c.RPCPort)
	}
	if c.P2PPort <= 0 || c.P2PPort > 65535 {
		return fmt.Errorf("p2p_port must be 1-65535, got %d", c.P2PPort)
	}
	if c.RPCPort == c.P2PPort {
		return fmt.Errorf("rpc_port and p2p_port must not be the same (%d)", c.RPCPort)
	}
	if c.N <= 0 {
		return fmt.Errorf("n must be positive")
	}
	if c.T < 0 || 3*c.T >= c.N {
		return fmt.Errorf("t must satisfy 0 <= t < n/3 (n=%d, t=%d)", c.N, c.T)
	}
	if len(c.Genesis.Promoters) == 0 {
		return fmt.Errorf("genesis.promoters list must not be empty")
	}
	for i, p := range c.Genesis.Promoters {
		b, err := hex.DecodeString(p)
		if err != nil || len(b) != 32 {
			return fmt.Errorf("genesis.promoters[%d]: must be 64-char hex (32 bytes ed25519 pubkey), got %q", i, p)
		}
	}
	if c.TLS != nil {
		t := c.TLS
		allSet := t.CACert != "" && t.NodeCert != "" && t.NodeKey != ""
		allEmpty := t.CACert == "" && t.NodeCert == "" && t.NodeKey == ""
		if !allSet && !allEmpty {
			return fmt.Errorf("tls: all three paths (ca_cert, node_cert, node_key) must be set or all empty")
		}
	}
	return nil
}

// Save writes the config to path as formatted JSON.
func Save(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
