package config

import (
	"fmt"

	"github.com/tolelom/trustchain/crypto"
)

// Promoters decodes the genesis promoter set as public keys, in the order
// listed in the config (this order matters only for display; actual
// promoter ranking is always by luck, per chain.Cons.GetPromoters).
func (c *Config) Promoters() ([]crypto.PublicKey, error) {
	out := make([]crypto.PublicKey, len(c.Genesis.Promoters))
	for i, hexKey := range c.Genesis.Promoters {
		vk, err := crypto.PubKeyFromHex(hexKey)
		if err != nil {
			return nil, fmt.Errorf("genesis.promoters[%d]: %w", i, err)
		}
		out[i] = vk
	}
	return out, nil
}

// IsGenesisPromoter reports whether vk is listed in the genesis committee.
func (c *Config) IsGenesisPromoter(vk crypto.PublicKey) bool {
	hexKey := vk.Hex()
	for _, p := range c.Genesis.Promoters {
		if p == hexKey {
			return true
		}
	}
	return false
}
