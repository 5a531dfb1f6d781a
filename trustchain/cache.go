package trustchain

import (
	"sync"

	"github.com/tolelom/trustchain/chain"
	"github.com/tolelom/trustchain/crypto"
)

// OtherChainCache is the per-counterparty "growing list" cache of the
// compact blocks we have learned about from a counterparty's chain
// (trustchain.py's `_other_chains`). The list grows by index assignment
// and tolerates holes: a sequence number we have not yet been sent simply
// has no entry yet, rather than the cache needing to be contiguous.
// Entries are never invalidated once filled (§5 "grows monotonically").
type OtherChainCache struct {
	mu     sync.Mutex
	chains map[string][]*chain.CompactBlock
}

// NewOtherChainCache returns an empty cache.
func NewOtherChainCache() *OtherChainCache {
	return &OtherChainCache{chains: make(map[string][]*chain.CompactBlock)}
}

// Get returns the cached compact block at seq for counterparty, if known.
func (c *OtherChainCache) Get(counterparty crypto.PublicKey, seq uint64) (chain.CompactBlock, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.chains[string(counterparty)]
	if int(seq) >= len(list) || list[seq] == nil {
		return chain.CompactBlock{}, false
	}
	return *list[seq], true
}

// Enclosure returns counterparty's compact blocks bracketing seq: the
// largest cached CpBlock seq below seq through the smallest cached CpBlock
// seq above it, inclusive, mirroring chain.Chain.Pieces but over the cached
// copy of counterparty's chain instead of our own. ok is false if either
// bracket, or anything between them, is still a hole.
func (c *OtherChainCache) Enclosure(counterparty crypto.PublicKey, seq uint64) ([]chain.CompactBlock, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.chains[string(counterparty)]
	a, b := -1, -1
	for i, cb := range list {
		if cb == nil || cb.AgreedRound < 0 {
			continue
		}
		s := uint64(i)
		if s < seq {
			a = i
		}
		if s > seq && b == -1 {
			b = i
		}
	}
	if a == -1 || b == -1 {
		return nil, false
	}
	out := make([]chain.CompactBlock, 0, b-a+1)
	for i := a; i <= b; i++ {
		if list[i] == nil {
			return nil, false
		}
		out = append(out, *list[i])
	}
	return out, true
}

// Put merges a run of compact blocks received from counterparty into the
// cache, filling holes as needed. It returns true if any new entry was
// added, signalling the caller should re-scan pending validations against
// the updated cache (§4.6.5 and trustchain.py's cache-triggered rescan).
func (c *OtherChainCache) Put(counterparty crypto.PublicKey, blocks []chain.CompactBlock) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := string(counterparty)
	list := c.chains[key]
	added := false
	for _, b := range blocks {
		idx := int(b.Seq)
		for len(list) <= idx {
			list = append(list, nil)
		}
		if list[idx] == nil {
			bb := b
			list[idx] = &bb
			added = true
		}
	}
	c.chains[key] = list
	return added
}
