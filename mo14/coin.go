package mo14

import (
	"encoding/binary"
	"fmt"
	"sync"

	"go.dedis.ch/kyber/v3/pairing/bn256"
	"go.dedis.ch/kyber/v3/share"
	"go.dedis.ch/kyber/v3/sign/tbls"
)

// ThresholdCoin is the production shared coin backing the design note in
// §4.4 (and §9's "implementers must choose a production coin"): the bit for
// round r is the low bit of a threshold-BLS group signature over r,
// reconstructed once t+1 partial signatures have been collected. Any t+1
// correct promoters signing round r reproduce the same group signature,
// hence the same coin bit, at every node.
type ThresholdCoin struct {
	suite   *bn256.Suite
	pubPoly *share.PubPoly
	t, n    int

	mu       sync.Mutex
	shares   map[uint64][][]byte
	resolved map[uint64]int
}

// NewThresholdCoin builds a coin for a (t+1)-out-of-n threshold BLS group
// whose public commitment is pubPoly.
func NewThresholdCoin(suite *bn256.Suite, pubPoly *share.PubPoly, t, n int) *ThresholdCoin {
	return &ThresholdCoin{
		suite:    suite,
		pubPoly:  pubPoly,
		t:        t,
		n:        n,
		shares:   make(map[uint64][][]byte),
		resolved: make(map[uint64]int),
	}
}

func roundMessage(round uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], round)
	return buf[:]
}

// SignRound produces this node's partial signature over round, to be
// broadcast to the other promoters as a SigWithRound message.
func SignRound(suite *bn256.Suite, priShare *share.PriShare, round uint64) ([]byte, error) {
	return tbls.Sign(suite, priShare, roundMessage(round))
}

// AddShare records a partial signature received from a peer for round. Once
// t+1 shares have been collected the group signature is reconstructed and
// the coin bit for that round is cached.
func (c *ThresholdCoin) AddShare(round uint64, sigShare []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.resolved[round]; ok {
		return nil
	}
	c.shares[round] = append(c.shares[round], sigShare)
	if len(c.shares[round]) < c.t+1 {
		return nil
	}
	sig, err := tbls.Recover(c.suite, c.pubPoly, roundMessage(round), c.shares[round], c.t+1, c.n)
	if err != nil {
		return fmt.Errorf("mo14: recover threshold signature: %w", err)
	}
	c.resolved[round] = bitFromSignature(sig)
	return nil
}

// Sample implements Coin. Until t+1 shares have been collected for round
// and the group signature reconstructed, it reports not-ready rather than
// substitute a value the rest of the network cannot be relied on to share:
// two nodes sampling at different wall-clock moments must still agree.
func (c *ThresholdCoin) Sample(round uint64) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bit, ok := c.resolved[round]
	if !ok {
		return 0, false
	}
	return bit, true
}

func bitFromSignature(sig []byte) int {
	if len(sig) == 0 {
		return 0
	}
	return int(sig[len(sig)-1] & 1)
}
