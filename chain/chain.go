package chain

import (
	"fmt"

	"github.com/tolelom/trustchain/crypto"
)

// Block is the common interface satisfied by *TxBlock and *CpBlock: anything
// that can sit in a Chain.
type Block interface {
	Hash() crypto.Hash256
	Seq() uint64
	Compact() CompactBlock
}

// Chain is a node's own append-only sequence of blocks, starting with a
// genesis CpBlock (round 0, empty Cons, empty signatures, p=1).
type Chain struct {
	blocks []Block
}

// NewChain builds a chain containing only the genesis CpBlock.
func NewChain(vk crypto.PublicKey, sk crypto.PrivateKey) (*Chain, error) {
	genesisCons := Cons{Round: 0}
	genesis, err := NewCpBlock(crypto.ZeroHash256, 0, genesisCons, 1, vk, sk, nil, nil, 0)
	if err != nil {
		return nil, fmt.Errorf("build genesis: %w", err)
	}
	return &Chain{blocks: []Block{genesis}}, nil
}

// Len returns the number of blocks in the chain, including genesis.
func (c *Chain) Len() int { return len(c.blocks) }

// At returns the block at index i.
func (c *Chain) At(i int) Block { return c.blocks[i] }

// Last returns the most recently appended block.
func (c *Chain) Last() Block { return c.blocks[len(c.blocks)-1] }

// LastCompactHash returns the compact hash of the last block, the value the
// next appended block's prev pointer must equal.
func (c *Chain) LastCompactHash() (crypto.Hash256, error) {
	return c.Last().Compact().Hash()
}

// latestCp returns the most recently appended CpBlock, which always exists
// because genesis is a CpBlock.
func (c *Chain) latestCp() *CpBlock {
	for i := len(c.blocks) - 1; i >= 0; i-- {
		if cp, ok := c.blocks[i].(*CpBlock); ok {
			return cp
		}
	}
	return nil
}

// LatestCp returns the most recently appended CpBlock. It is the value a
// promoter proposes into the next consensus round's ACS (§4.5: "a proposal
// value v_i, in this system, the promoter's latest CpBlock").
func (c *Chain) LatestCp() *CpBlock { return c.latestCp() }

// AppendTx appends a TxBlock, requiring tx.prev == latest compact hash and
// tx.seq == len(chain).
func (c *Chain) AppendTx(tx *TxBlock) error {
	if err := c.checkChaining(tx); err != nil {
		return err
	}
	c.blocks = append(c.blocks, tx)
	return nil
}

// AppendCp appends a CpBlock, requiring the same hash/seq chaining as
// AppendTx plus round monotonicity against the latest CpBlock.
func (c *Chain) AppendCp(cp *CpBlock) error {
	if err := c.checkChaining(cp); err != nil {
		return err
	}
	if latest := c.latestCp(); latest != nil && cp.Inner.Round <= latest.Inner.Round {
		return fmt.Errorf("%w: round %d not after latest %d", ErrChainInvariant, cp.Inner.Round, latest.Inner.Round)
	}
	c.blocks = append(c.blocks, cp)
	return nil
}

func (c *Chain) checkChaining(b Block) error {
	wantSeq := uint64(len(c.blocks))
	if b.Seq() != wantSeq {
		return fmt.Errorf("%w: seq %d, want %d", ErrChainInvariant, b.Seq(), wantSeq)
	}
	wantPrev, err := c.LastCompactHash()
	if err != nil {
		return err
	}
	var prev crypto.Hash256
	switch v := b.(type) {
	case *TxBlock:
		prev = v.Inner.Prev
	case *CpBlock:
		prev = v.Inner.Prev
	default:
		return fmt.Errorf("%w: unknown block type", ErrChainInvariant)
	}
	if prev != wantPrev {
		return fmt.Errorf("%w: prev %s, want %s", ErrChainInvariant, prev, wantPrev)
	}
	return nil
}

// cpIndices returns the indices of all CpBlocks in the chain, in order.
func (c *Chain) cpIndices() []int {
	var idx []int
	for i, b := range c.blocks {
		if _, ok := b.(*CpBlock); ok {
			idx = append(idx, i)
		}
	}
	return idx
}

// enclosureIndices returns (indexA, indexB), the largest CpBlock index <seq
// and the smallest CpBlock index >seq, or ok=false if either is missing.
func (c *Chain) enclosureIndices(seq uint64) (a, b int, ok bool) {
	a, b = -1, -1
	for _, i := range c.cpIndices() {
		s := uint64(c.blocks[i].Seq())
		if s < seq {
			a = i
		}
		if s > seq && b == -1 {
			b = i
		}
	}
	return a, b, a != -1 && b != -1
}

// Pieces returns chain[A..=B] as CompactBlocks, where A is the largest
// CpBlock index < seq and B the smallest CpBlock index > seq. Returns
// ok=false if either endpoint is missing.
func (c *Chain) Pieces(seq uint64) ([]CompactBlock, bool) {
	a, b, ok := c.enclosureIndices(seq)
	if !ok {
		return nil, false
	}
	out := make([]CompactBlock, 0, b-a+1)
	for i := a; i <= b; i++ {
		out = append(out, c.blocks[i].Compact())
	}
	return out, true
}

// Enclosure returns the same bounding blocks as Pieces, but as *CpBlock
// endpoints (and every block in between) rather than CompactBlocks.
func (c *Chain) Enclosure(seq uint64) ([]Block, bool) {
	a, b, ok := c.enclosureIndices(seq)
	if !ok {
		return nil, false
	}
	out := make([]Block, 0, b-a+1)
	for i := a; i <= b; i++ {
		out = append(out, c.blocks[i])
	}
	return out, true
}

// SetValidity idempotently transitions a TxBlock's validity: only applied
// if the current validity is Unknown and v != Unknown.
func (c *Chain) SetValidity(seq uint64, v Validity) error {
	if int(seq) >= len(c.blocks) {
		return fmt.Errorf("seq %d out of range", seq)
	}
	tx, ok := c.blocks[seq].(*TxBlock)
	if !ok {
		return fmt.Errorf("seq %d is not a TxBlock", seq)
	}
	if tx.Validity == Unknown && v != Unknown {
		tx.Validity = v
	}
	return nil
}

// UnknownTxs returns every TxBlock whose validity is still Unknown and
// whose other_half has already been attached.
func (c *Chain) UnknownTxs() []*TxBlock {
	var out []*TxBlock
	for _, b := range c.blocks {
		tx, ok := b.(*TxBlock)
		if !ok {
			continue
		}
		if tx.Validity == Unknown && tx.OtherHalf != nil {
			out = append(out, tx)
		}
	}
	return out
}

// CpCount returns the number of CpBlocks in the chain (including genesis).
func (c *Chain) CpCount() int { return len(c.cpIndices()) }

// TxCount returns the number of TxBlocks in the chain.
func (c *Chain) TxCount() int { return len(c.blocks) - c.CpCount() }
