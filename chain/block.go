// Package chain implements the per-node hash-chained journal of bilateral
// transactions and unilateral checkpoints described by the trustchain data
// model: TxBlock, CpBlock, CompactBlock, Cons and the append-only Chain that
// holds them.
package chain

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tolelom/trustchain/crypto"
)

// Validity is the tri-state outcome of validating a TxBlock against a
// counterparty's agreed enclosure.
type Validity int

const (
	Unknown Validity = iota
	Valid
	Invalid
)

func (v Validity) String() string {
	switch v {
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Signature pairs a verification key with a combined signed document, per
// the data model's Signature{signer_key, signed_document}. Verify recovers
// the embedded message and checks it against the expected one, rather than
// checking a detached signature against a message supplied separately.
type Signature struct {
	SignerKey      crypto.PublicKey
	SignedDocument []byte
}

// NewSignature signs msg with sk on behalf of vk.
func NewSignature(vk crypto.PublicKey, sk crypto.PrivateKey, msg []byte) Signature {
	return Signature{
		SignerKey:      vk,
		SignedDocument: crypto.SignCombined(sk, msg),
	}
}

// Verify checks that the signature was produced by vk over exactly msg.
func (s Signature) Verify(vk crypto.PublicKey, msg []byte) error {
	if string(s.SignerKey) != string(vk) {
		return fmt.Errorf("%w: mismatched verification key", ErrSignatureVerification)
	}
	got, err := crypto.OpenCombined(s.SignerKey, s.SignedDocument)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureVerification, err)
	}
	if string(got) != string(msg) {
		return fmt.Errorf("%w: mismatched message", ErrSignatureVerification)
	}
	return nil
}

// ErrSignatureVerification is the sentinel §7 SignatureVerificationFailure
// error kind: wrong vk, tampered message, or insufficient promoter
// signatures. Rejects the offending block/signature set; never panics.
var ErrSignatureVerification = errors.New("signature verification failure")

// ErrChainInvariant is the sentinel §7 ChainInvariantViolation error kind:
// hash/seq/round rule broken on append.
var ErrChainInvariant = errors.New("chain invariant violation")

// ---- TxBlock ----

// TxBlockInner is the portion of a TxBlock that is hashed and signed.
type TxBlockInner struct {
	Prev         crypto.Hash256
	Seq          uint64
	Counterparty crypto.PublicKey
	Nonce        [32]byte
	M            []byte
}

// Hash returns sha256(rlp(inner)).
func (in TxBlockInner) Hash() (crypto.Hash256, error) {
	return crypto.HashRLP(in)
}

// TxBlock is a bilateral transaction half-block. Two matched TxBlocks (one
// per party) share (Nonce, M); after matching, the local half records the
// other party's half by value, a monotone Validity, and the round at which
// a validation request was last sent (RequestSentRound == -1 if never).
type TxBlock struct {
	Inner TxBlockInner
	S     Signature

	// Mutable bookkeeping, not part of the hash.
	OtherHalf        *TxBlock
	Validity         Validity
	RequestSentRound int64

	hash    crypto.Hash256
	compact CompactBlock
}

// NewTxBlock builds and signs a TxBlock authored by vk/sk.
func NewTxBlock(prev crypto.Hash256, seq uint64, counterparty crypto.PublicKey, nonce [32]byte, m []byte, vk crypto.PublicKey, sk crypto.PrivateKey) (*TxBlock, error) {
	inner := TxBlockInner{Prev: prev, Seq: seq, Counterparty: counterparty, Nonce: nonce, M: m}
	ih, err := inner.Hash()
	if err != nil {
		return nil, err
	}
	tb := &TxBlock{
		Inner:            inner,
		S:                NewSignature(vk, sk, ih.Bytes()),
		Validity:         Unknown,
		RequestSentRound: -1,
	}
	if err := tb.finalize(); err != nil {
		return nil, err
	}
	return tb, nil
}

func (tb *TxBlock) finalize() error {
	h, err := tb.Inner.Hash()
	if err != nil {
		return err
	}
	tb.hash = h
	tb.compact = newCompactBlock(h, tb.Inner.Prev, tb.Inner.Seq)
	return nil
}

// MarshalJSON encodes the same fields as EncodeTxBlockRLP, so a TxBlock
// sent as a JSON-framed p2p message round-trips without losing its cached
// hash/compact projection on the receiving end.
func (tb *TxBlock) MarshalJSON() ([]byte, error) {
	w := txBlockWire{Inner: tb.Inner, S: tb.S, Validity: tb.Validity, RequestSentRound: tb.RequestSentRound}
	if tb.OtherHalf != nil {
		w.OtherHalf = &txHalfWire{Inner: tb.OtherHalf.Inner, S: tb.OtherHalf.S}
	}
	return json.Marshal(w)
}

// UnmarshalJSON reconstructs a TxBlock, re-deriving its hash and compact
// projection rather than trusting them over the wire.
func (tb *TxBlock) UnmarshalJSON(data []byte) error {
	var w txBlockWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*tb = TxBlock{Inner: w.Inner, S: w.S, Validity: w.Validity, RequestSentRound: w.RequestSentRound}
	if w.OtherHalf != nil {
		tb.OtherHalf = &TxBlock{Inner: w.OtherHalf.Inner, S: w.OtherHalf.S}
		if err := tb.OtherHalf.finalize(); err != nil {
			return err
		}
	}
	return tb.finalize()
}

// Hash returns the block's identity hash (the same digest that is signed).
func (tb *TxBlock) Hash() crypto.Hash256 { return tb.hash }

// Seq returns the block's position in its author's chain.
func (tb *TxBlock) Seq() uint64 { return tb.Inner.Seq }

// Compact returns the public CompactBlock projection of this TxBlock.
func (tb *TxBlock) Compact() CompactBlock { return tb.compact }

// AddOtherHalf attaches the counterparty's matching half after verifying
// that it shares (nonce, m) and carries a valid signature by the expected
// counterparty. other is copied by value: ownership of a TxBlock never
// crosses chains.
func (tb *TxBlock) AddOtherHalf(other *TxBlock) error {
	if tb.Inner.Nonce != other.Inner.Nonce {
		return fmt.Errorf("%w: nonce mismatch", ErrChainInvariant)
	}
	if string(tb.Inner.M) != string(other.Inner.M) {
		return fmt.Errorf("%w: payload mismatch", ErrChainInvariant)
	}
	ih, err := other.Inner.Hash()
	if err != nil {
		return err
	}
	if err := other.S.Verify(tb.Inner.Counterparty, ih.Bytes()); err != nil {
		return err
	}
	cp := *other
	tb.OtherHalf = &cp
	return nil
}

// txHalfWire is one signed half of a TxBlock, with no nested other_half.
type txHalfWire struct {
	Inner TxBlockInner
	S     Signature
}

// txBlockWire is the over-the-wire/on-disk encoding of a TxBlock, including
// its mutable bookkeeping fields (WAL persistence needs to survive a
// restart with validity state intact).
type txBlockWire struct {
	Inner            TxBlockInner
	S                Signature
	OtherHalf        *txHalfWire
	Validity         Validity
	RequestSentRound int64
}

// EncodeTxBlockRLP rlp-encodes tb for transport or journal storage.
func EncodeTxBlockRLP(tb *TxBlock) ([]byte, error) {
	w := txBlockWire{Inner: tb.Inner, S: tb.S, Validity: tb.Validity, RequestSentRound: tb.RequestSentRound}
	if tb.OtherHalf != nil {
		w.OtherHalf = &txHalfWire{Inner: tb.OtherHalf.Inner, S: tb.OtherHalf.S}
	}
	return crypto.EncodeRLP(w)
}

// DecodeTxBlockRLP reconstructs a TxBlock from EncodeTxBlockRLP's output.
func DecodeTxBlockRLP(data []byte, out *TxBlock) error {
	var w txBlockWire
	if err := crypto.DecodeRLP(data, &w); err != nil {
		return err
	}
	tb := &TxBlock{Inner: w.Inner, S: w.S, Validity: w.Validity, RequestSentRound: w.RequestSentRound}
	if w.OtherHalf != nil {
		tb.OtherHalf = &TxBlock{Inner: w.OtherHalf.Inner, S: w.OtherHalf.S}
		if err := tb.OtherHalf.finalize(); err != nil {
			return err
		}
	}
	if err := tb.finalize(); err != nil {
		return err
	}
	*out = *tb
	return nil
}

// ---- CpBlock ----

// CpBlockInner is the portion of a CpBlock that is hashed and signed.
type CpBlockInner struct {
	Prev     crypto.Hash256
	Seq      uint64
	Round    uint64
	ConsHash crypto.Hash256
	SS       []Signature
	P        uint8 // 0 or 1
}

// Hash returns sha256(rlp(inner)).
func (in CpBlockInner) Hash() (crypto.Hash256, error) {
	return crypto.HashRLP(in)
}

// CpBlock is a unilateral checkpoint: the author's own entry into a
// consensus round, carrying at least t+1 promoter signatures over the
// agreed Cons digest.
type CpBlock struct {
	Inner CpBlockInner
	S     Signature

	hash    crypto.Hash256
	compact CompactBlock
}

// NewCpBlock builds a checkpoint block. If this is not the genesis block
// (round != 0, or any signature/promoter list is non-empty, or seq != 0),
// verifySignatures is applied to cons.Hash first; NewCpBlock refuses to
// construct an under-signed checkpoint (§4.2, §8 property 4).
func NewCpBlock(prev crypto.Hash256, seq uint64, cons Cons, p uint8, vk crypto.PublicKey, sk crypto.PrivateKey, ss []Signature, vks []crypto.PublicKey, t int) (*CpBlock, error) {
	if p != 0 && p != 1 {
		return nil, fmt.Errorf("%w: p must be 0 or 1", ErrChainInvariant)
	}
	consHash, err := cons.Hash()
	if err != nil {
		return nil, err
	}
	isGenesis := cons.Round == 0 && len(ss) == 0 && len(vks) == 0 && seq == 0
	if !isGenesis {
		if err := verifySignatures(consHash, ss, vks, t); err != nil {
			return nil, err
		}
	}
	inner := CpBlockInner{Prev: prev, Seq: seq, Round: cons.Round, ConsHash: consHash, SS: ss, P: p}
	ih, err := inner.Hash()
	if err != nil {
		return nil, err
	}
	cp := &CpBlock{Inner: inner, S: NewSignature(vk, sk, ih.Bytes())}
	if err := cp.finalize(); err != nil {
		return nil, err
	}
	return cp, nil
}

// cpBlockWire is the over-the-wire encoding of a CpBlock: its signed inner
// contents plus the author's signature, everything finalize derives left
// out.
type cpBlockWire struct {
	Inner CpBlockInner
	S     Signature
}

// EncodeCpBlockRLP rlp-encodes cp for transport (e.g. as an ACS proposal
// value carrying a promoter's candidate checkpoint).
func EncodeCpBlockRLP(cp *CpBlock) ([]byte, error) {
	return crypto.EncodeRLP(cpBlockWire{Inner: cp.Inner, S: cp.S})
}

// DecodeCpBlockRLP reconstructs a CpBlock from EncodeCpBlockRLP's output,
// re-deriving its hash and compact projection rather than trusting them
// over the wire.
func DecodeCpBlockRLP(data []byte, out *CpBlock) error {
	var w cpBlockWire
	if err := crypto.DecodeRLP(data, &w); err != nil {
		return err
	}
	cp := &CpBlock{Inner: w.Inner, S: w.S}
	if err := cp.finalize(); err != nil {
		return err
	}
	*out = *cp
	return nil
}

func (cp *CpBlock) finalize() error {
	h, err := cp.Inner.Hash()
	if err != nil {
		return err
	}
	cp.hash = h
	cp.compact = newCompactBlock(h, cp.Inner.Prev, cp.Inner.Seq)
	return nil
}

// MarshalJSON encodes the same fields as EncodeCpBlockRLP, so a CpBlock
// nested in a Cons sent over the JSON-framed p2p wire round-trips without
// losing its cached hash/compact projection.
func (cp *CpBlock) MarshalJSON() ([]byte, error) {
	return json.Marshal(cpBlockWire{Inner: cp.Inner, S: cp.S})
}

// UnmarshalJSON reconstructs a CpBlock, re-deriving its hash and compact
// projection rather than trusting them over the wire.
func (cp *CpBlock) UnmarshalJSON(data []byte) error {
	var w cpBlockWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*cp = CpBlock{Inner: w.Inner, S: w.S}
	return cp.finalize()
}

// Hash returns the block's identity hash.
func (cp *CpBlock) Hash() crypto.Hash256 { return cp.hash }

// Seq returns the block's position in its author's chain.
func (cp *CpBlock) Seq() uint64 { return cp.Inner.Seq }

// Round returns the consensus round this checkpoint embeds.
func (cp *CpBlock) Round() uint64 { return cp.Inner.Round }

// Compact returns the public CompactBlock projection of this CpBlock.
func (cp *CpBlock) Compact() CompactBlock { return cp.compact }

// Luck is the deterministic promoter-ordering tiebreaker
// sha256(block.hash || signer_vk).
func (cp *CpBlock) Luck() crypto.Hash256 {
	buf := append(append([]byte{}, cp.hash.Bytes()...), cp.S.SignerKey...)
	return crypto.Hash(buf)
}

// verifySignatures implements §4.2's verify_signatures: only signatures
// whose key is in vks count; there must be strictly more than t raw
// signatures, strictly more than t promoter-subset signatures, and strictly
// more than t of those must actually verify.
func verifySignatures(msg crypto.Hash256, ss []Signature, vks []crypto.PublicKey, t int) error {
	promoters := make(map[string]bool, len(vks))
	for _, vk := range vks {
		promoters[string(vk)] = true
	}
	var subset []Signature
	for _, s := range ss {
		if promoters[string(s.SignerKey)] {
			subset = append(subset, s)
		}
	}
	if !(len(ss) > t) {
		return fmt.Errorf("%w: insufficient signatures (%d <= %d)", ErrInsufficientSignatures, len(ss), t)
	}
	if !(len(subset) > t) {
		return fmt.Errorf("%w: insufficient promoter signatures (%d <= %d)", ErrInsufficientSignatures, len(subset), t)
	}
	oks := 0
	for _, s := range subset {
		if err := s.Verify(s.SignerKey, msg.Bytes()); err == nil {
			oks++
		}
	}
	if !(oks > t) {
		return fmt.Errorf("%w: insufficient verifying signatures (%d <= %d)", ErrInsufficientSignatures, oks, t)
	}
	return nil
}

// ErrInsufficientSignatures is returned by NewCpBlock/verifySignatures when
// the signature set does not clear the t+1 threshold. It wraps
// ErrSignatureVerification.
var ErrInsufficientSignatures = fmt.Errorf("%w: insufficient signatures", ErrSignatureVerification)

// ---- CompactBlock ----

// CompactBlockInner is the immutable portion of a CompactBlock: its
// identity digest and prev-pointer. The hash of a CompactBlock is computed
// over Inner only, excluding the mutable Seq/AgreedRound annotations.
type CompactBlockInner struct {
	Digest crypto.Hash256
	Prev   crypto.Hash256
}

// CompactBlock is the public projection of a block used in validation:
// inner digest + prev, plus post-hoc write-once annotations (Seq,
// AgreedRound) assigned by the runner once known.
type CompactBlock struct {
	Inner       CompactBlockInner
	Seq         uint64
	AgreedRound int64 // -1 until assigned
}

func newCompactBlock(digest, prev crypto.Hash256, seq uint64) CompactBlock {
	return CompactBlock{
		Inner:       CompactBlockInner{Digest: digest, Prev: prev},
		Seq:         seq,
		AgreedRound: -1,
	}
}

// Hash returns sha256(rlp(inner)), independent of the mutable annotations.
func (cb CompactBlock) Hash() (crypto.Hash256, error) {
	return crypto.HashRLP(cb.Inner)
}

// ---- Cons ----

// Cons is the data structure all promoters agree on for a given round: the
// full set of checkpoint blocks making up that round's agreed output.
type Cons struct {
	Round  uint64
	Blocks []*CpBlock
}

// Hash returns sha256(rlp(round, blocks' inners)). Cons is hashed over the
// constituent CpBlocks' inners (which carry their promoter signatures SS,
// but not each author's outer signature) so two nodes that agree on the
// same set of checkpoints compute the same cons_hash.
func (c Cons) Hash() (crypto.Hash256, error) {
	type wire struct {
		Round  uint64
		Inners []CpBlockInner
	}
	w := wire{Round: c.Round}
	for _, b := range c.Blocks {
		w.Inners = append(w.Inners, b.Inner)
	}
	return crypto.HashRLP(w)
}

// GetPromoters returns the promoter set for the next round: among the
// blocks with P==1, sorted ascending by Luck, truncated to n.
func (c Cons) GetPromoters(n int) []crypto.PublicKey {
	var registered []*CpBlock
	for _, b := range c.Blocks {
		if b.Inner.P == 1 {
			registered = append(registered, b)
		}
	}
	sortByLuck(registered)
	if len(registered) > n {
		registered = registered[:n]
	}
	out := make([]crypto.PublicKey, len(registered))
	for i, b := range registered {
		out[i] = b.S.SignerKey
	}
	return out
}

func sortByLuck(blocks []*CpBlock) {
	// insertion sort: promoter sets are small (bounded by n), and this
	// keeps the comparison logic (lexicographic digest compare) local and
	// easy to verify against §4.3/S6's expected ordering.
	for i := 1; i < len(blocks); i++ {
		j := i
		for j > 0 && luckLess(blocks[j], blocks[j-1]) {
			blocks[j], blocks[j-1] = blocks[j-1], blocks[j]
			j--
		}
	}
}

func luckLess(a, b *CpBlock) bool {
	la, lb := a.Luck(), b.Luck()
	for i := range la {
		if la[i] != lb[i] {
			return la[i] < lb[i]
		}
	}
	return false
}
