// Package trustchain orchestrates the ledger lifecycle: the bilateral
// transaction handshake, checkpoint rounds driven by ACS, promoter
// rotation, the validation exchange, and the replay queue that defers
// messages whose round or instance is not yet open.
package trustchain

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/inconshreveable/log15"

	"github.com/tolelom/trustchain/acs"
	"github.com/tolelom/trustchain/bracha"
	"github.com/tolelom/trustchain/chain"
	"github.com/tolelom/trustchain/crypto"
	"github.com/tolelom/trustchain/mo14"
)

// ErrReplay is returned when a message names a round or context this
// runner has not opened yet; callers should buffer it on the Queue.
var ErrReplay = errors.New("trustchain: not live yet")

// ---- wire messages (§6) ----

// TxReq is the initiator's opening handshake message.
type TxReq struct {
	Prev         crypto.Hash256
	Seq          uint64
	Counterparty crypto.PublicKey
	Nonce        [32]byte
	M            []byte
}

// TxResp carries the responder's signed half-block back to the initiator.
type TxResp struct {
	Half chain.TxBlock
}

// ValidationReq asks a counterparty for the agreed enclosure of one of its
// own sequence numbers.
type ValidationReq struct {
	SeqOfInterest uint64
	LocalSeq      uint64 // echoed back on the response for correlation
}

// ValidationResp carries the requested compact-block enclosure, or an
// empty Blocks slice if the counterparty cannot yet answer (Open Question
// #1: reordered handshake, not appended yet).
type ValidationResp struct {
	LocalSeq uint64
	Blocks   []chain.CompactBlock
}

// SigWithRoundMsg carries one promoter's signature over a round's cons_hash.
type SigWithRoundMsg struct {
	Round uint64
	Sig   chain.Signature
}

// ACSEnvelope wraps a Bracha or MO14 sub-message tagged with the consensus
// round it belongs to, replacing back-references to a shared factory.
type ACSEnvelope struct {
	Round uint64

	Kind string // "bracha", "mo14est", "mo14aux"

	ProposerIdx int // bracha: which promoter's proposal
	Value       []byte

	BAIdx     int // mo14: which BA instance
	MO14Round uint64
	Bit       int

	Phase string // bracha phase name
}

// Egress is the capability a Runner uses to emit wire messages, without
// any back-reference to the network layer that ultimately delivers them.
type Egress interface {
	SendTxReq(to crypto.PublicKey, req TxReq)
	SendTxResp(to crypto.PublicKey, resp TxResp)
	SendValidationReq(to crypto.PublicKey, req ValidationReq)
	SendValidationResp(to crypto.PublicKey, resp ValidationResp)
	SendSig(to crypto.PublicKey, msg SigWithRoundMsg)
	BroadcastCp(cp *chain.CpBlock)
	BroadcastCons(round uint64, cons chain.Cons)
	SendCons(to crypto.PublicKey, round uint64, cons chain.Cons)
	ACSMulticast(env ACSEnvelope)
}

type pendingHandshake struct {
	prev         crypto.Hash256
	seq          uint64
	counterparty crypto.PublicKey
}

// Runner is a single node's ledger driver: its own chain, the rounds it
// has learned, the current promoter set, and the in-flight ACS instances.
type Runner struct {
	vk crypto.PublicKey
	sk crypto.PrivateKey
	n  int
	t  int

	chain     *chain.Chain
	rounds    map[uint64]chain.Cons
	promoters []crypto.PublicKey

	cache *OtherChainCache
	Queue *Queue

	egr Egress
	log log15.Logger

	acsRounds     map[uint64]*acs.ACS
	sigShares     map[uint64][]chain.Signature
	appendedRound map[uint64]bool
	latestRound   uint64

	pendingTx map[string]pendingHandshake

	// coinFor supplies the shared coin for MO14 BA instance baIdx of a
	// given round's ACS; nil uses mo14.DefaultCoin.
	coinFor func(round uint64, baIdx int) mo14.Coin
}

// NewRunner builds a Runner seeded with a genesis chain and an initial
// promoter set (config.Genesis.Promoters, bootstrapped out-of-band since
// genesis does not run consensus).
func NewRunner(vk crypto.PublicKey, sk crypto.PrivateKey, n, t int, promoters []crypto.PublicKey, egr Egress, log log15.Logger) (*Runner, error) {
	c, err := chain.NewChain(vk, sk)
	if err != nil {
		return nil, fmt.Errorf("build genesis chain: %w", err)
	}
	if log == nil {
		log = log15.New("pkg", "trustchain")
	}
	return &Runner{
		vk:            vk,
		sk:            sk,
		n:             n,
		t:             t,
		chain:         c,
		rounds:        make(map[uint64]chain.Cons),
		promoters:     promoters,
		cache:         NewOtherChainCache(),
		Queue:         NewQueue(),
		egr:           egr,
		log:           log,
		acsRounds:     make(map[uint64]*acs.ACS),
		sigShares:     make(map[uint64][]chain.Signature),
		appendedRound: make(map[uint64]bool),
		pendingTx:     make(map[string]pendingHandshake),
	}, nil
}

// Chain exposes the node's own chain for read access (status endpoints,
// tests).
func (r *Runner) Chain() *chain.Chain { return r.chain }

// Promoters returns the current promoter set.
func (r *Runner) Promoters() []crypto.PublicKey { return r.promoters }

// IsPromoter reports whether this node currently belongs to the promoter
// committee.
func (r *Runner) IsPromoter() bool { return r.promoterIndex(r.vk) >= 0 }

// NextRound returns the next consensus round this node has not yet opened
// locally, the round a promoter should propose into on its next tick.
func (r *Runner) NextRound() uint64 { return r.latestRound + 1 }

// HasRound reports whether this node has already recorded round's Cons.
func (r *Runner) HasRound(round uint64) bool {
	_, ok := r.rounds[round]
	return ok
}

// LearnCompact records a compact block broadcast directly by its author
// (the standalone CpBlock wire message, distinct from the Cons a whole
// round agrees on), so a later validation request naming that author may
// already be answerable from cache without a round trip.
func (r *Runner) LearnCompact(author crypto.PublicKey, cb chain.CompactBlock) {
	if r.cache.Put(author, []chain.CompactBlock{cb}) {
		r.rescanPending(author)
	}
}

// SetCoinFactory installs a per-round-per-BA shared coin factory, e.g. one
// backed by mo14.ThresholdCoin.
func (r *Runner) SetCoinFactory(f func(round uint64, baIdx int) mo14.Coin) {
	r.coinFor = f
}

func samePublicKey(a, b crypto.PublicKey) bool { return bytes.Equal(a, b) }

func (r *Runner) promoterIndex(vk crypto.PublicKey) int {
	for i, p := range r.promoters {
		if samePublicKey(p, vk) {
			return i
		}
	}
	return -1
}

// ---- 1. Transaction handshake (§4.6.1) ----

// InitiateTx begins the handshake for a transaction of payload m with
// counterparty.
func (r *Runner) InitiateTx(counterparty crypto.PublicKey, m []byte) error {
	prev, err := r.chain.LastCompactHash()
	if err != nil {
		return err
	}
	seq := uint64(r.chain.Len())
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	r.pendingTx[string(nonce[:])] = pendingHandshake{prev: prev, seq: seq, counterparty: counterparty}
	r.egr.SendTxReq(counterparty, TxReq{Prev: prev, Seq: seq, Counterparty: counterparty, Nonce: nonce, M: m})
	return nil
}

// HandleTxReq is the responder's side: build and append our half, then
// reply with it.
func (r *Runner) HandleTxReq(from crypto.PublicKey, req TxReq) error {
	prev, err := r.chain.LastCompactHash()
	if err != nil {
		return err
	}
	seq := uint64(r.chain.Len())
	tb, err := chain.NewTxBlock(prev, seq, from, req.Nonce, req.M, r.vk, r.sk)
	if err != nil {
		return err
	}
	if err := r.chain.AppendTx(tb); err != nil {
		return err
	}
	r.egr.SendTxResp(from, TxResp{Half: *tb})
	return nil
}

// HandleTxResp is the initiator's side: build our half, attach the
// counterparty's half as other_half, and append.
func (r *Runner) HandleTxResp(from crypto.PublicKey, resp TxResp) error {
	key := string(resp.Half.Inner.Nonce[:])
	pending, ok := r.pendingTx[key]
	if !ok {
		return fmt.Errorf("trustchain: no pending handshake for nonce")
	}
	delete(r.pendingTx, key)

	ta, err := chain.NewTxBlock(pending.prev, pending.seq, from, resp.Half.Inner.Nonce, resp.Half.Inner.M, r.vk, r.sk)
	if err != nil {
		return err
	}
	if err := ta.AddOtherHalf(&resp.Half); err != nil {
		return err
	}
	return r.chain.AppendTx(ta)
}

// ---- 2+3. Checkpoint round and promoter rotation (§4.6.2, §4.6.3) ----

func (r *Runner) openACSRound(round uint64) *acs.ACS {
	if a, ok := r.acsRounds[round]; ok {
		return a
	}
	var coinFor func(int) mo14.Coin
	if r.coinFor != nil {
		coinFor = func(baIdx int) mo14.Coin { return r.coinFor(round, baIdx) }
	}
	a := acs.New(len(r.promoters), r.t, r.vk, acsEgress{r: r, round: round}, coinFor)
	r.acsRounds[round] = a
	if round > r.latestRound {
		r.latestRound = round
	}
	return a
}

// ProposeForRound broadcasts this node's proposal (its candidate CpBlock,
// rlp-encoded, or a test payload) into round's ACS instance.
func (r *Runner) ProposeForRound(round uint64, value []byte) error {
	idx := r.promoterIndex(r.vk)
	if idx < 0 {
		return fmt.Errorf("trustchain: not a promoter for round %d", round)
	}
	a := r.openACSRound(round)
	if err := a.Propose(idx, value); err != nil {
		return err
	}
	return r.checkACSOutput(round)
}

// ProposeLatestCheckpoint proposes this node's latest appended CpBlock as
// its candidate for round, the usual driving step for a promoter that
// decides to open a new round (§4.5).
func (r *Runner) ProposeLatestCheckpoint(round uint64) error {
	latest := r.chain.LatestCp()
	value, err := chain.EncodeCpBlockRLP(latest)
	if err != nil {
		return fmt.Errorf("encode latest checkpoint: %w", err)
	}
	return r.ProposeForRound(round, value)
}

type acsEgress struct {
	r     *Runner
	round uint64
}

func (e acsEgress) BroadcastBracha(proposerIdx int, phase bracha.Phase, value []byte) {
	e.r.egr.ACSMulticast(ACSEnvelope{Round: e.round, Kind: "bracha", ProposerIdx: proposerIdx, Phase: phase.String(), Value: value})
}

func (e acsEgress) BroadcastEst(baIdx int, mo14Round uint64, bit int) {
	e.r.egr.ACSMulticast(ACSEnvelope{Round: e.round, Kind: "mo14est", BAIdx: baIdx, MO14Round: mo14Round, Bit: bit})
}

func (e acsEgress) BroadcastAux(baIdx int, mo14Round uint64, bit int) {
	e.r.egr.ACSMulticast(ACSEnvelope{Round: e.round, Kind: "mo14aux", BAIdx: baIdx, MO14Round: mo14Round, Bit: bit})
}

func parseBrachaPhase(s string) (bracha.Phase, error) {
	switch s {
	case "init":
		return bracha.Init, nil
	case "echo":
		return bracha.Echo, nil
	case "ready":
		return bracha.Ready, nil
	default:
		return 0, fmt.Errorf("trustchain: unknown bracha phase %q", s)
	}
}

// HandleACSEnvelope routes an incoming Bracha/MO14 sub-message to the right
// ACS round instance, opening it lazily is not permitted: a round must
// first be opened locally (via ProposeForRound, once this node learns it
// is a promoter) or ErrReplay is returned so the caller buffers it.
func (r *Runner) HandleACSEnvelope(from crypto.PublicKey, env ACSEnvelope) error {
	a, ok := r.acsRounds[env.Round]
	if !ok {
		return ErrReplay
	}
	var err error
	switch env.Kind {
	case "bracha":
		var phase bracha.Phase
		phase, err = parseBrachaPhase(env.Phase)
		if err == nil {
			err = a.HandleBracha(env.ProposerIdx, phase, from, env.Value)
		}
	case "mo14est":
		err = a.HandleEst(env.BAIdx, env.MO14Round, from, env.Bit)
	case "mo14aux":
		err = a.HandleAux(env.BAIdx, env.MO14Round, from, env.Bit)
	default:
		err = fmt.Errorf("trustchain: unknown ACS envelope kind %q", env.Kind)
	}
	if err != nil {
		if errors.Is(err, bracha.ErrReplay) || errors.Is(err, mo14.ErrReplay) {
			return ErrReplay
		}
		return err
	}
	return r.checkACSOutput(env.Round)
}

// checkACSOutput drives the checkpoint round once a round's ACS instance
// has produced its agreed set.
func (r *Runner) checkACSOutput(round uint64) error {
	a, ok := r.acsRounds[round]
	if !ok {
		return nil
	}
	output, done := a.Output()
	if !done {
		return nil
	}
	if _, already := r.rounds[round]; already {
		return nil
	}
	var blocks []*chain.CpBlock
	for idx := 0; idx < len(r.promoters); idx++ {
		v, ok := output[idx]
		if !ok {
			continue
		}
		cp, err := decodeCpBlockValue(v)
		if err != nil {
			r.log.Warn("skip undecodable ACS output entry", "round", round, "idx", idx, "err", err)
			continue
		}
		blocks = append(blocks, cp)
	}
	cons := chain.Cons{Round: round, Blocks: blocks}
	r.rounds[round] = cons
	r.promoters = cons.GetPromoters(r.n)
	if round > r.latestRound {
		r.latestRound = round
	}
	return r.beginCheckpoint(cons)
}

func (r *Runner) beginCheckpoint(cons chain.Cons) error {
	h, err := cons.Hash()
	if err != nil {
		return err
	}
	sig := chain.NewSignature(r.vk, r.sk, h.Bytes())
	r.sigShares[cons.Round] = append(r.sigShares[cons.Round], sig)
	for _, p := range r.promoters {
		if samePublicKey(p, r.vk) {
			continue
		}
		r.egr.SendSig(p, SigWithRoundMsg{Round: cons.Round, Sig: sig})
	}
	return r.tryAppendCheckpoint(cons.Round)
}

// HandleSigWithRound accumulates a promoter's signature share for round.
func (r *Runner) HandleSigWithRound(msg SigWithRoundMsg) error {
	if _, ok := r.rounds[msg.Round]; !ok {
		return ErrReplay
	}
	r.sigShares[msg.Round] = append(r.sigShares[msg.Round], msg.Sig)
	return r.tryAppendCheckpoint(msg.Round)
}

func (r *Runner) tryAppendCheckpoint(round uint64) error {
	if r.appendedRound[round] {
		return nil
	}
	cons, ok := r.rounds[round]
	if !ok {
		return nil
	}
	prev, err := r.chain.LastCompactHash()
	if err != nil {
		return err
	}
	p := uint8(1) // default: intend to remain a promoter candidate
	cp, err := chain.NewCpBlock(prev, uint64(r.chain.Len()), cons, p, r.vk, r.sk, r.sigShares[round], r.promoters, r.t)
	if err != nil {
		if errors.Is(err, chain.ErrInsufficientSignatures) {
			return nil // wait for more SigWithRound messages
		}
		return err
	}
	if err := r.chain.AppendCp(cp); err != nil {
		return err
	}
	r.appendedRound[round] = true
	r.egr.BroadcastCp(cp)
	r.egr.BroadcastCons(round, cons)
	return nil
}

// HandleAskCons answers a request for a round's agreed Cons, if known.
func (r *Runner) HandleAskCons(from crypto.PublicKey, round uint64) error {
	cons, ok := r.rounds[round]
	if !ok {
		return ErrReplay
	}
	r.egr.SendCons(from, round, cons)
	return nil
}

// HandleCons records a Cons broadcast by a promoter, without re-running
// ACS locally (used by nodes that learn a round's outcome passively).
func (r *Runner) HandleCons(round uint64, cons chain.Cons) error {
	if _, ok := r.rounds[round]; ok {
		return nil
	}
	r.rounds[round] = cons
	r.promoters = cons.GetPromoters(r.n)
	if round > r.latestRound {
		r.latestRound = round
	}
	return nil
}

// decodeCpBlockValue decodes an ACS-agreed proposal value as the proposing
// promoter's candidate CpBlock. Test harnesses that propose arbitrary
// payloads instead (§4.5 "or an arbitrary test payload") never reach this
// path because they read ACS output directly rather than driving
// checkpoint construction.
func decodeCpBlockValue(v []byte) (*chain.CpBlock, error) {
	var cp chain.CpBlock
	if err := chain.DecodeCpBlockRLP(v, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

// ---- 4+5. Validation exchange (§4.6.4, §4.6.5) ----

// RequestValidation asks counterparty to prove the enclosure around
// localSeq, translating via the matching other_half's sequence number in
// the counterparty's own chain.
func (r *Runner) RequestValidation(counterparty crypto.PublicKey, localSeq uint64) error {
	blk := r.chain.At(int(localSeq))
	tx, ok := blk.(*chain.TxBlock)
	if !ok {
		return fmt.Errorf("trustchain: seq %d is not a tx block", localSeq)
	}
	if tx.OtherHalf == nil {
		return fmt.Errorf("trustchain: seq %d has no other_half yet", localSeq)
	}
	tx.RequestSentRound = int64(r.latestRound)
	r.egr.SendValidationReq(counterparty, ValidationReq{SeqOfInterest: tx.OtherHalf.Inner.Seq, LocalSeq: localSeq})
	return nil
}

// VerifiableTxs implements the staleness guard (SUPPLEMENTED FEATURES #3):
// a TxBlock is offered up for validation only once the local chain has
// agreed at least two rounds, sits below the second-to-last round's CP
// sequence, and has not already been asked about in the current round.
func (r *Runner) VerifiableTxs() []*chain.TxBlock {
	var cpSeqs []uint64
	for i := 0; i < r.chain.Len(); i++ {
		if cp, ok := r.chain.At(i).(*chain.CpBlock); ok {
			cpSeqs = append(cpSeqs, cp.Seq())
		}
	}
	if len(cpSeqs) < 2 {
		return nil
	}
	boundary := cpSeqs[len(cpSeqs)-2]
	var out []*chain.TxBlock
	for _, tx := range r.chain.UnknownTxs() {
		if tx.Seq() >= boundary {
			continue
		}
		if tx.RequestSentRound == int64(r.latestRound) {
			continue
		}
		out = append(out, tx)
	}
	return out
}

// HandleValidationReq answers a request for our own pieces(seq), stamping
// agreed_round on the endpoints when we know it, or an empty response if
// our matching half has not been appended yet (Open Question #1).
func (r *Runner) HandleValidationReq(from crypto.PublicKey, req ValidationReq) error {
	pieces, ok := r.chain.Pieces(req.SeqOfInterest)
	if !ok {
		r.egr.SendValidationResp(from, ValidationResp{LocalSeq: req.LocalSeq})
		return nil
	}
	for i := range pieces {
		if i == 0 || i == len(pieces)-1 {
			if round, ok := r.consensusRoundOf(pieces[i]); ok {
				pieces[i].AgreedRound = int64(round)
			}
		}
	}
	r.egr.SendValidationResp(from, ValidationResp{LocalSeq: req.LocalSeq, Blocks: pieces})
	return nil
}

// consensusRoundOf finds the round whose agreed Cons contains cb, per
// SUPPLEMENTED FEATURES #2 (consensus_round_of_cp).
func (r *Runner) consensusRoundOf(cb chain.CompactBlock) (uint64, bool) {
	h, err := cb.Hash()
	if err != nil {
		return 0, false
	}
	for round, cons := range r.rounds {
		for _, cp := range cons.Blocks {
			ch, err := cp.Compact().Hash()
			if err != nil {
				continue
			}
			if ch == h {
				return round, true
			}
		}
	}
	return 0, false
}

// compactInAgreedRound reports whether cb is present in this node's own
// record of the Cons it claims to belong to.
func (r *Runner) compactInAgreedRound(cb chain.CompactBlock) bool {
	if cb.AgreedRound < 0 {
		return false
	}
	cons, ok := r.rounds[uint64(cb.AgreedRound)]
	if !ok {
		return false
	}
	h, err := cb.Hash()
	if err != nil {
		return false
	}
	for _, cp := range cons.Blocks {
		ch, err := cp.Compact().Hash()
		if err != nil {
			continue
		}
		if ch == h {
			return true
		}
	}
	return false
}

// verifyEnclosureShape checks that blocks form a valid bracketed enclosure:
// both endpoints are CpBlocks this node itself saw agreed into a round, and
// every block in between hash-chains to the one before it.
func (r *Runner) verifyEnclosureShape(blocks []chain.CompactBlock) (bool, error) {
	if len(blocks) < 2 {
		return false, nil
	}
	first, last := blocks[0], blocks[len(blocks)-1]
	if !r.compactInAgreedRound(first) || !r.compactInAgreedRound(last) {
		return false, nil
	}
	for i := 1; i < len(blocks); i++ {
		h, err := blocks[i-1].Hash()
		if err != nil {
			return false, err
		}
		if blocks[i].Inner.Prev != h {
			return false, nil
		}
	}
	return true, nil
}

// enclosureContainsHash reports whether any block in the enclosure hashes
// to want, the counterparty half of the TxBlock under verification.
func enclosureContainsHash(blocks []chain.CompactBlock, want crypto.Hash256) bool {
	for _, b := range blocks {
		h, err := b.Hash()
		if err != nil {
			continue
		}
		if h == want {
			return true
		}
	}
	return false
}

// HandleValidationResp implements verify_tx (§4.6.5): checks the returned
// enclosure against our own consensus knowledge and the expected
// other_half, sets validity, caches the blocks, and re-scans pending
// validations against the newly cached counterparty chain.
func (r *Runner) HandleValidationResp(from crypto.PublicKey, resp ValidationResp) (chain.Validity, error) {
	shapeOK, err := r.verifyEnclosureShape(resp.Blocks)
	if err != nil {
		return chain.Unknown, err
	}
	if !shapeOK {
		return chain.Unknown, nil
	}

	blk := r.chain.At(int(resp.LocalSeq))
	tx, ok := blk.(*chain.TxBlock)
	if !ok || tx.OtherHalf == nil {
		return chain.Unknown, nil
	}
	expectedHash, err := tx.OtherHalf.Compact().Hash()
	if err != nil {
		return chain.Unknown, err
	}
	if !enclosureContainsHash(resp.Blocks, expectedHash) {
		return chain.Unknown, nil
	}

	if err := r.chain.SetValidity(resp.LocalSeq, chain.Valid); err != nil {
		return chain.Unknown, err
	}
	r.cache.Put(from, resp.Blocks)
	r.rescanPending(from)
	return chain.Valid, nil
}

// rescanPending re-verifies every still-unknown TxBlock owed to
// counterparty against the cache, now that it has grown: the same
// bracketing-and-chaining check HandleValidationResp runs against a fresh
// ValidationResp, run instead against whatever enclosure the cache can
// already assemble for each pending TxBlock's counterparty seq. This is how
// one ValidationResp retroactively validates multiple TxBlocks that share
// an enclosure (trustchain.py's `_verify_from_cache`).
func (r *Runner) rescanPending(counterparty crypto.PublicKey) {
	for _, tx := range r.chain.UnknownTxs() {
		if !samePublicKey(tx.Inner.Counterparty, counterparty) {
			continue
		}
		if tx.OtherHalf == nil {
			continue
		}
		blocks, ok := r.cache.Enclosure(counterparty, tx.OtherHalf.Inner.Seq)
		if !ok {
			continue
		}
		shapeOK, err := r.verifyEnclosureShape(blocks)
		if err != nil || !shapeOK {
			continue
		}
		expectedHash, err := tx.OtherHalf.Compact().Hash()
		if err != nil {
			continue
		}
		if !enclosureContainsHash(blocks, expectedHash) {
			continue
		}
		_ = r.chain.SetValidity(tx.Inner.Seq, chain.Valid)
	}
}
