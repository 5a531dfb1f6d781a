// Package mo14 implements the Mostefaoui-Moin-Raynal binary Byzantine
// agreement protocol: numbered rounds of EST/AUX voting backed by a shared
// coin, guaranteeing every correct node decides the same bit.
package mo14

import (
	"errors"

	"github.com/tolelom/trustchain/crypto"
)

// ErrReplay is returned when a message names a round this node has not
// reached yet; the caller should buffer and retry (§7 InstanceNotLive).
var ErrReplay = errors.New("mo14: round not live")

// Egress is the capability an Agreement uses to emit its own EST/AUX
// messages. Supplied at construction; Agreement never holds a
// back-reference to its owner.
type Egress interface {
	BroadcastEst(round uint64, bit int)
	BroadcastAux(round uint64, bit int)
}

// Coin produces the shared coin bit for a round. All correct nodes must
// obtain the same bit for the same round (§4.4): ready must stay false
// until that guarantee holds, never substituted with a fallback value, so
// callers defer (ErrReplay) rather than resolve on a value the rest of the
// network may not agree on. DefaultCoin is a liveness-only development
// coin; ThresholdCoin is the production alternative.
type Coin interface {
	Sample(round uint64) (bit int, ready bool)
}

// DefaultCoin samples c_r = r mod 2. It only provides liveness under
// synchrony and is not safe against an adaptive adversary; use
// ThresholdCoin for production deployments.
type DefaultCoin struct{}

// Sample implements Coin. Always ready: r mod 2 requires no coordination.
func (DefaultCoin) Sample(round uint64) (int, bool) { return int(round % 2), true }

type roundState struct {
	est int

	estSenders     [2]map[string]bool
	estRebroadcast [2]bool
	binValues      [2]bool

	auxSent      bool
	auxReceived  map[string]int // sender -> bit, one entry per sender

	resolved bool
}

func newRoundState() *roundState {
	return &roundState{
		estSenders:  [2]map[string]bool{make(map[string]bool), make(map[string]bool)},
		auxReceived: make(map[string]int),
	}
}

// Agreement drives one binary-agreement run to a decided bit, starting from
// a local input estimate and progressing through rounds until decision.
type Agreement struct {
	n, t int
	self crypto.PublicKey
	egr  Egress
	coin Coin

	currentRound uint64
	rounds       map[uint64]*roundState

	decided      bool
	decidedValue int
}

// NewAgreement creates an Agreement for network size n, Byzantine bound t,
// and this node's own key self (used to dedupe this node's own votes).
// coin may be nil, in which case DefaultCoin is used.
func NewAgreement(n, t int, self crypto.PublicKey, egr Egress, coin Coin) *Agreement {
	if coin == nil {
		coin = DefaultCoin{}
	}
	return &Agreement{
		n:      n,
		t:      t,
		self:   self,
		egr:    egr,
		coin:   coin,
		rounds: make(map[uint64]*roundState),
	}
}

// Decided reports whether this agreement has decided, and the decided bit.
func (a *Agreement) Decided() (bool, int) { return a.decided, a.decidedValue }

// Round returns the round this agreement is currently processing.
func (a *Agreement) Round() uint64 { return a.currentRound }

// Start begins round 0 with the given local estimate.
func (a *Agreement) Start(estimate int) error {
	if estimate != 0 && estimate != 1 {
		return errors.New("mo14: estimate must be 0 or 1")
	}
	if _, ok := a.rounds[0]; ok {
		return nil // already started
	}
	return a.openRound(0, estimate)
}

func (a *Agreement) openRound(round uint64, estimate int) error {
	rs := newRoundState()
	rs.est = estimate
	a.rounds[round] = rs
	a.currentRound = round
	rs.estSenders[estimate][string(a.self)] = true
	a.egr.BroadcastEst(round, estimate)
	if len(rs.estSenders[estimate]) >= 2*a.t+1 {
		return a.markBinValue(round, estimate)
	}
	return nil
}

// markBinValue records bit as a confirmed bin_values_r member and, the
// first time this round's AUX has not yet gone out, broadcasts it. Either
// change can be the one that completes bin_values_r or pushes auxReceived
// over threshold, so it always re-attempts resolution (§4.4 steps 5-6).
func (a *Agreement) markBinValue(round uint64, bit int) error {
	rs := a.rounds[round]
	if rs.binValues[bit] {
		return nil
	}
	rs.binValues[bit] = true
	if !rs.auxSent {
		rs.auxSent = true
		rs.auxReceived[string(a.self)] = bit
		a.egr.BroadcastAux(round, bit)
	}
	return a.tryResolve(round)
}

// HandleEst processes an EST_round(bit) message from peer from.
func (a *Agreement) HandleEst(round uint64, from crypto.PublicKey, bit int) error {
	if bit != 0 && bit != 1 {
		return errors.New("mo14: bit must be 0 or 1")
	}
	if round > a.currentRound {
		return ErrReplay
	}
	if round < a.currentRound {
		return nil
	}
	rs := a.rounds[round]
	if rs == nil {
		return ErrReplay // round 0 before Start
	}
	fromKey := string(from)
	if rs.estSenders[bit][fromKey] {
		return nil
	}
	rs.estSenders[bit][fromKey] = true

	if len(rs.estSenders[bit]) >= a.t+1 && !rs.estRebroadcast[bit] {
		rs.estRebroadcast[bit] = true
		a.egr.BroadcastEst(round, bit)
	}
	if len(rs.estSenders[bit]) >= 2*a.t+1 {
		return a.markBinValue(round, bit)
	}
	return nil
}

// HandleAux processes an AUX_round(bit) message from peer from. A redelivery
// of an already-seen (from, bit) still re-attempts resolution rather than
// short-circuiting: it is how a queued retry (deferred while waiting on a
// not-yet-ready coin, see tryResolve) gets another chance to resolve once
// the coin catches up.
func (a *Agreement) HandleAux(round uint64, from crypto.PublicKey, bit int) error {
	if bit != 0 && bit != 1 {
		return errors.New("mo14: bit must be 0 or 1")
	}
	if round > a.currentRound {
		return ErrReplay
	}
	if round < a.currentRound {
		return nil
	}
	rs := a.rounds[round]
	if rs == nil {
		return ErrReplay // round 0 before Start
	}
	fromKey := string(from)
	if existing, ok := rs.auxReceived[fromKey]; ok && existing != bit {
		return nil // equivocation from from: keep its first vote
	}
	rs.auxReceived[fromKey] = bit
	return a.tryResolve(round)
}

func (a *Agreement) tryResolve(round uint64) error {
	rs := a.rounds[round]
	if rs.resolved {
		return nil
	}
	if len(rs.auxReceived) < a.n-a.t {
		return nil
	}
	values := map[int]bool{}
	for _, b := range rs.auxReceived {
		values[b] = true
	}
	for b := range values {
		if !rs.binValues[b] {
			return nil // not every observed value is confirmed bin_values yet
		}
	}
	coinBit, ready := a.coin.Sample(round)
	if !ready {
		// Every correct node must land on the same coin bit for this round
		// (§4.4); resolving on an unsynchronized value would break that, so
		// defer until enough threshold shares have arrived. Checked before
		// rs.resolved is set, so a later retry (driven by a redelivered AUX,
		// see HandleAux) can still complete the round.
		return ErrReplay
	}
	rs.resolved = true

	if len(values) == 1 {
		var v int
		for b := range values {
			v = b
		}
		if v == coinBit && !a.decided {
			a.decided = true
			a.decidedValue = v
		}
		return a.openRound(round+1, v)
	}

	return a.openRound(round+1, coinBit)
}
