// Package acs implements Asynchronous Common Subset: n parallel Bracha
// reliable broadcasts carry each promoter's proposal, and n parallel MO14
// binary agreements decide, for each proposal, whether it belongs in the
// agreed output set.
package acs

import (
	"fmt"

	"github.com/tolelom/trustchain/bracha"
	"github.com/tolelom/trustchain/crypto"
	"github.com/tolelom/trustchain/mo14"
)

// Egress is the capability an ACS instance uses to emit its own Bracha and
// MO14 messages, each tagged with the proposer index the message concerns.
type Egress interface {
	BroadcastBracha(proposerIdx int, phase bracha.Phase, value []byte)
	BroadcastEst(baIdx int, round uint64, bit int)
	BroadcastAux(baIdx int, round uint64, bit int)
}

// ACS runs one Asynchronous Common Subset instance to completion: n Bracha
// broadcasts (one per promoter's proposal) and n MO14 agreements (one per
// proposal, deciding inclusion).
type ACS struct {
	n, t int
	egr  Egress

	brachas    []*bracha.Instance
	agreements []*mo14.Agreement

	inputGiven  []bool
	decidedSeen []bool
	onesDecided int

	finished bool
	output   map[int][]byte
}

// New builds an ACS instance for network size n and Byzantine bound t.
// coinFor, if non-nil, supplies a per-BA shared coin (e.g. a
// mo14.ThresholdCoin); nil entries fall back to mo14.DefaultCoin.
func New(n, t int, self crypto.PublicKey, egr Egress, coinFor func(baIdx int) mo14.Coin) *ACS {
	a := &ACS{
		n:           n,
		t:           t,
		egr:         egr,
		brachas:     make([]*bracha.Instance, n),
		agreements:  make([]*mo14.Agreement, n),
		inputGiven:  make([]bool, n),
		decidedSeen: make([]bool, n),
	}
	for j := 0; j < n; j++ {
		j := j
		a.brachas[j] = bracha.NewInstance(n, t, brachaEgress{a: a, idx: j})
		var coin mo14.Coin
		if coinFor != nil {
			coin = coinFor(j)
		}
		a.agreements[j] = mo14.NewAgreement(n, t, self, mo14Egress{a: a, idx: j}, coin)
	}
	return a
}

type brachaEgress struct {
	a   *ACS
	idx int
}

func (e brachaEgress) Broadcast(phase bracha.Phase, value []byte) {
	e.a.egr.BroadcastBracha(e.idx, phase, value)
}

type mo14Egress struct {
	a   *ACS
	idx int
}

func (e mo14Egress) BroadcastEst(round uint64, bit int) { e.a.egr.BroadcastEst(e.idx, round, bit) }
func (e mo14Egress) BroadcastAux(round uint64, bit int) { e.a.egr.BroadcastAux(e.idx, round, bit) }

// Propose broadcasts this node's own proposal value as promoter idx's
// Bracha instance (step 1, §4.5). idx must be this node's own promoter
// index.
func (a *ACS) Propose(idx int, value []byte) error {
	if idx < 0 || idx >= a.n {
		return fmt.Errorf("acs: proposer index %d out of range", idx)
	}
	return a.brachas[idx].Start(value)
}

// HandleBracha routes an incoming Bracha message for proposer proposerIdx.
// An out-of-range proposerIdx is an error, not bracha.ErrReplay: every
// Bracha instance is live from ACS construction, so none is ever replayed.
func (a *ACS) HandleBracha(proposerIdx int, phase bracha.Phase, from crypto.PublicKey, value []byte) error {
	if proposerIdx < 0 || proposerIdx >= a.n {
		return fmt.Errorf("acs: proposer index %d out of range", proposerIdx)
	}
	in := a.brachas[proposerIdx]
	if err := in.Handle(phase, from, value); err != nil {
		return err
	}
	delivered, v := in.Delivered()
	if delivered && !a.inputGiven[proposerIdx] {
		// Step 2: upon delivery of BR_j, if BA_j has not been input, input 1.
		a.inputGiven[proposerIdx] = true
		if err := a.agreements[proposerIdx].Start(1); err != nil {
			return err
		}
		a.afterAgreementUpdate(proposerIdx)
	}
	_ = v
	a.checkOutputReady()
	return nil
}

// HandleEst routes an incoming MO14 EST message for BA instance baIdx.
func (a *ACS) HandleEst(baIdx int, round uint64, from crypto.PublicKey, bit int) error {
	if baIdx < 0 || baIdx >= a.n {
		return fmt.Errorf("acs: BA index %d out of range", baIdx)
	}
	if err := a.agreements[baIdx].HandleEst(round, from, bit); err != nil {
		return err
	}
	a.afterAgreementUpdate(baIdx)
	a.checkOutputReady()
	return nil
}

// HandleAux routes an incoming MO14 AUX message for BA instance baIdx.
func (a *ACS) HandleAux(baIdx int, round uint64, from crypto.PublicKey, bit int) error {
	if baIdx < 0 || baIdx >= a.n {
		return fmt.Errorf("acs: BA index %d out of range", baIdx)
	}
	if err := a.agreements[baIdx].HandleAux(round, from, bit); err != nil {
		return err
	}
	a.afterAgreementUpdate(baIdx)
	a.checkOutputReady()
	return nil
}

// afterAgreementUpdate implements step 3: once n-t of the BA_k have decided
// 1, every BA_k not yet input receives a 0 input.
func (a *ACS) afterAgreementUpdate(idx int) {
	if a.decidedSeen[idx] {
		return
	}
	decided, v := a.agreements[idx].Decided()
	if !decided {
		return
	}
	a.decidedSeen[idx] = true
	if v == 1 {
		a.onesDecided++
	}
	if a.onesDecided >= a.n-a.t {
		for k := 0; k < a.n; k++ {
			if !a.inputGiven[k] {
				a.inputGiven[k] = true
				a.agreements[k].Start(0)
				a.afterAgreementUpdate(k)
			}
		}
	}
}

// checkOutputReady implements steps 4-5: wait for every BA_k to decide,
// then output every v_k whose BA_k decided 1 and whose BR_k has delivered
// v_k, holding the result if any such v_k has not yet been reliably
// broadcast.
func (a *ACS) checkOutputReady() {
	if a.finished {
		return
	}
	for k := 0; k < a.n; k++ {
		if d, _ := a.agreements[k].Decided(); !d {
			return
		}
	}
	out := make(map[int][]byte)
	for k := 0; k < a.n; k++ {
		_, v := a.agreements[k].Decided()
		if v != 1 {
			continue
		}
		delivered, val := a.brachas[k].Delivered()
		if !delivered {
			return // hold until BR_k delivers
		}
		out[k] = val
	}
	a.finished = true
	a.output = out
}

// Output returns the agreed set once every decided proposal has also been
// reliably broadcast, and whether the ACS run has completed.
func (a *ACS) Output() (map[int][]byte, bool) {
	return a.output, a.finished
}
