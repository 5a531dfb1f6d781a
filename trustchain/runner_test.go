package trustchain

import (
	"testing"

	"github.com/tolelom/trustchain/chain"
	"github.com/tolelom/trustchain/crypto"
)

// fakeEgress is a minimal, two-node-aware Egress double: every method a
// given test doesn't care about is a no-op, and the methods it does care
// about are wired directly to the peer Runner's handler (synchronous
// loopback, matching the single-threaded cooperative model of §5).
type fakeEgress struct {
	onTxReq  func(to crypto.PublicKey, req TxReq)
	onTxResp func(to crypto.PublicKey, resp TxResp)
}

func (e *fakeEgress) SendTxReq(to crypto.PublicKey, req TxReq) {
	if e.onTxReq != nil {
		e.onTxReq(to, req)
	}
}
func (e *fakeEgress) SendTxResp(to crypto.PublicKey, resp TxResp) {
	if e.onTxResp != nil {
		e.onTxResp(to, resp)
	}
}
func (e *fakeEgress) SendValidationReq(to crypto.PublicKey, req ValidationReq)   {}
func (e *fakeEgress) SendValidationResp(to crypto.PublicKey, resp ValidationResp) {}
func (e *fakeEgress) SendSig(to crypto.PublicKey, msg SigWithRoundMsg)           {}
func (e *fakeEgress) BroadcastCp(cp *chain.CpBlock)                             {}
func (e *fakeEgress) BroadcastCons(round uint64, cons chain.Cons)               {}
func (e *fakeEgress) SendCons(to crypto.PublicKey, round uint64, cons chain.Cons) {}
func (e *fakeEgress) ACSMulticast(env ACSEnvelope)                              {}

func mustKeys(t *testing.T) (crypto.PrivateKey, crypto.PublicKey) {
	t.Helper()
	sk, vk, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	return sk, vk
}

// S4 — pair matching: two nodes run the handshake and end up with matched
// halves of the same transaction.
func TestPairMatchingHandshake(t *testing.T) {
	skA, vkA := mustKeys(t)
	skB, vkB := mustKeys(t)
	promoters := []crypto.PublicKey{vkA, vkB}

	egA := &fakeEgress{}
	egB := &fakeEgress{}

	runnerA, err := NewRunner(vkA, skA, 2, 0, promoters, egA, nil)
	if err != nil {
		t.Fatalf("new runner A: %v", err)
	}
	runnerB, err := NewRunner(vkB, skB, 2, 0, promoters, egB, nil)
	if err != nil {
		t.Fatalf("new runner B: %v", err)
	}

	egA.onTxReq = func(to crypto.PublicKey, req TxReq) {
		if err := runnerB.HandleTxReq(vkA, req); err != nil {
			t.Fatalf("B handle tx req: %v", err)
		}
	}
	egB.onTxResp = func(to crypto.PublicKey, resp TxResp) {
		if err := runnerA.HandleTxResp(vkB, resp); err != nil {
			t.Fatalf("A handle tx resp: %v", err)
		}
	}

	if err := runnerA.InitiateTx(vkB, []byte("tx")); err != nil {
		t.Fatalf("initiate tx: %v", err)
	}

	blkA := runnerA.Chain().At(1)
	blkB := runnerB.Chain().At(1)
	ta, ok := blkA.(*chain.TxBlock)
	if !ok {
		t.Fatalf("A.chain[1] is not a TxBlock")
	}
	tb, ok := blkB.(*chain.TxBlock)
	if !ok {
		t.Fatalf("B.chain[1] is not a TxBlock")
	}
	if ta.OtherHalf == nil {
		t.Fatalf("A's half has no other_half attached")
	}
	if ta.OtherHalf.Inner.Nonce != tb.Inner.Nonce {
		t.Fatalf("A's recorded other_half nonce does not match B's actual half")
	}
	if string(ta.OtherHalf.Inner.M) != string(tb.Inner.M) {
		t.Fatalf("A's recorded other_half payload does not match B's actual half")
	}
	if string(ta.Inner.Nonce[:]) != string(tb.Inner.Nonce[:]) {
		t.Fatalf("nonce mismatch between A and B's own halves")
	}
}

// roundCpBlock builds a lone-promoter CpBlock at (prev, seq, round) signed
// by vk/sk, embedding a placeholder single-signature Cons so
// verify_signatures (t=0) accepts it.
func roundCpBlock(t *testing.T, prev crypto.Hash256, seq, round uint64, vk crypto.PublicKey, sk crypto.PrivateKey) *chain.CpBlock {
	t.Helper()
	placeholder := chain.Cons{Round: round}
	h, err := placeholder.Hash()
	if err != nil {
		t.Fatalf("placeholder cons hash: %v", err)
	}
	sig := chain.NewSignature(vk, sk, h.Bytes())
	cp, err := chain.NewCpBlock(prev, seq, placeholder, 1, vk, sk, []chain.Signature{sig}, []crypto.PublicKey{vk}, 0)
	if err != nil {
		t.Fatalf("new cp block: %v", err)
	}
	return cp
}

// S5 — validation outcomes. Builds a single chain mixing TxBlocks and
// CpBlocks across three checkpoint rounds, then drives the validation
// exchange via a second Runner whose TxBlocks carry other_half copies
// pointing into that chain: two seqs land inside an agreed enclosure
// (Valid), one lands past the last agreed checkpoint, in the
// not-yet-consented tail (Unknown).
func TestValidationOutcomes(t *testing.T) {
	skR, vkR := mustKeys(t) // remote counterparty whose chain is being queried
	skL, vkL := mustKeys(t) // local node running verify_tx

	remote, err := NewRunner(vkR, skR, 1, 0, []crypto.PublicKey{vkR}, &fakeEgress{}, nil)
	if err != nil {
		t.Fatalf("new remote runner: %v", err)
	}
	local, err := NewRunner(vkL, skL, 1, 0, []crypto.PublicKey{vkL}, &fakeEgress{}, nil)
	if err != nil {
		t.Fatalf("new local runner: %v", err)
	}

	rc := remote.Chain()
	filler := func(seq uint64, counterparty crypto.PublicKey) *chain.TxBlock {
		prev, err := rc.LastCompactHash()
		if err != nil {
			t.Fatalf("last compact hash: %v", err)
		}
		var nonce [32]byte
		nonce[0] = byte(seq)
		tx, err := chain.NewTxBlock(prev, seq, counterparty, nonce, []byte("filler"), vkR, skR)
		if err != nil {
			t.Fatalf("new filler tx: %v", err)
		}
		if err := rc.AppendTx(tx); err != nil {
			t.Fatalf("append filler tx: %v", err)
		}
		return tx
	}
	appendRoundCp := func(seq, round uint64) *chain.CpBlock {
		prev, err := rc.LastCompactHash()
		if err != nil {
			t.Fatalf("last compact hash: %v", err)
		}
		cp := roundCpBlock(t, prev, seq, round, vkR, skR)
		if err := rc.AppendCp(cp); err != nil {
			t.Fatalf("append round cp: %v", err)
		}
		return cp
	}
	targetTx := func(seq uint64) *chain.TxBlock {
		prev, err := rc.LastCompactHash()
		if err != nil {
			t.Fatalf("last compact hash: %v", err)
		}
		var nonce [32]byte
		nonce[0] = byte(seq)
		nonce[1] = 0xff
		tx, err := chain.NewTxBlock(prev, seq, vkL, nonce, []byte("target"), vkR, skR)
		if err != nil {
			t.Fatalf("new target tx: %v", err)
		}
		if err := rc.AppendTx(tx); err != nil {
			t.Fatalf("append target tx: %v", err)
		}
		return tx
	}

	// seq0: genesis (already present).
	filler(1, vkL)
	filler(2, vkL)
	cp3 := appendRoundCp(3, 1)
	target4 := targetTx(4)
	filler(5, vkL)
	cp6 := appendRoundCp(6, 2)
	target7 := targetTx(7)
	filler(8, vkL)
	cp9 := appendRoundCp(9, 3)
	target10 := targetTx(10) // past the last checkpoint: no agreed upper bound yet

	cons1 := chain.Cons{Round: 1, Blocks: []*chain.CpBlock{cp3}}
	cons2 := chain.Cons{Round: 2, Blocks: []*chain.CpBlock{cp6}}
	cons3 := chain.Cons{Round: 3, Blocks: []*chain.CpBlock{cp9}}
	for _, r := range []*Runner{remote, local} {
		if err := r.HandleCons(1, cons1); err != nil {
			t.Fatalf("register cons1: %v", err)
		}
		if err := r.HandleCons(2, cons2); err != nil {
			t.Fatalf("register cons2: %v", err)
		}
		if err := r.HandleCons(3, cons3); err != nil {
			t.Fatalf("register cons3: %v", err)
		}
	}

	appendLocalHalf := func(seq uint64, other *chain.TxBlock) uint64 {
		lc := local.Chain()
		prev, err := lc.LastCompactHash()
		if err != nil {
			t.Fatalf("local last compact hash: %v", err)
		}
		localSeq := uint64(lc.Len())
		tx, err := chain.NewTxBlock(prev, localSeq, vkR, other.Inner.Nonce, other.Inner.M, vkL, skL)
		if err != nil {
			t.Fatalf("new local half: %v", err)
		}
		if err := tx.AddOtherHalf(other); err != nil {
			t.Fatalf("attach other half: %v", err)
		}
		if err := lc.AppendTx(tx); err != nil {
			t.Fatalf("append local half: %v", err)
		}
		return localSeq
	}

	localSeq4 := appendLocalHalf(4, target4)
	localSeq7 := appendLocalHalf(7, target7)
	localSeq10 := appendLocalHalf(10, target10)

	verify := func(localSeq uint64, remoteSeq uint64) chain.Validity {
		pieces, ok := rc.Pieces(remoteSeq)
		var resp ValidationResp
		if ok {
			for i := range pieces {
				if i == 0 || i == len(pieces)-1 {
					if round, ok := remote.consensusRoundOf(pieces[i]); ok {
						pieces[i].AgreedRound = int64(round)
					}
				}
			}
			resp = ValidationResp{LocalSeq: localSeq, Blocks: pieces}
		} else {
			resp = ValidationResp{LocalSeq: localSeq}
		}
		v, err := local.HandleValidationResp(vkR, resp)
		if err != nil {
			t.Fatalf("handle validation resp(seq=%d): %v", localSeq, err)
		}
		return v
	}

	if v := verify(localSeq4, 4); v != chain.Valid {
		t.Fatalf("seq %d: expected Valid, got %v", localSeq4, v)
	}
	if v := verify(localSeq7, 7); v != chain.Valid {
		t.Fatalf("seq %d: expected Valid, got %v", localSeq7, v)
	}
	if v := verify(localSeq10, 10); v != chain.Unknown {
		t.Fatalf("seq %d: expected Unknown (not-yet-consented window), got %v", localSeq10, v)
	}
}
