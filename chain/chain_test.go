package chain

import (
	"testing"

	"github.com/tolelom/trustchain/crypto"
)

func mustKeys(t *testing.T) (crypto.PrivateKey, crypto.PublicKey) {
	t.Helper()
	sk, vk, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	return sk, vk
}

func signCons(t *testing.T, cons Cons, signers []crypto.PrivateKey, vks []crypto.PublicKey) []Signature {
	t.Helper()
	h, err := cons.Hash()
	if err != nil {
		t.Fatalf("cons hash: %v", err)
	}
	ss := make([]Signature, len(signers))
	for i, sk := range signers {
		ss[i] = NewSignature(vks[i], sk, h.Bytes())
	}
	return ss
}

// S1 — signature verify.
func TestSignatureVerify(t *testing.T) {
	sk, vk, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	msg := []byte("m")
	sig := NewSignature(vk, sk, msg)
	if err := sig.Verify(vk, msg); err != nil {
		t.Fatalf("expected verification to succeed: %v", err)
	}
	_, other, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := sig.Verify(other, msg); err == nil {
		t.Fatal("expected verification failure for mismatched key")
	}
}

// S2 — CpBlock threshold: n=4, t=1. One promoter signature fails, two succeed.
func TestCpBlockThreshold(t *testing.T) {
	sk, vk, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	sk1, vk1 := mustKeys(t)
	sk2, vk2 := mustKeys(t)
	vks := []crypto.PublicKey{vk1, vk2}
	cons := Cons{Round: 1}

	ss1 := signCons(t, cons, []crypto.PrivateKey{sk1}, []crypto.PublicKey{vk1})
	if _, err := NewCpBlock(crypto.ZeroHash256, 1, cons, 1, vk, sk, ss1, vks, 1); err == nil {
		t.Fatal("expected failure with only 1 promoter signature")
	}

	ss2 := signCons(t, cons, []crypto.PrivateKey{sk1, sk2}, []crypto.PublicKey{vk1, vk2})
	if _, err := NewCpBlock(crypto.ZeroHash256, 1, cons, 1, vk, sk, ss2, vks, 1); err != nil {
		t.Fatalf("expected success with 2 promoter signatures: %v", err)
	}
}

// S3 — chain append: genesis + 5 alternating TxBlocks and CpBlocks (rounds 1..3).
func TestChainAppendAlternating(t *testing.T) {
	sk, vk := mustKeys(t)
	csk1, cvk1 := mustKeys(t)
	_, otherVk := mustKeys(t)

	c, err := NewChain(vk, sk)
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}

	appendTx := func(nonce byte) {
		prev, err := c.LastCompactHash()
		if err != nil {
			t.Fatalf("last compact hash: %v", err)
		}
		var n [32]byte
		n[0] = nonce
		tx, err := NewTxBlock(prev, uint64(c.Len()), otherVk, n, []byte("tx"), vk, sk)
		if err != nil {
			t.Fatalf("new tx block: %v", err)
		}
		if err := c.AppendTx(tx); err != nil {
			t.Fatalf("append tx: %v", err)
		}
	}

	appendCp := func(round uint64) {
		prev, err := c.LastCompactHash()
		if err != nil {
			t.Fatalf("last compact hash: %v", err)
		}
		cons := Cons{Round: round}
		ss := signCons(t, cons, []crypto.PrivateKey{csk1}, []crypto.PublicKey{cvk1})
		cp, err := NewCpBlock(prev, uint64(c.Len()), cons, 1, vk, sk, ss, []crypto.PublicKey{cvk1}, 0)
		if err != nil {
			t.Fatalf("new cp block: %v", err)
		}
		if err := c.AppendCp(cp); err != nil {
			t.Fatalf("append cp: %v", err)
		}
	}

	appendTx(1)
	appendCp(1)
	appendTx(2)
	appendCp(2)
	appendCp(3)

	if got, want := c.CpCount(), 4; got != want { // genesis + 3
		t.Fatalf("cp count = %d, want %d", got, want)
	}
	if got, want := c.TxCount(), 2; got != want {
		t.Fatalf("tx count = %d, want %d", got, want)
	}

	for i := 1; i < c.Len(); i++ {
		prevHash, err := c.blocks[i-1].Compact().Hash()
		if err != nil {
			t.Fatalf("compact hash: %v", err)
		}
		var gotPrev crypto.Hash256
		switch v := c.blocks[i].(type) {
		case *TxBlock:
			gotPrev = v.Inner.Prev
		case *CpBlock:
			gotPrev = v.Inner.Prev
		}
		if gotPrev != prevHash {
			t.Fatalf("block %d prev mismatch", i)
		}
	}

	// Re-appending any block fails (seq already taken).
	prev, _ := c.LastCompactHash()
	var n [32]byte
	dup, err := NewTxBlock(prev, 2, otherVk, n, []byte("dup"), vk, sk)
	if err != nil {
		t.Fatalf("new tx block: %v", err)
	}
	if err := c.AppendTx(dup); err == nil {
		t.Fatal("expected append at stale seq to fail")
	}
}

// S6 — promoter selection: 10 CpBlocks, 5 with p=1; get_promoters(10) returns
// exactly those 5, ordered ascending by luck.
func TestGetPromoters(t *testing.T) {
	cons := Cons{Round: 1}
	var want []crypto.PublicKey
	for i := 0; i < 10; i++ {
		sk, vk := mustKeys(t)
		p := uint8(0)
		if i%2 == 0 {
			p = 1
		}
		inner := CpBlockInner{Prev: crypto.ZeroHash256, Seq: uint64(i + 1), Round: 1, ConsHash: crypto.Hash256{}, P: p}
		ih, err := inner.Hash()
		if err != nil {
			t.Fatalf("inner hash: %v", err)
		}
		cp := &CpBlock{Inner: inner, S: NewSignature(vk, sk, ih.Bytes())}
		if err := cp.finalize(); err != nil {
			t.Fatalf("finalize: %v", err)
		}
		cons.Blocks = append(cons.Blocks, cp)
		if p == 1 {
			want = append(want, vk)
		}
	}

	got := cons.GetPromoters(10)
	if len(got) != 5 {
		t.Fatalf("got %d promoters, want 5", len(got))
	}

	// Verify ascending luck order independently.
	blockOf := make(map[string]*CpBlock, len(cons.Blocks))
	for _, b := range cons.Blocks {
		blockOf[string(b.S.SignerKey)] = b
	}
	for i := 1; i < len(got); i++ {
		if luckLess(blockOf[string(got[i])], blockOf[string(got[i-1])]) {
			t.Fatalf("promoters %d and %d are not in ascending luck order", i-1, i)
		}
	}

	gotSet := make(map[string]bool, len(got))
	for _, vk := range got {
		gotSet[string(vk)] = true
	}
	for _, vk := range want {
		if !gotSet[string(vk)] {
			t.Fatalf("expected promoter %x missing from result", vk)
		}
	}
}

func TestPiecesAndEnclosure(t *testing.T) {
	sk, vk := mustKeys(t)
	csk, cvk := mustKeys(t)
	_, otherVk := mustKeys(t)

	c, err := NewChain(vk, sk)
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}

	appendTx := func(nonce byte) {
		prev, _ := c.LastCompactHash()
		var n [32]byte
		n[0] = nonce
		tx, err := NewTxBlock(prev, uint64(c.Len()), otherVk, n, []byte("tx"), vk, sk)
		if err != nil {
			t.Fatalf("new tx: %v", err)
		}
		if err := c.AppendTx(tx); err != nil {
			t.Fatalf("append tx: %v", err)
		}
	}
	appendCp := func(round uint64) {
		prev, _ := c.LastCompactHash()
		cons := Cons{Round: round}
		ss := signCons(t, cons, []crypto.PrivateKey{csk}, []crypto.PublicKey{cvk})
		cp, err := NewCpBlock(prev, uint64(c.Len()), cons, 1, vk, sk, ss, []crypto.PublicKey{cvk}, 0)
		if err != nil {
			t.Fatalf("new cp: %v", err)
		}
		if err := c.AppendCp(cp); err != nil {
			t.Fatalf("append cp: %v", err)
		}
	}

	// seq: 0 genesis(cp) 1 tx 2 cp 3 tx 4 tx 5 cp
	appendTx(1)
	appendCp(1)
	appendTx(2)
	appendTx(3)
	appendCp(2)

	pieces, ok := c.Pieces(3)
	if !ok {
		t.Fatal("expected pieces to be found for seq 3")
	}
	if pieces[0].Seq != 2 || pieces[len(pieces)-1].Seq != 5 {
		t.Fatalf("unexpected enclosure bounds: first=%d last=%d", pieces[0].Seq, pieces[len(pieces)-1].Seq)
	}

	enc, ok := c.Enclosure(3)
	if !ok {
		t.Fatal("expected enclosure to be found for seq 3")
	}
	if enc[0].Seq() != 2 || enc[len(enc)-1].Seq() != 5 {
		t.Fatalf("unexpected enclosure blocks: first=%d last=%d", enc[0].Seq(), enc[len(enc)-1].Seq())
	}

	if _, ok := c.Pieces(100); ok {
		t.Fatal("expected no enclosure for out-of-range seq")
	}
}

func TestSetValidityMonotone(t *testing.T) {
	sk, vk := mustKeys(t)
	_, otherVk := mustKeys(t)
	c, err := NewChain(vk, sk)
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}
	prev, _ := c.LastCompactHash()
	var n [32]byte
	tx, err := NewTxBlock(prev, 1, otherVk, n, []byte("tx"), vk, sk)
	if err != nil {
		t.Fatalf("new tx: %v", err)
	}
	if err := c.AppendTx(tx); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := c.SetValidity(1, Valid); err != nil {
		t.Fatalf("set validity: %v", err)
	}
	if tx.Validity != Valid {
		t.Fatalf("validity = %v, want Valid", tx.Validity)
	}
	if err := c.SetValidity(1, Invalid); err != nil {
		t.Fatalf("set validity: %v", err)
	}
	if tx.Validity != Valid {
		t.Fatalf("validity changed after being set once: %v", tx.Validity)
	}
}
