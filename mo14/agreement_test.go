package mo14

import (
	"testing"

	"github.com/tolelom/trustchain/crypto"
)

type fakeNode struct {
	t    *testing.T
	key  crypto.PublicKey
	idx  int
	net  *fakeNetwork
	agr  *Agreement
}

func (f *fakeNode) BroadcastEst(round uint64, bit int) {
	for i, peer := range f.net.nodes {
		if i == f.idx {
			continue
		}
		if err := peer.agr.HandleEst(round, f.key, bit); err != nil && err != ErrReplay {
			f.t.Fatalf("node %d handling est: %v", i, err)
		}
	}
}

func (f *fakeNode) BroadcastAux(round uint64, bit int) {
	for i, peer := range f.net.nodes {
		if i == f.idx {
			continue
		}
		if err := peer.agr.HandleAux(round, f.key, bit); err != nil && err != ErrReplay {
			f.t.Fatalf("node %d handling aux: %v", i, err)
		}
	}
}

type fakeNetwork struct {
	nodes []*fakeNode
}

func newFakeAgreementNetwork(t *testing.T, n, tFault int, estimates []int) *fakeNetwork {
	net := &fakeNetwork{}
	net.nodes = make([]*fakeNode, n)
	for i := 0; i < n; i++ {
		_, vk, err := crypto.GenerateKeyPair()
		if err != nil {
			t.Fatalf("generate keypair: %v", err)
		}
		node := &fakeNode{t: t, key: vk, idx: i, net: net}
		node.agr = NewAgreement(n, tFault, vk, node, DefaultCoin{})
		net.nodes[i] = node
	}
	for i, node := range net.nodes {
		if err := node.agr.Start(estimates[i]); err != nil {
			t.Fatalf("start node %d: %v", i, err)
		}
	}
	return net
}

// Property 6: if all correct nodes input the same bit b, the decision is b.
func TestMO14UnanimousInputDecidesSameBit(t *testing.T) {
	const n, tFault = 4, 1
	estimates := []int{1, 1, 1, 1}
	net := newFakeAgreementNetwork(t, n, tFault, estimates)

	for i, node := range net.nodes {
		decided, v := node.agr.Decided()
		if !decided {
			t.Fatalf("node %d did not decide", i)
		}
		if v != 1 {
			t.Fatalf("node %d decided %d, want 1", i, v)
		}
	}
}

// Property 6: all correct nodes decide the same bit even with mixed input.
func TestMO14AllNodesAgree(t *testing.T) {
	const n, tFault = 4, 1
	estimates := []int{0, 1, 0, 1}
	net := newFakeAgreementNetwork(t, n, tFault, estimates)

	decided, first := net.nodes[0].agr.Decided()
	if !decided {
		t.Fatal("node 0 did not decide")
	}
	for i, node := range net.nodes {
		d, v := node.agr.Decided()
		if !d {
			t.Fatalf("node %d did not decide", i)
		}
		if v != first {
			t.Fatalf("node %d decided %d, want %d", i, v, first)
		}
	}
}
