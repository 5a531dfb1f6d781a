package acs

import (
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/tolelom/trustchain/bracha"
	"github.com/tolelom/trustchain/crypto"
)

type fakeNode struct {
	idx  int
	key  crypto.PublicKey
	net  *fakeNetwork
	inst *ACS
}

func (n *fakeNode) BroadcastBracha(proposerIdx int, phase bracha.Phase, value []byte) {
	n.net.deliverBracha(n.idx, proposerIdx, phase, value)
}

func (n *fakeNode) BroadcastEst(baIdx int, round uint64, bit int) {
	n.net.deliverEst(n.idx, baIdx, round, bit)
}

func (n *fakeNode) BroadcastAux(baIdx int, round uint64, bit int) {
	n.net.deliverAux(n.idx, baIdx, round, bit)
}

type fakeNetwork struct {
	t     *testing.T
	nodes []*fakeNode
}

func (net *fakeNetwork) deliverBracha(from, proposerIdx int, phase bracha.Phase, value []byte) {
	for i, n := range net.nodes {
		if i == from {
			continue
		}
		if err := n.inst.HandleBracha(proposerIdx, phase, net.nodes[from].key, value); err != nil {
			net.t.Fatalf("node %d handling bracha: %v", i, err)
		}
	}
}

func (net *fakeNetwork) deliverEst(from, baIdx int, round uint64, bit int) {
	for i, n := range net.nodes {
		if i == from {
			continue
		}
		if err := n.inst.HandleEst(baIdx, round, net.nodes[from].key, bit); err != nil {
			net.t.Fatalf("node %d handling est: %v", i, err)
		}
	}
}

func (net *fakeNetwork) deliverAux(from, baIdx int, round uint64, bit int) {
	for i, n := range net.nodes {
		if i == from {
			continue
		}
		if err := n.inst.HandleAux(baIdx, round, net.nodes[from].key, bit); err != nil {
			net.t.Fatalf("node %d handling aux: %v", i, err)
		}
	}
}

// TestACSOutput runs a 4-node, t=1 ACS to completion, where every promoter
// proposes its own value. Property 7: the agreed set has size >= n-t and
// is identical at every correct node.
func TestACSOutput(t *testing.T) {
	const n, tFault = 4, 1
	net := &fakeNetwork{t: t}
	net.nodes = make([]*fakeNode, n)
	for i := 0; i < n; i++ {
		_, vk, err := crypto.GenerateKeyPair()
		if err != nil {
			t.Fatalf("generate keypair: %v", err)
		}
		net.nodes[i] = &fakeNode{idx: i, key: vk, net: net}
	}
	for _, node := range net.nodes {
		node.inst = New(n, tFault, node.key, node, nil)
	}

	// Fan out every promoter's own proposal broadcast concurrently rather
	// than serially.
	var g errgroup.Group
	for i, node := range net.nodes {
		i, node := i, node
		g.Go(func() error {
			return node.inst.Propose(i, []byte{byte('A' + i)})
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("propose: %v", err)
	}

	var first map[int][]byte
	for i, node := range net.nodes {
		out, done := node.inst.Output()
		if !done {
			t.Fatalf("node %d did not complete ACS", i)
		}
		if len(out) < n-tFault {
			t.Fatalf("node %d output size %d < n-t (%d)", i, len(out), n-tFault)
		}
		if first == nil {
			first = out
			continue
		}
		if len(first) != len(out) {
			t.Fatalf("node %d output size %d differs from node 0's %d", i, len(out), len(first))
		}
		for k, v := range first {
			ov, ok := out[k]
			if !ok || string(ov) != string(v) {
				t.Fatalf("node %d disagrees with node 0 on proposer %d", i, k)
			}
		}
	}
}
