package trustchain

import (
	"github.com/tolelom/trustchain/chain"
	"github.com/tolelom/trustchain/crypto"
	"github.com/tolelom/trustchain/network"
)

// NetworkEgress adapts a network.Node into the Egress capability a Runner
// needs. Peers are addressed by the hex encoding of their ed25519 public
// key, so no separate address book is required: a node's network.NodeID
// and its crypto.PublicKey.Hex() are the same string by convention.
type NetworkEgress struct {
	node *network.Node
}

// NewNetworkEgress wraps node as an Egress.
func NewNetworkEgress(node *network.Node) *NetworkEgress {
	return &NetworkEgress{node: node}
}

func peerID(vk crypto.PublicKey) string { return vk.Hex() }

// PeerIDs maps a promoter set to the network.Node peer IDs they are
// addressed by, for callers (diagnostics, logging) that need to relate a
// promoter committee to network-layer peer identities.
func PeerIDs(vks []crypto.PublicKey) []string {
	ids := make([]string, len(vks))
	for i, vk := range vks {
		ids[i] = peerID(vk)
	}
	return ids
}

// consEnvelope pairs a round with its Cons for the wire, since Egress
// passes them as separate arguments.
type consEnvelope struct {
	Round uint64
	Cons  chain.Cons
}

func (e *NetworkEgress) SendTxReq(to crypto.PublicKey, req TxReq) {
	e.node.Unicast(peerID(to), network.MsgTxReq, req)
}

func (e *NetworkEgress) SendTxResp(to crypto.PublicKey, resp TxResp) {
	e.node.Unicast(peerID(to), network.MsgTxResp, resp)
}

func (e *NetworkEgress) SendValidationReq(to crypto.PublicKey, req ValidationReq) {
	e.node.Unicast(peerID(to), network.MsgValidationReq, req)
}

func (e *NetworkEgress) SendValidationResp(to crypto.PublicKey, resp ValidationResp) {
	e.node.Unicast(peerID(to), network.MsgValidationResp, resp)
}

func (e *NetworkEgress) SendSig(to crypto.PublicKey, msg SigWithRoundMsg) {
	e.node.Unicast(peerID(to), network.MsgSigWithRound, msg)
}

func (e *NetworkEgress) BroadcastCp(cp *chain.CpBlock) {
	e.node.Multicast(network.MsgCpBlock, cp)
}

func (e *NetworkEgress) BroadcastCons(round uint64, cons chain.Cons) {
	e.node.Multicast(network.MsgCons, consEnvelope{Round: round, Cons: cons})
}

func (e *NetworkEgress) SendCons(to crypto.PublicKey, round uint64, cons chain.Cons) {
	e.node.Unicast(peerID(to), network.MsgCons, consEnvelope{Round: round, Cons: cons})
}

// ACSMulticast broadcasts env to every connected peer. ACS/Bracha/MO14
// sub-messages are harmless to non-promoters (their instances simply never
// open for a round they don't participate in), so this does not restrict
// delivery to the current promoter set the way PromoterCast would.
func (e *NetworkEgress) ACSMulticast(env ACSEnvelope) {
	e.node.Multicast(network.MsgACS, env)
}
