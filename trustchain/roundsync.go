package trustchain

import "github.com/tolelom/trustchain/network"

// RoundSyncer asks a newly connected peer for every consensus round this
// node has not yet recorded, so a node rejoining the network after a
// restart does not have to wait for the next live ACS round to learn
// rounds it missed.
type RoundSyncer struct {
	node   *network.Node
	runner *Runner
}

// NewRoundSyncer builds a RoundSyncer over node, driving runner.
func NewRoundSyncer(node *network.Node, runner *Runner) *RoundSyncer {
	return &RoundSyncer{node: node, runner: runner}
}

// SyncWithPeer requests every round from 1 up to upTo that this node has
// not already recorded, from the given peer.
func (s *RoundSyncer) SyncWithPeer(peerID string, upTo uint64) {
	for round := uint64(1); round <= upTo; round++ {
		if s.runner.HasRound(round) {
			continue
		}
		s.node.Unicast(peerID, network.MsgAskCons, round)
	}
}
