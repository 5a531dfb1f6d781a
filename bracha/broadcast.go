// Package bracha implements Bracha's 3-phase (init/echo/ready) reliable
// broadcast: a single designated sender's value is delivered identically at
// every correct node, tolerating up to t < n/3 Byzantine participants.
package bracha

import (
	"errors"
	"fmt"

	"github.com/tolelom/trustchain/crypto"
)

// Phase identifies which of the three Bracha messages is being carried.
type Phase int

const (
	Init Phase = iota
	Echo
	Ready
)

func (p Phase) String() string {
	switch p {
	case Init:
		return "init"
	case Echo:
		return "echo"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

// Egress is the capability an Instance is given at construction to emit its
// own echo/ready rebroadcasts. It never holds a back-reference to its
// owner; the owner supplies exactly this narrow interface.
type Egress interface {
	Broadcast(phase Phase, value []byte)
}

// ErrReplay is returned when a message targets an instance that has not
// been started yet; the caller should buffer and retry once the instance
// exists (§4.3, §7 InstanceNotLive).
var ErrReplay = errors.New("bracha: instance not live")

// Instance is one Bracha reliable-broadcast run for a single designated
// sender. Deliver happens at most once.
type Instance struct {
	n, t int
	egr  Egress

	initReceived bool

	echoSenders  map[string]map[string]bool // value -> sender -> seen
	readySenders map[string]map[string]bool

	echoSent  bool
	readySent bool

	delivered      bool
	deliveredValue []byte
}

// NewInstance creates a fresh Bracha instance for network size n and
// Byzantine bound t, emitting its own echo/ready messages through egr.
func NewInstance(n, t int, egr Egress) *Instance {
	return &Instance{
		n:            n,
		t:            t,
		egr:          egr,
		echoSenders:  make(map[string]map[string]bool),
		readySenders: make(map[string]map[string]bool),
	}
}

// echoThreshold is ceil((n+t+1)/2).
func (in *Instance) echoThreshold() int {
	return (in.n + in.t + 1 + 1) / 2
}

// readyEchoThreshold is t+1: enough to re-broadcast ready even without
// having echoed ourselves (amplification).
func (in *Instance) readyEchoThreshold() int { return in.t + 1 }

// readyDeliverThreshold is 2t+1.
func (in *Instance) readyDeliverThreshold() int { return 2*in.t + 1 }

// Delivered reports whether this instance has delivered, and the value.
func (in *Instance) Delivered() (bool, []byte) { return in.delivered, in.deliveredValue }

// HandleInit processes an init(v) message, expected to originate only from
// the instance's designated sender. A second init is silently dropped
// (Duplicate, §7).
func (in *Instance) HandleInit(value []byte) error {
	if in.initReceived {
		return nil
	}
	in.initReceived = true
	if !in.echoSent {
		in.echoSent = true
		in.egr.Broadcast(Echo, value)
	}
	return nil
}

// HandleEcho processes an echo(v) message from peer `from`.
func (in *Instance) HandleEcho(from crypto.PublicKey, value []byte) error {
	key := string(value)
	senders, ok := in.echoSenders[key]
	if !ok {
		senders = make(map[string]bool)
		in.echoSenders[key] = senders
	}
	fromKey := string(from)
	if senders[fromKey] {
		return nil // duplicate echo from same sender for same value
	}
	senders[fromKey] = true

	if len(senders) >= in.echoThreshold() && !in.readySent {
		in.readySent = true
		in.egr.Broadcast(Ready, value)
	}
	return nil
}

// HandleReady processes a ready(v) message from peer `from`.
func (in *Instance) HandleReady(from crypto.PublicKey, value []byte) error {
	key := string(value)
	senders, ok := in.readySenders[key]
	if !ok {
		senders = make(map[string]bool)
		in.readySenders[key] = senders
	}
	fromKey := string(from)
	if senders[fromKey] {
		return nil // duplicate ready from same sender for same value
	}
	senders[fromKey] = true

	if len(senders) >= in.readyEchoThreshold() && !in.readySent {
		in.readySent = true
		in.egr.Broadcast(Ready, value)
	}
	if len(senders) >= in.readyDeliverThreshold() && !in.delivered {
		in.delivered = true
		in.deliveredValue = value
	}
	return nil
}

// Handle dispatches an incoming message of the given phase to the right
// handler. from is ignored for Init (the designated sender is implicit in
// how the caller routed the message to this instance).
func (in *Instance) Handle(phase Phase, from crypto.PublicKey, value []byte) error {
	switch phase {
	case Init:
		return in.HandleInit(value)
	case Echo:
		return in.HandleEcho(from, value)
	case Ready:
		return in.HandleReady(from, value)
	default:
		return fmt.Errorf("bracha: unknown phase %v", phase)
	}
}

// Start is called by the designated sender to kick off its own broadcast:
// it sends init(v) to every other participant, then handles init locally
// so the sender emits its own echo as well.
func (in *Instance) Start(value []byte) error {
	in.egr.Broadcast(Init, value)
	return in.HandleInit(value)
}

// Key identifies a single Bracha instance by its designated sender and an
// arbitrary context tag (e.g. an ACS proposal slot or an MO14 round/phase).
type Key struct {
	Sender string
	Tag    string
}

// ManagerEgress is the broadcast capability handed to a Manager; unlike the
// per-instance Egress, it must also carry the instance key so the wire
// layer can address the message to the right remote instance.
type ManagerEgress interface {
	Broadcast(key Key, phase Phase, value []byte)
}

// Manager owns a dynamic set of Instances, keyed by Key, and implements the
// Replay discipline: messages for instances that have not been Started yet
// are rejected with ErrReplay rather than silently creating state, so the
// runner can buffer them until the context (round/proposal) is opened.
type Manager struct {
	n, t      int
	egr       ManagerEgress
	instances map[Key]*Instance
}

// NewManager creates an empty instance set for network size n and
// Byzantine bound t.
func NewManager(n, t int, egr ManagerEgress) *Manager {
	return &Manager{n: n, t: t, egr: egr, instances: make(map[Key]*Instance)}
}

type keyedEgress struct {
	key Key
	egr ManagerEgress
}

func (k keyedEgress) Broadcast(phase Phase, value []byte) { k.egr.Broadcast(k.key, phase, value) }

// Start opens a new instance for key, returning it. If it already exists,
// the existing instance is returned unchanged. Messages for key are only
// accepted once Start has been called.
func (m *Manager) Start(key Key) *Instance {
	if in, ok := m.instances[key]; ok {
		return in
	}
	in := NewInstance(m.n, m.t, keyedEgress{key: key, egr: m.egr})
	m.instances[key] = in
	return in
}

// Instance returns the live instance for key, or nil if not yet started.
func (m *Manager) Instance(key Key) *Instance {
	return m.instances[key]
}

// Handle routes an incoming message to the instance named by key. It
// returns ErrReplay if the instance has not been Started yet.
func (m *Manager) Handle(key Key, phase Phase, from crypto.PublicKey, value []byte) error {
	in, ok := m.instances[key]
	if !ok {
		return ErrReplay
	}
	return in.Handle(phase, from, value)
}
