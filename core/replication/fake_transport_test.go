package replication

import (
	"context"
	"sync"

	"github.com/pyropy/chunkmesh/core/transport"
	"github.com/pyropy/chunkmesh/rpc/mesh"
)

type sentMessage struct {
	peer string
	env  mesh.Envelope
}

// fakeTransport records every send. Replies are scripted through onSend or,
// when attached to a fakeNet, delivered to the addressed engine.
type fakeTransport struct {
	self string
	net  *fakeNet

	mu        sync.Mutex
	connected []string
	handlers  map[mesh.MessageType]transport.Handler
	sendErr   map[string]error
	onSend    func(peer string, env mesh.Envelope)
	block     chan struct{}
	inFlight  int
	maxFlight int

	sent chan sentMessage
}

func newFakeTransport(self string, connected ...string) *fakeTransport {
	return &fakeTransport{
		self:      self,
		connected: connected,
		handlers:  make(map[mesh.MessageType]transport.Handler),
		sendErr:   make(map[string]error),
		sent:      make(chan sentMessage, 256),
	}
}

func (f *fakeTransport) Send(ctx context.Context, peerID string, env mesh.Envelope) error {
	f.mu.Lock()
	err := f.sendErr[peerID]
	block := f.block
	onSend := f.onSend
	f.inFlight++
	if f.inFlight > f.maxFlight {
		f.maxFlight = f.inFlight
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	f.sent <- sentMessage{peer: peerID, env: env}

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err != nil {
		return err
	}

	if onSend != nil {
		onSend(peerID, env)
	}

	if f.net != nil {
		f.net.deliver(f.self, peerID, env)
	}

	return nil
}

func (f *fakeTransport) ConnectedPeers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string{}, f.connected...)
}

func (f *fakeTransport) RegisterHandler(msgType mesh.MessageType, h transport.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.handlers[msgType] = h
}

func (f *fakeTransport) UnregisterHandler(msgType mesh.MessageType) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.handlers, msgType)
}

// deliver hands env to the registered handler and reports whether one existed.
func (f *fakeTransport) deliver(from string, env mesh.Envelope) bool {
	f.mu.Lock()
	h, exists := f.handlers[env.Type]
	f.mu.Unlock()

	if !exists {
		return false
	}

	h(from, env)
	return true
}

func (f *fakeTransport) setSendErr(peer string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sendErr[peer] = err
}

func (f *fakeTransport) setOnSend(fn func(peer string, env mesh.Envelope)) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.onSend = fn
}

func (f *fakeTransport) setBlock(ch chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.block = ch
}

func (f *fakeTransport) maxInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.maxFlight
}

func (f *fakeTransport) hasHandler(msgType mesh.MessageType) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, exists := f.handlers[msgType]
	return exists
}

// fakeNet connects fake transports so engines can talk to each other.
type fakeNet struct {
	mu    sync.Mutex
	nodes map[string]*fakeTransport
}

func newFakeNet() *fakeNet {
	return &fakeNet{nodes: make(map[string]*fakeTransport)}
}

// join adds a node connected to every node already on the net.
func (n *fakeNet) join(id string) *fakeTransport {
	n.mu.Lock()
	defer n.mu.Unlock()

	t := newFakeTransport(id)
	t.net = n

	for otherID, other := range n.nodes {
		other.mu.Lock()
		other.connected = append(other.connected, id)
		other.mu.Unlock()

		t.connected = append(t.connected, otherID)
	}

	n.nodes[id] = t
	return t
}

func (n *fakeNet) deliver(from, to string, env mesh.Envelope) {
	n.mu.Lock()
	target, exists := n.nodes[to]
	n.mu.Unlock()

	if exists {
		go target.deliver(from, env)
	}
}
