package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/gin-gonic/gin"
	"github.com/pyropy/chunkmesh/lib/concurrent_map"
	"github.com/pyropy/chunkmesh/lib/logger"
	"github.com/pyropy/chunkmesh/rpc/mesh"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const (
	MessagesPath = "/mesh/v1/messages"
	PingPath     = "/mesh/v1/ping"
	PeerHeader   = "X-Mesh-Peer"

	MaxMessageSize = 32 << 20
)

var (
	ErrUnknownPeer     = errors.New("unknown peer")
	ErrPeerUnavailable = errors.New("peer unavailable")
	ErrRejected        = errors.New("message rejected by peer")
)

// Handler receives an inbound message. Handlers run on their own goroutine.
type Handler func(from string, env mesh.Envelope)

// HTTPTransport delivers mesh envelopes to peers as JSON over HTTP.
type HTTPTransport struct {
	selfID string
	client *http.Client
	clock  clock.Clock
	log    *zap.SugaredLogger

	Peers    *PeerRegistry
	handlers *concurrent_map.Map[mesh.MessageType, Handler]
	breakers *concurrent_map.Map[string, *gobreaker.CircuitBreaker]
	router   *gin.Engine

	mu          sync.RWMutex
	onConnected []func(peerID string)
}

type Options struct {
	Config Config
	Peers  map[string]string
	Client *http.Client
	Clock  clock.Clock
	Logger *zap.SugaredLogger
}

func New(opts Options) *HTTPTransport {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: opts.Config.SendTimeout}
	}

	router := gin.New()
	router.Use(gin.Recovery())

	t := &HTTPTransport{
		selfID:   opts.Config.PeerID,
		client:   opts.Client,
		clock:    opts.Clock,
		log:      logger.OrNop(opts.Logger),
		Peers:    NewPeerRegistry(opts.Config.ProbeInterval, opts.Config.UnhealthyThreshold),
		handlers: concurrent_map.NewMap[mesh.MessageType, Handler](),
		breakers: concurrent_map.NewMap[string, *gobreaker.CircuitBreaker](),
		router:   router,
	}

	for id, addr := range opts.Peers {
		if id == t.selfID {
			continue
		}
		t.AddPeer(id, addr)
	}

	router.POST(MessagesPath, t.handleMessage)
	router.GET(PingPath, t.handlePing)

	return t
}

func (t *HTTPTransport) SelfID() string {
	return t.selfID
}

// Router exposes the gin engine so callers can mount extra routes next to
// the mesh endpoints.
func (t *HTTPTransport) Router() *gin.Engine {
	return t.router
}

func (t *HTTPTransport) AddPeer(id, address string) {
	t.Peers.Add(id, address)

	if _, exists := t.breakers.Get(id); exists {
		return
	}

	t.breakers.Set(id, gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        fmt.Sprintf("peer-%s", id),
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			t.log.Infow("transport", "event", "breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	}))
}

func (t *HTTPTransport) ConnectedPeers() []string {
	return t.Peers.Connected()
}

func (t *HTTPTransport) RegisterHandler(msgType mesh.MessageType, h Handler) {
	t.handlers.Set(msgType, h)
}

func (t *HTTPTransport) UnregisterHandler(msgType mesh.MessageType) {
	t.handlers.Delete(msgType)
}

// OnPeerConnected registers fn to be called whenever a peer becomes reachable.
func (t *HTTPTransport) OnPeerConnected(fn func(peerID string)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.onConnected = append(t.onConnected, fn)
}

// Send posts env to the peer. Requests to a peer whose breaker is open fail
// immediately with ErrPeerUnavailable.
func (t *HTTPTransport) Send(ctx context.Context, peerID string, env mesh.Envelope) error {
	peer, exists := t.Peers.Get(peerID)
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}

	cb, exists := t.breakers.Get(peerID)
	if !exists {
		return t.post(ctx, peer, env)
	}

	_, err := (*cb).Execute(func() (interface{}, error) {
		return nil, t.post(ctx, peer, env)
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s: %v", ErrPeerUnavailable, peerID, err)
	}

	return err
}

func (t *HTTPTransport) post(ctx context.Context, peer Peer, env mesh.Envelope) error {
	body, err := mesh.Marshal(env)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s%s", peer.Address, MessagesPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(PeerHeader, t.selfID)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send %s to %s: %w", env.Type, peer.ID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s answered %d", ErrRejected, peer.ID, resp.StatusCode)
	}

	return nil
}

func (t *HTTPTransport) handleMessage(c *gin.Context) {
	from := c.GetHeader(PeerHeader)
	if from == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing " + PeerHeader})
		return
	}

	if !t.Peers.Known(from) {
		c.JSON(http.StatusForbidden, gin.H{"error": ErrUnknownPeer.Error()})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, MaxMessageSize))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
		return
	}

	env, err := mesh.Unmarshal(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	t.markHealthy(from)

	h, exists := t.handlers.Get(env.Type)
	if !exists {
		t.log.Debugw("transport", "event", "no handler", "type", env.Type, "from", from)
		c.JSON(http.StatusNotFound, gin.H{"error": "no handler for " + string(env.Type)})
		return
	}

	go (*h)(from, env)
	c.Status(http.StatusAccepted)
}

func (t *HTTPTransport) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, mesh.Ping{PeerID: t.selfID, Timestamp: mesh.Timestamp(t.clock.Now())})
}

// Ping checks that the peer answers and identifies itself with the expected ID.
func (t *HTTPTransport) Ping(ctx context.Context, peer Peer) error {
	url := fmt.Sprintf("http://%s%s", peer.Address, PingPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ping %s: status %d", peer.ID, resp.StatusCode)
	}

	var pong mesh.Ping
	if err := json.NewDecoder(resp.Body).Decode(&pong); err != nil {
		return fmt.Errorf("ping %s: %w", peer.ID, err)
	}

	if pong.PeerID != peer.ID {
		return fmt.Errorf("ping %s: address %s belongs to %q", peer.ID, peer.Address, pong.PeerID)
	}

	return nil
}

func (t *HTTPTransport) markHealthy(peerID string) {
	if joined := t.Peers.MarkHealthy(peerID, t.clock.Now()); joined {
		t.log.Infow("transport", "event", "peer connected", "peer", peerID)
		t.peerConnected(peerID)
	}
}

func (t *HTTPTransport) peerConnected(peerID string) {
	t.mu.RLock()
	callbacks := append([]func(string){}, t.onConnected...)
	t.mu.RUnlock()

	for _, fn := range callbacks {
		fn(peerID)
	}
}
