package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/pyropy/chunkmesh/core/availability"
	"github.com/pyropy/chunkmesh/core/catalog"
	"github.com/pyropy/chunkmesh/core/chunkstore"
	"github.com/pyropy/chunkmesh/core/model"
	"github.com/pyropy/chunkmesh/core/replication"
	"github.com/pyropy/chunkmesh/core/transport"
	"go.uber.org/zap"
)

var (
	ErrInvalidWorkspace = errors.New("invalid workspace id")
)

var workspaceID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Node owns the transport, the engine and the stores of the open workspace.
type Node struct {
	cfg       NodeConfig
	log       *zap.SugaredLogger
	registry  *prometheus.Registry
	transport *transport.HTTPTransport
	engine    *replication.Engine

	mu        sync.Mutex
	workspace *workspace
}

// workspace holds the per-workspace stores the engine does not own.
type workspace struct {
	id        string
	directory *availability.BoltDirectory
	files     *catalog.Store
	cancel    context.CancelFunc
	unobserve func()
}

func NewNode(cfg NodeConfig, log *zap.SugaredLogger) (*Node, error) {
	peers, err := transport.ParsePeers(cfg.Transport.Peers)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	tr := transport.New(transport.Options{
		Config: cfg.Transport,
		Peers:  peers,
		Logger: log.Named("transport"),
	})

	engine := replication.New(replication.Options{
		Config:     cfg.Replication,
		PeerID:     cfg.Transport.PeerID,
		Transport:  tr,
		Logger:     log.Named("replication"),
		Registerer: registry,
	})

	tr.OnPeerConnected(func(peerID string) {
		engine.TriggerSeedCycle()
	})

	return &Node{
		cfg:       cfg,
		log:       log,
		registry:  registry,
		transport: tr,
		engine:    engine,
	}, nil
}

// OpenWorkspace switches the node to workspace id, creating its stores under
// DATA_DIR/workspaces/<id> on first use.
func (n *Node) OpenWorkspace(id string) error {
	if !workspaceID.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidWorkspace, id)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.workspace != nil && n.workspace.id == id {
		return nil
	}

	dir := filepath.Join(n.cfg.Node.DataDir, "workspaces", id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	chunks, err := chunkstore.Open(filepath.Join(dir, "chunks"))
	if err != nil {
		return err
	}

	directory, err := availability.Open(filepath.Join(dir, "availability.db"))
	if err != nil {
		chunks.Close()
		return err
	}

	files, err := catalog.Open(filepath.Join(dir, "catalog"))
	if err != nil {
		chunks.Close()
		directory.Close()
		return err
	}

	err = n.engine.Open(replication.Workspace{
		ID:        id,
		Store:     chunks,
		Directory: directory,
		Files:     files,
	})
	if err != nil {
		chunks.Close()
		directory.Close()
		files.Close()
		return err
	}

	n.closeWorkspace()

	ctx, cancel := context.WithCancel(context.Background())
	ws := &workspace{
		id:        id,
		directory: directory,
		files:     files,
		cancel:    cancel,
	}

	ws.unobserve = directory.Observe(func(key string, entry model.AvailabilityEntry) {
		n.log.Debugw("availability", "key", key, "holders", entry.Holders)
	})

	monitor := catalog.NewDeletionMonitor(files, nil, n.log.Named("catalog"),
		catalog.PurgerFunc(func(_ context.Context, fileID string) (int, error) {
			return directory.PurgeFile(fileID)
		}),
		catalog.PurgerFunc(chunks.DeleteFile),
	)
	go monitor.Start(ctx)

	n.workspace = ws
	n.log.Infow("workspace", "status", "opened", "workspace", id, "path", dir)

	return nil
}

func (n *Node) closeWorkspace() {
	ws := n.workspace
	if ws == nil {
		return
	}
	n.workspace = nil

	ws.cancel()
	ws.unobserve()

	if err := ws.directory.Close(); err != nil {
		n.log.Warnw("workspace", "status", "closing availability directory failed", "workspace", ws.id, "error", err)
	}
	if err := ws.files.Close(); err != nil {
		n.log.Warnw("workspace", "status", "closing catalog failed", "workspace", ws.id, "error", err)
	}
}

func (n *Node) Workspace() (id string, files *catalog.Store, ok bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.workspace == nil {
		return "", nil, false
	}

	return n.workspace.id, n.workspace.files, true
}

func (n *Node) Directory() (*availability.BoltDirectory, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.workspace == nil {
		return nil, false
	}

	return n.workspace.directory, true
}

// Close stops the engine and releases the workspace stores.
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	err := n.engine.Close()
	n.closeWorkspace()

	return err
}
