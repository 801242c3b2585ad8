package replication

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pyropy/chunkmesh/core/availability"
	"github.com/pyropy/chunkmesh/core/catalog"
	"github.com/pyropy/chunkmesh/core/chunkstore"
	"github.com/pyropy/chunkmesh/core/model"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type testEnv struct {
	engine *Engine
	tr     *fakeTransport
	store  *chunkstore.Store
	dir    availability.Directory
	files  *catalog.Store
}

// quietConfig keeps the periodic seeder out of the way unless a test drives it.
func quietConfig() Config {
	cfg := DefaultConfig()
	cfg.SeedInitialDelay = time.Hour
	cfg.SeedInterval = 2 * time.Hour

	return cfg
}

type envOption func(*Options, *Workspace)

func withClock(c clock.Clock) envOption {
	return func(o *Options, _ *Workspace) { o.Clock = c }
}

func withLogger(log *zap.SugaredLogger) envOption {
	return func(o *Options, _ *Workspace) { o.Logger = log }
}

func withDirectory(d availability.Directory) envOption {
	return func(_ *Options, ws *Workspace) { ws.Directory = d }
}

func newTestEnv(t *testing.T, tr *fakeTransport, cfg Config, opts ...envOption) *testEnv {
	t.Helper()

	env := &testEnv{
		tr:    tr,
		store: chunkstore.NewInMemory(),
		dir:   availability.NewMemoryDirectory(),
		files: catalog.NewInMemory(),
	}

	o := Options{
		Config:     cfg,
		PeerID:     tr.self,
		Transport:  tr,
		Logger:     zaptest.NewLogger(t).Sugar(),
		Registerer: prometheus.NewRegistry(),
		Rand:       rand.New(rand.NewSource(1)),
	}
	ws := Workspace{ID: "ws-test", Store: env.store, Files: env.files}

	for _, opt := range opts {
		opt(&o, &ws)
	}
	if ws.Directory == nil {
		ws.Directory = env.dir
	}
	env.dir = ws.Directory

	env.engine = New(o)
	if err := env.engine.Open(ws); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { env.engine.Close() })

	return env
}

// addFile registers a file in the catalog and stores its chunks locally,
// announcing this peer as holder.
func (env *testEnv) addFile(t *testing.T, fileID string, chunks uint32) model.FileMetadata {
	t.Helper()
	ctx := context.Background()

	f := model.NewFileMetadata(fileID, fileID+".bin", chunks, int64(chunks)*4)
	if err := env.files.Put(ctx, f); err != nil {
		t.Fatal(err)
	}

	for _, k := range f.ChunkKeys() {
		if err := env.engine.StoreChunk(ctx, k, record(k)); err != nil {
			t.Fatal(err)
		}
	}

	return f
}

func record(k model.ChunkKey) model.ChunkRecord {
	return model.ChunkRecord{
		Ciphertext: []byte("ct-" + k.String()),
		Nonce:      []byte("nonce-" + k.String()),
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}

	t.Fatalf("timed out waiting for %s", what)
}

func nextSend(t *testing.T, tr *fakeTransport) sentMessage {
	t.Helper()

	select {
	case m := <-tr.sent:
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("no message sent")
	}

	return sentMessage{}
}

func assertNoSend(t *testing.T, tr *fakeTransport, wait time.Duration) {
	t.Helper()

	select {
	case m := <-tr.sent:
		t.Fatalf("unexpected %s sent to %s", m.env.Type, m.peer)
	case <-time.After(wait):
	}
}

func TestSetChunkAvailabilityIsUnion(t *testing.T) {
	sets := [][]string{{"a", "b"}, {"b", "c"}, {"a"}, {"d", "c"}, {"b", "b"}}
	want := []string{"a", "b", "c", "d"}

	for _, dir := range []availability.Directory{availability.NewMemoryDirectory(), nil} {
		tr := newFakeTransport("me")
		var opts []envOption
		if dir != nil {
			opts = append(opts, withDirectory(dir))
		} else {
			bolt, err := availability.Open(t.TempDir() + "/availability.db")
			if err != nil {
				t.Fatal(err)
			}
			t.Cleanup(func() { bolt.Close() })
			opts = append(opts, withDirectory(bolt))
		}

		env := newTestEnv(t, tr, quietConfig(), opts...)

		for _, order := range [][]int{{0, 1, 2, 3, 4}, {4, 3, 2, 1, 0}} {
			fileID := fmt.Sprintf("f-%d", order[0])
			for _, i := range order {
				if _, err := env.engine.SetChunkAvailability(fileID, 0, sets[i]); err != nil {
					t.Fatal(err)
				}
			}

			entry, err := env.dir.Get(model.NewChunkKey(fileID, 0).String())
			if err != nil || entry == nil {
				t.Fatalf("Get() = %v, %v", entry, err)
			}
			if !reflect.DeepEqual(entry.Holders, want) {
				t.Fatalf("holders = %v, want %v", entry.Holders, want)
			}
		}

		var wg sync.WaitGroup
		for i := range sets {
			wg.Add(1)
			go func(holders []string) {
				defer wg.Done()
				env.engine.SetChunkAvailability("concurrent", 0, holders)
			}(sets[i])
		}
		wg.Wait()

		entry, _ := env.dir.Get(model.NewChunkKey("concurrent", 0).String())
		if entry == nil || !reflect.DeepEqual(entry.Holders, want) {
			t.Fatalf("concurrent holders = %v, want %v", entry, want)
		}
	}
}

func TestConcurrentSetChunkAvailabilityKeepsEveryHolder(t *testing.T) {
	env := newTestEnv(t, newFakeTransport("me"), quietConfig())

	for round := 0; round < 20; round++ {
		fileID := fmt.Sprintf("f-%d", round)

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if _, err := env.engine.SetChunkAvailability(fileID, 0, []string{fmt.Sprintf("peer-%02d", i)}); err != nil {
					t.Error(err)
				}
			}(i)
		}
		wg.Wait()

		entry, err := env.dir.Get(model.NewChunkKey(fileID, 0).String())
		if err != nil || entry == nil {
			t.Fatalf("Get() = %v, %v", entry, err)
		}
		if len(entry.Holders) != 20 {
			t.Fatalf("round %d: %d holders survived, want 20: %v", round, len(entry.Holders), entry.Holders)
		}
	}
}

func TestAnnounceAvailabilityOnlyLocalChunks(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, newFakeTransport("me"), quietConfig())

	for _, i := range []uint32{0, 2} {
		k := model.NewChunkKey("f1", i)
		if err := env.store.Put(ctx, k, record(k)); err != nil {
			t.Fatal(err)
		}
	}

	n, err := env.engine.AnnounceAvailability(ctx, "f1", 4)
	if err != nil || n != 2 {
		t.Fatalf("AnnounceAvailability() = %d, %v, want 2", n, err)
	}

	for i := uint32(0); i < 4; i++ {
		entry, _ := env.dir.Get(model.NewChunkKey("f1", i).String())
		held := entry != nil && entry.HasHolder("me")
		if held != (i%2 == 0) {
			t.Fatalf("chunk %d announced = %v", i, held)
		}
	}

	count, err := env.engine.GetLocalChunkCount(ctx, "f1", 4)
	if err != nil || count != 2 {
		t.Fatalf("GetLocalChunkCount() = %d, %v, want 2", count, err)
	}
}

func TestOpenSwitchesWorkspace(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, newFakeTransport("me"), quietConfig())
	env.addFile(t, "f1", 1)

	k := model.NewChunkKey("f1", 0)
	if _, err := env.engine.HandleChunkRequest(ctx, "b", requestFor(k, "r1")); err != nil {
		t.Fatal(err)
	}
	nextSend(t, env.tr)

	if env.engine.TransferStats().ChunksServed != 1 {
		t.Fatalf("stats = %+v", env.engine.TransferStats())
	}

	next := chunkstore.NewInMemory()
	err := env.engine.Open(Workspace{ID: "ws-2", Store: next, Directory: availability.NewMemoryDirectory(), Files: catalog.NewInMemory()})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := env.store.Get(ctx, k); !errors.Is(err, chunkstore.ErrStoreClosed) {
		t.Fatalf("previous store still open: %v", err)
	}

	if got := env.engine.TransferStats(); got != (model.TransferStats{}) {
		t.Fatalf("stats not reset on workspace switch: %+v", got)
	}

	count, err := env.engine.GetLocalChunkCount(ctx, "f1", 1)
	if err != nil || count != 0 {
		t.Fatalf("new workspace sees old chunks: %d, %v", count, err)
	}
}

func TestCloseUnregistersHandlers(t *testing.T) {
	env := newTestEnv(t, newFakeTransport("me"), quietConfig())

	if err := env.engine.Close(); err != nil {
		t.Fatal(err)
	}

	if env.tr.hasHandler("chunk-request") || env.tr.hasHandler("chunk-seed") || env.tr.hasHandler("chunk-response") {
		t.Fatal("handlers still registered after Close")
	}

	if _, err := env.engine.RequestChunkFromPeer(context.Background(), "f1", 0, nil); !errors.Is(err, ErrNoWorkspace) {
		t.Fatalf("RequestChunkFromPeer() after Close err = %v, want ErrNoWorkspace", err)
	}

	if err := env.engine.Close(); err != nil {
		t.Fatalf("second Close() err = %v", err)
	}
}

func TestResetStats(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, newFakeTransport("me", "b"), quietConfig())
	env.addFile(t, "f1", 1)

	if _, err := env.engine.HandleChunkRequest(ctx, "b", requestFor(model.NewChunkKey("f1", 0), "r1")); err != nil {
		t.Fatal(err)
	}
	if _, err := env.engine.RunSeedCycle(); err != nil {
		t.Fatal(err)
	}

	if env.engine.TransferStats().ChunksServed == 0 || env.engine.SeedingStats().LastSeedRun == nil {
		t.Fatal("expected counters before reset")
	}

	env.engine.ResetStats()

	if got := env.engine.TransferStats(); got != (model.TransferStats{}) {
		t.Fatalf("TransferStats() = %+v after reset", got)
	}
	if got := env.engine.SeedingStats(); got.ChunksSeeded != 0 || got.LastSeedRun != nil {
		t.Fatalf("SeedingStats() = %+v after reset", got)
	}
}

func TestOpenRequiresStores(t *testing.T) {
	e := New(Options{PeerID: "me", Transport: newFakeTransport("me")})

	if err := e.Open(Workspace{ID: "broken"}); err == nil {
		t.Fatal("Open() accepted a workspace without stores")
	}
}
