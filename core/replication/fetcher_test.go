package replication

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pyropy/chunkmesh/core/model"
	"github.com/pyropy/chunkmesh/rpc/mesh"
)

type fetchResult struct {
	rec *model.ChunkRecord
	err error
}

func fetchAsync(e *Engine, fileID string, index uint32, holders []string) <-chan fetchResult {
	out := make(chan fetchResult, 1)
	go func() {
		rec, err := e.RequestChunkFromPeer(context.Background(), fileID, index, holders)
		out <- fetchResult{rec, err}
	}()

	return out
}

func waitResult(t *testing.T, ch <-chan fetchResult) fetchResult {
	t.Helper()

	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("fetch did not finish")
	}

	return fetchResult{}
}

// replyWith answers chunk requests sent to peer from that peer's point of view.
func replyWith(env *testEnv, peer string, rec model.ChunkRecord) func(string, mesh.Envelope) {
	return func(to string, e mesh.Envelope) {
		if to != peer || e.Type != mesh.TypeChunkRequest {
			return
		}

		var req mesh.ChunkRequest
		if err := e.Decode(&req); err != nil {
			return
		}

		resp, _ := mesh.NewEnvelope(mesh.TypeChunkResponse, mesh.ChunkResponse{
			RequestID:  req.RequestID,
			FileID:     req.FileID,
			ChunkIndex: req.ChunkIndex,
			Ciphertext: rec.Ciphertext,
			Nonce:      rec.Nonce,
		})
		go env.tr.deliver(peer, resp)
	}
}

func TestFetchLocalHitSkipsNetwork(t *testing.T) {
	env := newTestEnv(t, newFakeTransport("me", "b", "c"), quietConfig())
	env.addFile(t, "f1", 1)

	rec, err := env.engine.RequestChunkFromPeer(context.Background(), "f1", 0, []string{"b"})
	if err != nil {
		t.Fatal(err)
	}
	if string(rec.Ciphertext) != "ct-f1:0" {
		t.Fatalf("record = %q", rec.Ciphertext)
	}

	assertNoSend(t, env.tr, 50*time.Millisecond)

	if got := env.engine.TransferStats().ChunksFetched; got != 0 {
		t.Fatalf("local hit counted as fetch: %d", got)
	}
}

func TestFetchWithoutCandidatesFailsImmediately(t *testing.T) {
	env := newTestEnv(t, newFakeTransport("me"), quietConfig())

	_, err := env.engine.RequestChunkFromPeer(context.Background(), "f1", 0, nil)
	if !errors.Is(err, ErrChunkUnavailable) {
		t.Fatalf("err = %v, want ErrChunkUnavailable", err)
	}

	assertNoSend(t, env.tr, 50*time.Millisecond)

	if n := env.engine.current().tracker.Len(); n != 0 {
		t.Fatalf("%d pending requests left behind", n)
	}
}

func TestFetchRetriesAcrossPeersThenGivesUp(t *testing.T) {
	mock := clock.NewMock()
	env := newTestEnv(t, newFakeTransport("me", "b", "c"), quietConfig(), withClock(mock))

	result := fetchAsync(env.engine, "f1", 0, nil)

	var peers []string
	for i := 0; i < 3; i++ {
		m := nextSend(t, env.tr)
		if m.env.Type != mesh.TypeChunkRequest {
			t.Fatalf("sent %s, want chunk-request", m.env.Type)
		}
		peers = append(peers, m.peer)
		mock.Add(15 * time.Second)
	}

	r := waitResult(t, result)
	if !errors.Is(r.err, ErrChunkUnavailable) || r.rec != nil {
		t.Fatalf("fetch = %v, %v, want ErrChunkUnavailable", r.rec, r.err)
	}

	want := []string{"b", "c", "b"}
	for i := range want {
		if peers[i] != want[i] {
			t.Fatalf("attempt peers = %v, want %v", peers, want)
		}
	}

	assertNoSend(t, env.tr, 50*time.Millisecond)

	if got := testutil.ToFloat64(env.engine.stats.metrics.fetchAttempts.WithLabelValues("timeout")); got != 3 {
		t.Fatalf("timeout attempts = %v, want 3", got)
	}
}

func TestFetchDoesNotRetryBeforeTimeout(t *testing.T) {
	mock := clock.NewMock()
	env := newTestEnv(t, newFakeTransport("me", "b"), quietConfig(), withClock(mock))

	result := fetchAsync(env.engine, "f1", 0, nil)
	nextSend(t, env.tr)

	mock.Add(14 * time.Second)
	assertNoSend(t, env.tr, 50*time.Millisecond)

	mock.Add(time.Second)
	nextSend(t, env.tr)

	env.engine.Close()
	if r := waitResult(t, result); !errors.Is(r.err, ErrAborted) {
		t.Fatalf("err = %v, want ErrAborted", r.err)
	}
}

func TestFetchPrefersConnectedHolders(t *testing.T) {
	env := newTestEnv(t, newFakeTransport("me", "b", "c", "d"), quietConfig())
	k := model.NewChunkKey("f1", 0)
	env.tr.setOnSend(replyWith(env, "d", record(k)))

	rec, err := env.engine.RequestChunkFromPeer(context.Background(), "f1", 0, []string{"x", "d"})
	if err != nil {
		t.Fatal(err)
	}
	if string(rec.Nonce) != string(record(k).Nonce) {
		t.Fatalf("record = %+v", rec)
	}

	if m := nextSend(t, env.tr); m.peer != "d" {
		t.Fatalf("first request went to %s, want holder d", m.peer)
	}
}

func TestFetchConsultsDirectoryHolders(t *testing.T) {
	env := newTestEnv(t, newFakeTransport("me", "b", "c"), quietConfig())
	k := model.NewChunkKey("f1", 0)
	env.tr.setOnSend(replyWith(env, "c", record(k)))

	if _, err := env.engine.SetChunkAvailability("f1", 0, []string{"c"}); err != nil {
		t.Fatal(err)
	}

	if _, err := env.engine.RequestChunkFromPeer(context.Background(), "f1", 0, nil); err != nil {
		t.Fatal(err)
	}

	if m := nextSend(t, env.tr); m.peer != "c" {
		t.Fatalf("request went to %s, want directory holder c", m.peer)
	}
}

func TestFetchFallsBackToAnyConnectedPeer(t *testing.T) {
	env := newTestEnv(t, newFakeTransport("me", "b"), quietConfig())
	k := model.NewChunkKey("f1", 0)
	env.tr.setOnSend(replyWith(env, "b", record(k)))

	if _, err := env.engine.RequestChunkFromPeer(context.Background(), "f1", 0, []string{"offline"}); err != nil {
		t.Fatal(err)
	}

	if m := nextSend(t, env.tr); m.peer != "b" {
		t.Fatalf("request went to %s, want b", m.peer)
	}
}

func TestFetchPersistsAndCounts(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, newFakeTransport("me", "b"), quietConfig())
	k := model.NewChunkKey("f1", 3)
	env.tr.setOnSend(replyWith(env, "b", record(k)))

	rec, err := env.engine.RequestChunkFromPeer(ctx, "f1", 3, []string{"b"})
	if err != nil {
		t.Fatal(err)
	}

	stored, err := env.store.Get(ctx, k)
	if err != nil {
		t.Fatalf("fetched chunk not persisted: %v", err)
	}
	if string(stored.Ciphertext) != string(rec.Ciphertext) {
		t.Fatalf("stored %q, returned %q", stored.Ciphertext, rec.Ciphertext)
	}

	stats := env.engine.TransferStats()
	if stats.ChunksFetched != 1 || stats.BytesFetched != uint64(len(record(k).Ciphertext)) {
		t.Fatalf("stats = %+v", stats)
	}

	if got := testutil.ToFloat64(env.engine.stats.metrics.chunksFetched); got != 1 {
		t.Fatalf("chunks fetched metric = %v", got)
	}
}

func TestFetchSendFailureMovesOnWithoutWaiting(t *testing.T) {
	mock := clock.NewMock()
	env := newTestEnv(t, newFakeTransport("me", "b", "c"), quietConfig(), withClock(mock))
	k := model.NewChunkKey("f1", 0)

	env.tr.setSendErr("b", errors.New("connection refused"))
	env.tr.setOnSend(replyWith(env, "c", record(k)))

	r := waitResult(t, fetchAsync(env.engine, "f1", 0, nil))
	if r.err != nil {
		t.Fatalf("fetch err = %v", r.err)
	}

	if first, second := nextSend(t, env.tr), nextSend(t, env.tr); first.peer != "b" || second.peer != "c" {
		t.Fatalf("attempts went to %s, %s", first.peer, second.peer)
	}

	if n := env.engine.current().tracker.Len(); n != 0 {
		t.Fatalf("%d pending requests left behind", n)
	}
}

func TestFetchMalformedResponseRejectsOnlyThatAttempt(t *testing.T) {
	env := newTestEnv(t, newFakeTransport("me", "b", "c"), quietConfig())
	k := model.NewChunkKey("f1", 0)
	good := replyWith(env, "c", record(k))

	env.tr.setOnSend(func(to string, e mesh.Envelope) {
		if to != "b" {
			good(to, e)
			return
		}

		var req mesh.ChunkRequest
		e.Decode(&req)
		bad, _ := mesh.NewEnvelope(mesh.TypeChunkResponse, map[string]any{
			"requestId": req.RequestID,
			"fileId":    req.FileID,
		})
		go env.tr.deliver("b", bad)
	})

	rec, err := env.engine.RequestChunkFromPeer(context.Background(), "f1", 0, nil)
	if err != nil {
		t.Fatalf("fetch err = %v", err)
	}
	if string(rec.Ciphertext) != string(record(k).Ciphertext) {
		t.Fatalf("record = %+v", rec)
	}

	if got := testutil.ToFloat64(env.engine.stats.metrics.fetchAttempts.WithLabelValues("malformed")); got != 1 {
		t.Fatalf("malformed attempts = %v, want 1", got)
	}
}

func TestCloseAbortsPendingFetches(t *testing.T) {
	env := newTestEnv(t, newFakeTransport("me", "b"), quietConfig())

	first := fetchAsync(env.engine, "f1", 0, nil)
	second := fetchAsync(env.engine, "f1", 1, nil)
	nextSend(t, env.tr)
	nextSend(t, env.tr)

	if err := env.engine.Close(); err != nil {
		t.Fatal(err)
	}

	for _, ch := range []<-chan fetchResult{first, second} {
		if r := waitResult(t, ch); !errors.Is(r.err, ErrAborted) {
			t.Fatalf("err = %v, want ErrAborted", r.err)
		}
	}
}

func TestLateResponseIsIgnored(t *testing.T) {
	env := newTestEnv(t, newFakeTransport("me", "b"), quietConfig())

	resp, _ := mesh.NewEnvelope(mesh.TypeChunkResponse, mesh.ChunkResponse{
		RequestID:  "no-such-request",
		FileID:     "f1",
		Ciphertext: []byte("x"),
		Nonce:      []byte("n"),
	})

	if !env.tr.deliver("b", resp) {
		t.Fatal("response handler not registered")
	}

	if got := env.engine.TransferStats().ChunksFetched; got != 0 {
		t.Fatalf("unsolicited response counted: %d", got)
	}
}

func TestWorkspaceSwitchDuringBlockedSendStopsRetries(t *testing.T) {
	env := newTestEnv(t, newFakeTransport("me", "b", "c"), quietConfig())

	block := make(chan struct{})
	env.tr.setBlock(block)
	env.tr.setSendErr("b", errors.New("connection reset"))

	result := fetchAsync(env.engine, "f1", 0, []string{"b", "c"})
	if m := nextSend(t, env.tr); m.peer != "b" {
		t.Fatalf("first attempt went to %s, want b", m.peer)
	}

	if err := env.engine.Close(); err != nil {
		t.Fatal(err)
	}
	close(block)

	if r := waitResult(t, result); !errors.Is(r.err, ErrAborted) {
		t.Fatalf("err = %v, want ErrAborted", r.err)
	}
	assertNoSend(t, env.tr, 100*time.Millisecond)
}

func TestResponseFromOtherPeerIsIgnored(t *testing.T) {
	mock := clock.NewMock()
	env := newTestEnv(t, newFakeTransport("me", "b", "c"), quietConfig(), withClock(mock))
	k := model.NewChunkKey("f1", 0)

	forged := replyWith(env, "c", model.ChunkRecord{Ciphertext: []byte("forged"), Nonce: []byte("n")})
	env.tr.setOnSend(func(to string, e mesh.Envelope) {
		if to == "b" {
			forged("c", e)
		}
	})

	result := fetchAsync(env.engine, "f1", 0, []string{"b"})
	nextSend(t, env.tr)

	select {
	case r := <-result:
		t.Fatalf("fetch settled by a peer it never asked: %+v", r)
	case <-time.After(100 * time.Millisecond):
	}

	if got := env.engine.TransferStats().ChunksFetched; got != 0 {
		t.Fatalf("forged response counted: %d", got)
	}
	if ok, _ := env.store.Has(context.Background(), k); ok {
		t.Fatal("forged chunk persisted")
	}

	env.engine.Close()
	if r := waitResult(t, result); !errors.Is(r.err, ErrAborted) {
		t.Fatalf("err = %v, want ErrAborted", r.err)
	}
}
