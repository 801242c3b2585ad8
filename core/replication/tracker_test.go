package replication

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/pyropy/chunkmesh/core/model"
)

func TestTrackerSettlesOnce(t *testing.T) {
	mock := clock.NewMock()
	tr := NewTracker(mock, 15*time.Second)
	k := model.NewChunkKey("f1", 0)

	p, err := tr.Register(k, "b")
	if err != nil || p.ID == "" || tr.Len() != 1 {
		t.Fatalf("Register() = %+v, pending %d", p, tr.Len())
	}

	if !tr.Resolve(p.ID, "b", k, model.ChunkRecord{Ciphertext: []byte("c"), Nonce: []byte("n")}) {
		t.Fatal("Resolve() of a pending request returned false")
	}
	if tr.Resolve(p.ID, "b", k, model.ChunkRecord{}) || tr.Reject(p.ID, "b", ErrAborted) {
		t.Fatal("request settled twice")
	}

	mock.Add(time.Minute)

	r := <-p.done
	if r.err != nil || string(r.record.Ciphertext) != "c" {
		t.Fatalf("response = %+v", r)
	}

	select {
	case extra := <-p.done:
		t.Fatalf("second settlement delivered: %+v", extra)
	default:
	}
}

func TestTrackerTimeout(t *testing.T) {
	mock := clock.NewMock()
	tr := NewTracker(mock, 15*time.Second)

	p, _ := tr.Register(model.NewChunkKey("f1", 0), "b")
	mock.Add(15 * time.Second)

	select {
	case r := <-p.done:
		if !errors.Is(r.err, ErrRequestTimeout) {
			t.Fatalf("err = %v, want ErrRequestTimeout", r.err)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout did not fire")
	}

	if tr.Len() != 0 {
		t.Fatalf("pending = %d after timeout", tr.Len())
	}
}

func TestTrackerCancelAndAbort(t *testing.T) {
	mock := clock.NewMock()
	tr := NewTracker(mock, 15*time.Second)

	cancelled, _ := tr.Register(model.NewChunkKey("f1", 0), "b")
	tr.Cancel(cancelled.ID)

	a, _ := tr.Register(model.NewChunkKey("f1", 1), "b")
	b, _ := tr.Register(model.NewChunkKey("f1", 2), "c")

	if n := tr.AbortAll(); n != 2 {
		t.Fatalf("AbortAll() = %d, want 2", n)
	}

	for _, p := range []*pendingRequest{a, b} {
		if r := <-p.done; !errors.Is(r.err, ErrAborted) {
			t.Fatalf("err = %v, want ErrAborted", r.err)
		}
	}

	mock.Add(time.Minute)
	select {
	case r := <-cancelled.done:
		t.Fatalf("cancelled request settled: %+v", r)
	default:
	}
}

func TestTrackerRefusesRegistrationAfterAbort(t *testing.T) {
	tr := NewTracker(clock.NewMock(), 15*time.Second)
	tr.AbortAll()

	if p, err := tr.Register(model.NewChunkKey("f1", 0), "b"); !errors.Is(err, ErrAborted) || p != nil {
		t.Fatalf("Register() after AbortAll = %v, %v, want ErrAborted", p, err)
	}
	if tr.Len() != 0 {
		t.Fatalf("pending = %d after refused registration", tr.Len())
	}
}

func TestTrackerIgnoresOtherSenders(t *testing.T) {
	tr := NewTracker(clock.NewMock(), 15*time.Second)
	k := model.NewChunkKey("f1", 0)

	p, err := tr.Register(k, "b")
	if err != nil {
		t.Fatal(err)
	}

	if tr.Resolve(p.ID, "mallory", k, model.ChunkRecord{Ciphertext: []byte("forged"), Nonce: []byte("n")}) {
		t.Fatal("Resolve() accepted a response from a peer the request was not sent to")
	}
	if tr.Reject(p.ID, "mallory", ErrMalformedResponse) {
		t.Fatal("Reject() accepted a peer the request was not sent to")
	}

	if !tr.Resolve(p.ID, "b", k, model.ChunkRecord{Ciphertext: []byte("c"), Nonce: []byte("n")}) {
		t.Fatal("Resolve() from the addressed peer returned false")
	}
	if r := <-p.done; string(r.record.Ciphertext) != "c" {
		t.Fatalf("response = %+v", r)
	}
}

func TestTrackerConcurrentRegisterAndAbort(t *testing.T) {
	tr := NewTracker(clock.New(), time.Minute)

	var wg sync.WaitGroup
	results := make(chan *pendingRequest, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if p, err := tr.Register(model.NewChunkKey("f1", uint32(i)), "b"); err == nil {
				results <- p
			}
		}(i)
	}

	tr.AbortAll()
	wg.Wait()
	close(results)

	for p := range results {
		select {
		case r := <-p.done:
			if !errors.Is(r.err, ErrAborted) {
				t.Fatalf("err = %v, want ErrAborted", r.err)
			}
		case <-time.After(time.Second):
			t.Fatalf("request %s registered before abort was never settled", p.ID)
		}
	}
}
