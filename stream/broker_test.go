package stream

import (
	"bytes"
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/pithecene-io/coapp/metrics"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func mustPull(t *testing.T, b *Broker, id int64, maxBytes int) Segment {
	t.Helper()
	seg, err := b.Pull(id, maxBytes)
	if err != nil {
		t.Fatalf("Pull(%d, %d) failed: %v", id, maxBytes, err)
	}
	return seg
}

func TestBroker_SplitsChunkAcrossPulls(t *testing.T) {
	b := NewBroker(Options{})
	id := b.Create(KindBinary)

	if err := b.Push(id, []byte("AAAA")); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if err := b.Push(id, []byte("BBBBBB")); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	seg := mustPull(t, b, id, 7)
	if string(seg.Data) != "AAAABBB" || !seg.More || seg.Retry {
		t.Fatalf("first pull = %q more=%v retry=%v, want AAAABBB more=true", seg.Data, seg.More, seg.Retry)
	}

	if err := b.Finish(id); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}

	seg = mustPull(t, b, id, 7)
	if string(seg.Data) != "BB" || seg.More {
		t.Fatalf("second pull = %q more=%v, want BB more=false", seg.Data, seg.More)
	}

	if _, err := b.Pull(id, 7); !errors.Is(err, ErrNoSuchStream) {
		t.Errorf("pull after final segment err = %v, want ErrNoSuchStream", err)
	}
}

func TestBroker_ChunkExactlyFillingRoomIsTakenWhole(t *testing.T) {
	b := NewBroker(Options{})
	id := b.Create(KindBinary)
	_ = b.Push(id, []byte("abc"))
	_ = b.Push(id, []byte("defg"))
	_ = b.Push(id, []byte("h"))

	seg := mustPull(t, b, id, 7)
	if string(seg.Data) != "abcdefg" {
		t.Fatalf("pull = %q, want abcdefg", seg.Data)
	}

	_ = b.Finish(id)
	seg = mustPull(t, b, id, 7)
	if string(seg.Data) != "h" || seg.More {
		t.Fatalf("pull = %q more=%v, want h more=false", seg.Data, seg.More)
	}
}

func TestBroker_TextSegments(t *testing.T) {
	b := NewBroker(Options{})
	id := b.CreateText("hello world")

	want := []struct {
		data string
		more bool
	}{
		{"hello", true},
		{" worl", true},
		{"d", false},
	}
	for i, w := range want {
		seg := mustPull(t, b, id, 5)
		if string(seg.Data) != w.data || seg.More != w.more {
			t.Errorf("pull %d = %q more=%v, want %q more=%v", i, seg.Data, seg.More, w.data, w.more)
		}
		if seg.Kind != KindText {
			t.Errorf("pull %d kind = %v, want text", i, seg.Kind)
		}
	}
	if b.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after drain", b.Len())
	}
}

func TestBroker_TextCutsOnRuneBoundary(t *testing.T) {
	b := NewBroker(Options{})
	id := b.CreateText("héllo")

	var got []string
	for {
		seg := mustPull(t, b, id, 2)
		got = append(got, string(seg.Data))
		if !seg.More {
			break
		}
	}

	want := []string{"h", "é", "ll", "o"}
	if len(got) != len(want) {
		t.Fatalf("segments = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("segment %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestBroker_WideRuneStillAdvances(t *testing.T) {
	b := NewBroker(Options{})
	id := b.CreateText("€x")

	seg := mustPull(t, b, id, 1)
	if string(seg.Data) != "€" || !seg.More {
		t.Fatalf("pull = %q more=%v, want € more=true", seg.Data, seg.More)
	}
	seg = mustPull(t, b, id, 1)
	if string(seg.Data) != "x" || seg.More {
		t.Fatalf("pull = %q more=%v, want x more=false", seg.Data, seg.More)
	}
}

func TestBroker_EmptyText(t *testing.T) {
	b := NewBroker(Options{})
	id := b.CreateText("")

	seg := mustPull(t, b, id, 0)
	if len(seg.Data) != 0 || seg.More || seg.Retry {
		t.Fatalf("pull = %+v, want empty final segment", seg)
	}
}

func TestBroker_BackpressureIsDistinctFromCompletion(t *testing.T) {
	b := NewBroker(Options{})

	binID := b.Create(KindBinary)
	for range 3 {
		seg := mustPull(t, b, binID, 0)
		if !seg.Retry || !seg.More || len(seg.Data) != 0 {
			t.Fatalf("empty running binary pull = %+v, want retry", seg)
		}
	}

	textID := b.Create(KindText)
	seg := mustPull(t, b, textID, 0)
	if !seg.Retry || !seg.More {
		t.Fatalf("text pull before SetText = %+v, want retry", seg)
	}

	// Draining everything while the producer runs leads back to retry.
	_ = b.Push(binID, []byte("xyz"))
	seg = mustPull(t, b, binID, 0)
	if string(seg.Data) != "xyz" || !seg.More || seg.Retry {
		t.Fatalf("pull = %+v, want xyz more=true", seg)
	}
	seg = mustPull(t, b, binID, 0)
	if !seg.Retry {
		t.Fatalf("pull after drain = %+v, want retry", seg)
	}

	// Finishing an empty entry yields an empty final segment.
	_ = b.Finish(binID)
	seg = mustPull(t, b, binID, 0)
	if seg.Retry || seg.More || len(seg.Data) != 0 {
		t.Fatalf("pull after finish = %+v, want empty final", seg)
	}
}

func TestBroker_ChunkConservation(t *testing.T) {
	for _, maxBytes := range []int{1, 7, 1000, MaxSegment} {
		b := NewBroker(Options{})
		id := b.Create(KindBinary)

		var pushed bytes.Buffer
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 200 {
				chunk := bytes.Repeat([]byte{byte(i)}, rand.IntN(1000)+1)
				pushed.Write(chunk)
				if err := b.Push(id, chunk); err != nil {
					t.Errorf("Push failed: %v", err)
					return
				}
			}
			_ = b.Finish(id)
		}()

		var pulled bytes.Buffer
		for {
			seg := mustPull(t, b, id, maxBytes)
			if len(seg.Data) > maxBytes {
				t.Fatalf("segment of %d bytes exceeds %d", len(seg.Data), maxBytes)
			}
			pulled.Write(seg.Data)
			if !seg.More {
				break
			}
		}
		wg.Wait()

		if !bytes.Equal(pulled.Bytes(), pushed.Bytes()) {
			t.Errorf("maxBytes=%d: pulled %d bytes, pushed %d, contents differ", maxBytes, pulled.Len(), pushed.Len())
		}
	}
}

func TestBroker_PushCopiesChunk(t *testing.T) {
	b := NewBroker(Options{})
	id := b.Create(KindBinary)

	buf := []byte("abc")
	_ = b.Push(id, buf)
	buf[0] = 'X'
	_ = b.Finish(id)

	if seg := mustPull(t, b, id, 0); string(seg.Data) != "abc" {
		t.Errorf("pull = %q, want abc", seg.Data)
	}
}

func TestBroker_FailureDeliveredOnceAfterData(t *testing.T) {
	b := NewBroker(Options{})
	id := b.Create(KindBinary)
	boom := errors.New("connection reset")

	_ = b.Push(id, []byte("partial"))
	if err := b.Fail(id, boom); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	seg := mustPull(t, b, id, 0)
	if string(seg.Data) != "partial" || !seg.More {
		t.Fatalf("pull = %+v, want buffered data with more=true", seg)
	}

	if _, err := b.Pull(id, 0); !errors.Is(err, boom) {
		t.Fatalf("pull err = %v, want %v", err, boom)
	}
	if _, err := b.Pull(id, 0); !errors.Is(err, ErrNoSuchStream) {
		t.Errorf("pull after error err = %v, want ErrNoSuchStream", err)
	}
}

func TestBroker_FailureWithEmptyBuffer(t *testing.T) {
	b := NewBroker(Options{})
	id := b.Create(KindText)
	boom := errors.New("404 Not Found")
	_ = b.Fail(id, boom)

	if _, err := b.Pull(id, 0); !errors.Is(err, boom) {
		t.Fatalf("pull err = %v, want %v", err, boom)
	}
	if b.Len() != 0 {
		t.Errorf("Len() = %d, want 0", b.Len())
	}
}

func TestBroker_ProducerErrors(t *testing.T) {
	b := NewBroker(Options{})

	textID := b.Create(KindText)
	if err := b.Push(textID, []byte("x")); !errors.Is(err, ErrWrongKind) {
		t.Errorf("Push to text err = %v, want ErrWrongKind", err)
	}

	binID := b.Create(KindBinary)
	if err := b.SetText(binID, "x"); !errors.Is(err, ErrWrongKind) {
		t.Errorf("SetText on binary err = %v, want ErrWrongKind", err)
	}

	_ = b.Finish(binID)
	if err := b.Push(binID, []byte("x")); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Push after Finish err = %v, want ErrNotRunning", err)
	}
	if err := b.Fail(binID, errors.New("late")); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Fail after Finish err = %v, want ErrNotRunning", err)
	}

	if err := b.Push(999, []byte("x")); !errors.Is(err, ErrNoSuchStream) {
		t.Errorf("Push to unknown err = %v, want ErrNoSuchStream", err)
	}
	if _, err := b.Pull(999, 0); !errors.Is(err, ErrNoSuchStream) {
		t.Errorf("Pull unknown err = %v, want ErrNoSuchStream", err)
	}
}

func TestBroker_IdleExpiry(t *testing.T) {
	clock := newFakeClock()
	m := metrics.NewCollector("sess", "test")
	b := NewBroker(Options{Now: clock.Now, Metrics: m})

	id := b.Create(KindBinary)
	_ = b.Push(id, []byte("data"))

	// Pulls reset the deadline.
	clock.Advance(20 * time.Second)
	mustPull(t, b, id, 0)
	clock.Advance(20 * time.Second)
	mustPull(t, b, id, 0)

	// Producer activity alone does not keep the entry alive.
	clock.Advance(25 * time.Second)
	_ = b.Push(id, []byte("more"))
	clock.Advance(5 * time.Second)

	if _, err := b.Pull(id, 0); !errors.Is(err, ErrNoSuchStream) {
		t.Fatalf("pull after idle timeout err = %v, want ErrNoSuchStream", err)
	}
	if err := b.Push(id, []byte("orphaned")); !errors.Is(err, ErrNoSuchStream) {
		t.Errorf("push after expiry err = %v, want ErrNoSuchStream", err)
	}
	if got := m.Snapshot().StreamsExpired; got != 1 {
		t.Errorf("StreamsExpired = %d, want 1", got)
	}
}

func TestBroker_Sweep(t *testing.T) {
	clock := newFakeClock()
	b := NewBroker(Options{Now: clock.Now, IdleTimeout: 10 * time.Second})

	stale := b.Create(KindBinary)
	clock.Advance(6 * time.Second)
	fresh := b.Create(KindBinary)
	clock.Advance(5 * time.Second)

	if removed := b.Sweep(); removed != 1 {
		t.Fatalf("Sweep() = %d, want 1", removed)
	}
	if _, err := b.Pull(stale, 0); !errors.Is(err, ErrNoSuchStream) {
		t.Errorf("stale entry still reachable: %v", err)
	}
	if _, err := b.Pull(fresh, 0); err != nil {
		t.Errorf("fresh entry lost: %v", err)
	}
}

func TestBroker_RunJanitor(t *testing.T) {
	b := NewBroker(Options{IdleTimeout: 20 * time.Millisecond})
	b.Create(KindBinary)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for b.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("janitor did not remove idle entry")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}
}

func TestBroker_IDsAreUnique(t *testing.T) {
	b := NewBroker(Options{})
	seen := make(map[int64]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := b.Create(KindBinary)
			mu.Lock()
			seen[id] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(seen) != 50 {
		t.Errorf("got %d distinct ids, want 50", len(seen))
	}
}
