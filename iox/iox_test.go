package iox

import (
	"bytes"
	"errors"
	"testing"
)

type spyCloser struct{ closed bool }

func (s *spyCloser) Close() error { s.closed = true; return errors.New("ignored") }

func TestDiscardClose(t *testing.T) {
	s := &spyCloser{}
	DiscardClose(s)
	if !s.closed {
		t.Fatal("Close was not called")
	}
}

func TestCloseFunc(t *testing.T) {
	s := &spyCloser{}
	fn := CloseFunc(s)
	if s.closed {
		t.Fatal("Close called before invoking returned func")
	}
	fn()
	if !s.closed {
		t.Fatal("Close was not called")
	}
}

func TestDiscardErr(t *testing.T) {
	called := false
	DiscardErr(func() error {
		called = true
		return errors.New("ignored")
	})
	if !called {
		t.Fatal("fn was not called")
	}
}

func TestNopCloser(t *testing.T) {
	if err := NopCloser().Close(); err != nil {
		t.Fatalf("Close() = %v, want nil", err)
	}
}

func TestCountingWriter(t *testing.T) {
	var buf bytes.Buffer
	var totals []int64
	w := NewCountingWriter(&buf, func(total int64) { totals = append(totals, total) })

	for _, chunk := range []string{"abc", "", "defgh"} {
		if _, err := w.Write([]byte(chunk)); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}

	if w.Count() != 8 {
		t.Errorf("Count() = %d, want 8", w.Count())
	}
	if buf.String() != "abcdefgh" {
		t.Errorf("underlying = %q", buf.String())
	}
	if len(totals) != 2 || totals[0] != 3 || totals[1] != 8 {
		t.Errorf("callback totals = %v, want [3 8]", totals)
	}
}
