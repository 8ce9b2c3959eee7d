// Package iox provides I/O helpers for resource cleanup.
package iox

import (
	"io"
	"sync/atomic"
)

// DiscardClose closes c and discards the error.
// Use in defer statements where close errors are unactionable:
//
//	defer iox.DiscardClose(f)
func DiscardClose(c io.Closer) { _ = c.Close() }

// CloseFunc returns a cleanup function that closes c.
// Designed for t.Cleanup and b.Cleanup registration:
//
//	t.Cleanup(iox.CloseFunc(client))
func CloseFunc(c io.Closer) func() {
	return func() { _ = c.Close() }
}

// DiscardErr calls fn and discards the returned error.
// Use for non-Close cleanup calls (e.g. Flush) where errors are unactionable:
//
//	defer iox.DiscardErr(w.Flush)
func DiscardErr(fn func() error) { _ = fn() }

// NopCloser returns an io.Closer whose Close does nothing.
func NopCloser() io.Closer { return nopCloser{} }

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// CountingWriter counts bytes written through it and reports each write
// to an optional callback. Safe for concurrent reads of Count.
type CountingWriter struct {
	w       io.Writer
	n       atomic.Int64
	onWrite func(total int64)
}

// NewCountingWriter wraps w. onWrite may be nil.
func NewCountingWriter(w io.Writer, onWrite func(total int64)) *CountingWriter {
	return &CountingWriter{w: w, onWrite: onWrite}
}

func (c *CountingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	total := c.n.Add(int64(n))
	if c.onWrite != nil && n > 0 {
		c.onWrite(total)
	}
	return n, err
}

// Count returns the number of bytes written so far.
func (c *CountingWriter) Count() int64 { return c.n.Load() }
