// Package metrics provides per-session counters for the host.
//
// The Collector accumulates counters for a single host session (one browser
// connection). It is a leaf package with no internal dependencies. The host
// logs a Snapshot at shutdown.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all counters.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// RPC
	RequestsReceived int64
	RepliesOK        int64
	RepliesError     int64
	UnknownMethods   int64
	HandlerPanics    int64
	OrphanReplies    int64
	OutboundCalls    int64
	FrameErrors      int64

	// Streams
	StreamsCreated int64
	StreamsExpired int64
	BytesPulled    int64

	// Downloads
	DownloadsStarted     int64
	DownloadsCompleted   int64
	DownloadsInterrupted int64
	ArchiveWrites        int64
	ArchiveFailures      int64
	NotifyFailures       int64

	// Dimensions (informational, set at construction)
	SessionID string
	Version   string
}

// Collector accumulates counters during a host session.
// Thread-safe via sync.Mutex. All increment methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	requestsReceived int64
	repliesOK        int64
	repliesError     int64
	unknownMethods   int64
	handlerPanics    int64
	orphanReplies    int64
	outboundCalls    int64
	frameErrors      int64

	streamsCreated int64
	streamsExpired int64
	bytesPulled    int64

	downloadsStarted     int64
	downloadsCompleted   int64
	downloadsInterrupted int64
	archiveWrites        int64
	archiveFailures      int64
	notifyFailures       int64

	sessionID string
	version   string
}

// NewCollector creates a Collector with dimension labels.
func NewCollector(sessionID, version string) *Collector {
	return &Collector{sessionID: sessionID, version: version}
}

// add is the single mutation path; every exported method funnels through it.
func (c *Collector) add(field *int64, n int64) {
	c.mu.Lock()
	*field += n
	c.mu.Unlock()
}

// --- RPC ---

// IncRequestsReceived records an inbound request.
func (c *Collector) IncRequestsReceived() {
	if c == nil {
		return
	}
	c.add(&c.requestsReceived, 1)
}

// IncRepliesOK records a success reply sent to the extension.
func (c *Collector) IncRepliesOK() {
	if c == nil {
		return
	}
	c.add(&c.repliesOK, 1)
}

// IncRepliesError records an error reply sent to the extension.
func (c *Collector) IncRepliesError() {
	if c == nil {
		return
	}
	c.add(&c.repliesError, 1)
}

// IncUnknownMethods records a request for a method with no handler.
func (c *Collector) IncUnknownMethods() {
	if c == nil {
		return
	}
	c.add(&c.unknownMethods, 1)
}

// IncHandlerPanics records a recovered handler panic.
func (c *Collector) IncHandlerPanics() {
	if c == nil {
		return
	}
	c.add(&c.handlerPanics, 1)
}

// IncOrphanReplies records a response whose id matched no pending call.
func (c *Collector) IncOrphanReplies() {
	if c == nil {
		return
	}
	c.add(&c.orphanReplies, 1)
}

// IncOutboundCalls records a call issued to the extension.
func (c *Collector) IncOutboundCalls() {
	if c == nil {
		return
	}
	c.add(&c.outboundCalls, 1)
}

// IncFrameErrors records a fatal transport error.
func (c *Collector) IncFrameErrors() {
	if c == nil {
		return
	}
	c.add(&c.frameErrors, 1)
}

// --- Streams ---

// IncStreamsCreated records a new stream entry.
func (c *Collector) IncStreamsCreated() {
	if c == nil {
		return
	}
	c.add(&c.streamsCreated, 1)
}

// IncStreamsExpired records a stream removed for idleness.
func (c *Collector) IncStreamsExpired() {
	if c == nil {
		return
	}
	c.add(&c.streamsExpired, 1)
}

// AddBytesPulled records bytes handed to consumers.
func (c *Collector) AddBytesPulled(n int) {
	if c == nil {
		return
	}
	c.add(&c.bytesPulled, int64(n))
}

// --- Downloads ---
// Archive and notify counters are per-download, not per-retry.

// IncDownloadsStarted records a started download.
func (c *Collector) IncDownloadsStarted() {
	if c == nil {
		return
	}
	c.add(&c.downloadsStarted, 1)
}

// IncDownloadsCompleted records a download that reached complete.
func (c *Collector) IncDownloadsCompleted() {
	if c == nil {
		return
	}
	c.add(&c.downloadsCompleted, 1)
}

// IncDownloadsInterrupted records a failed or cancelled download.
func (c *Collector) IncDownloadsInterrupted() {
	if c == nil {
		return
	}
	c.add(&c.downloadsInterrupted, 1)
}

// IncArchiveWrites records a download copied to the archive.
func (c *Collector) IncArchiveWrites() {
	if c == nil {
		return
	}
	c.add(&c.archiveWrites, 1)
}

// IncArchiveFailures records a failed archive copy.
func (c *Collector) IncArchiveFailures() {
	if c == nil {
		return
	}
	c.add(&c.archiveFailures, 1)
}

// IncNotifyFailures records a notification that exhausted its retries.
func (c *Collector) IncNotifyFailures() {
	if c == nil {
		return
	}
	c.add(&c.notifyFailures, 1)
}

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all counters.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	return Snapshot{
		RequestsReceived: c.requestsReceived,
		RepliesOK:        c.repliesOK,
		RepliesError:     c.repliesError,
		UnknownMethods:   c.unknownMethods,
		HandlerPanics:    c.handlerPanics,
		OrphanReplies:    c.orphanReplies,
		OutboundCalls:    c.outboundCalls,
		FrameErrors:      c.frameErrors,

		StreamsCreated: c.streamsCreated,
		StreamsExpired: c.streamsExpired,
		BytesPulled:    c.bytesPulled,

		DownloadsStarted:     c.downloadsStarted,
		DownloadsCompleted:   c.downloadsCompleted,
		DownloadsInterrupted: c.downloadsInterrupted,
		ArchiveWrites:        c.archiveWrites,
		ArchiveFailures:      c.archiveFailures,
		NotifyFailures:       c.notifyFailures,

		SessionID: c.sessionID,
		Version:   c.version,
	}
}

// Fields renders the snapshot as log fields.
func (s Snapshot) Fields() map[string]any {
	return map[string]any{
		"requests_received":     s.RequestsReceived,
		"replies_ok":            s.RepliesOK,
		"replies_error":         s.RepliesError,
		"unknown_methods":       s.UnknownMethods,
		"handler_panics":        s.HandlerPanics,
		"orphan_replies":        s.OrphanReplies,
		"outbound_calls":        s.OutboundCalls,
		"frame_errors":          s.FrameErrors,
		"streams_created":       s.StreamsCreated,
		"streams_expired":       s.StreamsExpired,
		"bytes_pulled":          s.BytesPulled,
		"downloads_started":     s.DownloadsStarted,
		"downloads_completed":   s.DownloadsCompleted,
		"downloads_interrupted": s.DownloadsInterrupted,
		"archive_writes":        s.ArchiveWrites,
		"archive_failures":      s.ArchiveFailures,
		"notify_failures":       s.NotifyFailures,
	}
}
