// Package adapter defines the notification boundary for finished downloads.
//
// Adapters publish download outcome notifications to downstream systems.
// The host owns adapter lifecycle; users provide configuration only.
package adapter

import "context"

// Event types.
const (
	EventDownloadCompleted   = "download_completed"
	EventDownloadInterrupted = "download_interrupted"
)

// DownloadEvent is the payload published when a download reaches a
// terminal state.
type DownloadEvent struct {
	EventType     string `json:"event_type" msgpack:"event_type"`
	SessionID     string `json:"session_id" msgpack:"session_id"`
	DownloadID    int64  `json:"download_id" msgpack:"download_id"`
	URL           string `json:"url" msgpack:"url"`
	Filename      string `json:"filename" msgpack:"filename"`
	State         string `json:"state" msgpack:"state"`
	Error         string `json:"error,omitempty" msgpack:"error,omitempty"`
	TotalBytes    int64  `json:"total_bytes" msgpack:"total_bytes"`
	BytesReceived int64  `json:"bytes_received" msgpack:"bytes_received"`
	// Digest is the hex BLAKE3 digest of the written file, set on completion.
	Digest string `json:"digest,omitempty" msgpack:"digest,omitempty"`
	// ArchivePath is where the file was archived, if archiving is enabled.
	ArchivePath string `json:"archive_path,omitempty" msgpack:"archive_path,omitempty"`
	Timestamp   string `json:"timestamp" msgpack:"timestamp"` // RFC 3339
	DurationMs  int64  `json:"duration_ms" msgpack:"duration_ms"`
}

// Adapter publishes download events to a downstream system.
type Adapter interface {
	// Publish sends a download event to the downstream system.
	// Must respect context cancellation and deadlines.
	Publish(ctx context.Context, event *DownloadEvent) error

	// Close releases adapter resources.
	Close() error
}
