// Package downloads runs file downloads in the background and reports their
// progress to the extension.
//
// Each download streams the response body to disk while hashing it with
// BLAKE3. When a download reaches a terminal state the file can be copied
// into an archive and a notification published; the entry stays queryable
// for the retention period and is then forgotten.
package downloads

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/pithecene-io/coapp/adapter"
	"github.com/pithecene-io/coapp/archive"
	"github.com/pithecene-io/coapp/fetch"
	"github.com/pithecene-io/coapp/iox"
	"github.com/pithecene-io/coapp/log"
	"github.com/pithecene-io/coapp/metrics"
	"github.com/pithecene-io/coapp/types"
)

// DefaultRetention is how long a finished entry remains searchable.
const DefaultRetention = 60 * time.Second

// DefaultOutputTimeout bounds archiving and notifying for one download.
const DefaultOutputTimeout = 30 * time.Second

// DefaultDirName is the download directory under the user's home.
const DefaultDirName = "dwhelper"

// abortedMessage is the error recorded for cancelled downloads.
const abortedMessage = "Aborted"

// namePattern extracts "name" and "ext" from the last path segment of a URL.
var namePattern = regexp.MustCompile(`/([^/]+?)(?:\.([a-z0-9]{1,5}))?(?:\?|#|$)`)

// State is the lifecycle state of a download.
type State string

const (
	StateInProgress  State = "in_progress"
	StateComplete    State = "complete"
	StateInterrupted State = "interrupted"
)

// Options are the download options sent by the extension.
type Options struct {
	URL       string               `json:"url"`
	Filename  string               `json:"filename,omitempty"`
	Directory string               `json:"directory,omitempty"`
	Headers   []fetch.Header       `json:"headers,omitempty"`
	Proxy     *types.ProxyEndpoint `json:"proxy,omitempty"`
	// RejectUnauthorized set to false accepts any TLS certificate.
	RejectUnauthorized *bool `json:"rejectUnauthorized,omitempty"`
}

// Entry is the state of one download as reported by downloads.search.
type Entry struct {
	TotalBytes    int64   `json:"totalBytes"`
	BytesReceived int64   `json:"bytesReceived"`
	URL           string  `json:"url"`
	Filename      string  `json:"filename"`
	State         State   `json:"state"`
	Error         *string `json:"error"`
	Digest        string  `json:"digest,omitempty"`
}

type download struct {
	id      int64
	entry   Entry
	started time.Time
	cancel  context.CancelFunc
	done    chan struct{}
}

// FilenameFromURL derives a file name from the URL path, or "file".
func FilenameFromURL(rawURL string) string {
	m := namePattern.FindStringSubmatch(rawURL)
	if m == nil {
		return "file"
	}
	if m[2] != "" {
		return m[1] + "." + m[2]
	}
	return m[1]
}

// DefaultDirectory returns ~/dwhelper.
func DefaultDirectory() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultDirName
	}
	return filepath.Join(home, DefaultDirName)
}

// Config configures a Manager.
type Config struct {
	Client *fetch.Client
	// Directory is the default target directory (default ~/dwhelper).
	Directory string
	// Retention defaults to DefaultRetention.
	Retention time.Duration
	// OutputTimeout defaults to DefaultOutputTimeout.
	OutputTimeout time.Duration
	// Archive, when set, receives a copy of every completed file.
	Archive *archive.Archive
	// Notifier, when set, is told about every finished download.
	Notifier  adapter.Adapter
	SessionID string
	Logger    *log.Logger
	Metrics   *metrics.Collector
}

// Manager owns all downloads of the process.
type Manager struct {
	cfg    Config
	logger *log.Logger

	mu        sync.Mutex
	nextID    int64
	downloads map[int64]*download

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Manager.
func New(cfg Config) *Manager {
	if cfg.Directory == "" {
		cfg.Directory = DefaultDirectory()
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.OutputTimeout <= 0 {
		cfg.OutputTimeout = DefaultOutputTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:       cfg,
		logger:    cfg.Logger,
		downloads: make(map[int64]*download),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Download starts a download and returns its id.
func (m *Manager) Download(opts Options) (int64, error) {
	if opts.URL == "" {
		return 0, errors.New("no URL specified")
	}
	filename := opts.Filename
	if filename == "" {
		filename = FilenameFromURL(opts.URL)
	}
	dir := opts.Directory
	if dir == "" {
		dir = m.cfg.Directory
	}

	ctx, cancel := context.WithCancel(m.ctx)

	m.mu.Lock()
	m.nextID++
	d := &download{
		id: m.nextID,
		entry: Entry{
			URL:      opts.URL,
			Filename: filepath.Join(dir, filename),
			State:    StateInProgress,
		},
		started: time.Now(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	m.downloads[d.id] = d
	m.mu.Unlock()

	m.cfg.Metrics.IncDownloadsStarted()
	m.logger.Info("download started", map[string]any{"download_id": d.id, "url": opts.URL, "filename": d.entry.Filename})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		m.run(ctx, d, fetch.Options{
			Headers:            opts.Headers,
			Proxy:              opts.Proxy,
			InsecureSkipVerify: opts.RejectUnauthorized != nil && !*opts.RejectUnauthorized,
		})
	}()
	return d.id, nil
}

func (m *Manager) run(ctx context.Context, d *download, opts fetch.Options) {
	digest, err := m.transfer(ctx, d, opts)
	m.finish(d, digest, err)
}

func (m *Manager) transfer(ctx context.Context, d *download, opts fetch.Options) (string, error) {
	path := d.entry.Filename
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}

	resp, err := m.cfg.Client.Do(ctx, d.entry.URL, opts)
	if err != nil {
		return "", err
	}
	defer iox.DiscardClose(resp.Body)

	if resp.ContentLength > 0 {
		m.update(d, func(e *Entry) { e.TotalBytes = resp.ContentLength })
	}

	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer iox.DiscardClose(f)

	hasher := blake3.New()
	w := iox.NewCountingWriter(io.MultiWriter(f, hasher), func(total int64) {
		m.update(d, func(e *Entry) { e.BytesReceived = total })
	})
	if _, err := io.Copy(w, resp.Body); err != nil {
		return "", err
	}
	if err := f.Sync(); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func (m *Manager) update(d *download, fn func(e *Entry)) {
	m.mu.Lock()
	fn(&d.entry)
	m.mu.Unlock()
}

func (m *Manager) finish(d *download, digest string, err error) {
	m.mu.Lock()
	if d.entry.State == StateInProgress {
		if err != nil {
			msg := err.Error()
			d.entry.State = StateInterrupted
			d.entry.Error = &msg
		} else {
			d.entry.State = StateComplete
			d.entry.Digest = digest
		}
	}
	entry := d.entry
	m.mu.Unlock()

	fields := map[string]any{"download_id": d.id, "state": string(entry.State), "bytes": entry.BytesReceived}
	if entry.State == StateComplete {
		m.cfg.Metrics.IncDownloadsCompleted()
		fields["digest"] = entry.Digest
		m.logger.Info("download finished", fields)
	} else {
		m.cfg.Metrics.IncDownloadsInterrupted()
		fields["error"] = *entry.Error
		m.logger.Warn("download interrupted", fields)
	}

	// Close cancels m.ctx before downloads finish; their outputs still go out.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(m.ctx), m.cfg.OutputTimeout)
	archivePath := m.archive(ctx, d.id, entry)
	m.notify(ctx, d, entry, archivePath)
	cancel()

	close(d.done)
	time.AfterFunc(m.cfg.Retention, func() { m.remove(d.id) })
}

func (m *Manager) archive(ctx context.Context, id int64, entry Entry) string {
	if m.cfg.Archive == nil || entry.State != StateComplete {
		return ""
	}
	key, err := m.cfg.Archive.PutFile(ctx, id, entry.Filename)
	if err != nil {
		m.cfg.Metrics.IncArchiveFailures()
		m.logger.Error("archive failed", map[string]any{"download_id": id, "error": err.Error()})
		return ""
	}
	m.cfg.Metrics.IncArchiveWrites()
	return key
}

func (m *Manager) notify(ctx context.Context, d *download, entry Entry, archivePath string) {
	if m.cfg.Notifier == nil {
		return
	}
	event := &adapter.DownloadEvent{
		EventType:     adapter.EventDownloadCompleted,
		SessionID:     m.cfg.SessionID,
		DownloadID:    d.id,
		URL:           entry.URL,
		Filename:      entry.Filename,
		State:         string(entry.State),
		TotalBytes:    entry.TotalBytes,
		BytesReceived: entry.BytesReceived,
		Digest:        entry.Digest,
		ArchivePath:   archivePath,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		DurationMs:    time.Since(d.started).Milliseconds(),
	}
	if entry.State != StateComplete {
		event.EventType = adapter.EventDownloadInterrupted
		event.Error = *entry.Error
	}
	if err := m.cfg.Notifier.Publish(ctx, event); err != nil {
		m.cfg.Metrics.IncNotifyFailures()
		m.logger.Warn("download notification failed", map[string]any{"download_id": d.id, "error": err.Error()})
	}
}

func (m *Manager) remove(id int64) {
	m.mu.Lock()
	delete(m.downloads, id)
	m.mu.Unlock()
}

// Search returns the entry for id as a list of zero or one element.
func (m *Manager) Search(id int64) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.downloads[id]
	if !ok {
		return []Entry{}
	}
	return []Entry{d.entry}
}

// Cancel interrupts a running download with the error "Aborted".
// Unknown or finished downloads are left alone.
func (m *Manager) Cancel(id int64) {
	m.mu.Lock()
	d, ok := m.downloads[id]
	if !ok || d.entry.State != StateInProgress {
		m.mu.Unlock()
		return
	}
	msg := abortedMessage
	d.entry.State = StateInterrupted
	d.entry.Error = &msg
	m.mu.Unlock()

	d.cancel()
	m.logger.Info("download cancelled", map[string]any{"download_id": id})
}

// Wait blocks until download id reaches a terminal state and returns its
// entry.
func (m *Manager) Wait(ctx context.Context, id int64) (Entry, error) {
	m.mu.Lock()
	d, ok := m.downloads[id]
	m.mu.Unlock()
	if !ok {
		return Entry{}, fmt.Errorf("no such download %d", id)
	}
	select {
	case <-d.done:
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return d.entry, nil
}

// Close interrupts running downloads and waits for them to finish.
func (m *Manager) Close() error {
	m.mu.Lock()
	for _, d := range m.downloads {
		if d.entry.State == StateInProgress {
			msg := abortedMessage
			d.entry.State = StateInterrupted
			d.entry.Error = &msg
		}
	}
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	return nil
}
