// Package stream implements the chunked pull protocol that moves large or
// incrementally produced data across the native messaging channel.
//
// A producer creates an entry and pushes data into it; the extension pulls
// bounded segments through follow-up RPC calls until a segment reports
// More == false. Entries nobody pulls for the idle timeout are dropped.
package stream

import (
	"context"
	"errors"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/pithecene-io/coapp/log"
	"github.com/pithecene-io/coapp/metrics"
)

const (
	// MaxSegment bounds the data carried by one segment.
	MaxSegment = 50000
	// DefaultIdleTimeout is how long an entry survives without a pull.
	DefaultIdleTimeout = 30 * time.Second
)

var (
	// ErrNoSuchStream is returned for ids that were never created, were
	// fully drained, delivered their error, or expired.
	ErrNoSuchStream = errors.New("no such stream")
	// ErrWrongKind is returned when a binary operation targets a text
	// entry or the reverse.
	ErrWrongKind = errors.New("wrong stream kind")
	// ErrNotRunning is returned when a producer writes after finishing or
	// failing.
	ErrNotRunning = errors.New("stream producer already terminated")
)

// Kind is the payload kind of an entry.
type Kind int

const (
	// KindText entries hold a complete string set at once.
	KindText Kind = iota + 1
	// KindBinary entries hold a FIFO of byte chunks fed incrementally.
	KindBinary
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindBinary:
		return "binary"
	default:
		return "unknown"
	}
}

type producerState int

const (
	stateRunning producerState = iota
	stateFinished
	stateFailed
)

// Segment is the outcome of one pull.
//
// Retry means the producer is still running but nothing is buffered: the
// caller should pull again later. A Retry segment always has More set and
// no data, so it can never be mistaken for the end of the stream.
type Segment struct {
	Kind  Kind
	Data  []byte
	More  bool
	Retry bool
}

type entry struct {
	kind     Kind
	state    producerState
	err      error
	deadline time.Time

	// binary
	chunks [][]byte

	// text
	text   string
	cursor int
}

func (e *entry) buffered() bool {
	if e.kind == KindBinary {
		return len(e.chunks) > 0
	}
	return e.cursor < len(e.text)
}

// Options configures a Broker. Zero values select defaults.
type Options struct {
	IdleTimeout time.Duration
	// Now is the clock; tests substitute a fake one.
	Now     func() time.Time
	Logger  *log.Logger
	Metrics *metrics.Collector
}

// Broker owns all live stream entries.
// All entry state is guarded by one mutex, so expiry and pulls never
// interleave.
type Broker struct {
	mu      sync.Mutex
	entries map[int64]*entry
	nextID  int64

	idle    time.Duration
	now     func() time.Time
	logger  *log.Logger
	metrics *metrics.Collector
}

// NewBroker creates an empty broker.
func NewBroker(opts Options) *Broker {
	b := &Broker{
		entries: make(map[int64]*entry),
		idle:    opts.IdleTimeout,
		now:     opts.Now,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
	if b.idle <= 0 {
		b.idle = DefaultIdleTimeout
	}
	if b.now == nil {
		b.now = time.Now
	}
	if b.logger == nil {
		b.logger = log.NewNop()
	}
	return b
}

// Create allocates a running entry of the given kind and returns its id.
// Ids start at 1 and are never reused.
func (b *Broker) Create(kind Kind) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.entries[id] = &entry{kind: kind, deadline: b.now().Add(b.idle)}
	b.metrics.IncStreamsCreated()
	return id
}

// CreateText allocates a finished text entry holding s.
func (b *Broker) CreateText(s string) int64 {
	id := b.Create(KindText)
	// Cannot fail: the entry was just created and nothing else knows its id.
	_ = b.SetText(id, s)
	return id
}

// lookup returns a live entry, removing it first if its deadline passed.
// Caller holds b.mu.
func (b *Broker) lookup(id int64) (*entry, error) {
	e, ok := b.entries[id]
	if !ok {
		return nil, ErrNoSuchStream
	}
	if !b.now().Before(e.deadline) {
		b.expire(id)
		return nil, ErrNoSuchStream
	}
	return e, nil
}

func (b *Broker) expire(id int64) {
	delete(b.entries, id)
	b.metrics.IncStreamsExpired()
	b.logger.Debug("stream expired", map[string]any{"stream_id": id})
}

// Push appends a chunk to a running binary entry.
// The chunk is copied. Returns ErrNoSuchStream once the entry is gone, so
// producers can stop feeding an abandoned stream.
func (b *Broker) Push(id int64, chunk []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, err := b.lookup(id)
	if err != nil {
		return err
	}
	if e.kind != KindBinary {
		return ErrWrongKind
	}
	if e.state != stateRunning {
		return ErrNotRunning
	}
	if len(chunk) > 0 {
		e.chunks = append(e.chunks, append([]byte(nil), chunk...))
	}
	return nil
}

// SetText stores the full contents of a running text entry and finishes it.
func (b *Broker) SetText(id int64, s string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, err := b.lookup(id)
	if err != nil {
		return err
	}
	if e.kind != KindText {
		return ErrWrongKind
	}
	if e.state != stateRunning {
		return ErrNotRunning
	}
	e.text = s
	e.cursor = 0
	e.state = stateFinished
	return nil
}

// Finish marks the producer done. Buffered data stays pullable.
func (b *Broker) Finish(id int64) error {
	return b.terminate(id, stateFinished, nil)
}

// Fail marks the producer failed. Buffered data is still delivered, then
// the next pull returns err exactly once.
func (b *Broker) Fail(id int64, err error) error {
	if err == nil {
		err = errors.New("stream failed")
	}
	return b.terminate(id, stateFailed, err)
}

func (b *Broker) terminate(id int64, state producerState, cause error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, err := b.lookup(id)
	if err != nil {
		return err
	}
	if e.state != stateRunning {
		return ErrNotRunning
	}
	e.state = state
	e.err = cause
	return nil
}

// Pull returns the next segment of at most maxBytes (MaxSegment when
// maxBytes <= 0).
//
// Binary entries take whole chunks from the head while they fit, a chunk
// that exactly fills the remaining room included, then split the next
// chunk to fill the rest. Text entries are cut on a rune boundary; a
// single rune wider than maxBytes is delivered whole so the cursor always
// advances.
//
// The entry is removed by the pull that returns More == false and by the
// pull that returns the producer's error.
func (b *Broker) Pull(id int64, maxBytes int) (Segment, error) {
	if maxBytes <= 0 {
		maxBytes = MaxSegment
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	e, err := b.lookup(id)
	if err != nil {
		return Segment{}, err
	}

	if e.state == stateFailed && !e.buffered() {
		delete(b.entries, id)
		return Segment{}, e.err
	}

	e.deadline = b.now().Add(b.idle)

	var seg Segment
	if e.kind == KindBinary {
		seg = pullBinary(e, maxBytes)
	} else {
		seg = pullText(e, maxBytes)
	}

	if !seg.More {
		delete(b.entries, id)
	}
	b.metrics.AddBytesPulled(len(seg.Data))
	return seg, nil
}

func pullBinary(e *entry, maxBytes int) Segment {
	var data []byte
	for len(e.chunks) > 0 && len(data)+len(e.chunks[0]) <= maxBytes {
		data = append(data, e.chunks[0]...)
		e.chunks[0] = nil
		e.chunks = e.chunks[1:]
	}
	if room := maxBytes - len(data); len(e.chunks) > 0 && room > 0 {
		data = append(data, e.chunks[0][:room]...)
		e.chunks[0] = e.chunks[0][room:]
	}

	// A failed entry keeps More set until its error has been delivered.
	more := e.state != stateFinished || len(e.chunks) > 0
	if len(data) == 0 && more {
		return Segment{Kind: KindBinary, More: true, Retry: true}
	}
	return Segment{Kind: KindBinary, Data: data, More: more}
}

func pullText(e *entry, maxBytes int) Segment {
	if e.state == stateRunning {
		return Segment{Kind: KindText, More: true, Retry: true}
	}

	end := e.cursor + maxBytes
	if end >= len(e.text) {
		end = len(e.text)
	} else {
		for end > e.cursor && !utf8.RuneStart(e.text[end]) {
			end--
		}
		if end == e.cursor {
			_, size := utf8.DecodeRuneInString(e.text[e.cursor:])
			end = e.cursor + size
		}
	}

	data := []byte(e.text[e.cursor:end])
	e.cursor = end
	return Segment{Kind: KindText, Data: data, More: e.cursor < len(e.text)}
}

// Sweep removes every expired entry and returns how many it removed.
func (b *Broker) Sweep() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	removed := 0
	for id, e := range b.entries {
		if !now.Before(e.deadline) {
			b.expire(id)
			removed++
		}
	}
	return removed
}

// Run sweeps expired entries until ctx ends. One janitor serves every
// entry; there are no per-stream timers.
func (b *Broker) Run(ctx context.Context) error {
	interval := b.idle / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.Sweep()
		}
	}
}

// Len returns the number of entries currently held, expired or not.
func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
