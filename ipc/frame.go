// Package ipc implements native messaging framing.
//
// Every message on the wire is a 4-byte little-endian length prefix followed
// by that many bytes of UTF-8 JSON. The package knows nothing about RPC
// semantics beyond the envelope shape.
package ipc

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Frame size constants.
const (
	// LengthPrefixSize is the size of the length prefix in bytes.
	LengthPrefixSize = 4
	// MaxInboundPayload bounds a single extension-to-host payload (64 MiB).
	MaxInboundPayload = 64 * 1024 * 1024
	// MaxOutboundPayload is the browser's limit for host-to-extension
	// messages (1 MiB).
	MaxOutboundPayload = 1024 * 1024
)

// FrameErrorKind classifies frame errors.
type FrameErrorKind int

const (
	// FrameErrorPartial indicates a payload cut short by stream closure.
	FrameErrorPartial FrameErrorKind = iota
	// FrameErrorTooLarge indicates a payload exceeding the size limits.
	FrameErrorTooLarge
	// FrameErrorDecode indicates a payload that is not a valid envelope.
	FrameErrorDecode
	// FrameErrorEncode indicates an envelope that could not be serialized.
	FrameErrorEncode
)

func (k FrameErrorKind) String() string {
	switch k {
	case FrameErrorPartial:
		return "partial"
	case FrameErrorTooLarge:
		return "too_large"
	case FrameErrorDecode:
		return "decode"
	case FrameErrorEncode:
		return "encode"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// FrameError represents a framing error.
type FrameError struct {
	Kind FrameErrorKind
	Msg  string
	Err  error
	// Outbound is set for errors raised while writing.
	Outbound bool
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// IsFatal returns true if the error breaks the transport.
// Every inbound error is fatal: there is no resynchronization. An outbound
// encode or size error only affects the frame that failed, since nothing
// was written.
func (e *FrameError) IsFatal() bool {
	return !e.Outbound
}

// IsFatalFrameError returns true if the error is a fatal frame error.
func IsFatalFrameError(err error) bool {
	var frameErr *FrameError
	if errors.As(err, &frameErr) {
		return frameErr.IsFatal()
	}
	return false
}

// FrameDecoder decodes length-prefixed JSON frames from a stream.
// Not safe for concurrent use; the host runs exactly one decode loop.
type FrameDecoder struct {
	reader     io.Reader
	maxPayload uint32
}

// NewFrameDecoder creates a new frame decoder.
func NewFrameDecoder(r io.Reader) *FrameDecoder {
	return &FrameDecoder{reader: r, maxPayload: MaxInboundPayload}
}

// ReadFrame reads a single frame from the stream and returns its raw payload.
//
// Errors:
//   - io.EOF: stream closed before a complete length prefix (clean shutdown)
//   - *FrameError with Kind=FrameErrorPartial: stream closed mid-payload
//   - *FrameError with Kind=FrameErrorTooLarge: payload exceeds the limit
func (d *FrameDecoder) ReadFrame() ([]byte, error) {
	var lengthBuf [LengthPrefixSize]byte
	if _, err := io.ReadFull(d.reader, lengthBuf[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, &FrameError{
			Kind: FrameErrorPartial,
			Msg:  "failed to read length prefix",
			Err:  err,
		}
	}

	payloadSize := binary.LittleEndian.Uint32(lengthBuf[:])
	if payloadSize > d.maxPayload {
		return nil, &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", payloadSize, d.maxPayload),
		}
	}

	payload := make([]byte, payloadSize)
	if _, err := io.ReadFull(d.reader, payload); err != nil {
		return nil, &FrameError{
			Kind: FrameErrorPartial,
			Msg:  "failed to read payload",
			Err:  err,
		}
	}

	return payload, nil
}

// ReadEnvelope reads and decodes the next envelope.
// Returns io.EOF when the peer closed the stream cleanly.
func (d *FrameDecoder) ReadEnvelope() (*Envelope, error) {
	payload, err := d.ReadFrame()
	if err != nil {
		return nil, err
	}
	return DecodeEnvelope(payload)
}

// FrameEncoder writes length-prefixed JSON frames to a stream.
// Safe for concurrent use: the prefix and payload of one frame are written
// under a single lock, so frames from concurrent writers never interleave.
type FrameEncoder struct {
	mu         sync.Mutex
	writer     io.Writer
	maxPayload int
}

// NewFrameEncoder creates a new frame encoder.
func NewFrameEncoder(w io.Writer) *FrameEncoder {
	return &FrameEncoder{writer: w, maxPayload: MaxOutboundPayload}
}

// WriteFrame writes a raw payload with its length prefix.
func (e *FrameEncoder) WriteFrame(payload []byte) error {
	if len(payload) > e.maxPayload {
		return &FrameError{
			Kind:     FrameErrorTooLarge,
			Msg:      fmt.Sprintf("payload size %d exceeds maximum %d", len(payload), e.maxPayload),
			Outbound: true,
		}
	}

	buf := make([]byte, LengthPrefixSize+len(payload))
	binary.LittleEndian.PutUint32(buf[:LengthPrefixSize], uint32(len(payload)))
	copy(buf[LengthPrefixSize:], payload)

	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.writer.Write(buf)
	return err
}

// WriteEnvelope serializes and writes an envelope.
func (e *FrameEncoder) WriteEnvelope(env *Envelope) error {
	payload, err := EncodeEnvelope(env)
	if err != nil {
		return err
	}
	return e.WriteFrame(payload)
}

// EncodeEnvelope serializes an envelope to JSON.
func EncodeEnvelope(env *Envelope) ([]byte, error) {
	payload, err := Marshal(env)
	if err != nil {
		return nil, &FrameError{
			Kind:     FrameErrorEncode,
			Msg:      "failed to encode envelope",
			Err:      err,
			Outbound: true,
		}
	}
	return payload, nil
}

// Marshal encodes v as JSON without HTML escaping, so payloads match what
// the extension's JSON.stringify would produce.
func Marshal(v any) (json.RawMessage, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	// json.Encoder appends a newline
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
