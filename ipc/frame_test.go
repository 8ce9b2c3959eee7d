package ipc

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"testing/iotest"
)

// encodeFrame encodes a payload with a little-endian length prefix
// (matches what the browser writes to the host's stdin).
func encodeFrame(payload []byte) []byte {
	buf := make([]byte, LengthPrefixSize+len(payload))
	binary.LittleEndian.PutUint32(buf[:LengthPrefixSize], uint32(len(payload)))
	copy(buf[LengthPrefixSize:], payload)
	return buf
}

func TestFrameDecoder_SingleRequest(t *testing.T) {
	frame := encodeFrame([]byte(`{"type":"weh#rpc","_request":7,"_method":"ping","_args":["x",2]}`))

	decoder := NewFrameDecoder(bytes.NewReader(frame))
	env, err := decoder.ReadEnvelope()
	if err != nil {
		t.Fatalf("ReadEnvelope failed: %v", err)
	}

	if env.Kind != KindRequest {
		t.Errorf("Kind = %v, want request", env.Kind)
	}
	if env.ID != 7 {
		t.Errorf("ID = %d, want 7", env.ID)
	}
	if env.Method != "ping" {
		t.Errorf("Method = %q, want ping", env.Method)
	}
	if len(env.Args) != 2 {
		t.Fatalf("len(Args) = %d, want 2", len(env.Args))
	}
	if string(env.Args[0]) != `"x"` {
		t.Errorf("Args[0] = %s, want \"x\"", env.Args[0])
	}

	if _, err := decoder.ReadEnvelope(); err != io.EOF {
		t.Errorf("expected io.EOF after last frame, got: %v", err)
	}
}

func TestFrameDecoder_ResponseKinds(t *testing.T) {
	tests := []struct {
		name      string
		payload   string
		wantKind  EnvelopeKind
		wantID    int64
		wantError string
		wantRes   string
	}{
		{
			name:     "result",
			payload:  `{"type":"weh#rpc","_reply":3,"_result":{"ok":true}}`,
			wantKind: KindResponse,
			wantID:   3,
			wantRes:  `{"ok":true}`,
		},
		{
			name:      "error",
			payload:   `{"type":"weh#rpc","_reply":4,"_error":"boom"}`,
			wantKind:  KindResponse,
			wantID:    4,
			wantError: "boom",
		},
		{
			name:     "empty error is success",
			payload:  `{"type":"weh#rpc","_reply":5,"_error":"","_result":1}`,
			wantKind: KindResponse,
			wantID:   5,
			wantRes:  `1`,
		},
		{
			name:     "reply wins over request",
			payload:  `{"type":"weh#rpc","_reply":6,"_request":9,"_result":null}`,
			wantKind: KindResponse,
			wantID:   6,
			wantRes:  `null`,
		},
		{
			name:     "neither",
			payload:  `{"type":"other"}`,
			wantKind: KindUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := DecodeEnvelope([]byte(tt.payload))
			if err != nil {
				t.Fatalf("DecodeEnvelope failed: %v", err)
			}
			if env.Kind != tt.wantKind {
				t.Errorf("Kind = %v, want %v", env.Kind, tt.wantKind)
			}
			if env.ID != tt.wantID {
				t.Errorf("ID = %d, want %d", env.ID, tt.wantID)
			}
			if env.Error != tt.wantError {
				t.Errorf("Error = %q, want %q", env.Error, tt.wantError)
			}
			if tt.wantRes != "" && string(env.Result) != tt.wantRes {
				t.Errorf("Result = %s, want %s", env.Result, tt.wantRes)
			}
		})
	}
}

func TestFrameEncoder_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	encoder := NewFrameEncoder(&buf)

	envelopes := []*Envelope{
		NewRequest(1, "convertOutput", []json.RawMessage{json.RawMessage(`42`), json.RawMessage(`{"frame":"10"}`)}),
		NewResult(2, json.RawMessage(`"done"`)),
		NewErrorReply(3, "no such file"),
	}
	for _, env := range envelopes {
		if err := encoder.WriteEnvelope(env); err != nil {
			t.Fatalf("WriteEnvelope failed: %v", err)
		}
	}

	decoder := NewFrameDecoder(&buf)
	for i, want := range envelopes {
		got, err := decoder.ReadEnvelope()
		if err != nil {
			t.Fatalf("frame %d: ReadEnvelope failed: %v", i, err)
		}
		if got.Kind != want.Kind || got.ID != want.ID || got.Method != want.Method || got.Error != want.Error {
			t.Errorf("frame %d: got %+v, want %+v", i, got, want)
		}
		if string(got.Result) != string(want.Result) {
			t.Errorf("frame %d: Result = %s, want %s", i, got.Result, want.Result)
		}
		if len(got.Args) != len(want.Args) {
			t.Errorf("frame %d: len(Args) = %d, want %d", i, len(got.Args), len(want.Args))
		}
	}
}

func TestEncodeEnvelope_WireShape(t *testing.T) {
	tests := []struct {
		name string
		env  *Envelope
		want string
	}{
		{
			name: "request without args",
			env:  NewRequest(1, "quit", nil),
			want: `{"type":"weh#rpc","_request":1,"_method":"quit","_args":[]}`,
		},
		{
			name: "nil result",
			env:  NewResult(2, nil),
			want: `{"type":"weh#rpc","_reply":2,"_result":null}`,
		},
		{
			name: "error",
			env:  NewErrorReply(3, "a <b> & c"),
			want: `{"type":"weh#rpc","_reply":3,"_error":"a <b> & c"}`,
		},
		{
			name: "html in raw result is not escaped",
			env:  NewResult(4, json.RawMessage(`"<html>"`)),
			want: `{"type":"weh#rpc","_reply":4,"_result":"<html>"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EncodeEnvelope(tt.env)
			if err != nil {
				t.Fatalf("EncodeEnvelope failed: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("got %s\nwant %s", got, tt.want)
			}
		})
	}
}

func TestFrameEncoder_LittleEndianPrefix(t *testing.T) {
	var buf bytes.Buffer
	encoder := NewFrameEncoder(&buf)

	payload := bytes.Repeat([]byte("a"), 0x0102)
	if err := encoder.WriteFrame(payload); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	raw := buf.Bytes()
	if raw[0] != 0x02 || raw[1] != 0x01 || raw[2] != 0 || raw[3] != 0 {
		t.Errorf("prefix = % x, want 02 01 00 00", raw[:4])
	}
	if len(raw) != LengthPrefixSize+len(payload) {
		t.Errorf("frame length = %d, want %d", len(raw), LengthPrefixSize+len(payload))
	}
}

func TestFrameEncoder_OversizedIsNotFatal(t *testing.T) {
	var buf bytes.Buffer
	encoder := NewFrameEncoder(&buf)

	err := encoder.WriteFrame(make([]byte, MaxOutboundPayload+1))
	if err == nil {
		t.Fatal("expected error for oversized payload")
	}

	var frameErr *FrameError
	if !errors.As(err, &frameErr) {
		t.Fatalf("expected *FrameError, got %T", err)
	}
	if frameErr.Kind != FrameErrorTooLarge {
		t.Errorf("Kind = %v, want too_large", frameErr.Kind)
	}
	if frameErr.IsFatal() {
		t.Error("outbound size error should not be fatal")
	}
	if buf.Len() != 0 {
		t.Errorf("wrote %d bytes, want 0", buf.Len())
	}
}

func TestFrameEncoder_ConcurrentWritersDoNotInterleave(t *testing.T) {
	var (
		mu  sync.Mutex
		buf bytes.Buffer
	)
	w := writerFunc(func(p []byte) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		return buf.Write(p)
	})
	encoder := NewFrameEncoder(w)

	const writers = 16
	const perWriter = 50

	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range perWriter {
				env := NewResult(int64(i*perWriter+j+1), json.RawMessage(`"`+strings.Repeat("x", i*10)+`"`))
				if err := encoder.WriteEnvelope(env); err != nil {
					t.Errorf("WriteEnvelope failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	decoder := NewFrameDecoder(iotest.HalfReader(&buf))
	seen := make(map[int64]bool)
	for {
		env, err := decoder.ReadEnvelope()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("ReadEnvelope failed after %d frames: %v", len(seen), err)
		}
		if seen[env.ID] {
			t.Errorf("duplicate reply id %d", env.ID)
		}
		seen[env.ID] = true
	}
	if len(seen) != writers*perWriter {
		t.Errorf("decoded %d frames, want %d", len(seen), writers*perWriter)
	}
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

func TestFrameDecoder_SlowReader(t *testing.T) {
	var stream []byte
	stream = append(stream, encodeFrame([]byte(`{"type":"weh#rpc","_request":1,"_method":"a","_args":[]}`))...)
	stream = append(stream, encodeFrame([]byte(`{"type":"weh#rpc","_request":2,"_method":"b","_args":[]}`))...)

	decoder := NewFrameDecoder(iotest.OneByteReader(bytes.NewReader(stream)))
	for _, want := range []string{"a", "b"} {
		env, err := decoder.ReadEnvelope()
		if err != nil {
			t.Fatalf("ReadEnvelope failed: %v", err)
		}
		if env.Method != want {
			t.Errorf("Method = %q, want %q", env.Method, want)
		}
	}
}

func TestFrameDecoder_PartialFrame(t *testing.T) {
	frame := encodeFrame([]byte(`{"type":"weh#rpc","_request":1,"_method":"ping","_args":[]}`))
	truncated := frame[:LengthPrefixSize+10]

	decoder := NewFrameDecoder(bytes.NewReader(truncated))
	_, err := decoder.ReadFrame()
	if err == nil {
		t.Fatal("expected error for truncated frame")
	}
	if !IsFatalFrameError(err) {
		t.Errorf("expected fatal frame error, got: %v", err)
	}

	var frameErr *FrameError
	if !errors.As(err, &frameErr) {
		t.Fatalf("expected *FrameError, got %T", err)
	}
	if frameErr.Kind != FrameErrorPartial {
		t.Errorf("Kind = %v, want partial", frameErr.Kind)
	}
}

func TestFrameDecoder_OversizedFrame(t *testing.T) {
	var prefix [LengthPrefixSize]byte
	binary.LittleEndian.PutUint32(prefix[:], MaxInboundPayload+1)

	decoder := NewFrameDecoder(bytes.NewReader(prefix[:]))
	_, err := decoder.ReadFrame()

	var frameErr *FrameError
	if !errors.As(err, &frameErr) {
		t.Fatalf("expected *FrameError, got %v", err)
	}
	if frameErr.Kind != FrameErrorTooLarge {
		t.Errorf("Kind = %v, want too_large", frameErr.Kind)
	}
	if !frameErr.IsFatal() {
		t.Error("inbound size error should be fatal")
	}
}

func TestFrameDecoder_EmptyStream(t *testing.T) {
	decoder := NewFrameDecoder(bytes.NewReader(nil))
	if _, err := decoder.ReadFrame(); err != io.EOF {
		t.Errorf("expected io.EOF, got: %v", err)
	}
}

// A close in the middle of the length prefix is a clean shutdown.
func TestFrameDecoder_TruncatedLengthPrefix(t *testing.T) {
	decoder := NewFrameDecoder(bytes.NewReader([]byte{0x05, 0x00}))
	if _, err := decoder.ReadFrame(); err != io.EOF {
		t.Errorf("expected io.EOF, got: %v", err)
	}
}

func TestFrameDecoder_ReadError(t *testing.T) {
	boom := errors.New("boom")
	decoder := NewFrameDecoder(iotest.ErrReader(boom))

	_, err := decoder.ReadFrame()
	if !errors.Is(err, boom) {
		t.Errorf("expected wrapped boom, got: %v", err)
	}
	if !IsFatalFrameError(err) {
		t.Error("read error should be fatal")
	}
}

func TestDecodeEnvelope_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{name: "empty", payload: nil},
		{name: "not json", payload: []byte("not json")},
		{name: "array", payload: []byte(`[1,2,3]`)},
		{name: "string", payload: []byte(`"weh#rpc"`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeEnvelope(tt.payload)
			var frameErr *FrameError
			if !errors.As(err, &frameErr) {
				t.Fatalf("expected *FrameError, got %v", err)
			}
			if frameErr.Kind != FrameErrorDecode {
				t.Errorf("Kind = %v, want decode", frameErr.Kind)
			}
			if !frameErr.IsFatal() {
				t.Error("decode error should be fatal")
			}
		})
	}
}

func TestDecodeEnvelope_MistypedFields(t *testing.T) {
	tests := []struct {
		name        string
		payload     string
		wantKind    EnvelopeKind
		wantID      int64
		wantInvalid string
		wantError   string
	}{
		{
			name:        "args object",
			payload:     `{"type":"weh#rpc","_request":7,"_method":"ping","_args":{"a":1}}`,
			wantKind:    KindRequest,
			wantID:      7,
			wantInvalid: "_args must be an array",
		},
		{
			name:        "method number",
			payload:     `{"type":"weh#rpc","_request":8,"_method":12,"_args":[]}`,
			wantKind:    KindRequest,
			wantID:      8,
			wantInvalid: "_method must be a string",
		},
		{
			name:        "method missing",
			payload:     `{"type":"weh#rpc","_request":9}`,
			wantKind:    KindRequest,
			wantID:      9,
			wantInvalid: "_method must be a string",
		},
		{
			name:     "null args",
			payload:  `{"type":"weh#rpc","_request":10,"_method":"ping","_args":null}`,
			wantKind: KindRequest,
			wantID:   10,
		},
		{
			name:     "string request id",
			payload:  `{"type":"weh#rpc","_request":"7","_method":"ping","_args":[]}`,
			wantKind: KindUnknown,
		},
		{
			name:     "fractional request id",
			payload:  `{"type":"weh#rpc","_request":1.5,"_method":"ping","_args":[]}`,
			wantKind: KindUnknown,
		},
		{
			name:      "error object",
			payload:   `{"type":"weh#rpc","_reply":3,"_error":{"code":1}}`,
			wantKind:  KindResponse,
			wantID:    3,
			wantError: `{"code":1}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := DecodeEnvelope([]byte(tt.payload))
			if err != nil {
				t.Fatalf("DecodeEnvelope failed: %v", err)
			}
			if env.Kind != tt.wantKind {
				t.Errorf("Kind = %v, want %v", env.Kind, tt.wantKind)
			}
			if env.ID != tt.wantID {
				t.Errorf("ID = %d, want %d", env.ID, tt.wantID)
			}
			if env.Invalid != tt.wantInvalid {
				t.Errorf("Invalid = %q, want %q", env.Invalid, tt.wantInvalid)
			}
			if env.Error != tt.wantError {
				t.Errorf("Error = %q, want %q", env.Error, tt.wantError)
			}
		})
	}
}

func TestFrameError_ErrorMessage(t *testing.T) {
	inner := errors.New("inner")
	tests := []struct {
		err  *FrameError
		want string
	}{
		{&FrameError{Kind: FrameErrorPartial, Msg: "failed to read payload"}, "failed to read payload"},
		{&FrameError{Kind: FrameErrorDecode, Msg: "failed to decode envelope", Err: inner}, "failed to decode envelope: inner"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}

func TestIsFatalFrameError_NonFrameError(t *testing.T) {
	if IsFatalFrameError(errors.New("plain")) {
		t.Error("plain error should not be a fatal frame error")
	}
	if IsFatalFrameError(nil) {
		t.Error("nil should not be a fatal frame error")
	}
}
