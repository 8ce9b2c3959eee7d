package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"

	"github.com/pithecene-io/coapp/rpc"
	"github.com/pithecene-io/coapp/stream"
	"github.com/pithecene-io/coapp/types"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc := NewService(NewClient(ClientConfig{UserAgent: "coapp-test"}), stream.NewBroker(stream.Options{}), nil)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

// drain pulls segments until the stream ends, retrying on backpressure.
func drain(t *testing.T, svc *Service, first *Segment) []*Segment {
	t.Helper()
	segs := []*Segment{first}
	cur := first
	deadline := time.Now().Add(5 * time.Second)
	for cur.More {
		if time.Now().After(deadline) {
			t.Fatalf("stream %d did not finish", cur.ID)
		}
		if cur.Retry {
			time.Sleep(5 * time.Millisecond)
		}
		next, err := svc.Next(cur.ID)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		segs = append(segs, next)
		cur = next
	}
	return segs
}

func encode(t *testing.T, coding string, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	var w io.WriteCloser
	switch coding {
	case "gzip":
		w = gzip.NewWriter(&buf)
	case "deflate":
		w = zlib.NewWriter(&buf)
	case "deflate-raw":
		fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			t.Fatal(err)
		}
		w = fw
	case "br":
		w = brotli.NewWriter(&buf)
	case "zstd":
		zw, err := zstd.NewWriter(&buf)
		if err != nil {
			t.Fatal(err)
		}
		w = zw
	default:
		t.Fatalf("unknown coding %q", coding)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestRequest_SmallBodyFitsOneSegment(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "hello world")
	}))
	defer ts.Close()

	svc := newTestService(t)
	seg, err := svc.Request(t.Context(), ts.URL, Options{})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if seg.Data != "hello world" || seg.More {
		t.Errorf("got %+v, want single final segment", seg)
	}
	if _, err := svc.Next(seg.ID); !errors.Is(err, stream.ErrNoSuchStream) {
		t.Errorf("drained stream: got %v, want ErrNoSuchStream", err)
	}
}

func TestRequest_LargeBodyIsSegmented(t *testing.T) {
	body := strings.Repeat("abcdefghij", 12_000)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, body)
	}))
	defer ts.Close()

	svc := newTestService(t)
	first, err := svc.Request(t.Context(), ts.URL, Options{})
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	var got strings.Builder
	segs := drain(t, svc, first)
	for _, s := range segs {
		text, ok := s.Data.(string)
		if !ok {
			t.Fatalf("text stream returned %T", s.Data)
		}
		if len(text) > stream.MaxSegment {
			t.Errorf("segment of %d bytes exceeds MaxSegment", len(text))
		}
		got.WriteString(text)
	}
	if len(segs) != 3 {
		t.Errorf("expected 3 segments, got %d", len(segs))
	}
	if got.String() != body {
		t.Error("reassembled body differs")
	}
}

func TestRequest_ContentEncodings(t *testing.T) {
	payload := []byte(strings.Repeat("compressible payload ", 500))

	tests := []struct {
		coding string
		header string
	}{
		{coding: "gzip", header: "gzip"},
		{coding: "deflate", header: "deflate"},
		{coding: "deflate-raw", header: "deflate"},
		{coding: "br", header: "br"},
		{coding: "zstd", header: "zstd"},
	}

	for _, tt := range tests {
		t.Run(tt.coding, func(t *testing.T) {
			encoded := encode(t, tt.coding, payload)
			var acceptEncoding string
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				acceptEncoding = r.Header.Get("Accept-Encoding")
				w.Header().Set("Content-Encoding", tt.header)
				_, _ = w.Write(encoded)
			}))
			defer ts.Close()

			svc := newTestService(t)
			seg, err := svc.Request(t.Context(), ts.URL, Options{})
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			if seg.Data != string(payload) {
				t.Errorf("decoded body mismatch: got %d bytes", len(seg.Data.(string)))
			}
			if acceptEncoding != AcceptEncoding {
				t.Errorf("Accept-Encoding = %q, want %q", acceptEncoding, AcceptEncoding)
			}
		})
	}
}

func TestDecodeBody_UnsupportedEncoding(t *testing.T) {
	_, err := DecodeBody(io.NopCloser(strings.NewReader("x")), "compress")
	if err == nil {
		t.Fatal("expected error for unsupported coding")
	}
}

func TestRequest_Headers(t *testing.T) {
	var got http.Header
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		_, _ = io.WriteString(w, r.Method)
	}))
	defer ts.Close()

	plain := "text/html"
	opts := Options{
		Method: "post",
		Headers: []Header{
			{Name: "Accept", Value: &plain},
			{Name: "X-Base64", BinaryValue: json.RawMessage(`"aGVsbG8="`)},
			{Name: "X-Bytes", BinaryValue: json.RawMessage(`[104,105]`)},
		},
	}

	svc := newTestService(t)
	seg, err := svc.Request(t.Context(), ts.URL, opts)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if seg.Data != http.MethodPost {
		t.Errorf("method = %v, want POST", seg.Data)
	}
	if v := got.Get("Accept"); v != plain {
		t.Errorf("Accept = %q", v)
	}
	if v := got.Get("X-Base64"); v != "hello" {
		t.Errorf("X-Base64 = %q, want hello", v)
	}
	if v := got.Get("X-Bytes"); v != "hi" {
		t.Errorf("X-Bytes = %q, want hi", v)
	}
	if v := got.Get("User-Agent"); v != "coapp-test" {
		t.Errorf("User-Agent = %q, want coapp-test", v)
	}
}

func TestHeader_Resolve_Invalid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "object", raw: `{"a":1}`},
		{name: "out of range", raw: `[256]`},
		{name: "negative", raw: `[-1]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := Header{Name: "X", BinaryValue: json.RawMessage(tt.raw)}
			if _, err := h.Resolve(); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRequest_StatusError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer ts.Close()

	svc := newTestService(t)
	_, err := svc.Request(t.Context(), ts.URL, Options{})
	if !IsStatus(err, http.StatusNotFound) {
		t.Fatalf("expected 404 StatusError, got %v", err)
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("message %q lacks status", err.Error())
	}
}

func TestRequest_ThroughProxy(t *testing.T) {
	var requested string
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requested = r.URL.String()
		_, _ = io.WriteString(w, "via proxy")
	}))
	defer proxy.Close()

	host, portStr, _ := strings.Cut(strings.TrimPrefix(proxy.URL, "http://"), ":")
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}
	opts := Options{Proxy: &types.ProxyEndpoint{Protocol: types.ProxyProtocolHTTP, Host: host, Port: port}}

	svc := newTestService(t)
	seg, err := svc.Request(t.Context(), "http://origin.invalid/page", opts)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if seg.Data != "via proxy" {
		t.Errorf("got %v", seg.Data)
	}
	if requested != "http://origin.invalid/page" {
		t.Errorf("proxy saw %q", requested)
	}
}

func TestRequestBinary_StreamsWholeBody(t *testing.T) {
	body := make([]byte, 123_457)
	for i := range body {
		body[i] = byte(i % 251)
	}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		_, _ = w.Write(body)
	}))
	defer ts.Close()

	svc := newTestService(t)
	first, err := svc.RequestBinary(ts.URL, Options{})
	if err != nil {
		t.Fatalf("requestBinary: %v", err)
	}

	var got []byte
	for _, s := range drain(t, svc, first) {
		data, ok := s.Data.(ByteList)
		if !ok {
			t.Fatalf("binary stream returned %T", s.Data)
		}
		if len(data) > stream.MaxSegment {
			t.Errorf("segment of %d bytes exceeds MaxSegment", len(data))
		}
		if s.Retry && len(data) != 0 {
			t.Error("retry segment carries data")
		}
		got = append(got, data...)
	}
	if !bytes.Equal(got, body) {
		t.Errorf("reassembled %d bytes, want %d", len(got), len(body))
	}
}

func TestRequestBinary_FailureSurfacesOnPull(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer ts.Close()

	svc := newTestService(t)
	seg, err := svc.RequestBinary(ts.URL, Options{})
	for err == nil {
		if !seg.Retry {
			t.Fatalf("unexpected data segment %+v", seg)
		}
		time.Sleep(5 * time.Millisecond)
		seg, err = svc.Next(seg.ID)
	}
	if !IsStatus(err, http.StatusForbidden) {
		t.Fatalf("expected 403, got %v", err)
	}
}

func TestByteList_MarshalJSON(t *testing.T) {
	tests := []struct {
		in   ByteList
		want string
	}{
		{in: nil, want: `[]`},
		{in: ByteList{}, want: `[]`},
		{in: ByteList{0, 1, 255}, want: `[0,1,255]`},
	}
	for _, tt := range tests {
		got, err := json.Marshal(tt.in)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != tt.want {
			t.Errorf("got %s, want %s", got, tt.want)
		}
	}
}

func TestSegment_RetryRendering(t *testing.T) {
	got, err := json.Marshal(renderSegment(7, stream.Segment{Kind: stream.KindBinary, More: true, Retry: true}))
	if err != nil {
		t.Fatal(err)
	}
	want := `{"id":7,"data":[],"more":true,"retry":true}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestRegister_BindsMethods(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	defer ts.Close()

	svc := newTestService(t)
	reg := rpc.NewRegistry()
	svc.Register(reg)

	h, ok := reg.Lookup("request")
	if !ok {
		t.Fatal("request not registered")
	}
	url, _ := json.Marshal(ts.URL)
	res, err := h(context.Background(), rpc.Args{url})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if seg := res.(*Segment); seg.Data != "ok" {
		t.Errorf("got %+v", seg)
	}

	h, _ = reg.Lookup("requestExtra")
	if _, err := h(context.Background(), rpc.Args{json.RawMessage(`999`)}); !errors.Is(err, stream.ErrNoSuchStream) {
		t.Errorf("unknown id: got %v", err)
	}

	for _, m := range []string{"requestBinary"} {
		if _, ok := reg.Lookup(m); !ok {
			t.Errorf("%s not registered", m)
		}
	}
}
