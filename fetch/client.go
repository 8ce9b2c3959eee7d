// Package fetch performs HTTP requests on behalf of the extension and feeds
// their bodies into the stream broker.
//
// The extension cannot receive a large body in one message, so request and
// requestBinary return the first segment of a stream and the extension
// pulls the rest with requestExtra.
package fetch

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pithecene-io/coapp/iox"
	"github.com/pithecene-io/coapp/types"
)

// DefaultResponseHeaderTimeout bounds the wait for response headers.
// Bodies are not bounded: downloads can take as long as they take.
const DefaultResponseHeaderTimeout = 30 * time.Second

// Header is one request header as the extension sends it. BinaryValue is
// either a base64 string or an array of byte values.
type Header struct {
	Name        string          `json:"name"`
	Value       *string         `json:"value,omitempty"`
	BinaryValue json.RawMessage `json:"binaryValue,omitempty"`
}

// Resolve returns the header value.
func (h Header) Resolve() (string, error) {
	if h.Value != nil {
		return *h.Value, nil
	}
	if len(h.BinaryValue) == 0 {
		return "", nil
	}

	var encoded string
	if err := json.Unmarshal(h.BinaryValue, &encoded); err == nil {
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			// Not base64 after all; use it verbatim.
			return encoded, nil
		}
		return string(decoded), nil
	}

	var raw []byte
	var values []int
	if err := json.Unmarshal(h.BinaryValue, &values); err != nil {
		return "", fmt.Errorf("header %q: binaryValue must be a base64 string or a byte array", h.Name)
	}
	for _, v := range values {
		if v < 0 || v > 255 {
			return "", fmt.Errorf("header %q: byte value %d out of range", h.Name, v)
		}
		raw = append(raw, byte(v))
	}
	return string(raw), nil
}

// Options are the request options the extension passes.
type Options struct {
	Method  string               `json:"method,omitempty"`
	Headers []Header             `json:"headers,omitempty"`
	Proxy   *types.ProxyEndpoint `json:"proxy,omitempty"`
	// InsecureSkipVerify accepts any server certificate.
	InsecureSkipVerify bool `json:"-"`
}

// StatusError is returned for non-2xx HTTP responses.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("HTTP %s", e.Status)
	}
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// Client issues requests with per-proxy transports.
type Client struct {
	base      *http.Transport
	userAgent string

	mu         sync.Mutex
	transports map[string]*http.Transport
}

// ClientConfig configures a Client.
type ClientConfig struct {
	// UserAgent is sent when the caller supplies none.
	UserAgent string
	// ResponseHeaderTimeout defaults to DefaultResponseHeaderTimeout.
	ResponseHeaderTimeout time.Duration
}

// NewClient creates a Client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.ResponseHeaderTimeout <= 0 {
		cfg.ResponseHeaderTimeout = DefaultResponseHeaderTimeout
	}
	base := http.DefaultTransport.(*http.Transport).Clone()
	// Bodies are decoded by DecodeBody so every coding is handled the same way.
	base.DisableCompression = true
	base.ResponseHeaderTimeout = cfg.ResponseHeaderTimeout
	base.Proxy = nil

	return &Client{
		base:       base,
		userAgent:  cfg.UserAgent,
		transports: make(map[string]*http.Transport),
	}
}

func (c *Client) transport(proxy *types.ProxyEndpoint, insecure bool) (*http.Transport, error) {
	if proxy.IsDirect() && !insecure {
		return c.base, nil
	}
	key := "direct"
	var proxyFunc func(*http.Request) (*url.URL, error)
	if !proxy.IsDirect() {
		u, err := proxy.URL()
		if err != nil {
			return nil, fmt.Errorf("proxy: %w", err)
		}
		key = u.String()
		proxyFunc = http.ProxyURL(u)
	}
	if insecure {
		key += "#insecure"
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.transports[key]; ok {
		return t, nil
	}
	t := c.base.Clone()
	t.Proxy = proxyFunc
	if insecure {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // requested per download
	}
	c.transports[key] = t
	return t, nil
}

// Do performs the request and returns the response with its body already
// wrapped by DecodeBody. Non-2xx responses are returned as *StatusError
// with the body closed.
func (c *Client) Do(ctx context.Context, url string, opts Options) (*http.Response, error) {
	method := strings.ToUpper(opts.Method)
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for _, h := range opts.Headers {
		v, err := h.Resolve()
		if err != nil {
			return nil, err
		}
		req.Header.Set(h.Name, v)
	}
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", AcceptEncoding)
	}
	if req.Header.Get("User-Agent") == "" && c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	transport, err := c.transport(opts.Proxy, opts.InsecureSkipVerify)
	if err != nil {
		return nil, err
	}

	resp, err := (&http.Client{Transport: transport}).Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain body to allow connection reuse
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		iox.DiscardClose(resp.Body)
		return nil, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	body, err := DecodeBody(resp.Body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		iox.DiscardClose(resp.Body)
		return nil, err
	}
	resp.Body = body
	// The decoded length is unknown once a coding was applied.
	if resp.Header.Get("Content-Encoding") != "" {
		resp.ContentLength = -1
	}
	return resp, nil
}

// Close releases idle connections of every transport.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.base.CloseIdleConnections()
	for _, t := range c.transports {
		t.CloseIdleConnections()
	}
	return nil
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.Code == code
}
