package fetch

import (
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/pithecene-io/coapp/iox"
	"github.com/pithecene-io/coapp/log"
	"github.com/pithecene-io/coapp/rpc"
	"github.com/pithecene-io/coapp/stream"
)

// ByteList is binary segment data rendered as a JSON array of numbers,
// the shape the extension turns back into a Uint8Array.
type ByteList []byte

// MarshalJSON renders the bytes as [n,n,...].
func (b ByteList) MarshalJSON() ([]byte, error) {
	out := make([]byte, 0, 2+len(b)*4)
	out = append(out, '[')
	for i, v := range b {
		if i > 0 {
			out = append(out, ',')
		}
		out = strconv.AppendUint(out, uint64(v), 10)
	}
	return append(out, ']'), nil
}

// Segment is the reply to request, requestBinary and requestExtra.
// Data is a string for text streams and a ByteList for binary ones.
type Segment struct {
	ID    int64 `json:"id"`
	Data  any   `json:"data"`
	More  bool  `json:"more"`
	Retry bool  `json:"retry,omitempty"`
}

func renderSegment(id int64, seg stream.Segment) *Segment {
	out := &Segment{ID: id, More: seg.More, Retry: seg.Retry}
	if seg.Kind == stream.KindText && !seg.Retry {
		out.Data = string(seg.Data)
	} else {
		out.Data = ByteList(seg.Data)
	}
	return out
}

// Service exposes fetch operations over RPC.
type Service struct {
	client *Client
	broker *stream.Broker
	logger *log.Logger

	// producers outlive the request that started them; ctx ends them at
	// shutdown.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a Service feeding broker.
func NewService(client *Client, broker *stream.Broker, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		client: client,
		broker: broker,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Register binds request, requestBinary and requestExtra.
func (s *Service) Register(r *rpc.Registry) {
	r.Register("request", func(ctx context.Context, args rpc.Args) (any, error) {
		url, opts, err := requestArgs(args)
		if err != nil {
			return nil, err
		}
		return s.Request(ctx, url, opts)
	})
	r.Register("requestBinary", func(_ context.Context, args rpc.Args) (any, error) {
		url, opts, err := requestArgs(args)
		if err != nil {
			return nil, err
		}
		return s.RequestBinary(url, opts)
	})
	r.Register("requestExtra", func(_ context.Context, args rpc.Args) (any, error) {
		id, err := args.Int(0)
		if err != nil {
			return nil, err
		}
		return s.Next(id)
	})
}

func requestArgs(args rpc.Args) (string, Options, error) {
	var opts Options
	url, err := args.String(0)
	if err != nil {
		return "", opts, err
	}
	if err := args.DecodeOptional(1, &opts); err != nil {
		return "", opts, err
	}
	return url, opts, nil
}

// Request fetches url, buffers the whole body as text and returns its
// first segment.
func (s *Service) Request(ctx context.Context, url string, opts Options) (*Segment, error) {
	resp, err := s.client.Do(ctx, url, opts)
	if err != nil {
		return nil, err
	}
	defer iox.DiscardClose(resp.Body)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	id := s.broker.CreateText(strings.ToValidUTF8(string(body), "�"))
	return s.Next(id)
}

// RequestBinary starts streaming url into a binary stream and returns the
// first pull, which is usually a retry segment.
func (s *Service) RequestBinary(url string, opts Options) (*Segment, error) {
	id := s.broker.Create(stream.KindBinary)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.produce(id, url, opts)
	}()

	return s.Next(id)
}

func (s *Service) produce(id int64, url string, opts Options) {
	resp, err := s.client.Do(s.ctx, url, opts)
	if err != nil {
		s.fail(id, url, err)
		return
	}
	defer iox.DiscardClose(resp.Body)

	buf := make([]byte, stream.MaxSegment)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if err := s.broker.Push(id, buf[:n]); err != nil {
				// Expired or otherwise gone: nobody will read further.
				s.logger.Debug("stopping abandoned fetch", map[string]any{"stream_id": id, "url": url})
				return
			}
		}
		if errors.Is(readErr, io.EOF) {
			_ = s.broker.Finish(id)
			return
		}
		if readErr != nil {
			s.fail(id, url, readErr)
			return
		}
	}
}

func (s *Service) fail(id int64, url string, err error) {
	s.logger.Warn("fetch failed", map[string]any{"stream_id": id, "url": url, "error": err.Error()})
	_ = s.broker.Fail(id, err)
}

// Next pulls the next segment of a fetch stream.
func (s *Service) Next(id int64) (*Segment, error) {
	seg, err := s.broker.Pull(id, stream.MaxSegment)
	if err != nil {
		return nil, err
	}
	return renderSegment(id, seg), nil
}

// Close stops running producers and waits for them.
func (s *Service) Close() error {
	s.cancel()
	s.wg.Wait()
	return s.client.Close()
}
