// Package host assembles the native messaging host: the framed RPC engine
// on stdin/stdout, the stream broker, and every method group the extension
// can call.
package host

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pithecene-io/coapp/adapter"
	"github.com/pithecene-io/coapp/archive"
	"github.com/pithecene-io/coapp/converter"
	"github.com/pithecene-io/coapp/downloads"
	"github.com/pithecene-io/coapp/fetch"
	"github.com/pithecene-io/coapp/fileops"
	"github.com/pithecene-io/coapp/install"
	"github.com/pithecene-io/coapp/log"
	"github.com/pithecene-io/coapp/metrics"
	"github.com/pithecene-io/coapp/rpc"
	"github.com/pithecene-io/coapp/stream"
	"github.com/pithecene-io/coapp/types"
)

// DefaultDrainTimeout bounds how long shutdown waits for in-flight handlers.
const DefaultDrainTimeout = 2 * time.Second

// Options configures a Host. In and Out are required.
type Options struct {
	In  io.Reader
	Out io.Writer

	Meta       install.Meta
	Executable string

	// Installer, when set, exposes autoinstall.install / uninstall.
	Installer *install.Installer

	Binaries    converter.Binaries
	DownloadDir string
	Retention   time.Duration
	Archive     *archive.Archive
	Notifier    adapter.Adapter
	UserAgent   string

	DrainTimeout      time.Duration
	StreamIdleTimeout time.Duration
	CallTimeout       time.Duration

	Session *types.SessionMeta
	Logger  *log.Logger
	Metrics *metrics.Collector
}

// Host is one messaging session with the extension.
type Host struct {
	opts    Options
	logger  *log.Logger
	metrics *metrics.Collector

	registry  *rpc.Registry
	engine    *rpc.Engine
	broker    *stream.Broker
	client    *fetch.Client
	fetch     *fetch.Service
	downloads *downloads.Manager
	converter *converter.Converter
	files     *fileops.Ops

	quit     chan struct{}
	quitOnce sync.Once
}

// New builds a host and registers every method. Nothing runs until Run.
func New(opts Options) *Host {
	if opts.Session == nil {
		opts.Session = types.NewSessionMeta()
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewCollector(opts.Session.SessionID, opts.Session.Version)
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}
	if opts.Meta.Version == "" {
		opts.Meta.Version = types.Version
	}

	h := &Host{
		opts:     opts,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		registry: rpc.NewRegistry(),
		quit:     make(chan struct{}),
	}

	h.engine = rpc.NewEngine(opts.In, opts.Out, h.registry, rpc.Options{
		Logger:  opts.Logger.Named("rpc"),
		Metrics: opts.Metrics,
	})
	h.broker = stream.NewBroker(stream.Options{
		IdleTimeout: opts.StreamIdleTimeout,
		Logger:      opts.Logger.Named("stream"),
		Metrics:     opts.Metrics,
	})
	h.client = fetch.NewClient(fetch.ClientConfig{UserAgent: opts.UserAgent})
	h.fetch = fetch.NewService(h.client, h.broker, opts.Logger.Named("fetch"))
	h.downloads = downloads.New(downloads.Config{
		Client:    h.client,
		Directory: opts.DownloadDir,
		Retention: opts.Retention,
		Archive:   opts.Archive,
		Notifier:  opts.Notifier,
		SessionID: opts.Session.SessionID,
		Logger:    opts.Logger.Named("downloads"),
		Metrics:   opts.Metrics,
	})
	h.converter = converter.New(converter.Config{
		Binaries:    opts.Binaries,
		Caller:      h.engine,
		CallTimeout: opts.CallTimeout,
		Logger:      opts.Logger.Named("converter"),
	})
	h.files = fileops.New("")

	h.registerCore()
	h.fetch.Register(h.registry)
	h.downloads.Register(h.registry)
	h.converter.Register(h.registry)
	h.files.Register(h.registry)
	if opts.Installer != nil {
		opts.Installer.Register(h.registry)
	}
	return h
}

func (h *Host) registerCore() {
	h.registry.RegisterAll(map[string]rpc.Handler{
		"quit": func(context.Context, rpc.Args) (any, error) {
			h.Quit()
			return nil, nil
		},
		"env": func(context.Context, rpc.Args) (any, error) {
			return environ(), nil
		},
		"ping": func(_ context.Context, args rpc.Args) (any, error) {
			if !args.Has(0) {
				return nil, nil
			}
			return args.Raw(0), nil
		},
		"info": func(ctx context.Context, _ rpc.Args) (any, error) {
			return BuildInfo(ctx, h.opts.Meta, h.opts.Executable, h.converter), nil
		},
	})
}

func environ() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}

// Engine returns the RPC engine, for outbound calls.
func (h *Host) Engine() *rpc.Engine { return h.engine }

// Registry returns the method registry.
func (h *Host) Registry() *rpc.Registry { return h.registry }

// Quit asks Run to stop. Requests received from now on are answered with
// an error; replies of those already running are still written.
func (h *Host) Quit() {
	h.engine.Stop()
	h.quitOnce.Do(func() { close(h.quit) })
}

// Run serves the extension until its input ends, quit is called, or ctx is
// cancelled, then drains in-flight handlers and releases every resource.
// It returns nil on a clean stop and the transport error otherwise.
//
// The engine's read on In cannot be interrupted; after a quit it is
// abandoned and ends with the process.
func (h *Host) Run(ctx context.Context) error {
	h.logger.Info("host started", map[string]any{"methods": len(h.registry.Methods())})

	lifetime, stop := context.WithCancel(ctx)
	defer stop()

	served := make(chan error, 1)
	go func() { served <- h.engine.Serve(ctx) }()

	g, gctx := errgroup.WithContext(lifetime)
	g.Go(func() error {
		return h.broker.Run(gctx)
	})
	g.Go(func() error {
		defer stop()
		select {
		case err := <-served:
			return err
		case <-h.quit:
			h.logger.Info("quit requested", nil)
			return nil
		case <-gctx.Done():
			return nil
		}
	})
	err := g.Wait()

	h.shutdown()
	return err
}

type closer struct {
	name  string
	close func() error
}

// shutdown runs in dependency order: downloads use the fetch client, and
// finished downloads publish through the notifier. Draining stops dispatch
// first, so no handler starts while collaborators close.
func (h *Host) shutdown() {
	drainCtx, cancel := context.WithTimeout(context.Background(), h.opts.DrainTimeout)
	defer cancel()
	if err := h.engine.Drain(drainCtx); err != nil {
		h.logger.Warn("handlers still running at shutdown", map[string]any{"timeout": h.opts.DrainTimeout.String()})
	}

	closers := []closer{
		{"downloads", h.downloads.Close},
		{"fetch", h.fetch.Close},
		{"converter", h.converter.Close},
		{"files", h.files.CloseAll},
	}
	if h.opts.Notifier != nil {
		closers = append(closers, closer{"notifier", h.opts.Notifier.Close})
	}
	for _, c := range closers {
		if err := c.close(); err != nil {
			h.logger.Warn("close failed", map[string]any{"component": c.name, "error": err.Error()})
		}
	}

	h.logger.Info("host stopped", h.metrics.Snapshot().Fields())
}
