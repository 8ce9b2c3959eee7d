package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/coapp/host"
)

// IsBrowserLaunch reports whether args (without the program name) are what
// a browser passes when it starts a native messaging host: the caller
// origin for Chromium browsers, the manifest path and extension id for
// Firefox, and --parent-window on Windows.
func IsBrowserLaunch(args []string) bool {
	if len(args) == 0 {
		return false
	}
	first := args[0]
	return strings.HasPrefix(first, "chrome-extension://") ||
		strings.HasPrefix(first, "--parent-window") ||
		strings.HasSuffix(strings.ToLower(first), ".json")
}

// HostAction serves the extension over stdin/stdout. It is the default
// action: browsers start the binary without a command.
//
// Nothing but framed messages may reach stdout while it runs.
func HostAction(c *cli.Context) error {
	s, err := openSession(c, false)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(contextOf(c), os.Interrupt, syscall.SIGTERM)
	defer stop()

	notifier, arch, err := s.outputs(ctx)
	if err != nil {
		return err
	}

	cfg := s.cfg
	h := host.New(host.Options{
		In:                os.Stdin,
		Out:               os.Stdout,
		Meta:              cfg.Meta,
		Executable:        executable(),
		Installer:         s.installer(),
		Binaries:          s.binaries(),
		DownloadDir:       cfg.Downloads.Directory,
		Retention:         cfg.Downloads.Retention.Duration,
		Archive:           arch,
		Notifier:          notifier,
		DrainTimeout:      cfg.Host.DrainTimeout.Duration,
		StreamIdleTimeout: cfg.Host.StreamIdleTimeout.Duration,
		CallTimeout:       cfg.Host.CallTimeout.Duration,
		Session:           s.meta,
		Logger:            s.logger,
		Metrics:           s.metrics,
	})

	// Run only fails when the message channel itself breaks.
	if err := h.Run(ctx); err != nil {
		return cli.Exit(fmt.Sprintf("transport failure: %v", err), exitTransport)
	}
	return nil
}
