package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/coapp/cli/render"
	"github.com/pithecene-io/coapp/cli/tui"
	"github.com/pithecene-io/coapp/downloads"
	"github.com/pithecene-io/coapp/fetch"
	"github.com/pithecene-io/coapp/iox"
)

// DownloadCommand returns the download command, which fetches one URL
// outside of any browser session.
func DownloadCommand() *cli.Command {
	return &cli.Command{
		Name:      "download",
		Usage:     "Download a URL into a directory",
		ArgsUsage: "<url> <dir>",
		Flags: append(OutputFlags(),
			&cli.StringFlag{
				Name:    "cookie",
				Usage:   "Cookie header sent with the request",
				EnvVars: []string{"USER_SESSION_COOKIE"},
			},
			&cli.StringFlag{
				Name:    "user-agent",
				Usage:   "User-Agent sent with the request",
				EnvVars: []string{"USER_AGENT"},
			},
			&cli.StringFlag{
				Name:  "filename",
				Usage: "Target file name (default: derived from the URL)",
			},
			&cli.BoolFlag{
				Name:  "tui",
				Usage: "Show an interactive progress view on stderr",
			},
		),
		Action: downloadAction,
	}
}

func downloadAction(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.Exit("usage: coapp download <url> <dir>", exitError)
	}
	r, err := render.NewRenderer(c)
	if err != nil {
		return cli.Exit(err.Error(), exitError)
	}

	s, err := openSession(c, true)
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
	if notifier != nil {
		defer iox.DiscardClose(notifier)
	}

	client := fetch.NewClient(fetch.ClientConfig{UserAgent: c.String("user-agent")})
	defer iox.DiscardClose(client)

	mgr := downloads.New(downloads.Config{
		Client:    client,
		Directory: c.Args().Get(1),
		Retention: s.cfg.Downloads.Retention.Duration,
		Archive:   arch,
		Notifier:  notifier,
		SessionID: s.meta.SessionID,
		Logger:    s.logger.Named("downloads"),
		Metrics:   s.metrics,
	})
	defer iox.DiscardErr(mgr.Close)

	opts := downloads.Options{
		URL:      c.Args().Get(0),
		Filename: c.String("filename"),
	}
	if cookie := c.String("cookie"); cookie != "" {
		opts.Headers = []fetch.Header{{Name: "Cookie", Value: &cookie}}
	}

	id, err := mgr.Download(opts)
	if err != nil {
		return cli.Exit(err.Error(), exitError)
	}

	var entry downloads.Entry
	if c.Bool("tui") {
		entry, err = followWithTUI(mgr, id)
	} else {
		entry, err = follow(ctx, mgr, id)
	}
	if err != nil {
		return cli.Exit(err.Error(), exitError)
	}

	if err := r.Render(entry); err != nil {
		return err
	}
	if entry.State != downloads.StateComplete {
		reason := string(entry.State)
		if entry.Error != nil {
			reason = *entry.Error
		}
		return cli.Exit(fmt.Sprintf("download failed: %s", reason), exitError)
	}
	return nil
}

// follow waits for the download; a signal cancels it and waits for the
// interrupted entry.
func follow(ctx context.Context, mgr *downloads.Manager, id int64) (downloads.Entry, error) {
	entry, err := mgr.Wait(ctx, id)
	if err == nil {
		return entry, nil
	}
	if ctx.Err() == nil {
		return entry, err
	}
	mgr.Cancel(id)
	return mgr.Wait(context.Background(), id)
}

func followWithTUI(mgr *downloads.Manager, id int64) (downloads.Entry, error) {
	source := func() (downloads.Entry, bool) {
		entries := mgr.Search(id)
		if len(entries) == 0 {
			return downloads.Entry{}, false
		}
		return entries[0], true
	}
	last, err := tui.RunProgress(os.Stderr, source, func() { mgr.Cancel(id) })
	if err != nil {
		return downloads.Entry{}, err
	}
	if entry, err := mgr.Wait(context.Background(), id); err == nil {
		return entry, nil
	}
	return last, nil
}
