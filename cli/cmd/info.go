package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/coapp/cli/render"
	"github.com/pithecene-io/coapp/converter"
	"github.com/pithecene-io/coapp/host"
	"github.com/pithecene-io/coapp/iox"
)

// InfoCommand returns the info command. It reports the same data as the
// info method of the host.
func InfoCommand() *cli.Command {
	return &cli.Command{
		Name:   "info",
		Usage:  "Show application and converter information",
		Flags:  OutputFlags(),
		Action: infoAction,
	}
}

func infoAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return cli.Exit(err.Error(), exitError)
	}

	s, err := openSession(c, true)
	if err != nil {
		return err
	}
	defer s.Close()

	conv := converter.New(converter.Config{
		Binaries: s.binaries(),
		Logger:   s.logger.Named("converter"),
	})
	defer iox.DiscardErr(conv.Close)

	return r.Render(host.BuildInfo(contextOf(c), s.cfg.Meta, executable(), conv))
}
