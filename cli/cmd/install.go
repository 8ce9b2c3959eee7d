package cmd

import (
	"context"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/coapp/cli/render"
	"github.com/pithecene-io/coapp/install"
)

// InstallCommand returns the install command.
func InstallCommand() *cli.Command {
	return registrationCommand("install", "Register the host with the installed browsers", false)
}

// UninstallCommand returns the uninstall command.
func UninstallCommand() *cli.Command {
	return registrationCommand("uninstall", "Remove the host registration", true)
}

func registrationCommand(name, usage string, uninstall bool) *cli.Command {
	return &cli.Command{
		Name:   name,
		Usage:  usage,
		Flags:  append(OutputFlags(), UserFlag, SystemFlag),
		Action: registrationAction(uninstall),
	}
}

// modeFromFlags maps --user / --system to a mode. Neither means the
// installer decides from the effective user.
func modeFromFlags(c *cli.Context) (install.Mode, error) {
	user, system := c.Bool("user"), c.Bool("system")
	switch {
	case user && system:
		return "", cli.Exit("--user and --system are mutually exclusive", exitError)
	case user:
		return install.ModeUser, nil
	case system:
		return install.ModeSystem, nil
	default:
		return "", nil
	}
}

func registrationAction(uninstall bool) cli.ActionFunc {
	return func(c *cli.Context) error {
		r, err := render.NewRenderer(c)
		if err != nil {
			return cli.Exit(err.Error(), exitError)
		}
		mode, err := modeFromFlags(c)
		if err != nil {
			return err
		}

		s, err := openSession(c, true)
		if err != nil {
			return err
		}
		defer s.Close()

		inst := s.installer()
		op := inst.Install
		if uninstall {
			op = inst.Uninstall
		}
		res, err := op(contextOf(c), mode)
		if err != nil {
			return cli.Exit(err.Error(), exitError)
		}
		return r.Render(res)
	}
}

func contextOf(c *cli.Context) context.Context {
	if c.Context != nil {
		return c.Context
	}
	return context.Background()
}
