// Package main provides the coapp entrypoint.
//
// Browsers start coapp with their own arguments (caller origin, manifest
// path); it then serves native messaging on stdin/stdout. Run by hand it
// is a regular CLI:
//
//	coapp [--config file] <install|uninstall|download|info|version> [options]
//
// Exit codes:
//   - 0: success
//   - 1: error
//   - 2: transport failure while serving the extension
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/coapp/cli/cmd"
	"github.com/pithecene-io/coapp/types"
)

// Commit is set via ldflags at build time.
var commit = "unknown"

func newApp() *cli.App {
	return &cli.App{
		Name:           "coapp",
		Usage:          "Native messaging companion for the browser extension",
		Version:        fmt.Sprintf("%s (commit: %s)", types.Version, commit),
		Flags:          cmd.GlobalFlags(),
		Before:         cmd.LoadDotEnv,
		Action:         cmd.HostAction,
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			cmd.InstallCommand(),
			cmd.UninstallCommand(),
			cmd.DownloadCommand(),
			cmd.InfoCommand(),
			cmd.VersionCommand(commit),
		},
	}
}

// appArgs drops what a browser passes so that urfave/cli never parses it.
func appArgs(args []string) []string {
	if len(args) > 1 && cmd.IsBrowserLaunch(args[1:]) {
		return args[:1]
	}
	return args
}

func main() {
	if err := newApp().Run(appArgs(os.Args)); err != nil {
		// ExitErrHandler already handled the exit for cli.ExitCoder errors.
		os.Exit(1)
	}
}

// exitErrHandler handles errors from the CLI, preserving exit codes from cli.Exit().
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()

		// cli.Exit("", N).Error() returns "exit status N", so skip those
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
