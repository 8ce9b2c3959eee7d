// Package cmd provides CLI commands for the coapp binary.
package cmd

import "github.com/urfave/cli/v2"

// Exit codes.
const (
	exitSuccess   = 0
	exitError     = 1
	exitTransport = 2
)

var (
	// ConfigFlag points at a coapp.yaml or JSONC file. It is global so
	// that the host mode, which browsers start without a command, sees it.
	ConfigFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to coapp.yaml or .jsonc config (default: $COAPP_CONFIG, then next to the executable)",
	}

	// FormatFlag selects output format: json, table, yaml.
	FormatFlag = &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "Output format: json, table, yaml",
	}

	// NoColorFlag disables colored output.
	NoColorFlag = &cli.BoolFlag{
		Name:  "no-color",
		Usage: "Disable colored output",
	}

	UserFlag = &cli.BoolFlag{
		Name:  "user",
		Usage: "Register for the current user only",
	}

	SystemFlag = &cli.BoolFlag{
		Name:  "system",
		Usage: "Register system-wide (requires root)",
	}
)

// GlobalFlags returns the flags accepted before any command.
func GlobalFlags() []cli.Flag {
	return []cli.Flag{ConfigFlag}
}

// OutputFlags returns the shared flags of commands that render a result.
func OutputFlags() []cli.Flag {
	return []cli.Flag{
		FormatFlag,
		NoColorFlag,
	}
}
