// Package install registers the host with browsers by writing native
// messaging manifests into each browser's manifest directories.
package install

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/pithecene-io/coapp/log"
)

// Mode selects per-user or system-wide registration.
type Mode string

const (
	ModeUser   Mode = "user"
	ModeSystem Mode = "system"
)

// ErrNeedRoot is returned for system mode without root privileges.
var ErrNeedRoot = errors.New("system-wide registration requires root, re-run with sudo or --user")

// Runner runs external commands.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run runs name and returns its combined output.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Config configures an Installer.
type Config struct {
	Meta       Meta
	Stores     map[string]Store
	FlatpakIDs []string

	// Executable is the manifest "path". Defaults to os.Executable.
	Executable string
	// Home expands "~" in directories. Defaults to os.UserHomeDir.
	Home string
	// GOOS overrides runtime.GOOS.
	GOOS string
	// IsRoot reports root privileges. Defaults to euid 0.
	IsRoot func() bool

	Runner Runner
	Logger *log.Logger
}

// Result describes what an install or uninstall did.
type Result struct {
	Mode    Mode     `json:"mode,omitempty"`
	Files   []string `json:"files"`
	Flatpak []string `json:"flatpak,omitempty"`
	Message string   `json:"message"`
}

// Installer writes and removes manifests.
type Installer struct {
	cfg    Config
	logger *log.Logger
}

// New creates an Installer.
func New(cfg Config) *Installer {
	if cfg.Executable == "" {
		if exe, err := os.Executable(); err == nil {
			cfg.Executable = exe
		}
	}
	if cfg.Home == "" {
		cfg.Home, _ = os.UserHomeDir()
	}
	if cfg.GOOS == "" {
		cfg.GOOS = runtime.GOOS
	}
	if cfg.IsRoot == nil {
		cfg.IsRoot = func() bool { return os.Geteuid() == 0 }
	}
	if cfg.Runner == nil {
		cfg.Runner = ExecRunner{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}
	return &Installer{cfg: cfg, logger: cfg.Logger}
}

// ParseMode picks the mode from command-line style arguments: --user,
// --system, or nothing.
func ParseMode(args []string) Mode {
	for _, a := range args {
		switch a {
		case "--user":
			return ModeUser
		case "--system":
			return ModeSystem
		}
	}
	return ""
}

// ResolveMode settles an empty mode to system for root and user otherwise.
func (i *Installer) ResolveMode(requested Mode) (Mode, error) {
	mode := requested
	if mode == "" {
		mode = ModeUser
		if i.cfg.IsRoot() {
			mode = ModeSystem
		}
	}
	if mode != ModeUser && mode != ModeSystem {
		return "", fmt.Errorf("unknown install mode %q", mode)
	}
	if mode == ModeSystem && !i.cfg.IsRoot() {
		return "", ErrNeedRoot
	}
	return mode, nil
}

// Install writes manifests for the current platform.
func (i *Installer) Install(ctx context.Context, mode Mode) (*Result, error) {
	i.logger.Info("installing", map[string]any{"mode": string(mode)})
	return i.run(ctx, mode, false)
}

// Uninstall removes manifests for the current platform.
func (i *Installer) Uninstall(ctx context.Context, mode Mode) (*Result, error) {
	i.logger.Info("uninstalling", map[string]any{"mode": string(mode)})
	return i.run(ctx, mode, true)
}

func (i *Installer) platform() string {
	switch i.cfg.GOOS {
	case "darwin":
		return "mac"
	case "linux":
		return "linux"
	}
	return ""
}

func (i *Installer) run(ctx context.Context, requested Mode, uninstall bool) (*Result, error) {
	platform := i.platform()
	switch {
	case i.cfg.GOOS == "windows":
		return i.inform(ctx, "Command-line registration is not supported on Windows, use the installer."), nil
	case platform == "":
		return i.inform(ctx, fmt.Sprintf("Command-line registration is not supported on %s.", i.cfg.GOOS)), nil
	}

	mode, err := i.ResolveMode(requested)
	if err != nil {
		return nil, err
	}

	res := &Result{Mode: mode, Files: []string{}}
	if platform == "linux" && mode == ModeUser && !uninstall {
		res.Flatpak = i.prepareFlatpak(ctx)
	}

	ops, err := i.plan(platform, mode)
	if err != nil {
		return nil, err
	}
	for _, op := range ops {
		if uninstall {
			err := os.Remove(op.path)
			switch {
			case err == nil:
				i.logger.Info("removed manifest", map[string]any{"path": op.path})
				res.Files = append(res.Files, op.path)
			case errors.Is(err, os.ErrNotExist):
			default:
				i.logger.Warn("cannot remove manifest", map[string]any{"path": op.path, "error": err.Error()})
			}
			continue
		}
		i.logger.Info("writing manifest", map[string]any{"path": op.path})
		if err := os.MkdirAll(filepath.Dir(op.path), 0o755); err != nil {
			return nil, fmt.Errorf("cannot write manifest %s: %w", op.path, err)
		}
		if err := os.WriteFile(op.path, op.content, 0o644); err != nil {
			return nil, fmt.Errorf("cannot write manifest %s: %w", op.path, err)
		}
		res.Files = append(res.Files, op.path)
	}

	if uninstall {
		res.Message = fmt.Sprintf("%s has been unregistered successfully.", i.cfg.Meta.Name)
	} else {
		res.Message = fmt.Sprintf("%s is ready to be used.", i.cfg.Meta.Name)
	}
	i.display(ctx, res.Message)
	return res, nil
}

type fileOp struct {
	path    string
	content []byte
}

// plan lists the manifest files for platform and mode, in store order.
func (i *Installer) plan(platform string, mode Mode) ([]fileOp, error) {
	manifests := BuildManifests(i.cfg.Meta, i.cfg.Executable, i.cfg.Stores)

	names := make([]string, 0, len(i.cfg.Stores))
	for name := range i.cfg.Stores {
		names = append(names, name)
	}
	sort.Strings(names)

	var ops []fileOp
	for _, name := range names {
		dirs := i.cfg.Stores[name].Dirs[platform].For(mode)
		if len(dirs) == 0 {
			continue
		}
		content, err := json.MarshalIndent(manifests[name], "", "  ")
		if err != nil {
			return nil, fmt.Errorf("manifest for %s: %w", name, err)
		}
		for _, dir := range dirs {
			if dir.OnlyIfDirExists != "" {
				if _, err := os.Stat(i.expandTilde(dir.OnlyIfDirExists)); err != nil {
					continue
				}
			}
			ops = append(ops, fileOp{
				path:    filepath.Join(i.expandTilde(dir.Path), i.cfg.Meta.ID+".json"),
				content: content,
			})
		}
	}
	return ops, nil
}

func (i *Installer) expandTilde(p string) string {
	if p == "~" {
		return i.cfg.Home
	}
	if rest, ok := strings.CutPrefix(p, "~/"); ok {
		return filepath.Join(i.cfg.Home, rest)
	}
	return p
}

// prepareFlatpak lets sandboxed Flatpak browsers read the install directory.
// It returns the ids that were granted access.
func (i *Installer) prepareFlatpak(ctx context.Context) []string {
	if len(i.cfg.FlatpakIDs) == 0 {
		return nil
	}
	if _, err := i.cfg.Runner.Run(ctx, "flatpak", "--version"); err != nil {
		return nil
	}
	dir := filepath.Dir(i.cfg.Executable)
	i.logger.Info("flatpak detected, exposing host to browser sandboxes", map[string]any{"dir": dir})

	var granted []string
	for _, id := range i.cfg.FlatpakIDs {
		out, err := i.cfg.Runner.Run(ctx, "flatpak", "override", "--user", "--filesystem="+dir+":ro", id)
		if err != nil {
			i.logger.Debug("flatpak override failed", map[string]any{"id": id, "error": err.Error(), "output": string(out)})
			continue
		}
		granted = append(granted, id)
	}
	return granted
}

func (i *Installer) inform(ctx context.Context, msg string) *Result {
	i.display(ctx, msg)
	return &Result{Files: []string{}, Message: msg}
}

// display logs msg and, on macOS, shows it as a desktop notification.
func (i *Installer) display(ctx context.Context, msg string) {
	i.logger.Info(msg, map[string]any{"app": i.cfg.Meta.Name})
	if i.cfg.GOOS != "darwin" {
		return
	}
	script := fmt.Sprintf("display notification %q with title %q", msg, i.cfg.Meta.Name)
	_, _ = i.cfg.Runner.Run(ctx, "/usr/bin/osascript", "-e", script)
}
