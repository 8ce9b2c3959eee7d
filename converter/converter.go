// Package converter runs ffmpeg, ffprobe and the filepicker helper on
// behalf of the extension.
//
// Conversions report progress back to the extension through outbound
// convertOutput calls. Every child process is tracked so it can be aborted
// by pid and killed when the host shuts down.
package converter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/pithecene-io/coapp/fetch"
	"github.com/pithecene-io/coapp/log"
)

const (
	// DefaultCallTimeout bounds each convertOutput call.
	DefaultCallTimeout = 10 * time.Second
	// abortGrace is how long an aborted conversion may take to quit.
	abortGrace = 500 * time.Millisecond
)

var convertBaseArgs = []string{"-progress", "pipe:1", "-hide_banner", "-loglevel", "error"}

// Caller issues calls into the extension.
type Caller interface {
	CallContext(ctx context.Context, method string, args ...any) (json.RawMessage, error)
}

// Config configures a Converter.
type Config struct {
	Binaries Binaries
	// Caller receives progress reports; nil disables them.
	Caller Caller
	// CallTimeout defaults to DefaultCallTimeout.
	CallTimeout time.Duration
	Logger      *log.Logger
}

// Converter wraps the helper programs.
type Converter struct {
	bin         Binaries
	caller      Caller
	callTimeout time.Duration
	logger      *log.Logger
	children    *children
}

// New creates a Converter.
func New(cfg Config) *Converter {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}
	return &Converter{
		bin:         cfg.Binaries,
		caller:      cfg.Caller,
		callTimeout: cfg.CallTimeout,
		logger:      cfg.Logger,
		children:    newChildren(),
	}
}

// Binaries returns the resolved program paths.
func (c *Converter) Binaries() Binaries { return c.bin }

// ConvertOptions are the options of converter.convert.
type ConvertOptions struct {
	Progress bool `json:"progress,omitempty"`
}

// ConvertResult is the outcome of a conversion. A non-zero exit code is
// reported, not returned as an error.
type ConvertResult struct {
	ExitCode int    `json:"exitCode"`
	Stderr   string `json:"stderr"`
}

// Convert runs ffmpeg with args, reporting each progress block to the
// extension when opts.Progress is set.
func (c *Converter) Convert(ctx context.Context, args []string, opts ConvertOptions) (*ConvertResult, error) {
	if c.bin.FFmpeg == "" {
		return nil, &MissingBinaryError{Name: "ffmpeg"}
	}

	cmd := exec.CommandContext(ctx, c.bin.FFmpeg, append(append([]string{}, convertBaseArgs...), args...)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	ch, err := c.children.start(cmd, stdin)
	if err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	pid := cmd.Process.Pid
	c.logger.Debug("conversion started", map[string]any{"pid": pid, "args": args})

	c.readProgress(ctx, pid, stdout, opts.Progress)

	code, err := c.children.wait(ch)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg wait failed: %w", err)
	}
	c.logger.Debug("conversion finished", map[string]any{"pid": pid, "exit_code": code})
	return &ConvertResult{ExitCode: code, Stderr: stderr.String()}, nil
}

// readProgress consumes ffmpeg's -progress output until EOF. Blocks are
// key=value lines terminated by a progress=<state> line.
func (c *Converter) readProgress(ctx context.Context, pid int, r io.Reader, report bool) {
	scanner := bufio.NewScanner(r)
	block := make(map[string]string)
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		block[key] = value
		if key != "progress" {
			continue
		}
		if report && c.caller != nil {
			c.reportProgress(ctx, pid, block)
		}
		block = make(map[string]string)
	}
	// Keep the pipe drained so ffmpeg never blocks on a full buffer.
	_, _ = io.Copy(io.Discard, r)
}

func (c *Converter) reportProgress(ctx context.Context, pid int, block map[string]string) {
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	if _, err := c.caller.CallContext(callCtx, "convertOutput", pid, block); err != nil {
		c.logger.Warn("progress report failed", map[string]any{"pid": pid, "error": err.Error()})
	}
}

// AbortConvert asks a running conversion to quit by writing "q" to its
// stdin, and kills it if it is still running after a short grace period.
// Unknown pids are ignored.
func (c *Converter) AbortConvert(pid int) {
	ch, ok := c.children.get(pid)
	if !ok {
		return
	}
	if ch.stdin != nil {
		_, _ = io.WriteString(ch.stdin, "q")
	}

	select {
	case <-ch.done:
	case <-time.After(abortGrace):
		if err := ch.cmd.Process.Kill(); err == nil {
			c.logger.Warn("conversion killed", map[string]any{"pid": pid})
		}
	}
}

// Running returns the pids of tracked child processes.
func (c *Converter) Running() []int {
	return c.children.pids()
}

// run executes a helper program to completion and returns its output.
func (c *Converter) run(ctx context.Context, name, path string, args ...string) (stdout, stderr []byte, code int, err error) {
	if path == "" {
		return nil, nil, 0, &MissingBinaryError{Name: name}
	}
	cmd := exec.CommandContext(ctx, path, args...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	ch, err := c.children.start(cmd, nil)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("failed to start %s: %w", name, err)
	}
	code, err = c.children.wait(ch)
	return outBuf.Bytes(), errBuf.Bytes(), code, err
}

func (c *Converter) output(ctx context.Context, args ...string) (string, error) {
	stdout, stderr, code, err := c.run(ctx, "ffmpeg", c.bin.FFmpeg, args...)
	if err != nil {
		return "", err
	}
	if code != 0 {
		return "", fmt.Errorf("converter exited with code %d: %s", code, strings.TrimSpace(string(stderr)))
	}
	return string(stdout), nil
}

// Codecs returns the output of ffmpeg -codecs.
func (c *Converter) Codecs(ctx context.Context) (string, error) {
	return c.output(ctx, "-hide_banner", "-codecs")
}

// Formats returns the output of ffmpeg -formats.
func (c *Converter) Formats(ctx context.Context) (string, error) {
	return c.output(ctx, "-hide_banner", "-formats")
}

// Info identifies the converter program.
type Info struct {
	Program string `json:"program"`
	Version string `json:"version"`
	Binary  string `json:"converterBinary"`
}

var versionPattern = regexp.MustCompile(`(?m)^(\S+) version (\S+)`)

// Info runs ffmpeg -version and parses its first line.
func (c *Converter) Info(ctx context.Context) (*Info, error) {
	stdout, stderr, _, err := c.run(ctx, "ffmpeg", c.bin.FFmpeg, "-version")
	if err != nil {
		return nil, err
	}
	m := versionPattern.FindSubmatch(append(stdout, stderr...))
	if m == nil {
		return nil, errors.New("converter did not report a version")
	}
	return &Info{Program: string(m[1]), Version: string(m[2]), Binary: c.bin.FFmpeg}, nil
}

// ProbeInfo is the summary parsed from ffprobe's human-readable output.
type ProbeInfo struct {
	Duration   float64 `json:"duration"`
	VideoCodec string  `json:"videoCodec,omitempty"`
	AudioCodec string  `json:"audioCodec,omitempty"`
	Width      int     `json:"width,omitempty"`
	Height     int     `json:"height,omitempty"`
	FPS        float64 `json:"fps,omitempty"`
}

var (
	durationPattern = regexp.MustCompile(`Duration: (\d+):(\d+):(\d+(?:\.\d+)?)`)
	videoPattern    = regexp.MustCompile(`Stream #\S+.*?: Video: (\w+)[^\n]*?, (\d+)x(\d+)`)
	fpsPattern      = regexp.MustCompile(`Stream #\S+.*?: Video: [^\n]*?([\d.]+) fps`)
	audioPattern    = regexp.MustCompile(`Stream #\S+.*?: Audio: (\w+)`)
)

// ParseProbe extracts a ProbeInfo from ffprobe's stderr.
func ParseProbe(out string) *ProbeInfo {
	info := &ProbeInfo{}
	if m := durationPattern.FindStringSubmatch(out); m != nil {
		h, _ := strconv.Atoi(m[1])
		mins, _ := strconv.Atoi(m[2])
		secs, _ := strconv.ParseFloat(m[3], 64)
		info.Duration = float64(h*3600+mins*60) + secs
	}
	if m := videoPattern.FindStringSubmatch(out); m != nil {
		info.VideoCodec = m[1]
		info.Width, _ = strconv.Atoi(m[2])
		info.Height, _ = strconv.Atoi(m[3])
	}
	if m := fpsPattern.FindStringSubmatch(out); m != nil {
		info.FPS, _ = strconv.ParseFloat(m[1], 64)
	}
	if m := audioPattern.FindStringSubmatch(out); m != nil {
		info.AudioCodec = m[1]
	}
	return info
}

// Probe runs ffprobe on input. With asJSON the raw JSON document is
// returned as a string; otherwise a parsed *ProbeInfo.
func (c *Converter) Probe(ctx context.Context, input string, asJSON bool, headers []fetch.Header) (any, error) {
	var args []string
	if asJSON {
		args = append(args, "-v", "quiet", "-print_format", "json", "-show_format", "-show_streams")
	}
	if len(headers) > 0 {
		var sb strings.Builder
		for _, h := range headers {
			v, err := h.Resolve()
			if err != nil {
				return nil, err
			}
			sb.WriteString(h.Name + ": " + v + "\r\n")
		}
		args = append(args, "-headers", sb.String())
	}
	args = append(args, input)

	stdout, stderr, code, err := c.run(ctx, "ffprobe", c.bin.FFprobe, args...)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, fmt.Errorf("exit code: %d\n%s", code, stderr)
	}
	if asJSON {
		return string(stdout), nil
	}
	return ParseProbe(string(stderr)), nil
}

// Filepicker runs the filepicker helper and returns the chosen path, or ""
// when the user cancelled.
func (c *Converter) Filepicker(ctx context.Context, action, dir, title, filename string) (string, error) {
	args := []string{action, dir, title}
	if filename != "" {
		args = append(args, filename)
	}
	stdout, _, code, err := c.run(ctx, "filepicker", c.bin.Filepicker, args...)
	if err != nil {
		return "", err
	}
	if code != 0 {
		return "", nil
	}
	return strings.TrimSpace(string(stdout)), nil
}

func openCommand(path string) *exec.Cmd {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", path)
	case "windows":
		return exec.Command("cmd", "/c", "start", "", path)
	default:
		return exec.Command("xdg-open", path)
	}
}

// Open opens path with the desktop's default application.
func (c *Converter) Open(path string) error {
	ch, err := c.children.start(openCommand(path), nil)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	go func() { _, _ = c.children.wait(ch) }()
	return nil
}

// Close kills every running child process.
func (c *Converter) Close() error {
	if n := c.children.killAll(); n > 0 {
		c.logger.Info("killed child processes", map[string]any{"count": n})
	}
	return nil
}
