package converter

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

// Binaries are the resolved paths of the helper programs. An empty path
// means the program was not found.
type Binaries struct {
	FFmpeg     string
	FFprobe    string
	Filepicker string
}

// MissingBinaryError is returned by operations whose program was not found.
type MissingBinaryError struct {
	Name string
}

func (e *MissingBinaryError) Error() string {
	return fmt.Sprintf("%s not found", e.Name)
}

func programName(name string) string {
	if runtime.GOOS == "windows" {
		return name + ".exe"
	}
	return name
}

// Locate resolves each program from its override, then the directory of
// the running executable, then PATH.
func Locate(overrides Binaries, execDir string) Binaries {
	return Binaries{
		FFmpeg:     find("ffmpeg", overrides.FFmpeg, execDir),
		FFprobe:    find("ffprobe", overrides.FFprobe, execDir),
		Filepicker: find("filepicker", overrides.Filepicker, execDir),
	}
}

func find(name, override, execDir string) string {
	if override != "" {
		return override
	}
	if execDir != "" {
		candidate := filepath.Join(execDir, programName(name))
		if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
			return candidate
		}
	}
	if p, err := exec.LookPath(programName(name)); err == nil {
		return p
	}
	return ""
}

// ExecDir returns the directory of the running executable.
func ExecDir() string {
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Dir(exe)
}
