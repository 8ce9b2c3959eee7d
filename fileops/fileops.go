// Package fileops gives the extension scoped access to the local file
// system: directory listings, unique file names, temporary files and a
// handle table of open files.
//
// Relative paths are resolved against the user's home directory.
package fileops

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/pithecene-io/coapp/iox"
)

// MaxListEntries caps the entries returned by ListFiles.
const MaxListEntries = 1000

// ErrBadHandle is returned for file handles that are not open.
var ErrBadHandle = errors.New("bad file descriptor")

// Stat is the subset of file metadata the extension uses.
type Stat struct {
	Size    int64       `json:"size"`
	Mode    os.FileMode `json:"mode"`
	MtimeMs int64       `json:"mtimeMs"`
	Dir     bool        `json:"dir"`
	Path    string      `json:"path,omitempty"`
}

func newStat(info os.FileInfo, path string) Stat {
	return Stat{
		Size:    info.Size(),
		Mode:    info.Mode(),
		MtimeMs: info.ModTime().UnixMilli(),
		Dir:     info.IsDir(),
		Path:    path,
	}
}

// ListEntry is one listFiles result, rendered as [name, stat].
type ListEntry struct {
	Name string
	Stat Stat
}

// MarshalJSON renders the entry as a two-element array.
func (e ListEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Name, e.Stat})
}

// PathInfo describes a file path split into its parts.
type PathInfo struct {
	FilePath  string `json:"filePath"`
	FileName  string `json:"fileName"`
	Directory string `json:"directory"`
}

func newPathInfo(p string) PathInfo {
	return PathInfo{FilePath: p, FileName: filepath.Base(p), Directory: filepath.Dir(p)}
}

// TmpOptions are the options of tmp.file and tmp.tmpName.
type TmpOptions struct {
	Prefix  string `json:"prefix,omitempty"`
	Postfix string `json:"postfix,omitempty"`
	TmpDir  string `json:"tmpdir,omitempty"`
}

// TmpFile is the result of tmp.file.
type TmpFile struct {
	Path string `json:"path"`
	FD   int    `json:"fd"`
}

// Ops holds the open-file table and unique-name counters.
type Ops struct {
	home string

	mu      sync.Mutex
	files   map[int]*os.File
	nextFD  int
	uniques map[string]int
}

// New creates an Ops resolving relative paths against home. An empty home
// uses the current user's home directory.
func New(home string) *Ops {
	if home == "" {
		if h, err := os.UserHomeDir(); err == nil {
			home = h
		}
	}
	return &Ops{
		home:    home,
		files:   make(map[int]*os.File),
		uniques: make(map[string]int),
	}
}

// HomeJoin joins parts onto the home directory. An absolute part discards
// everything before it.
func (o *Ops) HomeJoin(parts ...string) string {
	p := o.home
	for _, part := range parts {
		if filepath.IsAbs(part) {
			p = part
		} else {
			p = filepath.Join(p, part)
		}
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return filepath.Clean(p)
	}
	return abs
}

// ListFiles lists dir. Unreadable entries are skipped. Over MaxListEntries
// the list is sorted directories first, then by name, and truncated.
func (o *Ops) ListFiles(dir string) ([]ListEntry, error) {
	dir = o.HomeJoin(dir)
	names, err := readDirNames(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot list directory: %w", err)
	}

	entries := make([]ListEntry, 0, len(names))
	for _, name := range names {
		full := filepath.Join(dir, name)
		info, err := os.Stat(full)
		if err != nil {
			continue
		}
		entries = append(entries, ListEntry{Name: name, Stat: newStat(info, full)})
	}

	if len(entries) > MaxListEntries {
		sort.Slice(entries, func(i, j int) bool {
			if entries[i].Stat.Dir != entries[j].Stat.Dir {
				return entries[i].Stat.Dir
			}
			return entries[i].Name < entries[j].Name
		})
		entries = entries[:MaxListEntries]
	}
	return entries, nil
}

func readDirNames(dir string) ([]string, error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	defer iox.DiscardClose(f)
	return f.Readdirnames(-1)
}

// GetParents returns every ancestor of dir, nearest first. On Windows the
// available drive roots are appended.
func (o *Ops) GetParents(dir string) []string {
	current := o.HomeJoin(dir)
	parents := []string{}
	for {
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		parents = append(parents, parent)
		current = parent
	}

	if runtime.GOOS == "windows" {
		for letter := 'A'; letter <= 'Z'; letter++ {
			drive := string(letter) + ":"
			if _, err := os.Stat(drive + `\`); err != nil {
				continue
			}
			if !contains(parents, drive) && !contains(parents, drive+`\`) {
				parents = append(parents, drive)
			}
		}
	}
	return parents
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

var indexSuffix = regexp.MustCompile(`^(.*?)(?:-(\d+))?$`)

// MakeUniqueFileName returns a path that does not exist yet, derived from
// the joined parts by numbering: name.ext, name-01.ext, name-02.ext, ...
// An existing numeric suffix on the name is continued from.
func (o *Ops) MakeUniqueFileName(parts ...string) PathInfo {
	filePath := o.HomeJoin(parts...)
	dir := filepath.Dir(filePath)
	ext := filepath.Ext(filePath)
	base := strings.TrimSuffix(filepath.Base(filePath), ext)

	o.mu.Lock()
	defer o.mu.Unlock()

	index := o.uniques[filePath]
	m := indexSuffix.FindStringSubmatch(base)
	stem := m[1]
	if m[2] != "" {
		index, _ = strconv.Atoi(m[2])
	}

	for {
		o.uniques[filePath] = index + 1
		name := stem
		if index > 0 {
			name += fmt.Sprintf("-%02d", index)
		}
		candidate := filepath.Join(dir, name+ext)
		if _, err := os.Lstat(candidate); errors.Is(err, os.ErrNotExist) {
			return newPathInfo(candidate)
		}
		index++
	}
}

func (o *Ops) register(f *os.File) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nextFD++
	o.files[o.nextFD] = f
	return o.nextFD
}

func (o *Ops) lookup(fd int) (*os.File, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	f, ok := o.files[fd]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrBadHandle, fd)
	}
	return f, nil
}

// TmpFile creates a temporary file and opens it for writing.
func (o *Ops) TmpFile(opts TmpOptions) (*TmpFile, error) {
	f, err := os.CreateTemp(opts.TmpDir, opts.Prefix+"*"+opts.Postfix)
	if err != nil {
		return nil, err
	}
	return &TmpFile{Path: f.Name(), FD: o.register(f)}, nil
}

// TmpName returns a fresh temporary path without creating it.
func (o *Ops) TmpName(opts TmpOptions) PathInfo {
	dir := opts.TmpDir
	if dir == "" {
		dir = os.TempDir()
	}
	return newPathInfo(filepath.Join(dir, opts.Prefix+uuid.NewString()+opts.Postfix))
}

var openFlags = map[string]int{
	"r":   os.O_RDONLY,
	"rs":  os.O_RDONLY | os.O_SYNC,
	"r+":  os.O_RDWR,
	"rs+": os.O_RDWR | os.O_SYNC,
	"w":   os.O_WRONLY | os.O_CREATE | os.O_TRUNC,
	"wx":  os.O_WRONLY | os.O_CREATE | os.O_TRUNC | os.O_EXCL,
	"w+":  os.O_RDWR | os.O_CREATE | os.O_TRUNC,
	"wx+": os.O_RDWR | os.O_CREATE | os.O_TRUNC | os.O_EXCL,
	"a":   os.O_WRONLY | os.O_CREATE | os.O_APPEND,
	"ax":  os.O_WRONLY | os.O_CREATE | os.O_APPEND | os.O_EXCL,
	"a+":  os.O_RDWR | os.O_CREATE | os.O_APPEND,
	"ax+": os.O_RDWR | os.O_CREATE | os.O_APPEND | os.O_EXCL,
}

// ParseFlags converts a mode string such as "a" or "w+" to open flags.
func ParseFlags(mode string) (int, error) {
	flags, ok := openFlags[mode]
	if !ok {
		return 0, fmt.Errorf("unknown open flags %q", mode)
	}
	return flags, nil
}

// Open opens path and returns its handle.
func (o *Ops) Open(path string, flags int) (int, error) {
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return 0, err
	}
	return o.register(f), nil
}

// Write writes data at the current offset of fd.
func (o *Ops) Write(fd int, data []byte) (int, error) {
	f, err := o.lookup(fd)
	if err != nil {
		return 0, err
	}
	return f.Write(data)
}

// ParseByteList parses "70,79,79" into bytes.
func ParseByteList(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	fields := strings.Split(s, ",")
	out := make([]byte, len(fields))
	for i, field := range fields {
		v, err := strconv.ParseUint(strings.TrimSpace(field), 10, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid byte list: %w", err)
		}
		out[i] = byte(v)
	}
	return out, nil
}

// DecodeBase64 decodes the payload of fs.write2.
func DecodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// Close closes fd and removes it from the table.
func (o *Ops) Close(fd int) error {
	o.mu.Lock()
	f, ok := o.files[fd]
	delete(o.files, fd)
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrBadHandle, fd)
	}
	return f.Close()
}

// Stat returns the metadata of path.
func (o *Ops) Stat(path string) (Stat, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Stat{}, err
	}
	return newStat(info, ""), nil
}

// CopyFile copies src to dst, replacing dst.
func (o *Ops) CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer iox.DiscardClose(in)

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		iox.DiscardClose(out)
		return err
	}
	return out.Close()
}

// CloseAll closes every open handle.
func (o *Ops) CloseAll() error {
	o.mu.Lock()
	files := o.files
	o.files = make(map[int]*os.File)
	o.mu.Unlock()

	var errs []error
	for _, f := range files {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
