package log

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pithecene-io/coapp/types"
)

func testMeta() *types.SessionMeta {
	return &types.SessionMeta{SessionID: "sess-1", PID: 42, Version: "2.0.0"}
}

func TestLogger_SessionFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(testMeta()).WithOutput(&buf)

	logger.Info("host started", map[string]any{"methods": 3})

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	if entry["message"] != "host started" {
		t.Errorf("message = %v", entry["message"])
	}
	if entry["level"] != "info" {
		t.Errorf("level = %v, want info", entry["level"])
	}
	if entry["session_id"] != "sess-1" {
		t.Errorf("session_id = %v", entry["session_id"])
	}
	if entry["pid"] != float64(42) {
		t.Errorf("pid = %v", entry["pid"])
	}
	if entry["version"] != "2.0.0" {
		t.Errorf("version = %v", entry["version"])
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Error("missing timestamp")
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["methods"] != float64(3) {
		t.Errorf("fields = %v", entry["fields"])
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(testMeta()).WithOutput(&buf)

	logger.Debug("hidden", nil)
	if buf.Len() != 0 {
		t.Errorf("debug entry written at info level: %q", buf.String())
	}

	logger.Warn("shown", nil)
	if !strings.Contains(buf.String(), `"level":"warn"`) {
		t.Errorf("warn entry missing: %q", buf.String())
	}
}

func TestLogger_Named(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(testMeta()).WithOutput(&buf).Named("rpc")

	logger.Error("boom", nil)
	if !strings.Contains(buf.String(), `"component":"rpc"`) {
		t.Errorf("component tag missing: %q", buf.String())
	}
	if !strings.Contains(buf.String(), `"session_id":"sess-1"`) {
		t.Errorf("session fields lost: %q", buf.String())
	}
}

func TestOpen_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coapp.log")

	logger, closer, err := Open(testMeta(), Options{File: path, Level: "debug"})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	logger.Debug("to file", nil)
	if err := closer.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !strings.Contains(string(data), `"message":"to file"`) {
		t.Errorf("log file content = %q", data)
	}
}

func TestOpen_FileRotates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coapp.log")

	logger, closer, err := Open(testMeta(), Options{File: path, MaxSizeMB: 1, MaxBackups: 2})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	big := strings.Repeat("x", 64*1024)
	for range 40 {
		logger.Info("filler", map[string]any{"data": big})
	}
	if err := closer.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Size() > 1024*1024 {
		t.Errorf("active log is %d bytes, want at most 1 MiB", info.Size())
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) < 2 {
		t.Errorf("expected a rotated backup next to %s, found %d files", path, len(entries))
	}
}

func TestOpen_UnwritableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "dir", "coapp.log")
	if _, _, err := Open(testMeta(), Options{File: path}); err == nil {
		t.Error("expected error for a log file in a missing directory")
	}
}

func TestOpen_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env.log")
	t.Setenv(LogFileEnv, path)

	logger, closer, err := Open(testMeta(), Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	logger.Info("via env", nil)
	_ = closer.Close()

	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected log file at %s: %v", path, err)
	}
}

func TestParseLevel(t *testing.T) {
	for _, name := range []string{"", "debug", "info", "warn", "warning", "error"} {
		if _, err := ParseLevel(name); err != nil {
			t.Errorf("ParseLevel(%q) failed: %v", name, err)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("ParseLevel(loud) should fail")
	}
}

func TestNewNop(t *testing.T) {
	logger := NewNop()
	logger.Info("discarded", map[string]any{"k": "v"})
	logger.Sugar().Infof("discarded %d", 1)
}
