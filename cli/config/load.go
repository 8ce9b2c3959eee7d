package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// EnvConfig names the environment variable pointing at a config file.
const EnvConfig = "COAPP_CONFIG"

// FileName is the config file looked up beside the executable.
const FileName = "coapp.yaml"

//go:embed defaults.yaml
var defaultsYAML []byte

// Default returns the embedded default configuration.
func Default() (*Config, error) {
	var cfg Config
	if err := decode(defaultsYAML, &cfg); err != nil {
		return nil, fmt.Errorf("invalid embedded defaults: %w", err)
	}
	return &cfg, nil
}

// Load reads a YAML or JSONC config file, expands environment variables, and
// decodes it over the embedded defaults. Files ending in .json or .jsonc are
// treated as JSONC.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("cannot read config file %q: %w", path, err)
	}

	cfg, err := Default()
	if err != nil {
		return nil, err
	}

	expanded := []byte(ExpandEnv(string(data)))
	kind := "YAML"
	if isJSONC(path) {
		kind = "JSON"
		var compact bytes.Buffer
		if err := json.Compact(&compact, jsonc.ToJSON(expanded)); err != nil {
			return nil, fmt.Errorf("invalid %s in %s: %w", kind, path, err)
		}
		expanded = compact.Bytes()
	}
	if err := decode(expanded, cfg); err != nil {
		return nil, fmt.Errorf("invalid %s in %s: %w", kind, path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Resolve returns the config file to load: the explicit path, then
// $COAPP_CONFIG, then coapp.yaml beside the executable. An empty result
// means the embedded defaults apply.
func Resolve(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if p := os.Getenv(EnvConfig); p != "" {
		return p
	}
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	candidate := filepath.Join(filepath.Dir(exe), FileName)
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return ""
}

// LoadResolved loads the config chosen by Resolve and reports its path.
func LoadResolved(explicit string) (*Config, string, error) {
	path := Resolve(explicit)
	if path == "" {
		cfg, err := Default()
		return cfg, "", err
	}
	cfg, err := Load(path)
	return cfg, path, err
}

func isJSONC(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".json" || ext == ".jsonc"
}

// decode decodes one document into cfg, rejecting unknown keys. Compact
// JSON is valid YAML flow syntax.
func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
