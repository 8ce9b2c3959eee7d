package install

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Meta identifies the host application.
type Meta struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Description string `yaml:"description"`
}

// ManifestDir is a directory manifests are written to. OnlyIfDirExists, when
// set, names a directory that must exist for the entry to apply, typically
// the browser's profile root.
type ManifestDir struct {
	Path            string `yaml:"path"`
	OnlyIfDirExists string `yaml:"only_if_dir_exists"`
}

// UnmarshalYAML accepts either a bare path or a {path, only_if_dir_exists}
// mapping.
func (d *ManifestDir) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		d.Path = value.Value
		return nil
	case yaml.MappingNode:
		type plain ManifestDir
		var p plain
		if err := value.Decode(&p); err != nil {
			return err
		}
		if p.Path == "" {
			return errors.New("manifest directory: path is required")
		}
		*d = ManifestDir(p)
		return nil
	default:
		return fmt.Errorf("manifest directory: expected string or mapping at line %d", value.Line)
	}
}

// PlatformDirs holds the manifest directories of one platform per mode.
type PlatformDirs struct {
	User   []ManifestDir `yaml:"user"`
	System []ManifestDir `yaml:"system"`
}

// For returns the directories of mode.
func (p PlatformDirs) For(mode Mode) []ManifestDir {
	if mode == ModeSystem {
		return p.System
	}
	return p.User
}

// Store describes one browser family: the manifest fields it expects and
// where it looks for manifests, keyed by platform ("linux", "mac").
type Store struct {
	Manifest map[string]any          `yaml:"manifest"`
	Dirs     map[string]PlatformDirs `yaml:"msg_manifest_paths"`
}

// BuildManifests merges each store's manifest fields with the host identity.
// Host fields win over store fields.
func BuildManifests(meta Meta, executable string, stores map[string]Store) map[string]map[string]any {
	out := make(map[string]map[string]any, len(stores))
	for name, store := range stores {
		m := make(map[string]any, len(store.Manifest)+3)
		for k, v := range store.Manifest {
			m[k] = v
		}
		m["name"] = meta.ID
		m["description"] = meta.Description
		m["path"] = executable
		out[name] = m
	}
	return out
}
