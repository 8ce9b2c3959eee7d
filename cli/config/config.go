package config

import (
	"fmt"
	"time"

	"github.com/pithecene-io/coapp/install"
	"github.com/pithecene-io/coapp/log"
)

// Config represents a coapp.yaml (or JSONC) configuration file.
// Values not set in the file keep the embedded defaults.
type Config struct {
	Meta      install.Meta             `yaml:"meta"`
	Stores    map[string]install.Store `yaml:"stores"`
	Flatpak   FlatpakConfig            `yaml:"flatpak"`
	Host      HostConfig               `yaml:"host"`
	Log       LogConfig                `yaml:"log"`
	Downloads DownloadsConfig          `yaml:"downloads"`
	Converter ConverterConfig          `yaml:"converter"`
	Notify    AdapterConfig            `yaml:"notify"`
	Archive   ArchiveConfig            `yaml:"archive"`
}

// FlatpakConfig lists the Flatpak browser ids granted access on install.
type FlatpakConfig struct {
	IDs []string `yaml:"ids"`
}

// HostConfig holds the timeouts of the messaging host.
type HostConfig struct {
	DrainTimeout      Duration `yaml:"drain_timeout"`
	StreamIdleTimeout Duration `yaml:"stream_idle_timeout"`
	CallTimeout       Duration `yaml:"call_timeout"`
}

// LogConfig selects the log destination and level. An empty file means
// stderr. Log files rotate at max_size_mb, keeping max_backups old files.
type LogConfig struct {
	File       string `yaml:"file"`
	Level      string `yaml:"level"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// DownloadsConfig holds download manager defaults.
type DownloadsConfig struct {
	Directory string   `yaml:"directory"`
	Retention Duration `yaml:"retention"`
}

// ConverterConfig overrides helper binary locations.
type ConverterConfig struct {
	FFmpeg     string `yaml:"ffmpeg"`
	FFprobe    string `yaml:"ffprobe"`
	Filepicker string `yaml:"filepicker"`
}

// AdapterConfig configures the download notification adapter.
type AdapterConfig struct {
	Type     string            `yaml:"type"`
	URL      string            `yaml:"url"`
	Channel  string            `yaml:"channel,omitempty"`
	Encoding string            `yaml:"encoding,omitempty"`
	Headers  map[string]string `yaml:"headers,omitempty"`
	Timeout  Duration          `yaml:"timeout,omitempty"`
	Retries  *int              `yaml:"retries,omitempty"`
}

// ArchiveConfig configures where completed downloads are archived.
type ArchiveConfig struct {
	Backend     string `yaml:"backend"`
	Path        string `yaml:"path"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if parsed < 0 {
		return fmt.Errorf("invalid duration %q: must not be negative", s)
	}
	d.Duration = parsed
	return nil
}

// Validate checks enumerated values and required fields.
func (c *Config) Validate() error {
	if c.Meta.ID == "" {
		return fmt.Errorf("meta.id is required")
	}
	if c.Log.Level != "" {
		if _, err := log.ParseLevel(c.Log.Level); err != nil {
			return fmt.Errorf("log.level: %w", err)
		}
	}
	if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 {
		return fmt.Errorf("log.max_size_mb and log.max_backups must not be negative")
	}

	switch c.Notify.Type {
	case "":
	case "webhook", "redis":
		if c.Notify.URL == "" {
			return fmt.Errorf("notify.url is required for %s", c.Notify.Type)
		}
	default:
		return fmt.Errorf("notify.type: unknown adapter %q (want webhook or redis)", c.Notify.Type)
	}
	if c.Notify.Retries != nil && *c.Notify.Retries < 0 {
		return fmt.Errorf("notify.retries must not be negative")
	}

	switch c.Archive.Backend {
	case "":
	case "fs", "s3":
		if c.Archive.Path == "" {
			return fmt.Errorf("archive.path is required for %s", c.Archive.Backend)
		}
	default:
		return fmt.Errorf("archive.backend: unknown backend %q (want fs or s3)", c.Archive.Backend)
	}
	return nil
}
