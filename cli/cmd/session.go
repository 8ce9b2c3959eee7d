package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/coapp/adapter"
	"github.com/pithecene-io/coapp/adapter/redis"
	"github.com/pithecene-io/coapp/adapter/webhook"
	"github.com/pithecene-io/coapp/archive"
	"github.com/pithecene-io/coapp/cli/config"
	"github.com/pithecene-io/coapp/converter"
	"github.com/pithecene-io/coapp/install"
	"github.com/pithecene-io/coapp/iox"
	"github.com/pithecene-io/coapp/log"
	"github.com/pithecene-io/coapp/metrics"
	"github.com/pithecene-io/coapp/types"
)

// defaultNotifyRetries applies when notify.retries is not set.
const defaultNotifyRetries = 3

// DotEnvFile holds variables such as USER_SESSION_COOKIE and USER_AGENT.
const DotEnvFile = ".env"

// LoadDotEnv reads DotEnvFile from the working directory, then from beside
// the executable. Variables already set are never overridden; missing files
// are skipped. It runs as the app's Before hook so that flag EnvVars see
// the loaded values.
func LoadDotEnv(*cli.Context) error {
	if err := loadDotEnv("", converter.ExecDir()); err != nil {
		return cli.Exit(err.Error(), exitError)
	}
	return nil
}

func loadDotEnv(dirs ...string) error {
	seen := make(map[string]bool)
	for _, dir := range dirs {
		path := filepath.Join(dir, DotEnvFile)
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		if seen[path] {
			continue
		}
		seen[path] = true
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return nil
}

// session is what every command needing configuration shares.
type session struct {
	cfg        *config.Config
	configPath string
	meta       *types.SessionMeta
	logger     *log.Logger
	metrics    *metrics.Collector
	logCloser  io.Closer
}

// openSession loads the configuration and opens the logger. Interactive
// commands pass interactive=true so that info logs do not clutter the
// terminal unless the config asks for debug.
func openSession(c *cli.Context, interactive bool) (*session, error) {
	cfg, path, err := config.LoadResolved(c.String("config"))
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("config: %v", err), exitError)
	}

	level := cfg.Log.Level
	if interactive && level != "debug" {
		level = "warn"
	}
	meta := types.NewSessionMeta()
	logger, closer, err := log.Open(meta, log.Options{
		File:       cfg.Log.File,
		Level:      level,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("log: %v", err), exitError)
	}
	if path != "" {
		logger.Debug("config loaded", map[string]any{"path": path})
	}

	return &session{
		cfg:        cfg,
		configPath: path,
		meta:       meta,
		logger:     logger,
		metrics:    metrics.NewCollector(meta.SessionID, meta.Version),
		logCloser:  closer,
	}, nil
}

func (s *session) Close() {
	_ = s.logger.Sync()
	iox.DiscardClose(s.logCloser)
}

func (s *session) installer() *install.Installer {
	return install.New(install.Config{
		Meta:       s.cfg.Meta,
		Stores:     s.cfg.Stores,
		FlatpakIDs: s.cfg.Flatpak.IDs,
		Logger:     s.logger.Named("install"),
	})
}

func (s *session) binaries() converter.Binaries {
	return converter.Locate(converter.Binaries{
		FFmpeg:     s.cfg.Converter.FFmpeg,
		FFprobe:    s.cfg.Converter.FFprobe,
		Filepicker: s.cfg.Converter.Filepicker,
	}, converter.ExecDir())
}

// outputs builds the optional notifier and archive. Either may be nil.
// The caller closes the notifier.
func (s *session) outputs(ctx context.Context) (adapter.Adapter, *archive.Archive, error) {
	notifier, err := buildNotifier(s.cfg.Notify)
	if err != nil {
		return nil, nil, cli.Exit(fmt.Sprintf("notify: %v", err), exitError)
	}
	arch, err := buildArchive(ctx, s.cfg.Archive)
	if err != nil {
		if notifier != nil {
			iox.DiscardClose(notifier)
		}
		return nil, nil, cli.Exit(fmt.Sprintf("archive: %v", err), exitError)
	}
	return notifier, arch, nil
}

// buildNotifier creates the configured notification adapter, or nil when
// none is configured.
func buildNotifier(cfg config.AdapterConfig) (adapter.Adapter, error) {
	retries := defaultNotifyRetries
	if cfg.Retries != nil {
		retries = *cfg.Retries
	}

	switch cfg.Type {
	case "":
		return nil, nil
	case "webhook":
		a, err := webhook.New(webhook.Config{
			URL:     cfg.URL,
			Headers: cfg.Headers,
			Timeout: cfg.Timeout.Duration,
			Retries: retries,
		})
		if err != nil {
			return nil, err
		}
		return a, nil
	case "redis":
		a, err := redis.New(redis.Config{
			URL:      cfg.URL,
			Channel:  cfg.Channel,
			Encoding: redis.Encoding(cfg.Encoding),
			Timeout:  cfg.Timeout.Duration,
			Retries:  retries,
		})
		if err != nil {
			return nil, err
		}
		return a, nil
	default:
		return nil, fmt.Errorf("unknown adapter type %q (must be webhook or redis)", cfg.Type)
	}
}

// buildArchive creates the configured archive, or nil when none is
// configured.
func buildArchive(ctx context.Context, cfg config.ArchiveConfig) (*archive.Archive, error) {
	switch cfg.Backend {
	case "":
		return nil, nil
	case "fs":
		return archive.NewFS(cfg.Path)
	case "s3":
		bucket, prefix := archive.ParseS3Path(cfg.Path)
		return archive.NewS3(ctx, archive.S3Config{
			Bucket:       bucket,
			Prefix:       prefix,
			Region:       cfg.Region,
			Endpoint:     cfg.Endpoint,
			UsePathStyle: cfg.S3PathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown archive backend %q (must be fs or s3)", cfg.Backend)
	}
}

func executable() string {
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	return exe
}
