package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Aidin1998/scriptforge/internal/ratelimit"
	"github.com/Aidin1998/scriptforge/pkg/logger"
	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// DefaultPaths are searched in order when Load gets no explicit path.
var DefaultPaths = []string{
	"./config.yaml",
	"./configs/config.yaml",
	"/etc/scriptforge/config.yaml",
}

// Manager owns the loaded configuration and reloads it when its files change.
type Manager struct {
	mu        sync.RWMutex
	config    *Config
	path      string
	validator *validator.Validate
	logger    *zap.Logger
	debounce  time.Duration
}

func NewManager(lg *zap.Logger) *Manager {
	return &Manager{
		validator: validator.New(),
		logger:    logger.OrNop(lg).Named("config"),
		debounce:  500 * time.Millisecond,
	}
}

// Load reads the first existing file among paths (or DefaultPaths), applies
// environment overrides and validates the result. A missing file is not an
// error: defaults and the environment still apply.
func (m *Manager) Load(paths ...string) (*Config, error) {
	if len(paths) == 0 {
		paths = DefaultPaths
	}
	path := ""
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			path = p
			break
		}
		m.logger.Debug("Config file not found, skipping", zap.String("path", p))
	}

	cfg, err := m.read(path)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.config = cfg
	m.path = path
	m.mu.Unlock()

	if path == "" {
		m.logger.Warn("No configuration file found, using defaults and environment variables")
	} else {
		m.logger.Info("Configuration loaded", zap.String("file", path))
	}
	return cfg, nil
}

// Current returns the last successfully loaded configuration.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

func (m *Manager) read(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := m.validator.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	if _, err := TierTable(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// TierTable builds the rate limit table: the tiers file when set, otherwise
// the inline list, otherwise the built-in defaults.
func TierTable(cfg *Config) (*ratelimit.TierTable, error) {
	limits := cfg.RateLimit.Tiers
	if cfg.RateLimit.TiersFile != "" {
		f, err := os.Open(cfg.RateLimit.TiersFile)
		if err != nil {
			return nil, fmt.Errorf("open tiers file: %w", err)
		}
		defer f.Close()
		if limits, err = ratelimit.LoadTierLimits(f); err != nil {
			return nil, err
		}
	}
	if len(limits) == 0 {
		limits = ratelimit.DefaultTierLimits()
	}
	return ratelimit.NewTierTable(limits)
}

// Watch reloads the configuration whenever the config file or the tiers file
// changes and hands the new tier table to onTiers. Invalid edits are logged
// and the previous configuration stays in effect. Watch returns once the
// watcher is running; it stops when ctx is done.
func (m *Manager) Watch(ctx context.Context, onTiers func(*ratelimit.TierTable)) error {
	m.mu.RLock()
	cfg, path := m.config, m.path
	m.mu.RUnlock()
	if cfg == nil {
		return fmt.Errorf("watch config: nothing loaded")
	}

	files := map[string]bool{}
	for _, p := range []string{path, cfg.RateLimit.TiersFile} {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", p, err)
		}
		files[abs] = true
	}
	if len(files) == 0 {
		m.logger.Info("No config files to watch, hot-reload disabled")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	// Editors replace files on save, so watch the directories.
	dirs := map[string]bool{}
	for f := range files {
		dirs[filepath.Dir(f)] = true
	}
	for d := range dirs {
		if err := watcher.Add(d); err != nil {
			watcher.Close()
			return fmt.Errorf("watch %s: %w", d, err)
		}
	}

	go m.watchForChanges(ctx, watcher, files, onTiers)
	m.logger.Info("Config hot-reload started", zap.Int("files", len(files)))
	return nil
}

func (m *Manager) watchForChanges(ctx context.Context, w *fsnotify.Watcher, files map[string]bool, onTiers func(*ratelimit.TierTable)) {
	defer w.Close()

	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}

	for {
		select {
		case <-ctx.Done():
			debounce.Stop()
			return

		case event, ok := <-w.Events:
			if !ok {
				return
			}
			abs, _ := filepath.Abs(event.Name)
			if !files[abs] {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				m.logger.Debug("Config file changed", zap.String("file", event.Name), zap.String("op", event.Op.String()))
				debounce.Reset(m.debounce)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			m.logger.Error("Config watcher error", zap.Error(err))

		case <-debounce.C:
			m.reload(onTiers)
		}
	}
}

func (m *Manager) reload(onTiers func(*ratelimit.TierTable)) {
	m.mu.RLock()
	path := m.path
	m.mu.RUnlock()

	cfg, err := m.read(path)
	if err != nil {
		m.logger.Error("Config reload rejected, keeping previous configuration", zap.Error(err))
		return
	}
	table, err := TierTable(cfg)
	if err != nil {
		m.logger.Error("Tier table reload rejected", zap.Error(err))
		return
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()

	m.logger.Info("Configuration reloaded", zap.Int("tier_rows", len(table.Limits())))
	if onTiers != nil {
		onTiers(table)
	}
}
