package risk

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader reads scorer configuration from a YAML file and optionally watches
// it for changes with a polling watcher and debounced reload.
type Loader struct {
	path       string
	hotReload  bool
	debounceMs int
	logger     *slog.Logger
}

// NewLoader creates a loader for the given config file.
func NewLoader(path string, hotReload bool, debounceMs int, logger *slog.Logger) *Loader {
	return &Loader{
		path:       path,
		hotReload:  hotReload,
		debounceMs: debounceMs,
		logger:     logger,
	}
}

// Load reads and parses the config file. A missing path is not an error; the
// defaults are returned so the scorer can start without any file on disk.
func (l *Loader) Load() (Config, error) {
	if l.path == "" {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			l.logger.Info("Risk config file not found, using defaults", "path", l.path)
			return DefaultConfig(), nil
		}
		return Config{}, fmt.Errorf("failed to read risk config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse risk config: %w", err)
	}

	l.logger.Info("Risk config loaded",
		"path", l.path,
		"weights", len(cfg.Weights),
		"high_risk_countries", len(cfg.HighRiskCountries),
		"private_networks", len(cfg.PrivateNetworks))
	return cfg, nil
}

// WatchForChanges starts the polling watcher if hot reload is enabled.
// On each change the file is reloaded and applied to the scorer; a broken
// file is logged and skipped, keeping the previous configuration live.
// Both watcher goroutines exit when the context is cancelled.
func (l *Loader) WatchForChanges(ctx context.Context, scorer *Scorer) {
	if !l.hotReload || l.path == "" {
		l.logger.Info("Risk config hot reload disabled")
		return
	}

	l.logger.Info("Starting risk config watcher", "path", l.path)

	reloadChan := make(chan struct{}, 1)
	go l.watchFile(ctx, reloadChan)
	go l.debouncedReload(ctx, reloadChan, scorer)
}

// watchFile polls the config file's modification time.
func (l *Loader) watchFile(ctx context.Context, reloadChan chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var lastModTime time.Time
	if info, err := os.Stat(l.path); err == nil {
		lastModTime = info.ModTime()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := os.Stat(l.path)
			if err != nil {
				continue
			}
			if info.ModTime().After(lastModTime) {
				lastModTime = info.ModTime()
				select {
				case reloadChan <- struct{}{}:
				default:
				}
			}
		}
	}
}

func (l *Loader) debouncedReload(ctx context.Context, reloadChan chan struct{}, scorer *Scorer) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-reloadChan:
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(time.Duration(l.debounceMs)*time.Millisecond, func() {
				cfg, err := l.Load()
				if err != nil {
					l.logger.Error("Failed to reload risk config", "error", err)
					return
				}
				if err := scorer.Apply(cfg); err != nil {
					l.logger.Error("Failed to apply risk config", "error", err)
					return
				}
				l.logger.Info("Risk config reloaded", "path", l.path)
			})
		}
	}
}
