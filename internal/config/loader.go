package config

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Loader keeps the current configuration and reloads it when the file changes.
type Loader struct {
	path   string
	v      *viper.Viper
	logger *zap.Logger

	mu       sync.RWMutex
	current  Config
	handlers []func(Config)
}

// NewLoader loads path and returns a loader holding the result.
func NewLoader(path string, logger *zap.Logger) (*Loader, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Loader{path: path, v: newViper(path), logger: logger}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Current returns a snapshot of the active configuration.
func (l *Loader) Current() Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Reload re-reads the file. An invalid file leaves the current
// configuration in place.
func (l *Loader) Reload() error {
	if l.path != "" {
		if err := l.v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", l.path, err)
		}
	}
	cfg, err := decode(l.v)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.current = *cfg
	handlers := append([]func(Config){}, l.handlers...)
	l.mu.Unlock()

	for _, h := range handlers {
		h(*cfg)
	}
	return nil
}

// OnChange registers a handler called with every successfully reloaded configuration.
func (l *Loader) OnChange(h func(Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, h)
}

// Watch starts hot reload of the config file. It is a no-op without a file.
func (l *Loader) Watch() {
	if l.path == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		if err := l.Reload(); err != nil {
			l.logger.Warn("Config reload failed, keeping previous config",
				zap.String("file", e.Name),
				zap.Error(err),
			)
			return
		}
		l.logger.Info("Config reloaded", zap.String("file", e.Name))
	})
	l.v.WatchConfig()
}
