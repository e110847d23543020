package settings

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Manager owns the in-memory configuration. It is loaded once from the
// store and every accepted change is written back in full.
type Manager struct {
	store Store

	mu  sync.RWMutex
	cfg Config
}

// NewManager loads the configuration from store, falling back to Default
// when nothing has been saved
func NewManager(store Store) (*Manager, error) {
	cfg, err := store.Load()
	switch {
	case errors.Is(err, ErrNotFound):
		slog.Info("No saved config, using defaults")
		cfg = Default()
	case err != nil:
		return nil, fmt.Errorf("loading config: %w", err)
	}

	return &Manager{store: store, cfg: cfg}, nil
}

// Current returns a copy of the active configuration
func (m *Manager) Current() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Save persists cfg and makes it the active configuration. Nothing changes
// in memory if the write fails.
func (m *Manager) Save(cfg Config) (Config, error) {
	cfg = cfg.Normalize()

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Save(cfg); err != nil {
		return m.cfg, fmt.Errorf("saving config: %w", err)
	}
	m.cfg = cfg

	slog.Info("Config saved", "form_url", cfg.FormURL)
	return cfg, nil
}
