package config

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Holder publishes the current Settings snapshot. Readers always see a
// complete snapshot; Reload swaps the pointer only after validation passes.
type Holder struct {
	current atomic.Pointer[Settings]
	cfg     *Config
	logger  *zap.Logger
	mu      sync.Mutex
}

// NewHolder loads and validates the initial snapshot
func NewHolder(cfg *Config, logger *zap.Logger) (*Holder, error) {
	s, err := cfg.Settings(logger)
	if err != nil {
		return nil, err
	}
	h := &Holder{cfg: cfg, logger: logger}
	h.current.Store(s)
	return h, nil
}

// NewStaticHolder wraps a fixed snapshot, mainly for tests
func NewStaticHolder(s *Settings) *Holder {
	h := &Holder{logger: zap.NewNop()}
	h.current.Store(s)
	return h
}

// Current returns the active snapshot
func (h *Holder) Current() *Settings {
	return h.current.Load()
}

// Reload re-reads the configuration and swaps it in if it is valid.
// On error the previous snapshot stays active.
func (h *Holder) Reload() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cfg == nil {
		return nil
	}
	if err := h.cfg.Reload(); err != nil {
		return err
	}
	s, err := h.cfg.Settings(h.logger)
	if err != nil {
		h.logger.Error("Rejected configuration reload", zap.Error(err))
		return fmt.Errorf("reload: %w", err)
	}
	h.current.Store(s)
	h.logger.Info("Configuration reloaded",
		zap.String("file", h.cfg.GetViper().ConfigFileUsed()),
		zap.Strings("channels", s.EnabledChannels()))
	return nil
}

// Swap replaces the snapshot directly
func (h *Holder) Swap(s *Settings) {
	h.current.Store(s)
}
