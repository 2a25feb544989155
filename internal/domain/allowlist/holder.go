package allowlist

import (
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
)

// Holder owns the active allowlist Config and supports hot reload.
// Readers call Current and see a consistent snapshot; Reload swaps the
// pointer atomically so in-flight checks observe either the old or the
// new config, never a torn read.
type Holder struct {
	path   string
	ptr    atomic.Pointer[Config]
	logger *slog.Logger
}

// NewHolder loads the allowlist file at path and returns a Holder.
// The initial load must succeed; a proxy without an allowlist cannot
// enforce anything.
func NewHolder(path string, logger *slog.Logger) (*Holder, error) {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Holder{path: path, logger: logger}
	cfg, err := loadFile(path)
	if err != nil {
		return nil, err
	}
	h.ptr.Store(cfg)

	logger.Info("allowlist loaded", "path", path, "domains", len(cfg.Entries))
	return h, nil
}

// Current returns the active allowlist snapshot.
func (h *Holder) Current() *Config {
	return h.ptr.Load()
}

// Reload re-reads the allowlist file and swaps the active config.
// On any failure the previous config stays active and the error is
// returned for logging; enforcement is never abandoned.
func (h *Holder) Reload() error {
	cfg, err := loadFile(h.path)
	if err != nil {
		h.logger.Error("allowlist reload failed, keeping previous config",
			"path", h.path, "error", err)
		return err
	}

	h.ptr.Store(cfg)
	h.logger.Info("allowlist reloaded", "path", h.path, "domains", len(cfg.Entries))
	return nil
}

// loadFile reads and parses an allowlist file.
func loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read allowlist file: %w", err)
	}
	return Parse(data)
}
