package audioio

import (
	"fmt"
	"log/slog"
)

// NewSource creates a capture source for cfg.
func NewSource(cfg Config, logger *slog.Logger) (Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid audio config: %w", err)
	}

	switch cfg.Backend {
	case BackendTone, "":
		return NewToneSource(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unsupported source backend: %s", cfg.Backend)
	}
}

// NewSink creates a playback sink for cfg.
func NewSink(cfg Config, logger *slog.Logger) (Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid audio config: %w", err)
	}

	switch cfg.Backend {
	case BackendDiscard, "":
		return NewBufferSink(cfg, 0, logger), nil
	case BackendBuffer:
		// Ten seconds of 20ms frames.
		return NewBufferSink(cfg, 500, logger), nil
	default:
		return nil, fmt.Errorf("unsupported sink backend: %s", cfg.Backend)
	}
}
