package capture

import (
	"fmt"
	"log/slog"
	"os"
)

// New creates a new capture source with the given configuration.
// If cfg.Backend is BackendAuto, the best available backend is selected.
func New(cfg Config, logger *slog.Logger) (Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	backend := cfg.Backend
	if backend == BackendAuto {
		backend = detectBestBackend()
	}

	logger.Info("creating capture source",
		"backend", backend,
		"max_width", cfg.MaxWidth,
		"max_height", cfg.MaxHeight,
		"max_frame_rate", cfg.MaxFrameRate,
		"want_audio", cfg.WantAudio,
	)

	switch backend {
	case BackendMock:
		return NewMockSource(cfg, logger), nil
	case BackendDevice:
		return newDeviceSource(cfg, logger), nil
	case BackendWebRTC:
		return NewWebRTCSource(cfg, logger), nil
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrUnsupported, backend)
	}
}

// detectBestBackend returns the best available backend for the current
// environment. A browser share is preferred when a display is unlikely to
// be attached to the agent itself.
func detectBestBackend() Backend {
	if os.Getenv("CAPTURE_DEVICE") != "" {
		return BackendDevice
	}
	if os.Getenv("DISPLAY") != "" {
		return BackendDevice
	}
	return BackendWebRTC
}

// AvailableBackends returns the list of backends usable in this build.
func AvailableBackends() []Backend {
	return []Backend{BackendMock, BackendDevice, BackendWebRTC}
}
