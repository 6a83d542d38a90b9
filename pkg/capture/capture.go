// Package capture acquires a live screen(+audio) source for an interview
// monitoring session.
//
// This package supports multiple backends:
//   - Device (gocv) - grabs a local screen/camera device, video only
//   - WebRTC (pion) - receives the candidate's browser screen share
//   - Mock - synthetic frames and spectra for CI/testing without hardware
//
// The backend is selected automatically based on environment, or can be
// explicitly specified via configuration. A source is exclusively owned by
// the session that acquired it; nothing else may release its tracks.
package capture

import (
	"context"
	"fmt"
	"time"
)

// Backend represents the capture backend type.
type Backend string

const (
	// BackendAuto automatically selects the best available backend.
	BackendAuto Backend = "auto"
	// BackendDevice grabs frames from a local capture device via gocv.
	BackendDevice Backend = "device"
	// BackendWebRTC receives a browser screen share via pion/webrtc.
	BackendWebRTC Backend = "webrtc"
	// BackendMock uses a synthetic implementation for testing.
	BackendMock Backend = "mock"
)

// SpectrumSize is the number of frequency bins in an audio snapshot.
// Fixed so the analyzer and the charts always see the same shape.
const SpectrumSize = 32

// Config holds capture configuration.
type Config struct {
	// Backend specifies which capture backend to use.
	// Default: "auto" (selects best available for the environment)
	Backend Backend `json:"backend"`

	// MaxWidth and MaxHeight cap the requested capture resolution.
	// Default: 1280x720.
	MaxWidth  int `json:"max_width"`
	MaxHeight int `json:"max_height"`

	// MaxFrameRate caps the requested capture frame rate.
	// Default: 15.
	MaxFrameRate int `json:"max_frame_rate"`

	// WantAudio requests system audio alongside video. Audio is best
	// effort: its absence is reported via Settings, never an error.
	WantAudio bool `json:"want_audio"`

	// EchoCancellation and NoiseSuppression are forwarded to backends
	// that can honor them (the browser share); others ignore them.
	EchoCancellation bool `json:"echo_cancellation"`
	NoiseSuppression bool `json:"noise_suppression"`

	// JPEGQuality for encoded frames, 1-100. Default: 80.
	JPEGQuality int `json:"jpeg_quality"`

	// Device is the backend-specific device identifier.
	// For the device backend this is a capture device index or path.
	Device string `json:"device"`

	// AcquireTimeout bounds how long Acquire waits for the source to
	// come up (e.g. for the browser offer to arrive). Default: 30s.
	AcquireTimeout time.Duration `json:"acquire_timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Backend:          BackendAuto,
		MaxWidth:         1280,
		MaxHeight:        720,
		MaxFrameRate:     15,
		WantAudio:        true,
		EchoCancellation: true,
		NoiseSuppression: true,
		JPEGQuality:      80,
		AcquireTimeout:   30 * time.Second,
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.MaxWidth < 160 || c.MaxHeight < 120 {
		return fmt.Errorf("resolution cap %dx%d is below the 160x120 minimum", c.MaxWidth, c.MaxHeight)
	}
	if c.MaxFrameRate <= 0 {
		return fmt.Errorf("max_frame_rate must be positive, got %d", c.MaxFrameRate)
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("jpeg_quality must be 1-100, got %d", c.JPEGQuality)
	}
	if c.AcquireTimeout <= 0 {
		return fmt.Errorf("acquire_timeout must be positive, got %v", c.AcquireTimeout)
	}
	return nil
}

// Settings reports the live properties of an acquired source.
type Settings struct {
	// Width and Height are the actual capture dimensions, which may be
	// lower than the configured cap.
	Width  int `json:"width"`
	Height int `json:"height"`

	// FrameRate is the actual capture frame rate.
	FrameRate int `json:"frame_rate"`

	// HasAudio reports whether a system-audio track was obtained.
	// False means the session runs video-only.
	HasAudio bool `json:"has_audio"`

	// Backend is the backend that produced this source.
	Backend Backend `json:"backend"`
}

// Frame is one encoded video frame read from the source.
type Frame struct {
	// JPEG holds the encoded image bytes.
	JPEG []byte

	// Width and Height of the encoded image.
	Width  int
	Height int
}

// Source is a live screen(+audio) capture handle.
//
// A Source is acquired once, read repeatedly, and released exactly once.
// Release is idempotent; every other method fails after Release.
type Source interface {
	// Acquire obtains the underlying capture handle. It blocks until the
	// source is live or the context/acquire timeout expires. Failures
	// classify into ErrPermissionDenied, ErrUnsupported or ErrAborted.
	Acquire(ctx context.Context) error

	// ReadFrame reads and encodes the current video frame.
	ReadFrame(ctx context.Context) (Frame, error)

	// ReadSpectrum reads a fixed-size frequency-domain snapshot of the
	// audio track. Returns ErrNoAudio when the source is video-only.
	ReadSpectrum(ctx context.Context) ([]float64, error)

	// Settings returns the live source settings.
	// Only valid after Acquire succeeds.
	Settings() Settings

	// OnEnded registers a one-shot callback fired when the underlying
	// source terminates externally (sharing revoked, device unplugged).
	// The source never re-acquires on its own.
	OnEnded(fn func(reason string))

	// Release stops and releases all tracks. Safe to call multiple
	// times; only the first call does work.
	Release() error

	// Name returns the backend name (e.g. "device", "webrtc", "mock").
	Name() string
}
