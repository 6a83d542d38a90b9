package capture

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// MockSource is a synthetic capture source for testing.
// It renders a moving gradient frame and a sine-shaped audio spectrum.
type MockSource struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	acquired bool
	released bool
	onEnded  func(reason string)
	endOnce  sync.Once

	// Failure injection
	acquireErr error
	frameDelay time.Duration
	hasAudio   bool

	// Stats
	framesRead  atomic.Int64
	spectraRead atomic.Int64

	tick float64
}

// MockSourceOption configures a MockSource.
type MockSourceOption func(*MockSource)

// WithAcquireError makes Acquire fail with the given error.
func WithAcquireError(err error) MockSourceOption {
	return func(m *MockSource) {
		m.acquireErr = err
	}
}

// WithFrameDelay makes every ReadFrame take at least d.
// Used to exercise the sampler's skip-when-pending behavior.
func WithFrameDelay(d time.Duration) MockSourceOption {
	return func(m *MockSource) {
		m.frameDelay = d
	}
}

// WithoutAudio simulates a platform that could not provide system audio.
func WithoutAudio() MockSourceOption {
	return func(m *MockSource) {
		m.hasAudio = false
	}
}

// NewMockSource creates a new mock capture source.
func NewMockSource(cfg Config, logger *slog.Logger, opts ...MockSourceOption) *MockSource {
	if logger == nil {
		logger = slog.Default()
	}

	m := &MockSource{
		cfg:      cfg,
		logger:   logger,
		hasAudio: cfg.WantAudio,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Acquire marks the mock source as live.
func (m *MockSource) Acquire(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.released {
		return ErrReleased
	}
	if m.acquireErr != nil {
		return m.acquireErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.acquired = true
	m.logger.Info("mock capture source acquired",
		"width", m.cfg.MaxWidth,
		"height", m.cfg.MaxHeight,
		"has_audio", m.hasAudio,
	)
	return nil
}

// ReadFrame renders and encodes one synthetic frame.
func (m *MockSource) ReadFrame(ctx context.Context) (Frame, error) {
	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		return Frame{}, ErrReleased
	}
	if !m.acquired {
		m.mu.Unlock()
		return Frame{}, ErrNotAcquired
	}
	m.tick++
	phase := m.tick
	delay := m.frameDelay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		}
	}

	// Small fixed canvas; the point is valid JPEG bytes, not fidelity.
	const w, h = 64, 48
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8((x + y + int(phase)) % 256)})
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: m.cfg.JPEGQuality}); err != nil {
		return Frame{}, WrapError("mock", err)
	}

	m.framesRead.Add(1)
	return Frame{JPEG: buf.Bytes(), Width: w, Height: h}, nil
}

// ReadSpectrum returns a synthetic frequency spectrum.
func (m *MockSource) ReadSpectrum(ctx context.Context) ([]float64, error) {
	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		return nil, ErrReleased
	}
	if !m.acquired {
		m.mu.Unlock()
		return nil, ErrNotAcquired
	}
	hasAudio := m.hasAudio
	phase := m.tick
	m.mu.Unlock()

	if !hasAudio {
		return nil, ErrNoAudio
	}

	spectrum := make([]float64, SpectrumSize)
	for i := range spectrum {
		spectrum[i] = 0.5 + 0.5*math.Sin(phase/10+float64(i)/4)
	}

	m.spectraRead.Add(1)
	return spectrum, nil
}

// Settings returns the mock source settings.
func (m *MockSource) Settings() Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Settings{
		Width:     m.cfg.MaxWidth,
		Height:    m.cfg.MaxHeight,
		FrameRate: m.cfg.MaxFrameRate,
		HasAudio:  m.hasAudio && m.acquired,
		Backend:   BackendMock,
	}
}

// OnEnded registers the one-shot ended callback.
func (m *MockSource) OnEnded(fn func(reason string)) {
	m.mu.Lock()
	m.onEnded = fn
	m.mu.Unlock()
}

// TriggerEnded simulates the platform revoking the source externally.
// The callback fires at most once regardless of how often this is called.
func (m *MockSource) TriggerEnded(reason string) {
	m.mu.Lock()
	fn := m.onEnded
	m.mu.Unlock()

	if fn == nil {
		return
	}
	m.endOnce.Do(func() { fn(reason) })
}

// Release marks all tracks as released. Safe to call multiple times.
func (m *MockSource) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.released {
		return nil
	}
	m.released = true
	m.acquired = false
	m.logger.Info("mock capture source released",
		"frames_read", m.framesRead.Load(),
		"spectra_read", m.spectraRead.Load(),
	)
	return nil
}

// Released reports whether Release has been called.
// Tests use this to assert no dangling handle remains after teardown.
func (m *MockSource) Released() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}

// FramesRead returns the number of frames read so far.
func (m *MockSource) FramesRead() int64 { return m.framesRead.Load() }

// Name returns the backend name.
func (m *MockSource) Name() string { return string(BackendMock) }
