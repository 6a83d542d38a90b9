// Package session drives the lifecycle of one live capture session:
// acquire a source, stream samples to the analyzer, and tear everything
// down in a fixed order on stop.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/insighthire/capture-agent/pkg/analysis"
	"github.com/insighthire/capture-agent/pkg/capture"
	"github.com/insighthire/capture-agent/pkg/notify"
	"github.com/insighthire/capture-agent/pkg/protocol"
	"github.com/insighthire/capture-agent/pkg/sampler"
)

// State is the session lifecycle state.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateActive   State = "active"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// ErrAlreadyRunning is returned by Start while a session is live.
var ErrAlreadyRunning = errors.New("session already running")

// Transport is the analyzer channel a session streams over.
// *transport.Channel satisfies it.
type Transport interface {
	Connect(ctx context.Context) error
	Join(ctx context.Context, sessionID string) (bool, error)
	Leave(sessionID string) error
	SendFrame(sessionID string, jpeg []byte)
	SendAudio(sessionID string, spectrum []float64)
	OnResult(fn func(protocol.ResultData))
	Close() error
}

// Config holds session tuning knobs.
type Config struct {
	// Capture configures the media source.
	Capture capture.Config

	// FrameInterval and SpectrumInterval pace the two samplers.
	// Default: sampler.DefaultInterval for both.
	FrameInterval    time.Duration
	SpectrumInterval time.Duration

	// StopGrace is how long teardown waits after releasing the source
	// before leaving the analyzer channel, so in-flight sends drain.
	// Default: 300ms.
	StopGrace time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Capture:          capture.DefaultConfig(),
		FrameInterval:    sampler.DefaultInterval,
		SpectrumInterval: sampler.DefaultInterval,
		StopGrace:        300 * time.Millisecond,
	}
}

// Info is a point-in-time description of the session for the dashboard.
type Info struct {
	State     State            `json:"state"`
	SessionID string           `json:"session_id,omitempty"`
	Backend   string           `json:"backend,omitempty"`
	Settings  capture.Settings `json:"settings"`
	StartedAt time.Time        `json:"started_at,omitempty"`
}

// gate implements sampler.Gate; flipping it closed is the first step of
// teardown so no payload can follow a stop sentinel.
type gate struct{ open atomic.Bool }

func (g *gate) Allow() bool { return g.open.Load() }

// Manager owns at most one live session at a time.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	newSource    func(capture.Config, *slog.Logger) (capture.Source, error)
	newTransport func() Transport

	agg   *analysis.Aggregator
	dedup *notify.Deduper

	onState func(State)

	mu          sync.Mutex
	state       State
	id          string
	startedAt   time.Time
	src         capture.Source
	tr          Transport
	frames      *sampler.Handle
	spectra     *sampler.Handle
	g           *gate
	stopped     chan struct{}
	cancelStart context.CancelFunc
}

// NewManager creates a session manager.
func NewManager(
	cfg Config,
	newTransport func() Transport,
	agg *analysis.Aggregator,
	dedup *notify.Deduper,
	logger *slog.Logger,
) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = sampler.DefaultInterval
	}
	if cfg.SpectrumInterval <= 0 {
		cfg.SpectrumInterval = sampler.DefaultInterval
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 300 * time.Millisecond
	}
	return &Manager{
		cfg:          cfg,
		logger:       logger,
		newSource:    capture.New,
		newTransport: newTransport,
		agg:          agg,
		dedup:        dedup,
		state:        StateIdle,
	}
}

// SetSourceFactory overrides how capture sources are created.
// Used by tests and by the web layer to route browser offers.
func (m *Manager) SetSourceFactory(fn func(capture.Config, *slog.Logger) (capture.Source, error)) {
	m.mu.Lock()
	m.newSource = fn
	m.mu.Unlock()
}

// OnStateChange registers a callback fired on every state transition.
func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	m.onState = fn
	m.mu.Unlock()
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsActive reports whether a session is currently live.
func (m *Manager) IsActive() bool {
	return m.State() == StateActive
}

// SessionID returns the current session id, or "" when none is live.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id
}

// StreamInfo describes the current session for the dashboard.
func (m *Manager) StreamInfo() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	info := Info{State: m.state, SessionID: m.id, StartedAt: m.startedAt}
	if m.src != nil {
		info.Settings = m.src.Settings()
		info.Backend = m.src.Name()
	}
	return info
}

// Source returns the live capture source, or nil when none is acquired.
// The web layer uses it to feed preview frames and browser offers.
func (m *Manager) Source() capture.Source {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.src
}

// Start acquires a source, joins the analyzer and begins sampling.
// It blocks until the session is Active or the startup failed. Calling
// Start while a session is live returns ErrAlreadyRunning.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateIdle, StateStopped, StateFailed:
	default:
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.state = StateStarting
	m.id = uuid.NewString()
	m.startedAt = time.Now()
	m.stopped = make(chan struct{})
	ctx, cancel := context.WithCancel(ctx)
	m.cancelStart = cancel
	id := m.id
	newSource := m.newSource
	m.mu.Unlock()
	defer cancel()

	// The dedup scope is one session; a fresh attempt notifies anew even
	// when the previous attempt failed the same way.
	m.dedup.Reset()
	m.fireState(StateStarting)

	m.logger.Info("starting session", "session_id", id)

	src, err := newSource(m.cfg.Capture, m.logger)
	if err != nil {
		return m.failStart(id, nil, fmt.Errorf("create source: %w", err))
	}

	// Publish the source before Acquire so the web layer can route a
	// browser offer to it while Acquire is still waiting for the share.
	m.mu.Lock()
	m.src = src
	m.mu.Unlock()

	if err := src.Acquire(ctx); err != nil {
		// No source, nothing to stream. The analyzer is never joined.
		return m.failStart(id, src, err)
	}

	if stopped := m.stopRequested(); stopped != nil {
		// A stop arrived while Acquire was in flight. Nothing was joined
		// yet, so only the source needs tearing down.
		m.teardown(id, src, nil, nil, nil, nil)
		m.finishStop(stopped)
		return nil
	}

	src.OnEnded(func(reason string) {
		m.logger.Warn("capture source ended", "session_id", id, "reason", reason)
		m.dedup.NotifyOnce("Screen sharing ended: "+reason, notify.SeverityWarning)
		go m.Stop()
	})

	tr := m.newTransport()
	tr.OnResult(func(r protocol.ResultData) {
		m.agg.Ingest(id, r)
	})

	analysisActive := false
	if err := tr.Connect(ctx); err != nil {
		m.logger.Warn("analyzer unreachable, continuing without analysis",
			"session_id", id, "error", err)
	} else {
		active, err := tr.Join(ctx, id)
		if err != nil {
			m.logger.Warn("analyzer join failed, continuing without analysis",
				"session_id", id, "error", err)
		} else {
			analysisActive = active
		}
	}

	if stopped := m.stopRequested(); stopped != nil {
		// A stop cancelled the handshake. The analyzer may have seen the
		// join, so the teardown still sends the sentinels and leaves.
		m.teardown(id, src, tr, nil, nil, nil)
		m.finishStop(stopped)
		return nil
	}

	if !analysisActive {
		m.dedup.NotifyOnce("Analysis is inactive for this session", notify.SeverityWarning)
	}

	settings := src.Settings()
	if !settings.HasAudio {
		m.agg.SetUnavailable(analysis.DimVoiceConfidence, true)
		m.dedup.NotifyOnce("No system audio captured; voice analysis disabled", notify.SeverityInfo)
	}

	g := &gate{}
	g.open.Store(true)
	frames := sampler.StartFrames(src, g, m.cfg.FrameInterval, m.logger, func(jpeg []byte) {
		tr.SendFrame(id, jpeg)
	})
	var spectra *sampler.Handle
	if settings.HasAudio {
		spectra = sampler.StartSpectra(src, g, m.cfg.SpectrumInterval, m.logger, func(spectrum []float64) {
			tr.SendAudio(id, spectrum)
		})
	}

	m.mu.Lock()
	if m.state != StateStarting {
		// A stop arrived during startup. The stop path never saw these
		// handles, so the ordered teardown runs here instead.
		stopped := m.stopped
		m.mu.Unlock()
		m.teardown(id, src, tr, frames, spectra, g)
		m.finishStop(stopped)
		return nil
	}
	m.src = src
	m.tr = tr
	m.g = g
	m.frames = frames
	m.spectra = spectra
	m.state = StateActive
	m.mu.Unlock()

	m.agg.SetAnalysisActive(analysisActive)
	m.agg.SetActive(true)
	m.fireState(StateActive)

	m.logger.Info("session active",
		"session_id", id,
		"backend", settings.Backend,
		"width", settings.Width,
		"height", settings.Height,
		"has_audio", settings.HasAudio,
		"analysis_active", analysisActive,
	)
	return nil
}

// Stop tears the session down in a fixed order and returns a channel
// closed when teardown completes. Calling Stop when nothing is running,
// or while a stop is already in flight, is a no-op returning the same
// (or an already closed) channel.
func (m *Manager) Stop() <-chan struct{} {
	m.mu.Lock()
	switch m.state {
	case StateStarting:
		// The starting goroutine owns the handles. Flip to Stopping and
		// cancel its context; it completes the stop itself, so the done
		// channel has exactly one closer.
		m.state = StateStopping
		cancel := m.cancelStart
		done := m.stopped
		m.mu.Unlock()
		m.fireState(StateStopping)
		if cancel != nil {
			cancel()
		}
		return done
	case StateActive:
	default:
		done := m.stopped
		m.mu.Unlock()
		if done == nil {
			closed := make(chan struct{})
			close(closed)
			return closed
		}
		return done
	}
	m.state = StateStopping
	id := m.id
	src, tr := m.src, m.tr
	frames, spectra, gate := m.frames, m.spectra, m.g
	done := m.stopped
	m.mu.Unlock()
	m.fireState(StateStopping)

	go func() {
		m.teardown(id, src, tr, frames, spectra, gate)
		m.finishStop(done)
	}()
	return done
}

// stopRequested reports whether a stop claimed the session mid-startup.
// When it did, the starting goroutine owns completing it and gets the
// done channel back.
func (m *Manager) stopRequested() chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateStarting {
		return nil
	}
	return m.stopped
}

// finishStop settles the state machine after teardown and releases the
// stop waiters. Exactly one caller owns done.
func (m *Manager) finishStop(done chan struct{}) {
	m.mu.Lock()
	m.state = StateStopped
	m.src = nil
	m.tr = nil
	m.frames = nil
	m.spectra = nil
	m.g = nil
	m.id = ""
	m.cancelStart = nil
	m.mu.Unlock()
	m.fireState(StateStopped)

	// Stopped settles back to Idle so the manager is ready for the
	// next start.
	m.mu.Lock()
	m.state = StateIdle
	m.mu.Unlock()
	m.fireState(StateIdle)
	close(done)
}

// teardown runs the ordered shutdown sequence. The gate flips first so
// no sampled payload can be sent after the stop sentinels.
func (m *Manager) teardown(
	id string,
	src capture.Source,
	tr Transport,
	frames, spectra *sampler.Handle,
	gate *gate,
) {
	m.logger.Info("stopping session", "session_id", id)

	if gate != nil {
		gate.open.Store(false)
	}
	if frames != nil {
		frames.Cancel()
		<-frames.Done()
	}
	if spectra != nil {
		spectra.Cancel()
		<-spectra.Done()
	}

	// Stop sentinels are the last message on each stream, audio first to
	// match the analyzer's drain order.
	if tr != nil {
		tr.SendAudio(id, nil)
		tr.SendFrame(id, nil)
	}

	if src != nil {
		if err := src.Release(); err != nil {
			m.logger.Warn("source release", "session_id", id, "error", err)
		}
	}

	time.Sleep(m.cfg.StopGrace)

	if tr != nil {
		if err := tr.Leave(id); err != nil {
			m.logger.Debug("analyzer leave", "session_id", id, "error", err)
		}
		tr.Close()
	}

	m.agg.Reset()
	m.dedup.Reset()

	m.logger.Info("session stopped", "session_id", id)
}

// failStart records a startup failure, notifies once and leaves the
// manager restartable.
func (m *Manager) failStart(id string, src capture.Source, err error) error {
	if src != nil {
		src.Release()
	}

	m.mu.Lock()
	if m.state == StateStopping {
		// A stop took over mid-startup and this failure is its fallout.
		// Complete the stop instead of reporting a failure the operator
		// asked for.
		stopped := m.stopped
		m.mu.Unlock()
		m.logger.Info("startup cancelled by stop", "session_id", id, "cause", err)
		m.agg.Reset()
		m.dedup.Reset()
		m.finishStop(stopped)
		return nil
	}
	m.state = StateFailed
	m.id = ""
	m.src = nil
	m.cancelStart = nil
	stopped := m.stopped
	m.mu.Unlock()

	msg, sev := describeFailure(err)
	m.dedup.NotifyOnce(msg, sev)
	m.fireState(StateFailed)

	// Failure settles back to Idle; the handle is guaranteed released,
	// so nothing blocks a fresh start.
	m.mu.Lock()
	m.state = StateIdle
	m.mu.Unlock()
	m.fireState(StateIdle)
	if stopped != nil {
		close(stopped)
	}

	m.logger.Error("session start failed", "session_id", id, "error", err)
	return err
}

// describeFailure maps an acquire error onto a user-facing message.
func describeFailure(err error) (string, notify.Severity) {
	switch {
	case errors.Is(err, capture.ErrPermissionDenied):
		return "Screen capture permission was denied", notify.SeverityError
	case errors.Is(err, capture.ErrUnsupported):
		return "Screen capture is not supported on this device", notify.SeverityError
	case errors.Is(err, capture.ErrAborted):
		return "Screen capture was cancelled", notify.SeverityWarning
	default:
		return "Could not start screen capture", notify.SeverityError
	}
}

func (m *Manager) fireState(s State) {
	m.mu.Lock()
	fn := m.onState
	m.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}
