package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/insighthire/capture-agent/pkg/analysis"
	"github.com/insighthire/capture-agent/pkg/capture"
	"github.com/insighthire/capture-agent/pkg/notify"
	"github.com/insighthire/capture-agent/pkg/protocol"
)

// fakeTransport records the ordered stream of channel events so tests
// can assert teardown ordering without a live analyzer.
type fakeTransport struct {
	mu       sync.Mutex
	events   []string
	joined   []string
	active   bool
	joinErr  error
	connErr  error
	onResult func(protocol.ResultData)

	// holdConnect, when set, parks Connect until closed or the context
	// is cancelled.
	holdConnect chan struct{}
}

func newFakeTransport(active bool) *fakeTransport {
	return &fakeTransport{active: active}
}

func (f *fakeTransport) record(ev string) {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.record("connect")
	if f.holdConnect != nil {
		select {
		case <-f.holdConnect:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.connErr
}

func (f *fakeTransport) Join(ctx context.Context, sessionID string) (bool, error) {
	if f.joinErr != nil {
		return false, f.joinErr
	}
	f.mu.Lock()
	f.joined = append(f.joined, sessionID)
	f.mu.Unlock()
	f.record("join")
	return f.active, nil
}

func (f *fakeTransport) Leave(sessionID string) error {
	f.record("leave")
	return nil
}

func (f *fakeTransport) SendFrame(sessionID string, jpeg []byte) {
	if jpeg == nil {
		f.record("frame-sentinel")
		return
	}
	f.record("frame")
}

func (f *fakeTransport) SendAudio(sessionID string, spectrum []float64) {
	if spectrum == nil {
		f.record("audio-sentinel")
		return
	}
	f.record("audio")
}

func (f *fakeTransport) OnResult(fn func(protocol.ResultData)) {
	f.mu.Lock()
	f.onResult = fn
	f.mu.Unlock()
}

func (f *fakeTransport) Close() error {
	f.record("close")
	return nil
}

func (f *fakeTransport) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	copy(out, f.events)
	return out
}

func (f *fakeTransport) pushResult(sessionID string) {
	f.mu.Lock()
	fn := f.onResult
	f.mu.Unlock()
	if fn != nil {
		fn(protocol.ResultData{
			SessionID: sessionID,
			Analysis: protocol.Analysis{
				FaceStress:      protocol.StressDimension{StressLevel: protocol.LabelNotStress},
				HandConfidence:  protocol.ConfidenceDimension{ConfidenceLevel: protocol.LabelConfident},
				EyeConfidence:   protocol.ConfidenceDimension{ConfidenceLevel: protocol.LabelConfident},
				VoiceConfidence: protocol.ConfidenceDimension{ConfidenceLevel: protocol.LabelNoData},
			},
		})
	}
}

type harness struct {
	mgr   *Manager
	tr    *fakeTransport
	agg   *analysis.Aggregator
	src   *capture.MockSource
	notes []notify.Notification
}

func newHarness(t *testing.T, active bool, srcOpts ...capture.MockSourceOption) *harness {
	t.Helper()
	logger := slog.Default()
	h := &harness{
		tr:  newFakeTransport(active),
		agg: analysis.NewAggregator(analysis.SeriesCapacity, logger),
	}
	dedup := notify.NewDeduper(func(n notify.Notification) {
		h.notes = append(h.notes, n)
	}, logger)

	cfg := DefaultConfig()
	cfg.Capture.Backend = capture.BackendMock
	cfg.FrameInterval = 10 * time.Millisecond
	cfg.SpectrumInterval = 10 * time.Millisecond
	cfg.StopGrace = 10 * time.Millisecond

	h.mgr = NewManager(cfg, func() Transport { return h.tr }, h.agg, dedup, logger)
	h.mgr.SetSourceFactory(func(c capture.Config, l *slog.Logger) (capture.Source, error) {
		h.src = capture.NewMockSource(c, l, srcOpts...)
		return h.src, nil
	})
	return h
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// blockingSource parks Acquire until the test feeds it, standing in for
// a browser share that waits on the user.
type blockingSource struct {
	*capture.MockSource
	acquire chan error
}

func (b *blockingSource) Acquire(ctx context.Context) error {
	select {
	case err := <-b.acquire:
		if err != nil {
			return err
		}
		return b.MockSource.Acquire(ctx)
	case <-ctx.Done():
		return capture.ErrAborted
	}
}

func index(events []string, ev string) int {
	for i, e := range events {
		if e == ev {
			return i
		}
	}
	return -1
}

func TestStartStopOrdering(t *testing.T) {
	h := newHarness(t, true)

	var statesMu sync.Mutex
	var states []State
	h.mgr.OnStateChange(func(s State) {
		statesMu.Lock()
		states = append(states, s)
		statesMu.Unlock()
	})

	if err := h.mgr.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := h.mgr.State(); got != StateActive {
		t.Fatalf("state = %s, want %s", got, StateActive)
	}
	waitFor(t, 2*time.Second, func() bool {
		return index(h.tr.snapshot(), "frame") >= 0
	})

	<-h.mgr.Stop()

	events := h.tr.snapshot()
	af := index(events, "audio-sentinel")
	ff := index(events, "frame-sentinel")
	lv := index(events, "leave")
	cl := index(events, "close")
	if af < 0 || ff < 0 || lv < 0 || cl < 0 {
		t.Fatalf("missing teardown events: %v", events)
	}
	if !(af < ff && ff < lv && lv < cl) {
		t.Fatalf("teardown out of order: %v", events)
	}
	for _, ev := range events[ff+1:] {
		if ev == "frame" || ev == "audio" {
			t.Fatalf("payload after stop sentinel: %v", events)
		}
	}
	if !h.src.Released() {
		t.Fatal("source not released")
	}
	// Stopped settles back to Idle.
	if got := h.mgr.State(); got != StateIdle {
		t.Fatalf("state = %s, want %s", got, StateIdle)
	}
	statesMu.Lock()
	defer statesMu.Unlock()
	want := []State{StateStarting, StateActive, StateStopping, StateStopped, StateIdle}
	if len(states) != len(want) {
		t.Fatalf("transitions = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", states, want)
		}
	}
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t, true)
	if err := h.mgr.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	first := h.mgr.Stop()
	second := h.mgr.Stop()
	<-first
	<-second

	events := h.tr.snapshot()
	count := 0
	for _, ev := range events {
		if ev == "frame-sentinel" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one frame sentinel, got %d in %v", count, events)
	}

	// Stopping an already stopped manager is a no-op.
	select {
	case <-h.mgr.Stop():
	case <-time.After(time.Second):
		t.Fatal("stop on stopped manager should return a closed channel")
	}
}

func TestAcquireFailureNeverJoins(t *testing.T) {
	h := newHarness(t, true, capture.WithAcquireError(capture.ErrPermissionDenied))

	sawFailed := false
	h.mgr.OnStateChange(func(s State) {
		if s == StateFailed {
			sawFailed = true
		}
	})

	err := h.mgr.Start(context.Background())
	if !errors.Is(err, capture.ErrPermissionDenied) {
		t.Fatalf("start error = %v, want permission denied", err)
	}
	if !sawFailed {
		t.Fatal("Failed state never observed")
	}
	// Failed settles back to Idle so a new attempt can start.
	if got := h.mgr.State(); got != StateIdle {
		t.Fatalf("state = %s, want %s", got, StateIdle)
	}
	if len(h.tr.joined) != 0 {
		t.Fatal("analyzer joined despite acquire failure")
	}
	if !h.src.Released() {
		t.Fatal("failed source left unreleased")
	}
	if len(h.notes) != 1 {
		t.Fatalf("expected one notification, got %d", len(h.notes))
	}
	if h.notes[0].Severity != notify.SeverityError {
		t.Fatalf("severity = %s, want %s", h.notes[0].Severity, notify.SeverityError)
	}

	// A second attempt is a new session, so the same failure notifies
	// again.
	err = h.mgr.Start(context.Background())
	if !errors.Is(err, capture.ErrPermissionDenied) {
		t.Fatalf("second start error = %v, want permission denied", err)
	}
	if len(h.notes) != 2 {
		t.Fatalf("expected one notification per failed attempt, got %d", len(h.notes))
	}
}

func TestStopDuringStartingAcquireAborts(t *testing.T) {
	h := newHarness(t, true)
	src := &blockingSource{acquire: make(chan error)}
	h.mgr.SetSourceFactory(func(c capture.Config, l *slog.Logger) (capture.Source, error) {
		src.MockSource = capture.NewMockSource(c, l)
		return src, nil
	})

	startErr := make(chan error, 1)
	go func() { startErr <- h.mgr.Start(context.Background()) }()
	waitFor(t, 2*time.Second, func() bool {
		return h.mgr.State() == StateStarting
	})

	// Stop while Acquire is parked; the cancelled context aborts it.
	done := h.mgr.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop during starting never completed")
	}
	if err := <-startErr; err != nil {
		t.Fatalf("start after stop: %v", err)
	}
	if got := h.mgr.State(); got != StateIdle {
		t.Fatalf("state = %s, want %s", got, StateIdle)
	}
	if len(h.tr.joined) != 0 {
		t.Fatal("analyzer joined despite aborted startup")
	}
	for _, n := range h.notes {
		if n.Severity == notify.SeverityError {
			t.Fatalf("operator stop surfaced an error notification: %v", h.notes)
		}
	}

	// The manager is reusable afterwards.
	go func() { src.acquire <- nil }()
	if err := h.mgr.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	<-h.mgr.Stop()
}

func TestStopDuringStartingClosesTransport(t *testing.T) {
	h := newHarness(t, true)
	h.tr.holdConnect = make(chan struct{})

	startErr := make(chan error, 1)
	go func() { startErr <- h.mgr.Start(context.Background()) }()
	waitFor(t, 2*time.Second, func() bool {
		return index(h.tr.snapshot(), "connect") >= 0
	})

	done := h.mgr.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop during handshake never completed")
	}
	if err := <-startErr; err != nil {
		t.Fatalf("start after stop: %v", err)
	}

	events := h.tr.snapshot()
	lv := index(events, "leave")
	cl := index(events, "close")
	if lv < 0 || cl < 0 || !(lv < cl) {
		t.Fatalf("expected leave then close in teardown, got %v", events)
	}
	if !h.src.Released() {
		t.Fatal("source not released after stop during handshake")
	}
	if got := h.mgr.State(); got != StateIdle {
		t.Fatalf("state = %s, want %s", got, StateIdle)
	}
}

func TestStartWhileActiveRejected(t *testing.T) {
	h := newHarness(t, true)
	if err := h.mgr.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.mgr.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second start error = %v, want ErrAlreadyRunning", err)
	}
	<-h.mgr.Stop()
}

func TestSourceEndedStopsSession(t *testing.T) {
	h := newHarness(t, true)
	if err := h.mgr.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	h.src.TriggerEnded("sharing revoked")

	waitFor(t, 2*time.Second, func() bool {
		return h.mgr.State() == StateIdle
	})
	if !h.src.Released() {
		t.Fatal("source not released after external end")
	}
	found := false
	for _, n := range h.notes {
		if n.Severity == notify.SeverityWarning {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a warning notification for the ended source")
	}
}

func TestJoinInactiveDegrades(t *testing.T) {
	h := newHarness(t, false)
	if err := h.mgr.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { <-h.mgr.Stop() }()

	if h.mgr.State() != StateActive {
		t.Fatal("session should be active even without analysis")
	}
	snap := h.agg.Snapshot()
	if snap.AnalysisActive {
		t.Fatal("analysis should be inactive")
	}
	if len(h.notes) == 0 {
		t.Fatal("expected an analysis-inactive notification")
	}
}

func TestVideoOnlyVoiceStaysIdle(t *testing.T) {
	h := newHarness(t, true, capture.WithoutAudio())
	if err := h.mgr.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { <-h.mgr.Stop() }()

	h.tr.pushResult(h.mgr.SessionID())

	snap := h.agg.Snapshot()
	if got := snap.Latest[analysis.DimVoiceConfidence]; got != analysis.ValueIdle {
		t.Fatalf("voice = %v, want idle %v", got, analysis.ValueIdle)
	}
	if got := snap.Latest[analysis.DimHandConfidence]; got != analysis.ValuePositive {
		t.Fatalf("hand = %v, want %v", got, analysis.ValuePositive)
	}
}

func TestResultsFlowIntoAggregator(t *testing.T) {
	h := newHarness(t, true)
	if err := h.mgr.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	h.tr.pushResult(h.mgr.SessionID())

	snap := h.agg.Snapshot()
	if got := snap.Latest[analysis.DimFaceStress]; got != analysis.ValueNegative {
		t.Fatalf("face stress = %v, want %v", got, analysis.ValueNegative)
	}

	<-h.mgr.Stop()

	// Teardown resets the aggregator for the next session.
	snap = h.agg.Snapshot()
	if !snap.Idle {
		t.Fatal("aggregator should be idle after stop")
	}
}

func TestRestartGetsFreshSession(t *testing.T) {
	h := newHarness(t, true)
	if err := h.mgr.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	first := h.mgr.SessionID()
	<-h.mgr.Stop()

	if err := h.mgr.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer func() { <-h.mgr.Stop() }()

	second := h.mgr.SessionID()
	if second == "" || second == first {
		t.Fatalf("expected a fresh session id, got %q then %q", first, second)
	}
	if len(h.tr.joined) != 2 {
		t.Fatalf("expected two joins, got %v", h.tr.joined)
	}
}
