package web

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/insighthire/capture-agent/pkg/analysis"
	"github.com/insighthire/capture-agent/pkg/capture"
	"github.com/insighthire/capture-agent/pkg/notify"
	"github.com/insighthire/capture-agent/pkg/protocol"
	"github.com/insighthire/capture-agent/pkg/session"
)

// nopTransport satisfies session.Transport for handler tests.
type nopTransport struct{}

func (nopTransport) Connect(ctx context.Context) error                 { return nil }
func (nopTransport) Join(ctx context.Context, id string) (bool, error) { return true, nil }
func (nopTransport) Leave(id string) error                             { return nil }
func (nopTransport) SendFrame(id string, jpeg []byte)                  {}
func (nopTransport) SendAudio(id string, spectrum []float64)           {}
func (nopTransport) OnResult(fn func(protocol.ResultData))             {}
func (nopTransport) Close() error                                      { return nil }

func newTestServer(t *testing.T, srcOpts ...capture.MockSourceOption) *Server {
	t.Helper()
	logger := slog.Default()
	agg := analysis.NewAggregator(analysis.SeriesCapacity, logger)

	cfg := session.DefaultConfig()
	cfg.Capture.Backend = capture.BackendMock
	cfg.FrameInterval = 50 * time.Millisecond
	cfg.SpectrumInterval = 50 * time.Millisecond
	cfg.StopGrace = 10 * time.Millisecond

	var s *Server
	dedup := notify.NewDeduper(func(n notify.Notification) {
		if s != nil {
			s.AddNotification(n)
		}
	}, logger)

	mgr := session.NewManager(cfg, func() session.Transport { return nopTransport{} }, agg, dedup, logger)
	mgr.SetSourceFactory(func(c capture.Config, l *slog.Logger) (capture.Source, error) {
		return capture.NewMockSource(c, l, srcOpts...), nil
	})

	s = NewServer("0", mgr, agg, logger)
	t.Cleanup(func() { <-mgr.Stop() })
	return s
}

func doJSON(t *testing.T, s *Server, method, target string, body io.Reader) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.App().Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, target, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var payload map[string]any
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(raw, &payload); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, target, err, raw)
		}
	}
	return resp.StatusCode, payload
}

func sessionState(t *testing.T, s *Server) string {
	t.Helper()
	code, payload := doJSON(t, s, http.MethodGet, "/api/status", nil)
	if code != http.StatusOK {
		t.Fatalf("status code = %d", code)
	}
	sess, ok := payload["session"].(map[string]any)
	if !ok {
		t.Fatalf("no session in payload: %v", payload)
	}
	state, _ := sess["state"].(string)
	return state
}

func waitState(t *testing.T, s *Server, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sessionState(t, s) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("state never reached %q (now %q)", want, sessionState(t, s))
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	code, payload := doJSON(t, s, http.MethodGet, "/health", nil)
	if code != http.StatusOK {
		t.Fatalf("code = %d", code)
	}
	if payload["status"] != "ok" {
		t.Fatalf("payload = %v", payload)
	}
}

func TestSessionStartStopOverAPI(t *testing.T) {
	s := newTestServer(t)

	code, _ := doJSON(t, s, http.MethodPost, "/api/session/start", nil)
	if code != http.StatusAccepted {
		t.Fatalf("start code = %d", code)
	}
	waitState(t, s, string(session.StateActive))

	// A second start while active conflicts.
	code, _ = doJSON(t, s, http.MethodPost, "/api/session/start", nil)
	if code != http.StatusConflict {
		t.Fatalf("second start code = %d", code)
	}

	code, _ = doJSON(t, s, http.MethodPost, "/api/session/stop", nil)
	if code != http.StatusOK {
		t.Fatalf("stop code = %d", code)
	}
	waitState(t, s, string(session.StateIdle))

	// Stop is idempotent over the API too.
	code, _ = doJSON(t, s, http.MethodPost, "/api/session/stop", nil)
	if code != http.StatusOK {
		t.Fatalf("re-stop code = %d", code)
	}
}

func TestChartsIdleBeforeStart(t *testing.T) {
	s := newTestServer(t)
	code, payload := doJSON(t, s, http.MethodGet, "/api/charts", nil)
	if code != http.StatusOK {
		t.Fatalf("code = %d", code)
	}
	if payload["idle"] != true {
		t.Fatalf("expected idle charts, got %v", payload)
	}
}

func TestOfferWithoutWaitingSource(t *testing.T) {
	s := newTestServer(t)
	body := strings.NewReader(`{"sdp":"v=0..."}`)
	code, payload := doJSON(t, s, http.MethodPost, "/api/capture/offer", body)
	if code != http.StatusConflict {
		t.Fatalf("code = %d, payload = %v", code, payload)
	}
}

func TestOfferRejectsEmptyBody(t *testing.T) {
	s := newTestServer(t)
	code, _ := doJSON(t, s, http.MethodPost, "/api/capture/offer", strings.NewReader(`{}`))
	if code != http.StatusBadRequest {
		t.Fatalf("code = %d", code)
	}
}

func TestFailedStartSurfacesNotification(t *testing.T) {
	s := newTestServer(t, capture.WithAcquireError(capture.ErrPermissionDenied))

	code, _ := doJSON(t, s, http.MethodPost, "/api/session/start", nil)
	if code != http.StatusAccepted {
		t.Fatalf("start code = %d", code)
	}

	// The failure lands as a buffered notification; the session settles
	// back to idle on its own.
	var notes []notify.Notification
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		req := httptest.NewRequest(http.MethodGet, "/api/notifications", nil)
		resp, err := s.App().Test(req, -1)
		if err != nil {
			t.Fatalf("notifications: %v", err)
		}
		notes = nil
		if err := json.NewDecoder(resp.Body).Decode(&notes); err != nil {
			resp.Body.Close()
			t.Fatalf("decode: %v", err)
		}
		resp.Body.Close()
		if len(notes) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(notes) != 1 {
		t.Fatalf("expected one notification, got %d", len(notes))
	}
	if notes[0].Severity != notify.SeverityError {
		t.Fatalf("severity = %s", notes[0].Severity)
	}
	waitState(t, s, string(session.StateIdle))
}

func TestMetricsFormat(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	resp, err := s.App().Test(req, -1)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	body := string(raw)
	for _, want := range []string{
		"capture_agent_session_active 0",
		"capture_agent_frames_sent 0",
		"# TYPE capture_agent_ws_clients gauge",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
}
