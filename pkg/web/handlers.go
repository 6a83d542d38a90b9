package web

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/insighthire/capture-agent/pkg/capture"
	"github.com/insighthire/capture-agent/pkg/hub"
	"github.com/insighthire/capture-agent/pkg/session"
	"github.com/insighthire/capture-agent/pkg/transport"
)

// startTimeout bounds a session start kicked off over the API.
const startTimeout = 60 * time.Second

// handleHealth reports liveness.
func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status": "ok",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// handleMetrics exposes counters in Prometheus text format.
func (s *Server) handleMetrics(c *fiber.Ctx) error {
	var stats transport.Stats
	if s.statsFn != nil {
		stats = s.statsFn()
	}
	active := 0
	if s.mgr.IsActive() {
		active = 1
	}
	return c.SendString(fmt.Sprintf(`# HELP capture_agent_session_active Whether a session is live
# TYPE capture_agent_session_active gauge
capture_agent_session_active %d

# HELP capture_agent_frames_sent Total frames sent to the analyzer
# TYPE capture_agent_frames_sent counter
capture_agent_frames_sent %d

# HELP capture_agent_audio_sent Total audio snapshots sent to the analyzer
# TYPE capture_agent_audio_sent counter
capture_agent_audio_sent %d

# HELP capture_agent_results_received Total analysis results received
# TYPE capture_agent_results_received counter
capture_agent_results_received %d

# HELP capture_agent_sends_dropped Total sends dropped while disconnected
# TYPE capture_agent_sends_dropped counter
capture_agent_sends_dropped %d

# HELP capture_agent_ws_clients Connected dashboard websocket clients
# TYPE capture_agent_ws_clients gauge
capture_agent_ws_clients %d
`, active, stats.FramesSent, stats.AudioSent, stats.ResultsReceived, stats.Dropped,
		s.statusHub.ClientCount()+s.chartsHub.ClientCount()+s.previewHub.ClientCount()))
}

// handleStatus returns the current session state.
func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(s.statusPayload())
}

// handleCharts returns the current chart snapshot.
func (s *Server) handleCharts(c *fiber.Ctx) error {
	return c.JSON(s.agg.Snapshot())
}

// handleNotifications returns the buffered notifications.
func (s *Server) handleNotifications(c *fiber.Ctx) error {
	s.notesMu.RLock()
	defer s.notesMu.RUnlock()
	return c.JSON(s.notes)
}

// handleSessionStart kicks off a session. The start runs in the
// background because a browser-share source cannot come up until the
// client posts its offer; poll /api/status for the outcome.
func (s *Server) handleSessionStart(c *fiber.Ctx) error {
	switch s.mgr.State() {
	case session.StateStarting, session.StateActive, session.StateStopping:
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "session already running",
		})
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
		defer cancel()
		if err := s.mgr.Start(ctx); err != nil && !errors.Is(err, session.ErrAlreadyRunning) {
			s.logger.Error("session start", "error", err)
		}
	}()

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"state": session.StateStarting,
	})
}

// handleSessionStop starts teardown and returns immediately.
func (s *Server) handleSessionStop(c *fiber.Ctx) error {
	s.mgr.Stop()
	return c.JSON(fiber.Map{
		"state": s.mgr.State(),
	})
}

// OfferRequest is a browser screen-share SDP offer.
type OfferRequest struct {
	SDP string `json:"sdp"`
}

// handleCaptureOffer routes the browser's SDP offer to the waiting
// WebRTC source and returns the answer.
func (s *Server) handleCaptureOffer(c *fiber.Ctx) error {
	var req OfferRequest
	if err := c.BodyParser(&req); err != nil || req.SDP == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "missing sdp",
		})
	}

	src := s.mgr.Source()
	rtc, ok := src.(*capture.WebRTCSource)
	if !ok || src == nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "no browser capture waiting for an offer",
		})
	}

	answer, err := rtc.HandleOffer(req.SDP)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(fiber.Map{"sdp": answer})
}

// wantsBinary reports whether a preview client renders raw JPEG frames.
// Clients that cannot ask for base64 with ?render=base64.
func wantsBinary(c *websocket.Conn) bool {
	return c.Query("render") != "base64"
}

// handleStatusWS streams status updates.
func (s *Server) handleStatusWS(c *websocket.Conn) {
	// Send the current status before joining the broadcast set.
	c.WriteJSON(s.statusPayload())
	hub.NewClient(s.statusHub, c, false).Run()
}

// handleChartsWS streams chart snapshots.
func (s *Server) handleChartsWS(c *websocket.Conn) {
	c.WriteJSON(s.agg.Snapshot())
	hub.NewClient(s.chartsHub, c, false).Run()
}

// handlePreviewWS streams live preview frames.
func (s *Server) handlePreviewWS(c *websocket.Conn) {
	hub.NewClient(s.previewHub, c, wantsBinary(c)).Run()
}
