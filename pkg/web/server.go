// Package web provides the real-time monitoring dashboard for a capture
// session: REST control endpoints plus websocket feeds for status,
// charts and the live preview.
package web

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"

	"github.com/insighthire/capture-agent/pkg/analysis"
	"github.com/insighthire/capture-agent/pkg/hub"
	"github.com/insighthire/capture-agent/pkg/notify"
	"github.com/insighthire/capture-agent/pkg/session"
	"github.com/insighthire/capture-agent/pkg/transport"
)

const (
	// broadcastInterval paces the status and chart feeds.
	broadcastInterval = time.Second

	// previewInterval paces the live preview. Slower than the capture
	// rate on purpose; the dashboard only needs a moving thumbnail.
	previewInterval = 500 * time.Millisecond

	maxNotifications = 100
)

// Server is the dashboard server.
type Server struct {
	app    *fiber.App
	port   string
	logger *slog.Logger

	mgr *session.Manager
	agg *analysis.Aggregator

	// Notification buffer (most recent last)
	notes   []notify.Notification
	notesMu sync.RWMutex

	// Hubs for websocket broadcast
	statusHub  *hub.Hub
	chartsHub  *hub.Hub
	previewHub *hub.Hub

	// statsFn reports analyzer channel counters for /metrics.
	// Optional; wired by the binary.
	statsFn func() transport.Stats

	startedAt time.Time
	cancel    context.CancelFunc
}

// NewServer creates a dashboard server around a session manager.
func NewServer(port string, mgr *session.Manager, agg *analysis.Aggregator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		port:       port,
		logger:     logger,
		mgr:        mgr,
		agg:        agg,
		notes:      make([]notify.Notification, 0, maxNotifications),
		statusHub:  hub.New("status", logger),
		chartsHub:  hub.New("charts", logger),
		previewHub: hub.New("preview", logger),
		startedAt:  time.Now(),
	}

	app := fiber.New(fiber.Config{
		AppName:               "Capture Agent Dashboard",
		DisableStartupMessage: true,
	})

	// CORS for local development
	app.Use(cors.New())

	// Static files
	app.Static("/", "./web")

	app.Get("/health", s.handleHealth)
	app.Get("/metrics", s.handleMetrics)

	// API routes
	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Get("/charts", s.handleCharts)
	api.Get("/notifications", s.handleNotifications)
	api.Post("/session/start", s.handleSessionStart)
	api.Post("/session/stop", s.handleSessionStop)
	api.Post("/capture/offer", s.handleCaptureOffer)

	// WebSocket upgrade middleware
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	// WebSocket routes
	app.Get("/ws/status", websocket.New(s.handleStatusWS))
	app.Get("/ws/charts", websocket.New(s.handleChartsWS))
	app.Get("/ws/preview", websocket.New(s.handlePreviewWS))

	s.app = app

	mgr.OnStateChange(func(st session.State) {
		s.broadcastStatus()
	})
	return s
}

// SetStatsFunc wires the analyzer channel counters into /metrics.
func (s *Server) SetStatsFunc(fn func() transport.Stats) {
	s.statsFn = fn
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Start runs the hubs, the broadcast loops and the HTTP listener.
// It blocks until the listener stops.
func (s *Server) Start() error {
	s.logger.Info("dashboard listening", "addr", "http://localhost:"+s.port)

	go s.statusHub.Run()
	go s.chartsHub.Run()
	go s.previewHub.Run()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.broadcastLoop(ctx)
	go s.previewLoop(ctx)

	return s.app.Listen(":" + s.port)
}

// StartAsync starts the web server in a goroutine.
func (s *Server) StartAsync() {
	go func() {
		if err := s.Start(); err != nil {
			s.logger.Error("web server", "error", err)
		}
	}()
}

// Shutdown gracefully stops the web server.
func (s *Server) Shutdown() error {
	if s.cancel != nil {
		s.cancel()
	}
	return s.app.Shutdown()
}

// ShutdownWithContext stops the web server, abandoning open connections
// when the context expires.
func (s *Server) ShutdownWithContext(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	return s.app.ShutdownWithContext(ctx)
}

// AddNotification buffers a notification and pushes it to status
// clients. Used as the deduplicator sink.
func (s *Server) AddNotification(n notify.Notification) {
	s.notesMu.Lock()
	s.notes = append(s.notes, n)
	if len(s.notes) > maxNotifications {
		s.notes = s.notes[1:]
	}
	s.notesMu.Unlock()

	s.statusHub.BroadcastJSON(fiber.Map{
		"type":         "notification",
		"notification": n,
	})
}

// broadcastLoop pushes status and chart snapshots on a fixed cadence.
func (s *Server) broadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(broadcastInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.broadcastStatus()
			s.chartsHub.BroadcastJSON(s.agg.Snapshot())
		}
	}
}

// previewLoop reads frames off the live source and fans them out to
// preview clients. Quiet while no session is active.
func (s *Server) previewLoop(ctx context.Context) {
	ticker := time.NewTicker(previewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.mgr.IsActive() || s.previewHub.ClientCount() == 0 {
				continue
			}
			src := s.mgr.Source()
			if src == nil {
				continue
			}
			frame, err := src.ReadFrame(ctx)
			if err != nil {
				continue
			}
			s.previewHub.BroadcastFrame(frame.JPEG)
		}
	}
}

func (s *Server) broadcastStatus() {
	s.statusHub.BroadcastJSON(s.statusPayload())
}

func (s *Server) statusPayload() fiber.Map {
	snap := s.agg.Snapshot()
	return fiber.Map{
		"type":            "status",
		"session":         s.mgr.StreamInfo(),
		"analysis_active": snap.AnalysisActive,
	}
}
