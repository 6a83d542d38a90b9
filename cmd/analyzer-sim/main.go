// analyzer-sim: local stand-in for the analysis service
// Accepts session connections from the capture agent, acknowledges
// joins and emits synthetic analysis results so the dashboard can be
// developed without the real analyzer.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"

	"github.com/insighthire/capture-agent/internal/config"
	"github.com/insighthire/capture-agent/internal/log"
	"github.com/insighthire/capture-agent/pkg/protocol"
)

var (
	port     = flag.Int("port", 5000, "HTTP server port")
	interval = flag.Duration("interval", 2*time.Second, "result emit interval")
	inactive = flag.Bool("inactive", false, "ack joins with analysis inactive")
)

// wsConn serializes writes to one connection. The read handler's acks
// and the emit loop's results share the conn, and websocket connections
// allow only one writer at a time.
type wsConn struct {
	mu sync.Mutex
	c  *websocket.Conn
}

func (w *wsConn) send(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.c.WriteMessage(websocket.TextMessage, data)
}

// sim tracks the joined sessions and pushes results to them.
type sim struct {
	mu       sync.Mutex
	sessions map[string]*wsConn

	framesReceived atomic.Uint64
	audioReceived  atomic.Uint64
	resultsSent    atomic.Uint64
}

func (s *sim) handleSession(c *websocket.Conn) {
	conn := &wsConn{c: c}
	var sessionID string
	defer func() {
		if sessionID != "" {
			s.mu.Lock()
			delete(s.sessions, sessionID)
			s.mu.Unlock()
			log.Info("session closed", "session_id", sessionID)
		}
		c.Close()
	}()

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.ParseMessage(data)
		if err != nil {
			log.Warn("parse error", "error", err)
			continue
		}

		switch msg.Type {
		case protocol.TypeJoin:
			join, err := msg.GetJoinData()
			if err != nil {
				continue
			}
			sessionID = join.SessionID
			s.mu.Lock()
			s.sessions[sessionID] = conn
			s.mu.Unlock()
			log.Info("session joined", "session_id", sessionID, "active", !*inactive)

			ack, _ := protocol.NewJoinAckMessage(sessionID, !*inactive)
			if out, err := ack.Bytes(); err == nil {
				conn.send(out)
			}

		case protocol.TypeLeave:
			if leave, err := msg.GetLeaveData(); err == nil {
				log.Info("session left", "session_id", leave.SessionID)
			}
			return

		case protocol.TypeFrame:
			frame, err := msg.GetFrameData()
			if err != nil {
				continue
			}
			if frame.Sentinel() {
				log.Info("frame stream ended", "session_id", frame.SessionID)
				continue
			}
			s.framesReceived.Add(1)

		case protocol.TypeAudio:
			audio, err := msg.GetAudioData()
			if err != nil {
				continue
			}
			if audio.Sentinel() {
				log.Info("audio stream ended", "session_id", audio.SessionID)
				continue
			}
			s.audioReceived.Add(1)

		case protocol.TypePing:
			pong, _ := protocol.NewMessage(protocol.TypePong, protocol.PongData{})
			if out, err := pong.Bytes(); err == nil {
				conn.send(out)
			}
		}
	}
}

// emitLoop pushes a synthetic result to every joined session.
func (s *sim) emitLoop() {
	labels := []struct {
		stress     string
		confidence string
	}{
		{protocol.LabelNotStress, protocol.LabelConfident},
		{protocol.LabelStress, protocol.LabelNotConfident},
		{protocol.LabelNoData, protocol.LabelNoData},
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for range ticker.C {
		if *inactive {
			continue
		}

		s.mu.Lock()
		conns := make(map[string]*wsConn, len(s.sessions))
		for id, c := range s.sessions {
			conns[id] = c
		}
		s.mu.Unlock()

		for id, c := range conns {
			pick := labels[rand.Intn(len(labels))]
			result := protocol.Analysis{
				FaceStress:      protocol.StressDimension{StressLevel: pick.stress},
				HandConfidence:  protocol.ConfidenceDimension{ConfidenceLevel: pick.confidence},
				EyeConfidence:   protocol.ConfidenceDimension{ConfidenceLevel: pick.confidence},
				VoiceConfidence: protocol.ConfidenceDimension{ConfidenceLevel: pick.confidence},
				Overall: protocol.OverallScores{
					ConfidenceScore: 40 + rand.Float64()*40,
					StressScore:     20 + rand.Float64()*40,
				},
			}
			msg, err := protocol.NewResultMessage(id, result)
			if err != nil {
				continue
			}
			out, err := msg.Bytes()
			if err != nil {
				continue
			}
			if err := c.send(out); err != nil {
				log.Warn("result write failed", "session_id", id, "error", err)
				continue
			}
			s.resultsSent.Add(1)
		}
	}
}

func main() {
	flag.Parse()
	godotenv.Load()
	log.Init(config.Env("LOG_LEVEL", "info"))

	if envPort := os.Getenv("ANALYZER_PORT"); envPort != "" {
		fmt.Sscanf(envPort, "%d", port)
	}

	s := &sim{sessions: make(map[string]*wsConn)}

	app := fiber.New(fiber.Config{
		AppName:               "analyzer-sim",
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(cors.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		s.mu.Lock()
		count := len(s.sessions)
		s.mu.Unlock()
		return c.JSON(fiber.Map{
			"status":   "ok",
			"sessions": count,
		})
	})

	app.Get("/metrics", func(c *fiber.Ctx) error {
		return c.SendString(fmt.Sprintf(`# HELP analyzer_sim_frames_received Total frames received
# TYPE analyzer_sim_frames_received counter
analyzer_sim_frames_received %d

# HELP analyzer_sim_audio_received Total audio snapshots received
# TYPE analyzer_sim_audio_received counter
analyzer_sim_audio_received %d

# HELP analyzer_sim_results_sent Total results sent
# TYPE analyzer_sim_results_sent counter
analyzer_sim_results_sent %d
`, s.framesReceived.Load(), s.audioReceived.Load(), s.resultsSent.Load()))
	})

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/session", websocket.New(s.handleSession))

	go s.emitLoop()

	go func() {
		addr := fmt.Sprintf(":%d", *port)
		log.Info("analyzer-sim listening",
			"addr", addr,
			"ws", fmt.Sprintf("ws://localhost:%d/ws/session", *port),
		)
		if err := app.Listen(addr); err != nil {
			log.Error("server", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	app.Shutdown()
}
