// Package transport maintains the persistent websocket channel between the
// capture agent and the remote interview analyzer.
//
// The channel is session-scoped: the session state machine joins and leaves
// it; the samplers only send through it. Losing the channel never stops
// capture, it only stops results from arriving.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/insighthire/capture-agent/internal/httpc"
	"github.com/insighthire/capture-agent/pkg/protocol"
)

// Errors returned by the channel.
var (
	// ErrNotConnected is returned when an operation needs a live
	// connection and there is none.
	ErrNotConnected = errors.New("transport: channel not connected")

	// ErrJoinTimeout is returned when the analyzer does not acknowledge
	// a join in time.
	ErrJoinTimeout = errors.New("transport: join not acknowledged")
)

const (
	dialTimeout  = 10 * time.Second
	joinTimeout  = 5 * time.Second
	writeTimeout = 10 * time.Second
	probeTimeout = 3 * time.Second
)

// Stats counts channel traffic for the /metrics endpoint.
type Stats struct {
	FramesSent      uint64 `json:"frames_sent"`
	AudioSent       uint64 `json:"audio_sent"`
	ResultsReceived uint64 `json:"results_received"`
	Dropped         uint64 `json:"dropped"`
}

// Channel is the duplex analyzer connection.
type Channel struct {
	wsURL  string
	apiURL string
	logger *slog.Logger

	mu        sync.Mutex // guards conn, connected, writes
	conn      *websocket.Conn
	connected bool

	ackCh chan protocol.JoinAckData

	cbMu     sync.RWMutex
	onResult func(protocol.ResultData)

	analysisActive atomic.Bool

	framesSent      atomic.Uint64
	audioSent       atomic.Uint64
	resultsReceived atomic.Uint64
	dropped         atomic.Uint64
}

// New creates a channel for the given analyzer websocket URL.
// apiURL is the analyzer's HTTP base, used for the pre-dial health probe;
// empty skips the probe.
func New(wsURL, apiURL string, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		wsURL:  wsURL,
		apiURL: apiURL,
		logger: logger,
		ackCh:  make(chan protocol.JoinAckData, 1),
	}
}

// Connect probes the analyzer and dials the websocket.
// A failed probe is logged but does not abort the dial; the probe exists
// to produce a clear log line when the analyzer is down entirely.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if c.apiURL != "" {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		resp, err := httpc.GetContext(probeCtx, c.apiURL+"/health")
		cancel()
		if err != nil {
			c.logger.Warn("analyzer health probe failed", "url", c.apiURL, "error", err)
		} else {
			resp.Body.Close()
		}
	}

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrNotConnected, c.wsURL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	go c.readLoop(conn)

	c.logger.Info("analyzer channel connected", "url", c.wsURL)
	return nil
}

// Connected reports whether the channel currently has a live connection.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// AnalysisActive reports the analyzer's last join acknowledgement flag.
func (c *Channel) AnalysisActive() bool {
	return c.analysisActive.Load()
}

// OnResult sets the callback for inbound analysis results.
func (c *Channel) OnResult(fn func(protocol.ResultData)) {
	c.cbMu.Lock()
	c.onResult = fn
	c.cbMu.Unlock()
}

// Join binds a capture session to the channel and waits for the analyzer's
// acknowledgement. A new join implicitly assumes any prior session has
// already left.
func (c *Channel) Join(ctx context.Context, sessionID string) (bool, error) {
	// Drain any stale ack from a previous session.
	select {
	case <-c.ackCh:
	default:
	}

	msg, err := protocol.NewJoinMessage(sessionID)
	if err != nil {
		return false, err
	}
	if err := c.write(msg); err != nil {
		return false, err
	}

	timer := time.NewTimer(joinTimeout)
	defer timer.Stop()

	for {
		select {
		case ack := <-c.ackCh:
			if ack.SessionID != sessionID {
				// Ack for a session we already left; keep waiting.
				continue
			}
			c.analysisActive.Store(ack.AnalysisActive)
			c.logger.Info("session joined analyzer",
				"session_id", sessionID,
				"analysis_active", ack.AnalysisActive,
			)
			return ack.AnalysisActive, nil
		case <-timer.C:
			return false, fmt.Errorf("%w: session %s", ErrJoinTimeout, sessionID)
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// Leave unbinds the session from the channel.
func (c *Channel) Leave(sessionID string) error {
	c.analysisActive.Store(false)
	msg, err := protocol.NewLeaveMessage(sessionID)
	if err != nil {
		return err
	}
	return c.write(msg)
}

// SendFrame sends one frame sample; nil jpeg is the stop sentinel.
//
// Sends never fail the caller: a sample that cannot be delivered is
// dropped and counted. A late or lost sample has no correctness impact,
// and this also covers sends arriving after a cancelled sampler's final
// tick.
func (c *Channel) SendFrame(sessionID string, jpeg []byte) {
	msg, err := protocol.NewFrameMessage(sessionID, jpeg)
	if err != nil {
		c.dropped.Add(1)
		return
	}
	if err := c.write(msg); err != nil {
		c.dropped.Add(1)
		c.logger.Debug("frame send dropped", "error", err)
		return
	}
	c.framesSent.Add(1)
}

// SendAudio sends one audio sample; nil spectrum is the stop sentinel.
func (c *Channel) SendAudio(sessionID string, spectrum []float64) {
	msg, err := protocol.NewAudioMessage(sessionID, spectrum)
	if err != nil {
		c.dropped.Add(1)
		return
	}
	if err := c.write(msg); err != nil {
		c.dropped.Add(1)
		c.logger.Debug("audio send dropped", "error", err)
		return
	}
	c.audioSent.Add(1)
}

// Close disconnects from the analyzer. The session state machine calls
// this only after the stop sentinels have been written, so sentinel
// priority falls out of ordinary call order.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil
	}
	c.connected = false
	c.analysisActive.Store(false)

	conn := c.conn
	c.conn = nil

	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout))
	err := conn.Close()

	c.logger.Info("analyzer channel closed",
		"frames_sent", c.framesSent.Load(),
		"audio_sent", c.audioSent.Load(),
		"results_received", c.resultsReceived.Load(),
	)
	return err
}

// Stats returns a snapshot of channel traffic counters.
func (c *Channel) Stats() Stats {
	return Stats{
		FramesSent:      c.framesSent.Load(),
		AudioSent:       c.audioSent.Load(),
		ResultsReceived: c.resultsReceived.Load(),
		Dropped:         c.dropped.Load(),
	}
}

// write serializes one message onto the connection.
// Only one goroutine writes at a time; gorilla requires it.
func (c *Channel) write(msg *protocol.Message) error {
	data, err := msg.Bytes()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || c.conn == nil {
		return ErrNotConnected
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop dispatches inbound analyzer messages until the connection dies.
func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			stillCurrent := c.conn == conn
			if stillCurrent {
				c.connected = false
				c.analysisActive.Store(false)
			}
			c.mu.Unlock()

			if stillCurrent {
				c.logger.Warn("analyzer channel read failed", "error", err)
			}
			return
		}

		msg, err := protocol.ParseMessage(data)
		if err != nil {
			c.logger.Debug("unparseable analyzer message", "error", err)
			continue
		}

		switch msg.Type {
		case protocol.TypeJoinAck:
			ack, err := msg.GetJoinAckData()
			if err != nil {
				continue
			}
			select {
			case c.ackCh <- *ack:
			default:
			}

		case protocol.TypeResult:
			result, err := msg.GetResultData()
			if err != nil {
				continue
			}
			c.resultsReceived.Add(1)

			c.cbMu.RLock()
			cb := c.onResult
			c.cbMu.RUnlock()
			if cb != nil {
				cb(*result)
			}

		case protocol.TypePing:
			var ping protocol.PingData
			if msg.ParseData(&ping) == nil {
				pong, err := protocol.NewMessage(protocol.TypePong, protocol.PongData{
					ID:     ping.ID,
					PingTS: ping.Timestamp,
					PongTS: time.Now().UnixMilli(),
				})
				if err == nil {
					c.write(pong)
				}
			}

		default:
			c.logger.Debug("ignoring analyzer message", "type", msg.Type)
		}
	}
}
