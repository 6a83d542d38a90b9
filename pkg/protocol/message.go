// Package protocol defines the websocket message types exchanged with the
// remote interview analyzer. The agent and the analyzer share this contract.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the type of websocket message
type MessageType string

const (
	// Agent → Analyzer messages
	TypeJoin  MessageType = "join"  // Bind a capture session to the channel
	TypeLeave MessageType = "leave" // Unbind the session
	TypeFrame MessageType = "frame" // Screen frame sample (or stop sentinel)
	TypeAudio MessageType = "audio" // Audio spectrum sample (or stop sentinel)

	// Analyzer → Agent messages
	TypeJoinAck MessageType = "join_ack" // Acknowledges a join
	TypeResult  MessageType = "result"   // Analysis result for a session

	// Bidirectional
	TypePing MessageType = "ping" // Health check
	TypePong MessageType = "pong" // Health check response
)

// Message is the base wrapper for all websocket messages
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"ts,omitempty"` // Unix milliseconds
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType MessageType, data interface{}) (*Message, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message data: %w", err)
		}
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Data:      rawData,
	}, nil
}

// ParseData unmarshals the message data into the provided struct
func (m *Message) ParseData(v interface{}) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Bytes returns the JSON-encoded message
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage parses a JSON message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	return &msg, nil
}

// =============================================================================
// Agent → Analyzer Message Types
// =============================================================================

// JoinData binds a capture session to the analyzer channel.
type JoinData struct {
	SessionID string `json:"session_id"`
}

// LeaveData unbinds a capture session from the analyzer channel.
type LeaveData struct {
	SessionID string `json:"session_id"`
}

// FrameData carries one encoded screen frame for a session.
// Frame is a base64-encoded JPEG; nil means "capture stopped" and must be
// the last frame message of the session.
type FrameData struct {
	SessionID string  `json:"session_id"`
	Frame     *string `json:"frame"`
}

// Sentinel reports whether this frame message is the stop sentinel.
func (f *FrameData) Sentinel() bool { return f.Frame == nil }

// AudioData carries one frequency-domain audio snapshot for a session.
// Audio is a fixed-size energy spectrum; nil means "capture stopped" and
// must be the last audio message of the session.
type AudioData struct {
	SessionID string    `json:"session_id"`
	Audio     []float64 `json:"audio"`
}

// Sentinel reports whether this audio message is the stop sentinel.
func (a *AudioData) Sentinel() bool { return a.Audio == nil }

// =============================================================================
// Analyzer → Agent Message Types
// =============================================================================

// JoinAckData acknowledges a session join.
type JoinAckData struct {
	SessionID      string `json:"session_id"`
	AnalysisActive bool   `json:"analysis_active"`
}

// ResultData carries one analysis result for a session.
type ResultData struct {
	SessionID string   `json:"session_id"`
	Analysis  Analysis `json:"analysis"`
}

// Analysis groups the per-dimension labels for one result.
type Analysis struct {
	FaceStress      StressDimension     `json:"face_stress"`
	HandConfidence  ConfidenceDimension `json:"hand_confidence"`
	EyeConfidence   ConfidenceDimension `json:"eye_confidence"`
	VoiceConfidence ConfidenceDimension `json:"voice_confidence"`
	Overall         OverallScores       `json:"overall"`
}

// StressDimension carries a qualitative stress label.
type StressDimension struct {
	StressLevel string `json:"stress_level,omitempty"`
}

// ConfidenceDimension carries a qualitative confidence label.
type ConfidenceDimension struct {
	ConfidenceLevel string `json:"confidence_level,omitempty"`
}

// OverallScores carries the analyzer's aggregate numeric scores.
type OverallScores struct {
	ConfidenceScore float64 `json:"confidence_score"`
	StressScore     float64 `json:"stress_score"`
}

// =============================================================================
// Bidirectional Message Types
// =============================================================================

// PingData contains ping information
type PingData struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"ts"`
}

// PongData contains pong response
type PongData struct {
	ID        string `json:"id"`
	PingTS    int64  `json:"ping_ts"`
	PongTS    int64  `json:"pong_ts"`
	LatencyMs int64  `json:"latency_ms"`
}
