package protocol

import (
	"encoding/base64"
	"fmt"
)

// =============================================================================
// Recognized analysis labels
// =============================================================================

// Labels the analyzer may attach to a dimension. Anything else (including an
// empty label) means the analyzer had nothing for that tick yet.
const (
	LabelStress       = "stress"
	LabelNotStress    = "not_stress"
	LabelConfident    = "confident"
	LabelNotConfident = "not_confident"
	LabelNoData       = "no_data"
)

// =============================================================================
// Helper functions for creating messages
// =============================================================================

// NewJoinMessage creates a session join message
func NewJoinMessage(sessionID string) (*Message, error) {
	return NewMessage(TypeJoin, JoinData{SessionID: sessionID})
}

// NewLeaveMessage creates a session leave message
func NewLeaveMessage(sessionID string) (*Message, error) {
	return NewMessage(TypeLeave, LeaveData{SessionID: sessionID})
}

// NewFrameMessage creates a frame message from raw JPEG data.
// A nil jpegData produces the stop sentinel (frame: null).
func NewFrameMessage(sessionID string, jpegData []byte) (*Message, error) {
	var frame *string
	if jpegData != nil {
		encoded := base64.StdEncoding.EncodeToString(jpegData)
		frame = &encoded
	}
	return NewMessage(TypeFrame, FrameData{
		SessionID: sessionID,
		Frame:     frame,
	})
}

// NewAudioMessage creates an audio message from a frequency spectrum.
// A nil spectrum produces the stop sentinel (audio: null).
func NewAudioMessage(sessionID string, spectrum []float64) (*Message, error) {
	return NewMessage(TypeAudio, AudioData{
		SessionID: sessionID,
		Audio:     spectrum,
	})
}

// NewJoinAckMessage creates a join acknowledgement message
func NewJoinAckMessage(sessionID string, analysisActive bool) (*Message, error) {
	return NewMessage(TypeJoinAck, JoinAckData{
		SessionID:      sessionID,
		AnalysisActive: analysisActive,
	})
}

// NewResultMessage creates an analysis result message
func NewResultMessage(sessionID string, analysis Analysis) (*Message, error) {
	return NewMessage(TypeResult, ResultData{
		SessionID: sessionID,
		Analysis:  analysis,
	})
}

// =============================================================================
// Helper functions for parsing typed payloads
// =============================================================================

// GetJoinData extracts join data from a message
func (m *Message) GetJoinData() (*JoinData, error) {
	if m.Type != TypeJoin {
		return nil, fmt.Errorf("message type is %s, not %s", m.Type, TypeJoin)
	}
	var data JoinData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetLeaveData extracts leave data from a message
func (m *Message) GetLeaveData() (*LeaveData, error) {
	if m.Type != TypeLeave {
		return nil, fmt.Errorf("message type is %s, not %s", m.Type, TypeLeave)
	}
	var data LeaveData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetFrameData extracts frame data from a message
func (m *Message) GetFrameData() (*FrameData, error) {
	if m.Type != TypeFrame {
		return nil, fmt.Errorf("message type is %s, not %s", m.Type, TypeFrame)
	}
	var data FrameData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetAudioData extracts audio data from a message
func (m *Message) GetAudioData() (*AudioData, error) {
	if m.Type != TypeAudio {
		return nil, fmt.Errorf("message type is %s, not %s", m.Type, TypeAudio)
	}
	var data AudioData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetJoinAckData extracts join acknowledgement data from a message
func (m *Message) GetJoinAckData() (*JoinAckData, error) {
	if m.Type != TypeJoinAck {
		return nil, fmt.Errorf("message type is %s, not %s", m.Type, TypeJoinAck)
	}
	var data JoinAckData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetResultData extracts analysis result data from a message
func (m *Message) GetResultData() (*ResultData, error) {
	if m.Type != TypeResult {
		return nil, fmt.Errorf("message type is %s, not %s", m.Type, TypeResult)
	}
	var data ResultData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// DecodeFrame returns the raw JPEG bytes of a frame message.
// Returns nil for the stop sentinel.
func (f *FrameData) DecodeFrame() ([]byte, error) {
	if f.Frame == nil {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(*f.Frame)
}
