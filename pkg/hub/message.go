// Package hub provides a thread-safe websocket broadcast hub
// using the idiomatic Go channel-based fan-out pattern.
//
// The dashboard runs one hub per feed (status, charts, preview).
package hub

import (
	"encoding/base64"
	"encoding/json"
)

// MessageType indicates the websocket message format
type MessageType int

const (
	// JSONMessage is a JSON-encoded message
	JSONMessage MessageType = iota
	// BinaryMessage is raw binary data (e.g., JPEG preview frames)
	BinaryMessage
)

// Message represents a message to be broadcast to clients.
// A binary message may carry a text Fallback for clients that cannot
// render binary frames; those clients receive the fallback instead.
type Message struct {
	Type     MessageType
	Data     []byte
	Fallback []byte
}

// NewJSONMessage creates a JSON message from pre-encoded bytes
func NewJSONMessage(data []byte) Message {
	return Message{Type: JSONMessage, Data: data}
}

// NewBinaryMessage creates a binary message
func NewBinaryMessage(data []byte) Message {
	return Message{Type: BinaryMessage, Data: data}
}

// NewFrameMessage creates a binary preview frame with a base64 JSON
// fallback for clients that requested text rendering.
func NewFrameMessage(jpeg []byte) Message {
	fallback, _ := json.Marshal(map[string]string{
		"type":  "frame",
		"image": base64.StdEncoding.EncodeToString(jpeg),
	})
	return Message{Type: BinaryMessage, Data: jpeg, Fallback: fallback}
}
