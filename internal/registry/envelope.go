package registry

import "encoding/json"

// Envelope is the wire frame for every room message, inbound and outbound.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// outbound is the marshalling counterpart of Envelope.
type outbound struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// PingPayload is the keep-alive ping body.
type PingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// AuthPayload is the authentication handshake body.
type AuthPayload struct {
	Token string `json:"token"`
}

// AuthResult is the inbound authentication outcome.
type AuthResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}
