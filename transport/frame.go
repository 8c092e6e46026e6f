package transport

import (
	"encoding/json"
	"fmt"
)

// Frame types exchanged after the handshake.
const (
	frameQR      = "qr"
	framePaired  = "paired"
	frameOpen    = "open"
	frameClose   = "close"
	frameMessage = "message"
	frameAck     = "ack"
	frameSend    = "send"
	framePing    = "ping"
	framePong    = "pong"
)

// Handshake verdicts carried in the responder's payload.
const (
	verdictOK       = "ok"
	verdictPair     = "pair"
	verdictRejected = "rejected"
)

// hello is the initiator's handshake payload.
type hello struct {
	DeviceID string `json:"device_id"`
	Paired   bool   `json:"paired"`
	Identity string `json:"identity,omitempty"`
}

// verdict is the responder's handshake payload.
type verdict struct {
	Status  string    `json:"status"`
	Code    CloseCode `json:"code,omitempty"`
	Message string    `json:"message,omitempty"`
}

// frame is the JSON body of every encrypted post-handshake message.
type frame struct {
	Type     string    `json:"type"`
	ID       string    `json:"id,omitempty"`
	Ref      string    `json:"ref,omitempty"`
	Identity string    `json:"identity,omitempty"`
	To       string    `json:"to,omitempty"`
	From     string    `json:"from,omitempty"`
	Body     string    `json:"body,omitempty"`
	TS       int64     `json:"ts,omitempty"`
	Code     CloseCode `json:"code,omitempty"`
	Message  string    `json:"message,omitempty"`
	Error    string    `json:"error,omitempty"`
}

func encodeFrame(f frame) ([]byte, error) {
	return json.Marshal(f)
}

func decodeFrame(data []byte) (frame, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return frame{}, fmt.Errorf("decode frame: missing type")
	}
	return f, nil
}
