// Package protocol defines the realtime chat events exchanged over the
// websocket channel. Every frame is a JSON envelope naming the event
// and carrying its payload:
//
//	{"event": "private_message", "data": {"recipient": "a1b2", "message": "hi"}}
//
// The payload types below are the complete event vocabulary; anything
// else on the wire is dropped by the reader.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Event names sent by the client.
const (
	EventIdentify        = "identify"
	EventPrivateMessage  = "private_message"
	EventMessageRequest  = "message_request"
	EventRequestResponse = "request_response"
	EventChatEnded       = "chat_ended_notice"
	EventReportUser      = "report_user"
)

// Event names pushed by the server. EventPrivateMessage and
// EventChatEnded appear in both directions with different payloads.
const (
	EventRequestReceived = "request_received"
	EventRequestResult   = "request_result"
	EventError           = "error"
)

// Chat request outcomes carried by RequestResult.Status.
const (
	StatusAccepted = "accepted"
	StatusRejected = "rejected"
	StatusOffline  = "offline"
)

// MaxEnvelopeSize bounds a single frame (64KB), which comfortably fits
// any message plus an attached chat transcript.
const MaxEnvelopeSize = 65536

// Envelope is the wire frame: an event name plus its raw payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ----- Client → server payloads -----

// Identify binds the transport connection to an application identity.
// Until the server accepts it, no chat traffic is routed here.
type Identify struct {
	ChatID string `json:"chat_id"`
}

// PrivateMessage is an outbound one-to-one message.
type PrivateMessage struct {
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
}

// MessageRequest asks another user to open a chat.
type MessageRequest struct {
	Target string `json:"target"`
}

// RequestResponse answers an incoming chat request.
type RequestResponse struct {
	Accepted bool   `json:"accepted"`
	To       string `json:"to"` // chat id of the original requester
}

// ChatEnded notifies the partner that this side closed the chat.
type ChatEnded struct {
	Recipient string `json:"recipient"`
}

// ReportUser files a moderation report, optionally with the local
// transcript attached.
type ReportUser struct {
	ReporterID string `json:"reporter_id"`
	ReportedID string `json:"reported_id"`
	Reason     string `json:"reason"`
	ChatLog    string `json:"chat_log,omitempty"`
}

// ----- Server → client payloads -----

// IncomingMessage is a delivered one-to-one message.
type IncomingMessage struct {
	Sender  string `json:"sender"`
	Message string `json:"message"`
}

// RequestReceived announces an incoming chat request.
type RequestReceived struct {
	From string `json:"from"`
}

// RequestResult reports the outcome of an outgoing chat request.
type RequestResult struct {
	Status string `json:"status"` // accepted, rejected, or offline
	By     string `json:"by,omitempty"`
}

// ChatEndedNotice announces that the partner closed the chat.
type ChatEndedNotice struct {
	From string `json:"from"`
}

// ServerError is a server-side rejection (muted sender, banned
// identity, unidentified connection).
type ServerError struct {
	Error string `json:"error"`
}

// Marshal wraps a payload in an envelope and serializes it.
func Marshal(event string, payload any) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: marshal %s payload: %w", event, err)
		}
		data = b
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal envelope: %w", err)
	}
	if len(frame) > MaxEnvelopeSize {
		return nil, fmt.Errorf("protocol: frame too large: %d bytes", len(frame))
	}
	return frame, nil
}

// Unmarshal parses a wire frame into an envelope.
func Unmarshal(frame []byte) (*Envelope, error) {
	if len(frame) > MaxEnvelopeSize {
		return nil, fmt.Errorf("protocol: frame too large: %d bytes", len(frame))
	}
	env := &Envelope{}
	if err := json.Unmarshal(frame, env); err != nil {
		return nil, fmt.Errorf("protocol: unmarshal envelope: %w", err)
	}
	if env.Event == "" {
		return nil, errors.New("protocol: envelope missing event name")
	}
	return env, nil
}

// Decode parses an envelope's payload into the given typed payload.
func Decode(env *Envelope, out any) error {
	if len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("protocol: decode %s payload: %w", env.Event, err)
	}
	return nil
}
