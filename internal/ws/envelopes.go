package ws

import (
	"encoding/json"
	"time"

	"drilunia/internal/models"
)

// Envelope types carried on the socket. Every frame is a UTF-8 JSON object
// with a "type" discriminator.
const (
	// Client -> server and server -> client
	TypeChat        = "chat"
	TypeTyping      = "typing"
	TypeReadReceipt = "read_receipt"
	TypePresence    = "presence"
	TypePing        = "ping"

	// Server -> client only
	TypeConnectionEstablished = "connection_established"
	TypePong                  = "pong"
	TypeError                 = "error"

	// Signaling envelopes, relayed opaquely between peers
	TypeWebRTCOffer  = "webrtc_offer"
	TypeWebRTCAnswer = "webrtc_answer"
	TypeICECandidate = "ice_candidate"
	TypeCallRequest  = "call_request"
	TypeCallAccept   = "call_accept"
	TypeCallReject   = "call_reject"
	TypeCallEnd      = "call_end"
)

// Error codes carried in error envelopes.
const (
	ErrCodeAuthFailed     = "AUTH_FAILED"
	ErrCodeInvalidPayload = "INVALID_PAYLOAD"
	ErrCodeMessageTooLong = "MESSAGE_TOO_LONG"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeForbidden      = "FORBIDDEN"
	ErrCodeStoreError     = "STORE_ERROR"
	ErrCodeInternal       = "INTERNAL_ERROR"
)

// IsSignalType reports whether t is one of the opaque signaling envelope
// types that the router relays without inspection.
func IsSignalType(t string) bool {
	switch t {
	case TypeWebRTCOffer, TypeWebRTCAnswer, TypeICECandidate,
		TypeCallRequest, TypeCallAccept, TypeCallReject, TypeCallEnd:
		return true
	}
	return false
}

// rawEnvelope is the first-pass decode of an inbound frame; Type routes it,
// the remaining fields are decoded per-type from the original bytes.
type rawEnvelope struct {
	Type string `json:"type"`
}

// Client -> server payloads

type ChatEnvelope struct {
	Type        string              `json:"type"`
	MessageID   string              `json:"messageId,omitempty"` // optional client-supplied envelope id
	Receiver    string              `json:"receiver"`
	Content     string              `json:"content"`
	MessageType string              `json:"messageType,omitempty"`
	ReplyTo     *string             `json:"replyTo,omitempty"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
}

type TypingEnvelope struct {
	Type     string `json:"type"`
	Receiver string `json:"receiver"`
	IsTyping bool   `json:"isTyping"`
}

type ReadReceiptEnvelope struct {
	Type       string   `json:"type"`
	Sender     string   `json:"sender"`
	MessageIDs []string `json:"messageIds"`
}

type PresenceEnvelope struct {
	Type     string `json:"type"`
	IsOnline bool   `json:"isOnline"`
}

// SignalEnvelope covers every signaling type. Signal is never parsed by the
// server; From is overwritten with the authenticated identity before relay.
type SignalEnvelope struct {
	Type      string          `json:"type"`
	To        string          `json:"to"`
	From      string          `json:"from,omitempty"`
	Signal    json.RawMessage `json:"signal,omitempty"`
	Duration  int             `json:"duration,omitempty"` // call_end only, seconds
	Timestamp string          `json:"timestamp,omitempty"`
}

// Server -> client payloads

type ConnectionEstablished struct {
	Type      string `json:"type"`
	UserID    string `json:"userId"`
	Timestamp string `json:"timestamp"`
}

type ChatDelivery struct {
	Type      string          `json:"type"`
	Message   *models.Message `json:"message"`
	Timestamp string          `json:"timestamp"`
}

type TypingDelivery struct {
	Type      string `json:"type"`
	Sender    string `json:"sender"`
	IsTyping  bool   `json:"isTyping"`
	Timestamp string `json:"timestamp"`
}

type ReadReceiptDelivery struct {
	Type       string   `json:"type"`
	Receiver   string   `json:"receiver"`
	MessageIDs []string `json:"messageIds"`
	ReadAt     string   `json:"readAt"`
	Timestamp  string   `json:"timestamp"`
}

type PresenceDelivery struct {
	Type      string `json:"type"`
	UserID    string `json:"userId"`
	IsOnline  bool   `json:"isOnline"`
	Timestamp string `json:"timestamp"`
}

type PongDelivery struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

type ErrorDelivery struct {
	Type      string `json:"type"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// wireTimestamp is the timestamp format on every server -> client envelope.
func wireTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
