package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"drilunia/internal/db"
	"drilunia/internal/models"
)

// SessionState is the lifecycle state of a connection.
type SessionState int32

const (
	SessionPending SessionState = iota // socket open, handshake not finished
	SessionOpen                        // authenticated, routing envelopes
	SessionClosing                     // shutdown initiated
	SessionClosed                      // terminal
)

const (
	// Time allowed to write an envelope to the peer
	writeWait = 10 * time.Second

	// Maximum inbound frame size
	maxEnvelopeSize = 65536
)

// Session is one live authenticated socket bound to one identity.
type Session struct {
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	done          chan struct{}
	connCloseOnce sync.Once
	frameOnce     sync.Once

	state atomic.Int32
	alive atomic.Bool

	user      *models.User
	sessionID string

	// droppedEnvelopes counts sends discarded because the buffer was full.
	droppedEnvelopes int64
}

func NewSession(hub *Hub, conn *websocket.Conn) *Session {
	s := &Session{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, sessionSendBufferSize),
		done: make(chan struct{}),
	}
	s.state.Store(int32(SessionPending))
	return s
}

func (s *Session) ID() string {
	return s.sessionID
}

func (s *Session) UserID() string {
	if s.user != nil {
		return s.user.ID
	}
	return ""
}

// Handshake authenticates the bearer token carried in the connection URL.
// Failure closes the socket with 1008; success registers the session and
// emits connection_established.
func (s *Session) Handshake(token string) bool {
	if s.State() != SessionPending {
		return false
	}

	user, err := s.hub.verifier.Verify(token)
	if err != nil {
		slog.Info("handshake rejected", "component", "session", "error", err)
		s.closeWithCode(websocket.ClosePolicyViolation, "authentication required")
		return false
	}

	s.user = user
	s.sessionID = uuid.New().String()
	s.alive.Store(true)

	if !s.transitionTo(SessionOpen) {
		return false
	}

	s.hub.Register(s)

	s.enqueue(ConnectionEstablished{
		Type:      TypeConnectionEstablished,
		UserID:    user.ID,
		Timestamp: wireTimestamp(),
	})

	slog.Info("session established", "component", "session", "user_id", user.ID, "session_id", s.sessionID)
	return true
}

// ReadPump consumes inbound frames until the connection dies. Envelope
// errors are answered on the socket; only fatal internal errors close it.
func (s *Session) ReadPump() {
	defer func() {
		s.hub.Unregister(s)
		s.Close()
	}()

	s.conn.SetReadLimit(maxEnvelopeSize)
	s.conn.SetReadDeadline(time.Now().Add(2 * s.hub.opts.HeartbeatPeriod))
	s.conn.SetPongHandler(func(string) error {
		s.alive.Store(true)
		s.conn.SetReadDeadline(time.Now().Add(2 * s.hub.opts.HeartbeatPeriod))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Warn("websocket read error", "component", "session", "user_id", s.UserID(), "error", err)
			}
			return
		}
		s.handleEnvelope(data)
	}
}

// WritePump serializes all frame writes for the connection.
func (s *Session) WritePump() {
	defer s.Close()

	for {
		select {
		case <-s.done:
			return
		case data := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

// handleEnvelope parses and dispatches one inbound frame. A panic in a
// handler is a fatal internal error: the peer gets an error envelope and the
// socket closes 1011.
func (s *Session) handleEnvelope(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic handling envelope", "component", "session", "user_id", s.UserID(), "panic", r)
			s.sendError(ErrCodeInternal, "internal error")
			s.closeWithCode(websocket.CloseInternalServerErr, "internal error")
		}
	}()

	var raw rawEnvelope
	if err := json.Unmarshal(data, &raw); err != nil {
		s.sendError(ErrCodeInvalidPayload, "malformed envelope")
		return
	}

	s.hub.touchActivity(s.UserID())

	switch raw.Type {
	case TypeChat:
		s.handleChat(data)
	case TypeTyping:
		s.handleTyping(data)
	case TypeReadReceipt:
		s.handleReadReceipt(data)
	case TypePresence:
		s.handlePresence(data)
	case TypePing:
		s.enqueue(PongDelivery{Type: TypePong, Timestamp: wireTimestamp()})
	default:
		if IsSignalType(raw.Type) {
			s.handleSignal(data)
			return
		}
		slog.Warn("unknown envelope type", "component", "session", "user_id", s.UserID(), "type", raw.Type)
	}
}

func (s *Session) handleChat(data []byte) {
	var env ChatEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.sendError(ErrCodeInvalidPayload, "malformed chat envelope")
		return
	}

	if env.Receiver == "" {
		s.sendError(ErrCodeInvalidPayload, "receiver is required")
		return
	}
	if env.MessageType == "" {
		env.MessageType = models.MessageTypeText
	}
	if !models.ValidMessageType(env.MessageType) {
		s.sendError(ErrCodeInvalidPayload, fmt.Sprintf("unknown message type %q", env.MessageType))
		return
	}

	content := s.hub.sanitizer.Sanitize(env.Content)
	if content == "" {
		s.sendError(ErrCodeInvalidPayload, "content is required")
		return
	}
	if utf8.RuneCountInString(content) > s.hub.opts.MaxContentLength {
		s.sendError(ErrCodeMessageTooLong, "message exceeds maximum length")
		return
	}

	receiver, err := s.hub.users.FindByID(env.Receiver)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.sendError(ErrCodeNotFound, "receiver not found")
			return
		}
		s.sendError(ErrCodeStoreError, "error resolving receiver")
		return
	}
	if receiver.IsBlocked || !receiver.IsActive {
		s.sendError(ErrCodeForbidden, "cannot send messages to this user")
		return
	}

	if env.ReplyTo != nil {
		if _, err := s.hub.messages.FindByID(*env.ReplyTo); err != nil {
			s.sendError(ErrCodeNotFound, "reply target not found")
			return
		}
	}

	stored, err := s.hub.messages.Persist(&models.Message{
		ID:          env.MessageID,
		SenderID:    s.user.ID,
		ReceiverID:  env.Receiver,
		Type:        env.MessageType,
		Content:     content,
		Attachments: env.Attachments,
		ReplyTo:     env.ReplyTo,
	})
	if errors.Is(err, db.ErrDuplicate) {
		// Idempotent replay: the envelope id was already persisted. Ack the
		// sender with the stored record, but only when the record really is
		// this sender's retransmission. A foreign envelope id answers the
		// same way an absent one would, so ids cannot be probed.
		existing, findErr := s.hub.messages.FindByID(env.MessageID)
		if findErr != nil || existing.SenderID != s.user.ID || existing.ReceiverID != env.Receiver {
			s.sendError(ErrCodeNotFound, "message not found")
			return
		}
		s.enqueue(ChatDelivery{Type: TypeChat, Message: existing, Timestamp: wireTimestamp()})
		return
	}
	if err != nil {
		slog.Error("error persisting message", "component", "session", "user_id", s.UserID(), "error", err)
		s.sendError(ErrCodeStoreError, "error sending message")
		return
	}

	if err := s.hub.users.IncrementMessageCount(s.user.ID); err != nil {
		slog.Error("error incrementing message count", "component", "session", "error", err)
	}

	// Persistence happens-before fan-out.
	delivery := ChatDelivery{Type: TypeChat, Message: stored, Timestamp: wireTimestamp()}
	s.hub.SendToUser(s.user.ID, delivery)
	delivered := s.hub.SendToUser(env.Receiver, delivery)

	if delivered > 0 {
		if _, err := s.hub.messages.AdvanceStatus([]string{stored.ID}, s.user.ID, env.Receiver, models.StatusDelivered); err != nil {
			slog.Error("error marking message delivered", "component", "session", "error", err)
		}
	}

	if delivered == 0 && s.hub.push != nil {
		s.hub.push.Notify(env.Receiver, s.user.DisplayName, previewOf(stored), map[string]string{
			"messageId": stored.ID,
			"sender":    s.user.ID,
			"type":      stored.Type,
		})
	}
}

func (s *Session) handleTyping(data []byte) {
	var env TypingEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Receiver == "" {
		s.sendError(ErrCodeInvalidPayload, "malformed typing envelope")
		return
	}

	// Never persisted, just relayed.
	s.hub.SendToUser(env.Receiver, TypingDelivery{
		Type:      TypeTyping,
		Sender:    s.user.ID,
		IsTyping:  env.IsTyping,
		Timestamp: wireTimestamp(),
	})
}

func (s *Session) handleReadReceipt(data []byte) {
	var env ReadReceiptEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Sender == "" || len(env.MessageIDs) == 0 {
		s.sendError(ErrCodeInvalidPayload, "malformed read receipt")
		return
	}

	// Only messages addressed to this session's identity can be marked, so a
	// receipt cannot touch someone else's conversation.
	count, err := s.hub.messages.AdvanceStatus(env.MessageIDs, env.Sender, s.user.ID, models.StatusRead)
	if err != nil {
		slog.Error("error advancing message status", "component", "session", "user_id", s.UserID(), "error", err)
		s.sendError(ErrCodeStoreError, "error marking messages read")
		return
	}

	// No echo unless something actually advanced, so a receipt naming ids
	// the sender never sent produces no traffic toward them.
	if count > 0 {
		s.hub.SendToUser(env.Sender, ReadReceiptDelivery{
			Type:       TypeReadReceipt,
			Receiver:   s.user.ID,
			MessageIDs: env.MessageIDs,
			ReadAt:     wireTimestamp(),
			Timestamp:  wireTimestamp(),
		})
	}

	slog.Debug("messages marked read", "component", "session", "user_id", s.UserID(), "count", count)
}

func (s *Session) handlePresence(data []byte) {
	var env PresenceEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.sendError(ErrCodeInvalidPayload, "malformed presence envelope")
		return
	}

	s.hub.presence.Touch(s.user.ID)
	s.hub.broadcastPresence(s.user.ID, env.IsOnline)
}

// handleSignal relays a signaling envelope to its addressee. The signal body
// is opaque; the from field is overwritten with the authenticated identity
// so a caller cannot impersonate another user.
func (s *Session) handleSignal(data []byte) {
	var env SignalEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.sendError(ErrCodeInvalidPayload, "malformed signaling envelope")
		return
	}
	if env.To == "" {
		s.sendError(ErrCodeInvalidPayload, "signaling target is required")
		return
	}

	env.From = s.user.ID
	env.Timestamp = wireTimestamp()

	if env.Type == TypeCallEnd && env.Duration > 0 {
		if err := s.hub.users.RecordCall(s.user.ID, time.Duration(env.Duration)*time.Second); err != nil {
			slog.Error("error recording call", "component", "session", "error", err)
		}
	}

	s.hub.SendToUser(env.To, env)
}

// previewOf trims a message body for push notification text.
func previewOf(m *models.Message) string {
	if m.Type != models.MessageTypeText {
		return m.Type
	}
	const maxPreview = 120
	if utf8.RuneCountInString(m.Content) <= maxPreview {
		return m.Content
	}
	runes := []rune(m.Content)
	return string(runes[:maxPreview]) + "…"
}

func (s *Session) sendError(code, message string) {
	s.enqueue(ErrorDelivery{
		Type:      TypeError,
		Code:      code,
		Message:   message,
		Timestamp: wireTimestamp(),
	})
}

// enqueue marshals and queues an envelope for this session only.
func (s *Session) enqueue(envelope any) {
	data, err := json.Marshal(envelope)
	if err != nil {
		slog.Error("error encoding envelope", "component", "session", "error", err)
		return
	}
	s.hub.sendToSession(s, data)
}

func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) IsOpen() bool {
	return s.State() == SessionOpen
}

func (s *Session) IsClosed() bool {
	state := s.State()
	return state == SessionClosing || state == SessionClosed
}

func isValidSessionTransition(from, to SessionState) bool {
	switch from {
	case SessionPending:
		return to == SessionOpen || to == SessionClosing
	case SessionOpen:
		return to == SessionClosing
	case SessionClosing:
		return to == SessionClosed
	case SessionClosed:
		return false
	}
	return false
}

// transitionTo atomically moves to a new state if the transition is valid.
func (s *Session) transitionTo(newState SessionState) bool {
	for {
		current := SessionState(s.state.Load())
		if !isValidSessionTransition(current, newState) {
			return false
		}
		if s.state.CompareAndSwap(int32(current), int32(newState)) {
			return true
		}
	}
}

// closeFrame writes the close frame to the peer at most once.
func (s *Session) closeFrame(code int, reason string) {
	s.frameOnce.Do(func() {
		deadline := time.Now().Add(writeWait)
		s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	})
}

// Close tears the connection down, at most once. The send channel stays open
// so concurrent enqueues never panic; the done channel stops the write pump.
func (s *Session) Close() {
	s.transitionTo(SessionClosing)
	s.connCloseOnce.Do(func() {
		s.closeFrame(websocket.CloseNormalClosure, "")
		close(s.done)
		s.conn.Close()
	})
	s.transitionTo(SessionClosed)
}

// closeWithCode sends a close frame with the given code before closing.
func (s *Session) closeWithCode(code int, reason string) {
	s.closeFrame(code, reason)
	s.Close()
}

// CloseSend stops outbound delivery (called by the hub during cleanup).
func (s *Session) CloseSend() {
	s.Close()
}
