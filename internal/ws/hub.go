package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/microcosm-cc/bluemonday"

	"drilunia/internal/db"
	"drilunia/internal/models"
)

const (
	// sessionSendBufferSize bounds the per-session outbound queue.
	sessionSendBufferSize = 256

	// maxDroppedBeforeDisconnect is the threshold for disconnecting slow
	// clients that cannot drain their send buffer.
	maxDroppedBeforeDisconnect = 100
)

// PushNotifier is the egress hook invoked when a chat message arrives for a
// user with no live session. Implementations must be best-effort and must
// not block the caller.
type PushNotifier interface {
	Notify(userID, title, body string, data map[string]string)
}

// Verifier resolves a bearer token to a user snapshot.
type Verifier interface {
	Verify(bearer string) (*models.User, error)
}

// Options tune the hub's timers and limits.
type Options struct {
	HeartbeatPeriod  time.Duration // probe interval; a session missing one probe is evicted
	FreshnessWindow  time.Duration // how recent last-seen must be for "online"
	LastSeenFlush    time.Duration // debounce for mirroring last-seen to the user store
	MaxContentLength int
}

func (o *Options) setDefaults() {
	if o.HeartbeatPeriod == 0 {
		o.HeartbeatPeriod = 30 * time.Second
	}
	if o.FreshnessWindow == 0 {
		o.FreshnessWindow = 5 * time.Minute
	}
	if o.LastSeenFlush == 0 {
		o.LastSeenFlush = 30 * time.Second
	}
	if o.MaxContentLength == 0 {
		o.MaxContentLength = 5000
	}
}

// PresenceScope returns the identities that should hear about a presence
// transition for userID. A nil scope means every connected peer.
type PresenceScope func(userID string) []string

// Hub is the process-wide connection registry: one user may hold several
// live sessions (devices). It owns heartbeat probing, presence broadcast,
// and per-user fan-out.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[*Session]bool

	verifier Verifier
	users    *db.UserRepository
	messages *db.MessageRepository
	push     PushNotifier
	presence *PresenceTracker
	scope    PresenceScope

	opts      Options
	sanitizer *bluemonday.Policy
	shutdown  chan struct{}
	closeOnce sync.Once
}

func NewHub(verifier Verifier, users *db.UserRepository, messages *db.MessageRepository, push PushNotifier, opts Options) *Hub {
	opts.setDefaults()
	return &Hub{
		sessions:  make(map[string]map[*Session]bool),
		verifier:  verifier,
		users:     users,
		messages:  messages,
		push:      push,
		presence:  NewPresenceTracker(opts.FreshnessWindow),
		opts:      opts,
		sanitizer: bluemonday.StrictPolicy(),
		shutdown:  make(chan struct{}),
	}
}

// SetPresenceScope restricts presence fan-out. Deployments that track
// conversation partners can narrow the default broadcast-to-everyone.
func (h *Hub) SetPresenceScope(scope PresenceScope) {
	h.scope = scope
}

// Register adds a session to its identity's set and, if it is the first live
// session for that identity, announces the user as online.
func (h *Hub) Register(s *Session) {
	userID := s.UserID()

	h.mu.Lock()
	set, ok := h.sessions[userID]
	if !ok {
		set = make(map[*Session]bool)
		h.sessions[userID] = set
	}
	first := len(set) == 0
	set[s] = true
	h.mu.Unlock()

	h.presence.Touch(userID)
	if first {
		h.broadcastPresence(userID, true)
	}

	slog.Info("session registered", "component", "hub", "user_id", userID, "session_id", s.ID())
}

// Unregister removes a session. When the identity's last session goes away
// the user is announced offline and last-seen is flushed eagerly.
func (h *Hub) Unregister(s *Session) {
	userID := s.UserID()

	h.mu.Lock()
	set, ok := h.sessions[userID]
	if !ok || !set[s] {
		h.mu.Unlock()
		return
	}
	delete(set, s)
	last := len(set) == 0
	if last {
		delete(h.sessions, userID)
	}
	h.mu.Unlock()

	s.CloseSend()

	if last {
		h.presence.Touch(userID)
		if err := h.users.TouchLastSeen(userID, time.Now().UTC()); err != nil {
			slog.Error("error flushing last seen", "component", "hub", "user_id", userID, "error", err)
		}
		h.broadcastPresence(userID, false)
	}

	slog.Info("session unregistered", "component", "hub", "user_id", userID, "session_id", s.ID())
}

// SessionsOf returns a snapshot of the identity's live sessions.
func (h *Hub) SessionsOf(userID string) []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()

	set := h.sessions[userID]
	sessions := make([]*Session, 0, len(set))
	for s := range set {
		sessions = append(sessions, s)
	}
	return sessions
}

// IsOnline implements the presence predicate: at least one live session and
// a last-seen watermark inside the freshness window.
func (h *Hub) IsOnline(userID string) bool {
	h.mu.RLock()
	live := len(h.sessions[userID]) > 0
	h.mu.RUnlock()

	return live && h.presence.Fresh(userID, time.Now())
}

// SendToUser delivers an envelope to every live session of an identity and
// reports how many sessions received it.
func (h *Hub) SendToUser(userID string, envelope any) int {
	data, err := json.Marshal(envelope)
	if err != nil {
		slog.Error("error encoding envelope", "component", "hub", "error", err)
		return 0
	}

	delivered := 0
	for _, s := range h.SessionsOf(userID) {
		if h.sendToSession(s, data) {
			delivered++
		}
	}
	return delivered
}

// Broadcast delivers an envelope to every connected identity except one.
func (h *Hub) Broadcast(envelope any, exceptUserID string) {
	data, err := json.Marshal(envelope)
	if err != nil {
		slog.Error("error encoding envelope", "component", "hub", "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*Session, 0, len(h.sessions))
	for userID, set := range h.sessions {
		if userID == exceptUserID {
			continue
		}
		for s := range set {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		h.sendToSession(s, data)
	}
}

// Kick forcibly closes every session of an identity (policy change, account
// block, password rotation).
func (h *Hub) Kick(userID string) {
	for _, s := range h.SessionsOf(userID) {
		s.Close()
		h.Unregister(s)
	}
}

// sendToSession enqueues without blocking; a full buffer counts as a drop
// and slow clients are eventually disconnected.
func (h *Hub) sendToSession(s *Session, data []byte) bool {
	if s.IsClosed() {
		return false
	}
	select {
	case s.send <- data:
		return true
	default:
		dropped := atomic.AddInt64(&s.droppedEnvelopes, 1)
		if dropped%10 == 1 {
			slog.Warn("dropping envelopes for slow session", "component", "hub", "user_id", s.UserID(), "dropped", dropped)
		}
		if dropped >= maxDroppedBeforeDisconnect {
			slog.Warn("disconnecting slow session", "component", "hub", "user_id", s.UserID(), "dropped", dropped)
			s.Close()
		}
		return false
	}
}

// broadcastPresence emits an online/offline transition to interested peers.
func (h *Hub) broadcastPresence(userID string, online bool) {
	envelope := PresenceDelivery{
		Type:      TypePresence,
		UserID:    userID,
		IsOnline:  online,
		Timestamp: wireTimestamp(),
	}

	slog.Debug("presence changed", "component", "hub", "user_id", userID, "online", online)

	if h.scope != nil {
		for _, peer := range h.scope(userID) {
			if peer != userID {
				h.SendToUser(peer, envelope)
			}
		}
		return
	}
	h.Broadcast(envelope, userID)
}

// touchActivity records inbound activity for presence and mirrors last-seen
// to the user store no more than once per flush interval.
func (h *Hub) touchActivity(userID string) {
	if !h.presence.TouchDebounced(userID, h.opts.LastSeenFlush) {
		return
	}
	if err := h.users.TouchLastSeen(userID, time.Now().UTC()); err != nil {
		slog.Error("error mirroring last seen", "component", "hub", "user_id", userID, "error", err)
	}
}

// Run probes liveness until the context is canceled or Shutdown is called.
// A session that has not answered the previous probe is evicted and its
// identity's presence downgraded.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.opts.HeartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.shutdown:
			return
		case <-ticker.C:
			h.probe()
		}
	}
}

func (h *Hub) probe() {
	h.mu.RLock()
	targets := make([]*Session, 0, len(h.sessions))
	for _, set := range h.sessions {
		for s := range set {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	deadline := time.Now().Add(10 * time.Second)
	for _, s := range targets {
		if !s.alive.Swap(false) {
			slog.Info("evicting unresponsive session", "component", "hub", "user_id", s.UserID(), "session_id", s.ID())
			s.Close()
			h.Unregister(s)
			continue
		}
		if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			s.Close()
			h.Unregister(s)
		}
	}
}

// Shutdown drains every session: close frames are sent, offline presence is
// flushed, and the registry empties.
func (h *Hub) Shutdown() {
	h.closeOnce.Do(func() { close(h.shutdown) })

	h.mu.RLock()
	targets := make([]*Session, 0, len(h.sessions))
	for _, set := range h.sessions {
		for s := range set {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		s.Close()
		h.Unregister(s)
	}

	slog.Info("shutdown complete", "component", "hub")
}
