package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"drilunia/internal/db"
	"drilunia/internal/models"
)

// tokenVerifier maps bearer tokens to fixture users.
type tokenVerifier map[string]*models.User

func (v tokenVerifier) Verify(bearer string) (*models.User, error) {
	user, ok := v[bearer]
	if !ok {
		return nil, errors.New("unknown token")
	}
	return user, nil
}

type hubFixture struct {
	hub      *Hub
	verifier tokenVerifier
	users    *db.UserRepository
	messages *db.MessageRepository
	alice    *models.User
	bob      *models.User
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	return newHubFixtureWith(t, Options{})
}

func newHubFixtureWith(t *testing.T, opts Options) *hubFixture {
	t.Helper()

	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory error: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	users := db.NewUserRepository(database)
	messages := db.NewMessageRepository(database)

	alice, err := users.Create(db.CreateUserParams{
		Email: "alice@example.com", Handle: "alice", DisplayName: "Alice",
		PasswordHash: "x", VerificationCode: "123456", VerificationExpires: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("creating alice: %v", err)
	}
	bob, err := users.Create(db.CreateUserParams{
		Email: "bob@example.com", Handle: "bob", DisplayName: "Bob",
		PasswordHash: "x", VerificationCode: "123456", VerificationExpires: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("creating bob: %v", err)
	}

	verifier := tokenVerifier{"test-token": alice, "bob-token": bob}
	hub := NewHub(verifier, users, messages, nil, opts)

	return &hubFixture{hub: hub, verifier: verifier, users: users, messages: messages, alice: alice, bob: bob}
}

// connect opens a client websocket for the fixture's default identity and
// runs both pumps.
func (f *hubFixture) connect(t *testing.T) *websocket.Conn {
	return f.connectAs(t, "test-token")
}

func (f *hubFixture) connectAs(t *testing.T, token string) *websocket.Conn {
	t.Helper()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		session := NewSession(f.hub, conn)
		if !session.Handshake(token) {
			return
		}
		go session.WritePump()
		go session.ReadPump()
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing websocket: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return client
}

func readEnvelope(t *testing.T, conn *websocket.Conn, into any) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading envelope: %v", err)
	}
	if err := json.Unmarshal(data, into); err != nil {
		t.Fatalf("decoding envelope %s: %v", data, err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSessionHandshakeAndPresence(t *testing.T) {
	f := newHubFixture(t)
	client := f.connect(t)

	var hello ConnectionEstablished
	readEnvelope(t, client, &hello)
	if hello.Type != TypeConnectionEstablished {
		t.Fatalf("first envelope type = %q, want %q", hello.Type, TypeConnectionEstablished)
	}
	if hello.UserID != f.alice.ID {
		t.Errorf("UserID = %q, want %q", hello.UserID, f.alice.ID)
	}

	if !f.hub.IsOnline(f.alice.ID) {
		t.Error("identity not online after handshake")
	}
	if f.hub.IsOnline(f.bob.ID) {
		t.Error("unconnected identity reported online")
	}

	client.Close()
	waitFor(t, "session to unregister", func() bool {
		return !f.hub.IsOnline(f.alice.ID)
	})
}

func TestChatPersistsBeforeFanOut(t *testing.T) {
	f := newHubFixture(t)
	client := f.connect(t)

	var hello ConnectionEstablished
	readEnvelope(t, client, &hello)

	err := client.WriteJSON(map[string]any{
		"type":     TypeChat,
		"receiver": f.bob.ID,
		"content":  "hello bob",
	})
	if err != nil {
		t.Fatalf("writing chat envelope: %v", err)
	}

	var delivery ChatDelivery
	readEnvelope(t, client, &delivery)
	if delivery.Type != TypeChat {
		t.Fatalf("envelope type = %q, want chat ack", delivery.Type)
	}
	if delivery.Message == nil || delivery.Message.ID == "" {
		t.Fatal("chat ack carries no persisted message")
	}

	stored, err := f.messages.FindByID(delivery.Message.ID)
	if err != nil {
		t.Fatalf("message not persisted: %v", err)
	}
	if stored.Content != "hello bob" {
		t.Errorf("Content = %q", stored.Content)
	}
	if stored.Status != models.StatusSent {
		t.Errorf("Status = %q, want sent while receiver is offline", stored.Status)
	}
}

func TestChatToUnknownReceiverAnswersError(t *testing.T) {
	f := newHubFixture(t)
	client := f.connect(t)

	var hello ConnectionEstablished
	readEnvelope(t, client, &hello)

	err := client.WriteJSON(map[string]any{
		"type":     TypeChat,
		"receiver": "usr_missing",
		"content":  "anyone there",
	})
	if err != nil {
		t.Fatalf("writing chat envelope: %v", err)
	}

	var errEnvelope ErrorDelivery
	readEnvelope(t, client, &errEnvelope)
	if errEnvelope.Type != TypeError || errEnvelope.Code != ErrCodeNotFound {
		t.Fatalf("got (%q, %q), want error envelope with NOT_FOUND", errEnvelope.Type, errEnvelope.Code)
	}

	// The connection stays open: a ping still gets answered.
	if err := client.WriteJSON(map[string]any{"type": TypePing}); err != nil {
		t.Fatalf("writing ping: %v", err)
	}
	var pong PongDelivery
	readEnvelope(t, client, &pong)
	if pong.Type != TypePong {
		t.Fatalf("type = %q, want pong", pong.Type)
	}
}

func TestMalformedEnvelopeKeepsConnectionOpen(t *testing.T) {
	f := newHubFixture(t)
	client := f.connect(t)

	var hello ConnectionEstablished
	readEnvelope(t, client, &hello)

	if err := client.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("writing malformed frame: %v", err)
	}

	var errEnvelope ErrorDelivery
	readEnvelope(t, client, &errEnvelope)
	if errEnvelope.Code != ErrCodeInvalidPayload {
		t.Fatalf("Code = %q, want INVALID_PAYLOAD", errEnvelope.Code)
	}

	if err := client.WriteJSON(map[string]any{"type": TypePing}); err != nil {
		t.Fatalf("writing ping: %v", err)
	}
	var pong PongDelivery
	readEnvelope(t, client, &pong)
	if pong.Type != TypePong {
		t.Fatalf("type = %q, want pong", pong.Type)
	}
}

func TestHandshakeRejectsMissingToken(t *testing.T) {
	f := newHubFixture(t)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		session := NewSession(f.hub, conn)
		session.Handshake("")
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing websocket: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = client.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("read after rejected handshake = %v, want close error", err)
	}
	if closeErr.Code != websocket.ClosePolicyViolation {
		t.Errorf("close code = %d, want 1008", closeErr.Code)
	}
}

func TestChatReplayAcksOnlyOwnEnvelope(t *testing.T) {
	f := newHubFixture(t)

	eve, err := f.users.Create(db.CreateUserParams{
		Email: "eve@example.com", Handle: "eve", DisplayName: "Eve",
		PasswordHash: "x", VerificationCode: "123456", VerificationExpires: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("creating eve: %v", err)
	}
	f.verifier["eve-token"] = eve

	alice := f.connect(t)
	var hello ConnectionEstablished
	readEnvelope(t, alice, &hello)

	send := func(conn *websocket.Conn, messageID, receiver, content string) {
		t.Helper()
		err := conn.WriteJSON(map[string]any{
			"type":      TypeChat,
			"messageId": messageID,
			"receiver":  receiver,
			"content":   content,
		})
		if err != nil {
			t.Fatalf("writing chat envelope: %v", err)
		}
	}

	send(alice, "alice_1700000000000_cafe1", f.bob.ID, "private note for bob")
	var first ChatDelivery
	readEnvelope(t, alice, &first)
	if first.Type != TypeChat || first.Message == nil {
		t.Fatalf("first send not acked: %+v", first)
	}

	// Same sender, same envelope, same receiver: a retransmission is acked
	// with the stored record.
	send(alice, "alice_1700000000000_cafe1", f.bob.ID, "private note for bob")
	var replay ChatDelivery
	readEnvelope(t, alice, &replay)
	if replay.Type != TypeChat {
		t.Fatalf("replay answered %q, want chat ack", replay.Type)
	}
	if replay.Message == nil || replay.Message.ID != first.Message.ID || replay.Message.Content != "private note for bob" {
		t.Fatalf("replay ack does not match stored record: %+v", replay.Message)
	}

	// Same sender but a different receiver is not a retransmission.
	send(alice, "alice_1700000000000_cafe1", eve.ID, "private note for bob")
	var mismatch ErrorDelivery
	readEnvelope(t, alice, &mismatch)
	if mismatch.Type != TypeError || mismatch.Code != ErrCodeNotFound {
		t.Fatalf("got (%q, %q), want NOT_FOUND for receiver mismatch", mismatch.Type, mismatch.Code)
	}

	// A different user supplying someone else's envelope id must get the
	// same answer as for an unknown id, never the stored message.
	eveConn := f.connectAs(t, "eve-token")
	var eveHello ConnectionEstablished
	readEnvelope(t, eveConn, &eveHello)

	send(eveConn, "alice_1700000000000_cafe1", f.bob.ID, "x")
	var probe ErrorDelivery
	readEnvelope(t, eveConn, &probe)
	if probe.Type != TypeError || probe.Code != ErrCodeNotFound {
		t.Fatalf("got (%q, %q), want NOT_FOUND for foreign envelope id", probe.Type, probe.Code)
	}
}

func TestSignalRelayRewritesFrom(t *testing.T) {
	f := newHubFixture(t)

	alice := f.connect(t)
	var hello ConnectionEstablished
	readEnvelope(t, alice, &hello)

	bobConn := f.connectAs(t, "bob-token")
	var bobHello ConnectionEstablished
	readEnvelope(t, bobConn, &bobHello)

	err := alice.WriteJSON(map[string]any{
		"type":   TypeWebRTCOffer,
		"to":     f.bob.ID,
		"from":   "usr_spoofed",
		"signal": map[string]any{"sdp": "v=0"},
	})
	if err != nil {
		t.Fatalf("writing signal envelope: %v", err)
	}

	var relayed SignalEnvelope
	readEnvelope(t, bobConn, &relayed)
	if relayed.Type != TypeWebRTCOffer {
		t.Fatalf("type = %q, want webrtc_offer", relayed.Type)
	}
	if relayed.From != f.alice.ID {
		t.Errorf("From = %q, want the authenticated sender %q", relayed.From, f.alice.ID)
	}
	if !strings.Contains(string(relayed.Signal), `"sdp":"v=0"`) {
		t.Errorf("signal body altered in relay: %s", relayed.Signal)
	}
	if relayed.Timestamp == "" {
		t.Error("relayed envelope missing timestamp")
	}
}

func TestHeartbeatEvictsSilentSession(t *testing.T) {
	f := newHubFixtureWith(t, Options{HeartbeatPeriod: 50 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go f.hub.Run(ctx)

	watcher := f.connectAs(t, "bob-token")
	var watcherHello ConnectionEstablished
	readEnvelope(t, watcher, &watcherHello)

	zombie := f.connect(t)
	// Swallow server pings so the session never reports liveness.
	zombie.SetPingHandler(func(string) error { return nil })
	var zombieHello ConnectionEstablished
	readEnvelope(t, zombie, &zombieHello)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := zombie.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var online PresenceDelivery
	readEnvelope(t, watcher, &online)
	if online.Type != TypePresence || online.UserID != f.alice.ID || !online.IsOnline {
		t.Fatalf("watcher saw %+v, want alice online", online)
	}

	var offline PresenceDelivery
	readEnvelope(t, watcher, &offline)
	if offline.Type != TypePresence || offline.UserID != f.alice.ID || offline.IsOnline {
		t.Fatalf("watcher saw %+v, want alice offline after eviction", offline)
	}

	waitFor(t, "zombie identity to go offline", func() bool {
		return !f.hub.IsOnline(f.alice.ID)
	})

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("evicted connection never closed")
	}

	if !f.hub.IsOnline(f.bob.ID) {
		t.Error("responsive session evicted alongside the zombie")
	}
}

func TestReadReceiptEchoRequiresMatchedMessages(t *testing.T) {
	f := newHubFixture(t)

	alice := f.connect(t)
	var hello ConnectionEstablished
	readEnvelope(t, alice, &hello)

	bobConn := f.connectAs(t, "bob-token")
	var bobHello ConnectionEstablished
	readEnvelope(t, bobConn, &bobHello)

	if _, err := f.messages.Persist(&models.Message{
		ID: "msg_rr_1", SenderID: f.bob.ID, ReceiverID: f.alice.ID,
		Type: models.MessageTypeText, Content: "hi",
	}); err != nil {
		t.Fatalf("persisting message: %v", err)
	}

	err := alice.WriteJSON(map[string]any{
		"type":       TypeReadReceipt,
		"sender":     f.bob.ID,
		"messageIds": []string{"msg_rr_1"},
	})
	if err != nil {
		t.Fatalf("writing read receipt: %v", err)
	}

	var receipt ReadReceiptDelivery
	readEnvelope(t, bobConn, &receipt)
	if receipt.Type != TypeReadReceipt || receipt.Receiver != f.alice.ID {
		t.Fatalf("got %+v, want read receipt from alice", receipt)
	}

	// A receipt naming ids bob never sent advances nothing and must not
	// reach him.
	err = alice.WriteJSON(map[string]any{
		"type":       TypeReadReceipt,
		"sender":     f.bob.ID,
		"messageIds": []string{"msg_ghost"},
	})
	if err != nil {
		t.Fatalf("writing fabricated receipt: %v", err)
	}

	bobConn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, data, err := bobConn.ReadMessage(); err == nil {
		t.Fatalf("fabricated receipt echoed to bob: %s", data)
	}
}
