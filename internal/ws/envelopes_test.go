package ws

import (
	"encoding/json"
	"testing"
	"time"
)

func TestIsSignalType(t *testing.T) {
	signals := []string{
		TypeWebRTCOffer, TypeWebRTCAnswer, TypeICECandidate,
		TypeCallRequest, TypeCallAccept, TypeCallReject, TypeCallEnd,
	}
	for _, typ := range signals {
		if !IsSignalType(typ) {
			t.Errorf("IsSignalType(%q) = false", typ)
		}
	}

	for _, typ := range []string{TypeChat, TypeTyping, TypePresence, TypePing, "", "webrtc"} {
		if IsSignalType(typ) {
			t.Errorf("IsSignalType(%q) = true", typ)
		}
	}
}

func TestSignalEnvelopeBodyStaysOpaque(t *testing.T) {
	raw := []byte(`{"type":"webrtc_offer","to":"usr_b","from":"usr_spoof","signal":{"sdp":"v=0...","nested":{"deep":true}}}`)

	var env SignalEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}

	if env.To != "usr_b" {
		t.Errorf("To = %q", env.To)
	}

	// The relay rewrites from and timestamp but never the signal body.
	env.From = "usr_a"
	env.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	out, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	var decoded SignalEnvelope
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("Unmarshal relayed envelope: %v", err)
	}
	if decoded.From != "usr_a" {
		t.Errorf("From = %q, want authenticated identity", decoded.From)
	}
	if string(decoded.Signal) != string(env.Signal) {
		t.Errorf("signal body changed in relay: %s != %s", decoded.Signal, env.Signal)
	}
}

func TestChatEnvelopeDecoding(t *testing.T) {
	raw := []byte(`{"type":"chat","messageId":"usr_a_1700000000000_0102030405","receiver":"usr_b","content":"hi","replyTo":"usr_b_1699999999000_aabbccddee"}`)

	var env ChatEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}

	if env.MessageID != "usr_a_1700000000000_0102030405" {
		t.Errorf("MessageID = %q", env.MessageID)
	}
	if env.ReplyTo == nil || *env.ReplyTo != "usr_b_1699999999000_aabbccddee" {
		t.Errorf("ReplyTo = %v", env.ReplyTo)
	}
}

func TestRawEnvelopeRouting(t *testing.T) {
	var raw rawEnvelope
	if err := json.Unmarshal([]byte(`{"type":"read_receipt","sender":"usr_a","messageIds":["m1"]}`), &raw); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if raw.Type != TypeReadReceipt {
		t.Errorf("Type = %q", raw.Type)
	}
}
