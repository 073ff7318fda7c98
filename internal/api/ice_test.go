package api

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"drilunia/internal/config"
	"drilunia/internal/ice"
)

func TestICEHandlerWithoutTURN(t *testing.T) {
	handler := NewICEHandler(config.ICEConfig{
		STUNURLs: []string{"stun:stun.example.com:3478"},
	})

	req := httptest.NewRequest("GET", "/api/v1/ice-servers", nil)
	rec := httptest.NewRecorder()
	handler.GetServers(rec, req)

	var resp struct {
		ICEServers []ice.ServerInfo `json:"iceServers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}

	if len(resp.ICEServers) != 1 {
		t.Fatalf("len(iceServers) = %d, want STUN only", len(resp.ICEServers))
	}
	if resp.ICEServers[0].Credential != "" {
		t.Error("STUN entry should carry no credential")
	}
}

func TestICEHandlerWithTURN(t *testing.T) {
	handler := NewICEHandler(config.ICEConfig{
		TURN: config.TURNConfig{
			Host:   "turn.example.com",
			Port:   3478,
			Secret: "shared-secret",
			TTL:    24 * time.Hour,
		},
	})

	req := httptest.NewRequest("GET", "/api/v1/ice-servers", nil)
	rec := httptest.NewRecorder()
	handler.GetServers(rec, req)

	var resp struct {
		ICEServers []ice.ServerInfo `json:"iceServers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}

	if len(resp.ICEServers) != 2 {
		t.Fatalf("len(iceServers) = %d, want STUN and TURN entries", len(resp.ICEServers))
	}

	turn := resp.ICEServers[1]
	if turn.Username == "" || turn.Credential == "" {
		t.Error("TURN entry missing ephemeral credentials")
	}
}
