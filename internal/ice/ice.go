// Package ice builds the ICE server configuration handed to clients before
// they start a call.
package ice

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"time"

	"drilunia/internal/config"
)

// ServerInfo is one entry of the iceServers list in client configuration.
type ServerInfo struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// TURNCredentials generates ephemeral TURN credentials using the TURN REST
// API (HMAC-SHA1) scheme compatible with coturn's use-auth-secret.
func TURNCredentials(secret, userID string, ttl time.Duration) (username, credential string) {
	expiry := time.Now().Add(ttl).Unix()
	username = fmt.Sprintf("%d:%s", expiry, userID)

	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(username))
	credential = base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return
}

// Servers produces the ICE server list for one user. Configured STUN URLs are
// always included; a TURN entry with per-user credentials is appended when a
// coturn host is configured.
func Servers(cfg config.ICEConfig, userID string) []ServerInfo {
	var servers []ServerInfo

	if len(cfg.STUNURLs) > 0 {
		servers = append(servers, ServerInfo{URLs: cfg.STUNURLs})
	}

	if cfg.TURN.Host != "" {
		stunURL := fmt.Sprintf("stun:%s:%d", cfg.TURN.Host, cfg.TURN.Port)
		turnURL := fmt.Sprintf("turn:%s:%d", cfg.TURN.Host, cfg.TURN.Port)

		username, credential := TURNCredentials(cfg.TURN.Secret, userID, cfg.TURN.TTL)

		servers = append(servers,
			ServerInfo{URLs: []string{stunURL}},
			ServerInfo{URLs: []string{turnURL}, Username: username, Credential: credential},
		)
	}

	return servers
}
