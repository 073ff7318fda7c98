package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRateLimitKeyFunc(t *testing.T) {
	tests := []struct {
		name           string
		trustedProxies []string
		remoteAddr     string
		forwardedFor   string
		realIP         string
		want           string
	}{
		{
			name:       "direct connection",
			remoteAddr: "203.0.113.7:51234",
			want:       "203.0.113.7",
		},
		{
			name:         "forwarded header ignored from untrusted peer",
			remoteAddr:   "203.0.113.7:51234",
			forwardedFor: "198.51.100.1",
			want:         "203.0.113.7",
		},
		{
			name:           "forwarded header honored from trusted proxy",
			trustedProxies: []string{"10.0.0.0/8"},
			remoteAddr:     "10.1.2.3:80",
			forwardedFor:   "198.51.100.1",
			want:           "198.51.100.1",
		},
		{
			name:           "leftmost forwarded entry wins",
			trustedProxies: []string{"10.0.0.0/8"},
			remoteAddr:     "10.1.2.3:80",
			forwardedFor:   "198.51.100.1, 10.1.2.3",
			want:           "198.51.100.1",
		},
		{
			name:           "x-real-ip fallback",
			trustedProxies: []string{"10.0.0.1"},
			remoteAddr:     "10.0.0.1:80",
			realIP:         "198.51.100.9",
			want:           "198.51.100.9",
		},
		{
			name:           "garbage forwarded entries skipped",
			trustedProxies: []string{"10.0.0.0/8"},
			remoteAddr:     "10.1.2.3:80",
			forwardedFor:   "not-an-ip, 198.51.100.1",
			want:           "198.51.100.1",
		},
		{
			name:           "ipv6 peer",
			trustedProxies: []string{"fd00::/8"},
			remoteAddr:     "[fd00::1]:443",
			forwardedFor:   "2001:db8::2",
			want:           "2001:db8::2",
		},
		{
			name:       "mapped ipv4 unmapped",
			remoteAddr: "[::ffff:203.0.113.7]:51234",
			want:       "203.0.113.7",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keyFn, err := rateLimitKeyFunc(tt.trustedProxies)
			if err != nil {
				t.Fatalf("rateLimitKeyFunc: %v", err)
			}

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.forwardedFor != "" {
				req.Header.Set("X-Forwarded-For", tt.forwardedFor)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}

			got, err := keyFn(req)
			if err != nil {
				t.Fatalf("key func returned error: %v", err)
			}
			if got != tt.want {
				t.Errorf("client key = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRateLimitKeyFuncRejectsBadProxyList(t *testing.T) {
	if _, err := rateLimitKeyFunc([]string{"10.0.0.0/8", "not-a-network"}); err == nil {
		t.Fatal("expected error for unparseable trusted proxy entry")
	}
}
