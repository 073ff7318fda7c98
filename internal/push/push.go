// Package push bridges chat delivery to an external push notification
// gateway for recipients with no live session.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"

	"drilunia/internal/db"
)

// Service posts notification requests to the gateway, one per registered
// device token. Delivery is best-effort: Notify never blocks the caller and
// failures are logged, not surfaced.
type Service struct {
	endpoint string
	apiKey   string
	client   *http.Client
	tokens   *db.UserRepository
}

func NewService(endpoint, apiKey string, tokens *db.UserRepository) *Service {
	return &Service{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 10 * time.Second},
		tokens:   tokens,
	}
}

type notification struct {
	Token    string            `json:"token"`
	Platform string            `json:"platform"`
	UserID   string            `json:"userId"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
}

// Notify fans a notification out to every device token registered for the
// user. Runs in the background; a gateway that is down costs nothing but a
// log line.
func (s *Service) Notify(userID, title, body string, data map[string]string) {
	if s.endpoint == "" {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		tokens, err := s.tokens.PushTokens(userID)
		if err != nil {
			slog.Error("error loading push tokens", "component", "push", "user_id", userID, "error", err)
			return
		}
		if len(tokens) == 0 {
			return
		}

		for _, t := range tokens {
			n := notification{
				Token:    t.Token,
				Platform: t.Platform,
				UserID:   userID,
				Title:    title,
				Body:     body,
				Data:     data,
			}
			if err := s.deliver(ctx, n); err != nil {
				slog.Warn("push delivery failed", "component", "push", "user_id", userID, "platform", t.Platform, "error", err)
			}
		}
	}()
}

// deliver posts one notification, retrying transient gateway errors with
// capped exponential backoff.
func (s *Service) deliver(ctx context.Context, n notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}

	backoff := retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if s.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+s.apiKey)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		switch {
		case resp.StatusCode < 300:
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return retry.RetryableError(fmt.Errorf("gateway returned %d", resp.StatusCode))
		default:
			return fmt.Errorf("gateway returned %d", resp.StatusCode)
		}
	})
}
