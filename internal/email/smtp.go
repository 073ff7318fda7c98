package email

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"time"
)

const dialTimeout = 30 * time.Second

// SMTPService sends transactional mail over a single STARTTLS-upgraded
// connection per message. Volume is low (verification codes only), so there
// is no pooling.
type SMTPService struct {
	cfg Config
}

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

func NewSMTPService(cfg Config) *SMTPService {
	return &SMTPService{cfg: cfg}
}

// Enabled reports whether an SMTP host is configured. When it is not,
// verification codes are logged instead of mailed.
func (s *SMTPService) Enabled() bool {
	return s.cfg.Host != ""
}

func (s *SMTPService) SendVerificationCode(to, code string, ttl time.Duration) error {
	body := fmt.Sprintf(`Hello!

Your Drilunia verification code is:

    %s

This code will expire in %d minutes.

If you didn't create a Drilunia account, you can safely ignore this email.

- The Drilunia Team`, code, int(ttl.Minutes()))

	return s.send(to, "Verify your Drilunia account", body)
}

func (s *SMTPService) send(to, subject, body string) error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))

	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return fmt.Errorf("connecting to SMTP server: %w", err)
	}
	conn.SetDeadline(time.Now().Add(dialTimeout))

	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("SMTP handshake: %w", err)
	}
	defer client.Close()

	if err := s.upgradeAndAuth(client); err != nil {
		return err
	}

	if err := client.Mail(s.cfg.From); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("RCPT TO: %w", err)
	}

	wc, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := wc.Write(s.buildMessage(to, subject, body)); err != nil {
		wc.Close()
		return fmt.Errorf("writing message: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("finishing message: %w", err)
	}

	if err := client.Quit(); err != nil {
		slog.Warn("smtp quit failed", "component", "email", "error", err)
	}
	return nil
}

// upgradeAndAuth negotiates STARTTLS when offered and authenticates when
// credentials are configured. Plaintext auth is refused except on the
// conventional local-relay ports.
func (s *SMTPService) upgradeAndAuth(client *smtp.Client) error {
	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: s.cfg.Host}); err != nil {
			return fmt.Errorf("STARTTLS: %w", err)
		}
	} else if s.cfg.Port != 25 && s.cfg.Port != 1025 {
		return fmt.Errorf("server on port %d does not offer STARTTLS", s.cfg.Port)
	}

	if s.cfg.Username == "" || s.cfg.Password == "" {
		return nil
	}
	auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	if err := client.Auth(auth); err != nil {
		return fmt.Errorf("SMTP auth: %w", err)
	}
	return nil
}

func (s *SMTPService) buildMessage(to, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	return []byte(b.String())
}
