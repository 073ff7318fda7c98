package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Chat     ChatConfig     `yaml:"chat"`
	Presence PresenceConfig `yaml:"presence"`
	Push     PushConfig     `yaml:"push"`
	Email    EmailConfig    `yaml:"email"`
	ICE      ICEConfig      `yaml:"ice"`
}

type ServerConfig struct {
	Name           string   `yaml:"name"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	BaseURL        string   `yaml:"base_url"`
	CORSOrigin     string   `yaml:"cors_origin"`
	TrustedProxies []string `yaml:"trusted_proxies"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type AuthConfig struct {
	JWTSecret       string        `yaml:"jwt_secret"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
	LoginAttemptMax int           `yaml:"login_attempt_max"`
	LockoutDuration time.Duration `yaml:"lockout_duration"`
}

type ChatConfig struct {
	MaxContentLength int           `yaml:"max_content_length"`
	EditGraceWindow  time.Duration `yaml:"edit_grace_window"`
	HistoryMaxLimit  int           `yaml:"history_max_limit"`
}

type PresenceConfig struct {
	HeartbeatPeriod time.Duration `yaml:"heartbeat_period"`
	FreshnessWindow time.Duration `yaml:"freshness_window"`
	LastSeenFlush   time.Duration `yaml:"last_seen_flush"`
}

type PushConfig struct {
	Endpoint string        `yaml:"endpoint"`
	APIKey   string        `yaml:"api_key"`
	Timeout  time.Duration `yaml:"timeout"`
}

type EmailConfig struct {
	SMTP SMTPConfig `yaml:"smtp"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

type ICEConfig struct {
	STUNURLs []string   `yaml:"stun_urls"`
	TURN     TURNConfig `yaml:"turn"`
}

type TURNConfig struct {
	Host   string        `yaml:"host"`   // coturn hostname/IP
	Port   int           `yaml:"port"`   // coturn listening port (default 3478)
	Secret string        `yaml:"secret"` // coturn static-auth-secret
	TTL    time.Duration `yaml:"ttl"`    // credential lifetime (default 24h)
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.setDefaults()

	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DRILUNIA_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("DRILUNIA_SMTP_PASSWORD"); v != "" {
		c.Email.SMTP.Password = v
	}
	if v := os.Getenv("DRILUNIA_TURN_SECRET"); v != "" {
		c.ICE.TURN.Secret = v
	}
	if v := os.Getenv("DRILUNIA_PUSH_KEY"); v != "" {
		c.Push.APIKey = v
	}
}

func (c *Config) validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if c.Email.SMTP.Host != "" && c.Email.SMTP.From == "" {
		return fmt.Errorf("email.smtp.from is required when smtp is configured")
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Name == "" {
		c.Server.Name = "Drilunia"
	}
	if c.Server.BaseURL == "" {
		c.Server.BaseURL = fmt.Sprintf("http://%s:%d", c.Server.Host, c.Server.Port)
	}
	if c.Server.CORSOrigin == "" {
		c.Server.CORSOrigin = "*"
	}
	if c.Database.Path == "" {
		c.Database.Path = "./data/drilunia.db"
	}
	if c.Auth.AccessTokenTTL == 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL == 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.LoginAttemptMax == 0 {
		c.Auth.LoginAttemptMax = 5
	}
	if c.Auth.LockoutDuration == 0 {
		c.Auth.LockoutDuration = 2 * time.Hour
	}
	if c.Chat.MaxContentLength == 0 {
		c.Chat.MaxContentLength = 5000
	}
	if c.Chat.EditGraceWindow == 0 {
		c.Chat.EditGraceWindow = 1 * time.Hour
	}
	if c.Chat.HistoryMaxLimit == 0 {
		c.Chat.HistoryMaxLimit = 200
	}
	if c.Presence.HeartbeatPeriod == 0 {
		c.Presence.HeartbeatPeriod = 30 * time.Second
	}
	if c.Presence.FreshnessWindow == 0 {
		c.Presence.FreshnessWindow = 5 * time.Minute
	}
	if c.Presence.LastSeenFlush == 0 {
		c.Presence.LastSeenFlush = 30 * time.Second
	}
	if c.Push.Timeout == 0 {
		c.Push.Timeout = 10 * time.Second
	}
	if c.ICE.TURN.Port == 0 {
		c.ICE.TURN.Port = 3478
	}
	if c.ICE.TURN.TTL == 0 {
		c.ICE.TURN.TTL = 24 * time.Hour
	}
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
