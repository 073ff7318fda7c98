package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"drilunia/internal/auth"
	"drilunia/internal/config"
	"drilunia/internal/db"
	"drilunia/internal/email"
	"drilunia/internal/ws"
)

type Server struct {
	router *chi.Mux
	hub    *ws.Hub
}

func NewServer(
	cfg *config.Config,
	database *db.DB,
	users *db.UserRepository,
	messages *db.MessageRepository,
	refreshTokens *db.RefreshTokenRepository,
	emailService *email.SMTPService,
	jwtService *auth.JWTService,
	verifier *auth.Verifier,
	hub *ws.Hub,
) (*Server, error) {
	keyFn, err := rateLimitKeyFunc(cfg.Server.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("configuring rate limit key: %w", err)
	}
	keyByIP := httprate.WithKeyFuncs(keyFn)

	authHandler := NewAuthHandler(users, refreshTokens, jwtService, emailService, hub,
		cfg.Auth.LoginAttemptMax, cfg.Auth.LockoutDuration)
	userHandler := NewUserHandler(users, hub)
	messageHandler := NewMessageHandler(messages, users, cfg.Chat.EditGraceWindow, cfg.Chat.HistoryMaxLimit)
	iceHandler := NewICEHandler(cfg.ICE)
	wsHandler := NewWebSocketHandler(hub)
	healthHandler := NewHealthHandler(database)

	authMiddleware := NewAuthMiddleware(verifier)

	r := chi.NewRouter()
	r.Use(slogRequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(corsMiddleware(cfg.Server.CORSOrigin))
	r.Use(securityHeadersMiddleware)

	r.Get("/health", healthHandler.Check)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(maxBodySizeMiddleware(1 << 20)) // 1 MB

		r.Route("/auth", func(r chi.Router) {
			r.With(httprate.Limit(5, time.Minute, keyByIP)).Post("/register", authHandler.Register)
			r.With(httprate.Limit(10, time.Minute, keyByIP)).Post("/login", authHandler.Login)
			r.With(httprate.Limit(30, time.Minute, keyByIP)).Post("/refresh", authHandler.Refresh)

			r.Group(func(r chi.Router) {
				r.Use(authMiddleware.RequireAuth)
				r.With(httprate.Limit(10, time.Minute, keyByIP)).Post("/verify-email", authHandler.VerifyEmail)
				r.Post("/logout", authHandler.Logout)
			})
		})

		r.Route("/users", func(r chi.Router) {
			r.Use(authMiddleware.RequireAuth)
			r.Get("/me", userHandler.GetMe)
			r.Patch("/me", userHandler.UpdateMe)
			r.Put("/me/push-tokens", userHandler.RegisterPushToken)
			r.Delete("/me/push-tokens/{deviceID}", userHandler.RemovePushToken)
			r.Get("/{id}", userHandler.GetByID)
		})

		r.Route("/messages", func(r chi.Router) {
			r.Use(authMiddleware.RequireAuth)
			r.Get("/", messageHandler.GetConversation)
			r.Get("/unread", messageHandler.GetUnread)
			r.Post("/delivered", messageHandler.AckDelivered)
			r.Patch("/{id}", messageHandler.Edit)
			r.Delete("/{id}", messageHandler.Delete)
			r.Put("/{id}/reactions", messageHandler.React)
			r.Delete("/{id}/reactions", messageHandler.Unreact)
		})

		r.Group(func(r chi.Router) {
			r.Use(authMiddleware.RequireAuth)
			r.Get("/ice-servers", iceHandler.GetServers)
		})
	})

	r.With(httprate.Limit(10, time.Minute, keyByIP)).Get("/ws", wsHandler.ServeWS)

	return &Server{
		router: r,
		hub:    hub,
	}, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func corsMiddleware(origin string) func(http.Handler) http.Handler {
	if origin == "" {
		origin = "*"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func maxBodySizeMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

func slogRequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
			"remote", r.RemoteAddr,
		)
	})
}
