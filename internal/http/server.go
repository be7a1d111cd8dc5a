package http

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jpranav0802/Neurolearn-22/internal/audit"
	"github.com/jpranav0802/Neurolearn-22/internal/config"
	"github.com/jpranav0802/Neurolearn-22/internal/crypto"
	"github.com/jpranav0802/Neurolearn-22/internal/mail"
	"github.com/jpranav0802/Neurolearn-22/internal/model"
	"github.com/jpranav0802/Neurolearn-22/internal/repository"
	"github.com/jpranav0802/Neurolearn-22/internal/session"
)

var authAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "neurolearn_auth_attempts_total",
	Help: "Authentication attempts by outcome.",
}, []string{"outcome"})

type Server struct {
	cfg      config.Config
	store    *repository.Store
	codec    *crypto.Codec
	sessions *session.Store
	recorder *audit.Recorder
	reporter *audit.Reporter
	mailer   mail.Sender
	rdb      *redis.Client
	log      *zap.Logger
	started  time.Time
}

func NewServer(
	cfg config.Config,
	store *repository.Store,
	codec *crypto.Codec,
	sessions *session.Store,
	recorder *audit.Recorder,
	reporter *audit.Reporter,
	mailer mail.Sender,
	rdb *redis.Client,
	log *zap.Logger,
) *Server {
	return &Server{
		cfg:      cfg,
		store:    store,
		codec:    codec,
		sessions: sessions,
		recorder: recorder,
		reporter: reporter,
		mailer:   mailer,
		rdb:      rdb,
		log:      log,
		started:  time.Now(),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(s.recoverMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(securityHeaders)
	r.Use(s.requestAuditMiddleware)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/api/docs", s.handleDocs)

	r.Route("/api/auth", func(r chi.Router) {
		r.Use(s.rateLimit("auth", 5, 15*time.Minute))
		r.Post("/register", s.handleRegister)
		r.Post("/login", s.handleLogin)
		r.Post("/logout", s.handleLogout)
		r.Post("/verify-email", s.handleVerifyEmail)
		r.Post("/approve-consent", s.handleApproveConsent)
		r.Post("/forgot-password", s.handleForgotPassword)
		r.Post("/reset-password", s.handleResetPassword)
		r.With(s.authenticate).Post("/refresh", s.handleRefresh)
	})

	r.Route("/api/users", func(r chi.Router) {
		r.Use(s.rateLimit("api", 100, 15*time.Minute))
		r.Use(s.authenticate)
		r.Get("/profile", s.handleGetProfile)
		r.Put("/profile", s.handleUpdateProfile)
		r.Put("/password", s.handleChangePassword)
		r.Post("/mfa/setup", s.handleMFASetup)
		r.Post("/mfa/verify", s.handleMFAVerify)
		r.With(s.authorize(model.RoleStudent, model.RoleParent, model.RoleAdmin)).Delete("/account", s.handleDeleteAccount)

		r.Route("/students/{studentID}", func(r chi.Router) {
			r.Use(s.validateStudentDataAccess)
			r.Get("/", s.handleGetStudent)
			r.Get("/profile", s.handleGetStudentProfile)
			r.Put("/profile", s.handlePutStudentProfile)
		})
	})

	r.Route("/api/audit", func(r chi.Router) {
		r.Use(s.rateLimit("api", 100, 15*time.Minute))
		r.Use(s.authenticate, s.authorize(model.RoleAdmin))
		r.Get("/logs", s.handleAuditLogs)
		r.Get("/reports/{regime}", s.handleComplianceReport)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"service":   "auth-service",
		"version":   "1.0.0",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(s.started).Seconds(),
	})
}

func (s *Server) handleDocs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service":     "NeuroLearn Authentication Service",
		"version":     "1.0.0",
		"description": "Multi-role authentication service with COPPA/FERPA compliance",
		"endpoints": map[string]string{
			"POST /api/auth/register":        "Register new user with parental consent handling",
			"POST /api/auth/login":           "Authenticate user with MFA support",
			"POST /api/auth/logout":          "End user session",
			"POST /api/auth/refresh":         "Refresh JWT token",
			"POST /api/auth/verify-email":    "Verify email address",
			"POST /api/auth/approve-consent": "Record verifiable parental consent",
			"POST /api/auth/forgot-password": "Request password reset",
			"POST /api/auth/reset-password":  "Reset password with token",
			"GET /api/users/profile":         "Get current user profile",
			"PUT /api/users/profile":         "Update user profile",
			"DELETE /api/users/account":      "Delete user account with COPPA compliance",
		},
		"compliance": map[string]string{
			"coppa":      "Children under 13 require verifiable parental consent",
			"ferpa":      "Educational records protected with role-based access",
			"encryption": "All PII encrypted at rest and in transit",
		},
	})
}

// Helpers

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}
