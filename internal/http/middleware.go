package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/jpranav0802/Neurolearn-22/internal/audit"
	"github.com/jpranav0802/Neurolearn-22/internal/auth"
	"github.com/jpranav0802/Neurolearn-22/internal/model"
)

type claimsKey struct{}

func claimsFromContext(ctx context.Context) *auth.Claims {
	value := ctx.Value(claimsKey{})
	claims, _ := value.(*auth.Claims)
	return claims
}

// authenticate extracts and verifies the bearer token and attaches the
// claims to the request context. Flow tokens with a purpose claim are not
// accepted as bearer credentials.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			s.audit(r, audit.Entry{Action: "auth_missing_token", ResourceType: "auth"})
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}

		claims, err := auth.ParseToken(s.cfg.JWTSecret, token)
		if err != nil || claims.Purpose != "" {
			s.audit(r, audit.Entry{Action: "auth_invalid_token", ResourceType: "auth"})
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}

		// Student sessions carry COPPA restrictions; re-check the account
		// is still active before honoring the token.
		if claims.Role == model.RoleStudent {
			user, err := s.store.GetUserByID(r.Context(), claims.UserID)
			if err != nil || !user.IsActive {
				s.audit(r, audit.Entry{Action: "auth_invalid_token", ResourceType: "auth", UserID: claims.UserID})
				writeError(w, http.StatusUnauthorized, "invalid_token")
				return
			}
		}

		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) authorize(roles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(roles))
	for _, role := range roles {
		allowed[role] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := claimsFromContext(r.Context())
			if claims == nil {
				writeError(w, http.StatusUnauthorized, "missing_token")
				return
			}
			if !allowed[claims.Role] {
				s.audit(r, audit.Entry{
					Action:       "authorization_denied",
					ResourceType: "auth",
					UserID:       claims.UserID,
					Details:      map[string]any{"role": claims.Role, "path": r.URL.Path},
				})
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// validateStudentDataAccess gates routes carrying a {studentID} parameter.
// Students reach only their own record, parents their linked students,
// teachers and therapists their assigned students, admins everything.
func (s *Server) validateStudentDataAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := claimsFromContext(r.Context())
		if claims == nil {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}
		studentID := chi.URLParam(r, "studentID")
		if studentID == "" {
			writeError(w, http.StatusBadRequest, "missing_student_id")
			return
		}

		allowed := false
		reason := ""
		switch claims.Role {
		case model.RoleStudent:
			allowed = claims.UserID == studentID
			reason = "own_record"
		case model.RoleParent:
			linked, err := s.store.ParentLinkedTo(r.Context(), claims.UserID, studentID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "server_error")
				return
			}
			allowed = linked
			reason = "parent_link"
		case model.RoleTeacher, model.RoleTherapist:
			linked, err := s.store.StaffLinkedTo(r.Context(), claims.UserID, studentID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "server_error")
				return
			}
			allowed = linked
			reason = "staff_assignment"
		case model.RoleAdmin:
			allowed = true
			reason = "admin"
		}

		action := "student_data_access_denied"
		if allowed {
			action = "student_data_access_granted"
		}
		s.audit(r, audit.Entry{
			Action:       action,
			ResourceType: "student_record",
			ResourceID:   studentID,
			UserID:       claims.UserID,
			StudentID:    studentID,
			Details:      map[string]any{"role": claims.Role, "reason": reason},
		})
		if !allowed {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit is a fixed-window counter in Redis keyed by client IP. When
// Redis is unavailable the request is allowed through.
func (s *Server) rateLimit(scope string, max int, window time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.rdb == nil {
				next.ServeHTTP(w, r)
				return
			}
			key := fmt.Sprintf("ratelimit:%s:%s", scope, clientIP(r))
			// SETNX plants the key with its TTL before the increment, in
			// one round trip, so no counter can outlive its window.
			pipe := s.rdb.TxPipeline()
			pipe.SetNX(r.Context(), key, 0, window)
			incr := pipe.Incr(r.Context(), key)
			if _, err := pipe.Exec(r.Context()); err != nil {
				next.ServeHTTP(w, r)
				return
			}
			if incr.Val() > int64(max) {
				s.log.Warn("rate limit exceeded",
					zap.String("scope", scope),
					zap.String("ip", clientIP(r)),
				)
				writeJSON(w, http.StatusTooManyRequests, map[string]any{
					"error":      "rate_limited",
					"retryAfter": int(window.Seconds()),
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}
				s.log.Error("panic recovered",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
					zap.ByteString("stack", debug.Stack()),
				)
				if s.cfg.Production() {
					writeError(w, http.StatusInternalServerError, "server_error")
				} else {
					writeJSON(w, http.StatusInternalServerError, map[string]any{
						"error":  "server_error",
						"detail": fmt.Sprint(rec),
					})
				}
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(s.cfg.AllowedOrigins))
	for _, origin := range s.cfg.AllowedOrigins {
		allowed[origin] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && allowed[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

var auditSkipPaths = map[string]bool{
	"/health":   true,
	"/metrics":  true,
	"/api/docs": true,
}

// requestAuditMiddleware logs every request for the compliance trail,
// excluding liveness and documentation endpoints.
func (s *Server) requestAuditMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auditSkipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", recorder.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("ip", clientIP(r)),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// audit records one entry enriched with request metadata. Never fails the
// request.
func (s *Server) audit(r *http.Request, entry audit.Entry) {
	entry.IPAddress = clientIP(r)
	entry.UserAgent = r.UserAgent()
	s.recorder.Record(r.Context(), entry)
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
