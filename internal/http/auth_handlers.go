package http

import (
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jpranav0802/Neurolearn-22/internal/audit"
	"github.com/jpranav0802/Neurolearn-22/internal/auth"
	"github.com/jpranav0802/Neurolearn-22/internal/crypto"
	"github.com/jpranav0802/Neurolearn-22/internal/mfa"
	"github.com/jpranav0802/Neurolearn-22/internal/model"
	"github.com/jpranav0802/Neurolearn-22/internal/repository"
	"github.com/jpranav0802/Neurolearn-22/internal/session"
)

var (
	emailRegex  = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	upperRegex  = regexp.MustCompile(`[A-Z]`)
	lowerRegex  = regexp.MustCompile(`[a-z]`)
	digitRegex  = regexp.MustCompile(`[0-9]`)
	symbolRegex = regexp.MustCompile(`[^A-Za-z0-9]`)
)

func validPassword(password string) bool {
	return len(password) >= 8 &&
		upperRegex.MatchString(password) &&
		lowerRegex.MatchString(password) &&
		digitRegex.MatchString(password) &&
		symbolRegex.MatchString(password)
}

type registerRequest struct {
	Email           string  `json:"email"`
	Password        string  `json:"password"`
	FirstName       string  `json:"firstName"`
	LastName        string  `json:"lastName"`
	Role            string  `json:"role"`
	DateOfBirth     string  `json:"dateOfBirth,omitempty"`
	ParentalConsent bool    `json:"parentalConsent,omitempty"`
	ParentEmail     string  `json:"parentEmail,omitempty"`
	OrganizationID  *string `json:"organizationId,omitempty"`
}

type userSummary struct {
	ID                      string     `json:"id"`
	Email                   string     `json:"email"`
	FirstName               string     `json:"firstName"`
	LastName                string     `json:"lastName"`
	Role                    string     `json:"role"`
	OrganizationID          *string    `json:"organizationId,omitempty"`
	IsActive                bool       `json:"isActive"`
	EmailVerified           bool       `json:"emailVerified"`
	RequiresParentalConsent bool       `json:"requiresParentalConsent"`
	MFAEnabled              bool       `json:"mfaEnabled"`
	LastLoginAt             *time.Time `json:"lastLoginAt,omitempty"`
}

func (s *Server) userSummary(user model.User) userSummary {
	firstName, err := s.codec.Decrypt(user.FirstNameEnc)
	if err != nil {
		firstName = ""
	}
	lastName, err := s.codec.Decrypt(user.LastNameEnc)
	if err != nil {
		lastName = ""
	}
	return userSummary{
		ID:                      user.ID,
		Email:                   user.Email,
		FirstName:               firstName,
		LastName:                lastName,
		Role:                    user.Role,
		OrganizationID:          user.OrganizationID,
		IsActive:                user.IsActive,
		EmailVerified:           user.EmailVerified,
		RequiresParentalConsent: user.RequiresParentalConsent,
		MFAEnabled:              user.MFASecret != nil,
		LastLoginAt:             user.LastLoginAt,
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	req.FirstName = strings.TrimSpace(req.FirstName)
	req.LastName = strings.TrimSpace(req.LastName)
	req.ParentEmail = strings.TrimSpace(strings.ToLower(req.ParentEmail))

	if !emailRegex.MatchString(req.Email) || req.FirstName == "" || req.LastName == "" {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if !model.ValidRole(req.Role) {
		writeError(w, http.StatusBadRequest, "invalid_role")
		return
	}
	if !validPassword(req.Password) {
		writeError(w, http.StatusBadRequest, "weak_password")
		return
	}

	var dob time.Time
	if req.DateOfBirth != "" {
		parsed, err := time.Parse("2006-01-02", req.DateOfBirth)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date_of_birth")
			return
		}
		dob = parsed
	}

	requiresConsent := false
	if req.Role == model.RoleStudent {
		if dob.IsZero() {
			writeError(w, http.StatusBadRequest, "missing_date_of_birth")
			return
		}
		if model.Age(dob, time.Now()) < 13 {
			requiresConsent = true
			if !req.ParentalConsent || !emailRegex.MatchString(req.ParentEmail) {
				s.audit(r, audit.Entry{
					Action:       "register_attempt_missing_consent",
					ResourceType: "parental_consent",
					Details:      map[string]any{"role": req.Role},
				})
				writeJSON(w, http.StatusBadRequest, map[string]any{
					"error":                   "parental_consent_required",
					"requiresParentalConsent": true,
				})
				return
			}
		}
	}

	passwordHash, err := crypto.HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	firstNameEnc, err := s.codec.Encrypt(req.FirstName)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	lastNameEnc, err := s.codec.Encrypt(req.LastName)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	var dobEnc *string
	if !dob.IsZero() {
		enc, err := s.codec.Encrypt(dob.Format("2006-01-02"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "server_error")
			return
		}
		dobEnc = &enc
	}
	var parentEmail *string
	if req.ParentEmail != "" {
		parentEmail = &req.ParentEmail
	}

	user, err := s.store.CreateUser(r.Context(), model.Registration{
		Email:           req.Email,
		PasswordHash:    passwordHash,
		Role:            req.Role,
		FirstNameEnc:    firstNameEnc,
		LastNameEnc:     lastNameEnc,
		DateOfBirthEnc:  dobEnc,
		RequiresConsent: requiresConsent,
		ParentEmail:     parentEmail,
		IsActive:        !requiresConsent,
		OrganizationID:  req.OrganizationID,
	})
	if err != nil {
		if errors.Is(err, repository.ErrDuplicateUser) {
			s.audit(r, audit.Entry{
				Action:       "register_attempt_duplicate",
				ResourceType: "user_account",
				Details:      map[string]any{"role": req.Role},
			})
			writeError(w, http.StatusConflict, "email_already_registered")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	nextSteps := []string{"Verify your email address"}
	verifyToken, err := auth.NewPurposeToken(s.cfg.JWTSecret, auth.PurposeEmailVerification, auth.EmailVerificationTTL, user.ID, user.Email)
	if err == nil {
		s.sendMail(func() error { return s.mailer.SendVerification(user.Email, req.FirstName, verifyToken) })
	}
	if requiresConsent {
		nextSteps = append(nextSteps, "A consent request was sent to your parent's email")
		consentToken, err := auth.NewPurposeToken(s.cfg.JWTSecret, auth.PurposeParentalConsent, auth.ParentalConsentTTL, user.ID, user.Email)
		if err == nil {
			s.sendMail(func() error { return s.mailer.SendParentalConsent(req.ParentEmail, req.FirstName, consentToken) })
		}
	}

	s.audit(r, audit.Entry{
		Action:       "user_registered",
		ResourceType: "user_account",
		ResourceID:   user.ID,
		UserID:       user.ID,
		Details:      map[string]any{"role": user.Role, "requiresParentalConsent": requiresConsent},
	})
	authAttempts.WithLabelValues("registered").Inc()

	writeJSON(w, http.StatusCreated, map[string]any{
		"user":      s.userSummary(user),
		"nextSteps": nextSteps,
	})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	MFAToken string `json:"mfaToken,omitempty"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "missing_credentials")
		return
	}

	user, err := s.store.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		if isNoRows(err) {
			s.audit(r, audit.Entry{Action: "login_attempt_invalid_email", ResourceType: "auth"})
			authAttempts.WithLabelValues("invalid_credentials").Inc()
			writeError(w, http.StatusUnauthorized, "invalid_credentials")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	if !user.IsActive {
		s.audit(r, audit.Entry{Action: "login_attempt_inactive_account", ResourceType: "auth", UserID: user.ID})
		authAttempts.WithLabelValues("inactive").Inc()
		writeError(w, http.StatusForbidden, "account_inactive")
		return
	}

	if err := crypto.CheckPassword(user.PasswordHash, req.Password); err != nil {
		s.audit(r, audit.Entry{Action: "login_attempt_invalid_password", ResourceType: "auth", UserID: user.ID})
		authAttempts.WithLabelValues("invalid_credentials").Inc()
		writeError(w, http.StatusUnauthorized, "invalid_credentials")
		return
	}

	// MFA is enforced only once the role requires it and a secret is
	// enrolled. A missing token is not a failure: the client is told to
	// collect one.
	if mfa.Required(user.Role) && user.MFASecret != nil {
		if req.MFAToken == "" {
			writeJSON(w, http.StatusOK, map[string]any{"requiresMFA": true})
			return
		}
		if !s.verifyMFAToken(r, &user, req.MFAToken) {
			s.audit(r, audit.Entry{Action: "login_attempt_invalid_mfa", ResourceType: "auth", UserID: user.ID})
			authAttempts.WithLabelValues("invalid_mfa").Inc()
			writeError(w, http.StatusUnauthorized, "invalid_mfa_token")
			return
		}
	}

	token, err := auth.NewAccessToken(s.cfg.JWTSecret, s.cfg.JWTExpiry, auth.Claims{
		UserID:         user.ID,
		Email:          user.Email,
		Role:           user.Role,
		OrganizationID: user.OrganizationID,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	sessionID, err := s.sessions.Create(r.Context(), user.ID, user.Role)
	if err != nil {
		s.log.Warn("session create failed", zap.Error(err))
	} else {
		s.setSessionCookie(w, sessionID)
	}

	now := time.Now().UTC()
	if err := s.store.RecordLogin(r.Context(), user.ID, now); err != nil {
		s.log.Warn("record login failed", zap.Error(err))
	}
	user.LastLoginAt = &now

	s.audit(r, audit.Entry{Action: "user_login_success", ResourceType: "auth", UserID: user.ID})
	authAttempts.WithLabelValues("success").Inc()

	writeJSON(w, http.StatusOK, map[string]any{
		"token": token,
		"user":  s.userSummary(user),
	})
}

// verifyMFAToken accepts a current TOTP code or a single-use backup code.
// A consumed backup code is removed from the stored set before returning.
func (s *Server) verifyMFAToken(r *http.Request, user *model.User, token string) bool {
	if user.MFASecret == nil {
		return false
	}
	if mfa.Verify(*user.MFASecret, token) {
		return true
	}
	ok, remaining := mfa.ConsumeBackupCode(user.BackupCodeHashes, token)
	if !ok {
		return false
	}
	if err := s.store.SetBackupCodes(r.Context(), user.ID, remaining); err != nil {
		s.log.Error("backup code consume failed", zap.Error(err))
		return false
	}
	user.BackupCodeHashes = remaining
	s.audit(r, audit.Entry{Action: "mfa_backup_code_used", ResourceType: "auth", UserID: user.ID})
	return true
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(session.CookieName); err == nil && cookie.Value != "" {
		if record, err := s.sessions.Get(r.Context(), cookie.Value); err == nil {
			s.audit(r, audit.Entry{Action: "user_logout", ResourceType: "auth", UserID: record.UserID})
		}
		if err := s.sessions.Destroy(r.Context(), cookie.Value); err != nil {
			s.log.Warn("session destroy failed", zap.Error(err))
		}
	}
	s.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	user, err := s.store.GetUserByID(r.Context(), claims.UserID)
	if err != nil || !user.IsActive {
		writeError(w, http.StatusUnauthorized, "invalid_token")
		return
	}
	token, err := auth.NewAccessToken(s.cfg.JWTSecret, s.cfg.JWTExpiry, auth.Claims{
		UserID:         user.ID,
		Email:          user.Email,
		Role:           user.Role,
		OrganizationID: user.OrganizationID,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

type tokenRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeJSON(r, &req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	claims, err := auth.ParsePurposeToken(s.cfg.JWTSecret, req.Token, auth.PurposeEmailVerification)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_verification_token")
		return
	}
	if err := s.store.MarkEmailVerified(r.Context(), claims.UserID); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	s.audit(r, audit.Entry{Action: "email_verified", ResourceType: "user_account", UserID: claims.UserID})
	writeJSON(w, http.StatusOK, map[string]string{"status": "email_verified"})
}

func (s *Server) handleApproveConsent(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeJSON(r, &req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	claims, err := auth.ParsePurposeToken(s.cfg.JWTSecret, req.Token, auth.PurposeParentalConsent)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_consent_token")
		return
	}
	if err := s.store.ApproveConsent(r.Context(), claims.UserID); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	s.audit(r, audit.Entry{
		Action:       "parental_consent_approved",
		ResourceType: "parental_consent",
		UserID:       claims.UserID,
		StudentID:    claims.UserID,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "consent_recorded"})
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

func (s *Server) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))

	// The response never reveals whether the email exists.
	if user, err := s.store.GetUserByEmail(r.Context(), req.Email); err == nil {
		token, err := auth.NewPurposeToken(s.cfg.JWTSecret, auth.PurposePasswordReset, auth.PasswordResetTTL, user.ID, user.Email)
		if err == nil {
			firstName, _ := s.codec.Decrypt(user.FirstNameEnc)
			s.sendMail(func() error { return s.mailer.SendPasswordReset(user.Email, firstName, token) })
		}
		s.audit(r, audit.Entry{Action: "password_reset_requested", ResourceType: "auth", UserID: user.ID})
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset_email_sent_if_account_exists"})
}

type resetPasswordRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := decodeJSON(r, &req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if !validPassword(req.Password) {
		writeError(w, http.StatusBadRequest, "weak_password")
		return
	}
	claims, err := auth.ParsePurposeToken(s.cfg.JWTSecret, req.Token, auth.PurposePasswordReset)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_reset_token")
		return
	}
	passwordHash, err := crypto.HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if err := s.store.UpdatePassword(r.Context(), claims.UserID, passwordHash); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	s.audit(r, audit.Entry{Action: "password_changed", ResourceType: "user_account", UserID: claims.UserID})
	writeJSON(w, http.StatusOK, map[string]string{"status": "password_reset"})
}

// sendMail dispatches in the background; delivery failure never blocks the
// primary response.
func (s *Server) sendMail(send func() error) {
	go func() {
		if err := send(); err != nil {
			s.log.Warn("mail dispatch failed", zap.Error(err))
		}
	}()
}

func (s *Server) setSessionCookie(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     session.CookieName,
		Value:    sessionID,
		Path:     "/",
		MaxAge:   int(s.cfg.SessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   s.cfg.Production(),
		SameSite: http.SameSiteStrictMode,
	})
}

func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     session.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cfg.Production(),
		SameSite: http.SameSiteStrictMode,
	})
}
