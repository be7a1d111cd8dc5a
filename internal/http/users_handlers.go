package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jpranav0802/Neurolearn-22/internal/audit"
	"github.com/jpranav0802/Neurolearn-22/internal/crypto"
	"github.com/jpranav0802/Neurolearn-22/internal/mfa"
	"github.com/jpranav0802/Neurolearn-22/internal/model"
	"github.com/jpranav0802/Neurolearn-22/internal/repository"
	"github.com/jpranav0802/Neurolearn-22/internal/session"
)

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	user, err := s.store.GetUserByID(r.Context(), claims.UserID)
	if err != nil {
		if isNoRows(err) {
			writeError(w, http.StatusNotFound, "user_not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	s.audit(r, audit.Entry{Action: "user_profile_accessed", ResourceType: "user_account", UserID: claims.UserID})
	writeJSON(w, http.StatusOK, map[string]any{"user": s.userSummary(user)})
}

type updateProfileRequest struct {
	Email           *string `json:"email,omitempty"`
	FirstName       *string `json:"firstName,omitempty"`
	LastName        *string `json:"lastName,omitempty"`
	DateOfBirth     *string `json:"dateOfBirth,omitempty"`
	CurrentPassword string  `json:"currentPassword,omitempty"`
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	var req updateProfileRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	user, err := s.store.GetUserByID(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, http.StatusNotFound, "user_not_found")
		return
	}

	var touched []string

	if req.Email != nil {
		email := strings.TrimSpace(strings.ToLower(*req.Email))
		if !emailRegex.MatchString(email) {
			writeError(w, http.StatusBadRequest, "invalid_email")
			return
		}
		if email != user.Email {
			// Changing the login identity requires fresh proof of the
			// current password, and the new address must be re-verified.
			if crypto.CheckPassword(user.PasswordHash, req.CurrentPassword) != nil {
				s.audit(r, audit.Entry{Action: "profile_update_attempt_invalid_password", ResourceType: "user_account", UserID: user.ID})
				writeError(w, http.StatusUnauthorized, "invalid_credentials")
				return
			}
			user.Email = email
			user.EmailVerified = false
			touched = append(touched, "email")
		}
	}
	if req.FirstName != nil && strings.TrimSpace(*req.FirstName) != "" {
		enc, err := s.codec.Encrypt(strings.TrimSpace(*req.FirstName))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "server_error")
			return
		}
		user.FirstNameEnc = enc
		touched = append(touched, "firstName")
	}
	if req.LastName != nil && strings.TrimSpace(*req.LastName) != "" {
		enc, err := s.codec.Encrypt(strings.TrimSpace(*req.LastName))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "server_error")
			return
		}
		user.LastNameEnc = enc
		touched = append(touched, "lastName")
	}
	if req.DateOfBirth != nil {
		if _, err := time.Parse("2006-01-02", *req.DateOfBirth); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date_of_birth")
			return
		}
		enc, err := s.codec.Encrypt(*req.DateOfBirth)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "server_error")
			return
		}
		user.DateOfBirthEnc = &enc
		touched = append(touched, "dateOfBirth")
	}

	if len(touched) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{"user": s.userSummary(user)})
		return
	}

	if err := s.store.UpdateProfile(r.Context(), user); err != nil {
		if errors.Is(err, repository.ErrDuplicateUser) {
			writeError(w, http.StatusConflict, "email_already_registered")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	// Field names only, never the values.
	s.audit(r, audit.Entry{
		Action:       "user_profile_updated",
		ResourceType: "user_account",
		UserID:       user.ID,
		Details:      map[string]any{"fields": touched},
	})
	writeJSON(w, http.StatusOK, map[string]any{"user": s.userSummary(user)})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	var req changePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if !validPassword(req.NewPassword) {
		writeError(w, http.StatusBadRequest, "weak_password")
		return
	}

	user, err := s.store.GetUserByID(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, http.StatusNotFound, "user_not_found")
		return
	}
	if crypto.CheckPassword(user.PasswordHash, req.CurrentPassword) != nil {
		s.audit(r, audit.Entry{Action: "password_change_attempt_invalid", ResourceType: "user_account", UserID: user.ID})
		writeError(w, http.StatusUnauthorized, "invalid_credentials")
		return
	}

	passwordHash, err := crypto.HashPassword(req.NewPassword)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if err := s.store.UpdatePassword(r.Context(), user.ID, passwordHash); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	s.audit(r, audit.Entry{Action: "password_changed", ResourceType: "user_account", UserID: user.ID})
	writeJSON(w, http.StatusOK, map[string]string{"status": "password_changed"})
}

// MFA enrollment is a two-step flow: setup parks the generated secret in
// Redis, verify proves possession of the authenticator before anything is
// persisted on the account.

type pendingMFA struct {
	Secret           string   `json:"secret"`
	BackupCodeHashes []string `json:"backupCodeHashes"`
}

func (s *Server) handleMFASetup(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	enrollment, err := mfa.GenerateSecret(claims.Email)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	codes, hashes, err := mfa.GenerateBackupCodes()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	payload, err := json.Marshal(pendingMFA{Secret: enrollment.Secret, BackupCodeHashes: hashes})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if err := s.rdb.Set(r.Context(), pendingMFAKey(claims.UserID), payload, 15*time.Minute).Err(); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	response := map[string]any{
		"secret":         enrollment.Secret,
		"qrCodeUri":      enrollment.ProvisionURI,
		"manualEntryKey": enrollment.ManualEntryKey,
		"backupCodes":    codes,
	}
	if !s.cfg.Production() {
		if code, err := mfa.CurrentCode(enrollment.Secret); err == nil {
			response["currentToken"] = code
		}
	}
	writeJSON(w, http.StatusOK, response)
}

type mfaVerifyRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleMFAVerify(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	var req mfaVerifyRequest
	if err := decodeJSON(r, &req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	raw, err := s.rdb.Get(r.Context(), pendingMFAKey(claims.UserID)).Bytes()
	if errors.Is(err, redis.Nil) {
		writeError(w, http.StatusBadRequest, "no_pending_enrollment")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	var pending pendingMFA
	if err := json.Unmarshal(raw, &pending); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	if !mfa.Verify(pending.Secret, req.Token) {
		writeError(w, http.StatusUnauthorized, "invalid_mfa_token")
		return
	}

	if err := s.store.SetMFA(r.Context(), claims.UserID, pending.Secret, pending.BackupCodeHashes); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	s.rdb.Del(r.Context(), pendingMFAKey(claims.UserID))

	s.audit(r, audit.Entry{Action: "mfa_enrolled", ResourceType: "user_account", UserID: claims.UserID})
	writeJSON(w, http.StatusOK, map[string]string{"status": "mfa_enabled"})
}

func pendingMFAKey(userID string) string {
	return "mfa:pending:" + userID
}

func (s *Server) handleGetStudent(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	studentID := chi.URLParam(r, "studentID")

	user, err := s.store.GetUserByID(r.Context(), studentID)
	if err != nil || user.Role != model.RoleStudent {
		writeError(w, http.StatusNotFound, "student_not_found")
		return
	}

	response := map[string]any{"student": s.userSummary(user)}
	if profile, err := s.store.GetStudentProfile(r.Context(), studentID); err == nil {
		response["profile"] = studentProfileResponse(profile)
	}

	s.audit(r, audit.Entry{
		Action:       "student_data_accessed",
		ResourceType: "student_record",
		ResourceID:   studentID,
		UserID:       claims.UserID,
		StudentID:    studentID,
	})
	writeJSON(w, http.StatusOK, response)
}

type studentProfilePayload struct {
	DifficultyLevel    string                    `json:"difficultyLevel"`
	AttentionSpan      string                    `json:"attentionSpan"`
	CommunicationLevel string                    `json:"communicationLevel"`
	SupportNeeds       []string                  `json:"supportNeeds"`
	Sensory            *model.SensoryPreferences `json:"sensoryPreferences,omitempty"`
}

func studentProfileResponse(profile model.StudentProfile) studentProfilePayload {
	sensory := profile.Sensory
	return studentProfilePayload{
		DifficultyLevel:    profile.DifficultyLevel,
		AttentionSpan:      profile.AttentionSpan,
		CommunicationLevel: profile.CommunicationLevel,
		SupportNeeds:       profile.SupportNeeds,
		Sensory:            &sensory,
	}
}

func (s *Server) handleGetStudentProfile(w http.ResponseWriter, r *http.Request) {
	studentID := chi.URLParam(r, "studentID")
	profile, err := s.store.GetStudentProfile(r.Context(), studentID)
	if err != nil {
		if isNoRows(err) {
			writeError(w, http.StatusNotFound, "profile_not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"profile": studentProfileResponse(profile)})
}

func (s *Server) handlePutStudentProfile(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	studentID := chi.URLParam(r, "studentID")

	var req studentProfilePayload
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	profile := model.StudentProfile{
		UserID:             studentID,
		DifficultyLevel:    req.DifficultyLevel,
		AttentionSpan:      req.AttentionSpan,
		CommunicationLevel: req.CommunicationLevel,
		SupportNeeds:       req.SupportNeeds,
	}
	if req.Sensory != nil {
		profile.Sensory = *req.Sensory
	}
	if profile.SupportNeeds == nil {
		profile.SupportNeeds = []string{}
	}

	if err := s.store.UpsertStudentProfile(r.Context(), profile); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	s.audit(r, audit.Entry{
		Action:       "student_profile_updated",
		ResourceType: "student_profile",
		ResourceID:   studentID,
		UserID:       claims.UserID,
		StudentID:    studentID,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "profile_updated"})
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	if _, err := s.store.GetUserByID(r.Context(), claims.UserID); err != nil {
		writeError(w, http.StatusNotFound, "user_not_found")
		return
	}

	// Deletion is deferred, not immediate: data is retained for up to 30
	// days to satisfy compliance holds, then purged.
	if err := s.store.RequestDeletion(r.Context(), claims.UserID, 30*24*time.Hour); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	if cookie, err := r.Cookie(session.CookieName); err == nil && cookie.Value != "" {
		if err := s.sessions.Destroy(r.Context(), cookie.Value); err != nil {
			s.log.Warn("session destroy failed", zap.Error(err))
		}
	}
	s.clearSessionCookie(w)

	s.audit(r, audit.Entry{Action: "account_deletion_requested", ResourceType: "user_account", UserID: claims.UserID})
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "deletion_scheduled",
		"retentionDays":  30,
		"effectiveAfter": time.Now().UTC().Add(30 * 24 * time.Hour).Format(time.RFC3339),
	})
}
