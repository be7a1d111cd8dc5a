package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jpranav0802/Neurolearn-22/internal/audit"
	"github.com/jpranav0802/Neurolearn-22/internal/auth"
	"github.com/jpranav0802/Neurolearn-22/internal/config"
	"github.com/jpranav0802/Neurolearn-22/internal/crypto"
	"github.com/jpranav0802/Neurolearn-22/internal/mail"
	"github.com/jpranav0802/Neurolearn-22/internal/model"
	"github.com/jpranav0802/Neurolearn-22/internal/repository"
	"github.com/jpranav0802/Neurolearn-22/internal/session"
)

const (
	testSecret = "test-secret"
	testKey    = "Ab1!Ab1!Ab1!Ab1!Ab1!Ab1!Ab1!Ab1!"
)

func openTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	pool, err := repository.NewPool(context.Background(), url)
	if err != nil {
		t.Fatalf("db connect: %v", err)
	}
	t.Cleanup(pool.Close)

	schema, err := os.ReadFile("../../migrations/001_init.sql")
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}
	if _, err := pool.Exec(context.Background(), string(schema)); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return pool
}

type testEnv struct {
	ts       *httptest.Server
	store    *repository.Store
	codec    *crypto.Codec
	recorder *audit.Recorder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	pool := openTestDB(t)
	store := repository.NewStore(pool)

	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})

	cfg := config.Config{
		Env:            "test",
		JWTSecret:      testSecret,
		JWTExpiry:      time.Hour,
		EncryptionKey:  testKey,
		SessionTTL:     time.Hour,
		AllowedOrigins: []string{"http://localhost:3000"},
		FrontendURL:    "http://localhost:3000",
	}
	codec, err := crypto.NewCodec(cfg.EncryptionKey)
	if err != nil {
		t.Fatalf("codec: %v", err)
	}

	logger := zap.NewNop()
	recorder := audit.NewRecorder(rdb, store, logger)
	recorder.Start()
	t.Cleanup(recorder.Close)

	server := NewServer(cfg, store, codec, session.NewStore(rdb, cfg.SessionTTL),
		recorder, audit.NewReporter(store), mail.NewNoOpSender(logger), rdb, logger)

	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, store: store, codec: codec, recorder: recorder}
}

func (e *testEnv) doReq(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp.StatusCode, decoded
}

// createUser inserts directly through the store so setup does not count
// against the auth-route rate limit.
func (e *testEnv) createUser(t *testing.T, role string, active bool) model.User {
	t.Helper()
	firstEnc, err := e.codec.Encrypt("Test")
	if err != nil {
		t.Fatal(err)
	}
	lastEnc, err := e.codec.Encrypt("User")
	if err != nil {
		t.Fatal(err)
	}
	hash, err := crypto.HashPassword("Str0ng!Pass")
	if err != nil {
		t.Fatal(err)
	}
	user, err := e.store.CreateUser(context.Background(), model.Registration{
		Email:        fmt.Sprintf("%s-%s@example.com", role, uuid.NewString()[:8]),
		PasswordHash: hash,
		Role:         role,
		FirstNameEnc: firstEnc,
		LastNameEnc:  lastEnc,
		IsActive:     active,
	})
	if err != nil {
		t.Fatalf("create %s: %v", role, err)
	}
	return user
}

func mustToken(t *testing.T, user model.User) string {
	t.Helper()
	token, err := auth.NewAccessToken(testSecret, time.Hour, auth.Claims{
		UserID: user.ID,
		Email:  user.Email,
		Role:   user.Role,
	})
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	return token
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	status, body := env.doReq(t, http.MethodGet, "/health", "", nil)
	if status != http.StatusOK {
		t.Fatalf("health status %d", status)
	}
	if body["status"] != "healthy" {
		t.Fatalf("unexpected body: %v", body)
	}
	if _, ok := body["uptime"]; !ok {
		t.Fatalf("missing uptime")
	}
}

func TestRegisterLoginFlow(t *testing.T) {
	env := newTestEnv(t)
	email := fmt.Sprintf("alice-%s@example.com", uuid.NewString()[:8])
	reg := map[string]any{
		"email":     email,
		"password":  "Str0ng!Pass",
		"firstName": "Alice",
		"lastName":  "Smith",
		"role":      "parent",
	}

	status, body := env.doReq(t, http.MethodPost, "/api/auth/register", "", reg)
	if status != http.StatusCreated {
		t.Fatalf("register status %d: %v", status, body)
	}
	user := body["user"].(map[string]any)
	if user["email"] != email || user["firstName"] != "Alice" {
		t.Fatalf("unexpected user: %v", user)
	}

	status, _ = env.doReq(t, http.MethodPost, "/api/auth/register", "", reg)
	if status != http.StatusConflict {
		t.Fatalf("duplicate register status %d", status)
	}

	status, _ = env.doReq(t, http.MethodPost, "/api/auth/login", "", map[string]any{
		"email": email, "password": "wrong-password",
	})
	if status != http.StatusUnauthorized {
		t.Fatalf("bad password status %d", status)
	}

	status, body = env.doReq(t, http.MethodPost, "/api/auth/login", "", map[string]any{
		"email": email, "password": "Str0ng!Pass",
	})
	if status != http.StatusOK {
		t.Fatalf("login status %d: %v", status, body)
	}
	token, _ := body["token"].(string)
	if token == "" {
		t.Fatalf("missing token")
	}

	status, body = env.doReq(t, http.MethodGet, "/api/users/profile", token, nil)
	if status != http.StatusOK {
		t.Fatalf("profile status %d", status)
	}
	if body["user"].(map[string]any)["email"] != email {
		t.Fatalf("profile mismatch: %v", body)
	}
}

func TestLoginUnknownEmail(t *testing.T) {
	env := newTestEnv(t)
	status, _ := env.doReq(t, http.MethodPost, "/api/auth/login", "", map[string]any{
		"email": "nobody@example.com", "password": "Str0ng!Pass",
	})
	if status != http.StatusUnauthorized {
		t.Fatalf("unknown email status %d", status)
	}
}

func TestConsentGating(t *testing.T) {
	env := newTestEnv(t)
	email := fmt.Sprintf("kid-%s@example.com", uuid.NewString()[:8])
	dob := time.Now().AddDate(-9, 0, 0).Format("2006-01-02")

	status, body := env.doReq(t, http.MethodPost, "/api/auth/register", "", map[string]any{
		"email":       email,
		"password":    "Str0ng!Pass",
		"firstName":   "Kid",
		"lastName":    "Jones",
		"role":        "student",
		"dateOfBirth": dob,
	})
	if status != http.StatusBadRequest {
		t.Fatalf("register without consent status %d", status)
	}
	if body["requiresParentalConsent"] != true {
		t.Fatalf("missing consent flag: %v", body)
	}

	status, body = env.doReq(t, http.MethodPost, "/api/auth/register", "", map[string]any{
		"email":           email,
		"password":        "Str0ng!Pass",
		"firstName":       "Kid",
		"lastName":        "Jones",
		"role":            "student",
		"dateOfBirth":     dob,
		"parentalConsent": true,
		"parentEmail":     "parent@example.com",
	})
	if status != http.StatusCreated {
		t.Fatalf("register with consent status %d: %v", status, body)
	}
	user := body["user"].(map[string]any)
	if user["isActive"] != false || user["requiresParentalConsent"] != true {
		t.Fatalf("under-13 student must start inactive: %v", user)
	}
	userID := user["id"].(string)

	status, _ = env.doReq(t, http.MethodPost, "/api/auth/login", "", map[string]any{
		"email": email, "password": "Str0ng!Pass",
	})
	if status != http.StatusForbidden {
		t.Fatalf("inactive login status %d", status)
	}

	consentToken, err := auth.NewPurposeToken(testSecret, auth.PurposeParentalConsent, auth.ParentalConsentTTL, userID, email)
	if err != nil {
		t.Fatal(err)
	}
	status, _ = env.doReq(t, http.MethodPost, "/api/auth/approve-consent", "", map[string]any{"token": consentToken})
	if status != http.StatusOK {
		t.Fatalf("approve consent status %d", status)
	}

	status, body = env.doReq(t, http.MethodPost, "/api/auth/login", "", map[string]any{
		"email": email, "password": "Str0ng!Pass",
	})
	if status != http.StatusOK {
		t.Fatalf("login after consent status %d: %v", status, body)
	}
}

func TestVerifyEmail(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, model.RoleParent, true)

	status, _ := env.doReq(t, http.MethodPost, "/api/auth/verify-email", "", map[string]any{"token": "garbage"})
	if status != http.StatusBadRequest {
		t.Fatalf("garbage token status %d", status)
	}

	// An access token must not pass as a verification token.
	status, _ = env.doReq(t, http.MethodPost, "/api/auth/verify-email", "", map[string]any{"token": mustToken(t, user)})
	if status != http.StatusBadRequest {
		t.Fatalf("access token accepted as verification token: %d", status)
	}

	verifyToken, err := auth.NewPurposeToken(testSecret, auth.PurposeEmailVerification, auth.EmailVerificationTTL, user.ID, user.Email)
	if err != nil {
		t.Fatal(err)
	}
	status, _ = env.doReq(t, http.MethodPost, "/api/auth/verify-email", "", map[string]any{"token": verifyToken})
	if status != http.StatusOK {
		t.Fatalf("verify status %d", status)
	}

	updated, err := env.store.GetUserByID(context.Background(), user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !updated.EmailVerified {
		t.Fatalf("email not marked verified")
	}
}

func TestStudentAccessMatrix(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	parent := env.createUser(t, model.RoleParent, true)
	teacher := env.createUser(t, model.RoleTeacher, true)
	admin := env.createUser(t, model.RoleAdmin, true)
	s1 := env.createUser(t, model.RoleStudent, true)
	s2 := env.createUser(t, model.RoleStudent, true)

	if err := env.store.LinkParentStudent(ctx, parent.ID, s1.ID); err != nil {
		t.Fatal(err)
	}
	if err := env.store.LinkStaffStudent(ctx, teacher.ID, s1.ID, "teacher"); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name    string
		token   string
		student string
		want    int
	}{
		{"parent linked", mustToken(t, parent), s1.ID, http.StatusOK},
		{"parent not linked", mustToken(t, parent), s2.ID, http.StatusForbidden},
		{"student own record", mustToken(t, s1), s1.ID, http.StatusOK},
		{"student other record", mustToken(t, s1), s2.ID, http.StatusForbidden},
		{"teacher assigned", mustToken(t, teacher), s1.ID, http.StatusOK},
		{"teacher not assigned", mustToken(t, teacher), s2.ID, http.StatusForbidden},
		{"admin any record", mustToken(t, admin), s2.ID, http.StatusOK},
	}
	for _, tc := range cases {
		status, body := env.doReq(t, http.MethodGet, "/api/users/students/"+tc.student, tc.token, nil)
		if status != tc.want {
			t.Fatalf("%s: status %d want %d (%v)", tc.name, status, tc.want, body)
		}
	}
}

func TestTeacherLoginWithoutEnrolledMFA(t *testing.T) {
	env := newTestEnv(t)
	teacher := env.createUser(t, model.RoleTeacher, true)

	status, body := env.doReq(t, http.MethodPost, "/api/auth/login", "", map[string]any{
		"email": teacher.Email, "password": "Str0ng!Pass",
	})
	if status != http.StatusOK {
		t.Fatalf("login status %d: %v", status, body)
	}
	if body["requiresMFA"] == true {
		t.Fatalf("MFA demanded before enrollment")
	}
	if body["token"] == nil {
		t.Fatalf("missing token")
	}
}

func TestAuditRoutesAdminOnly(t *testing.T) {
	env := newTestEnv(t)
	student := env.createUser(t, model.RoleStudent, true)
	admin := env.createUser(t, model.RoleAdmin, true)

	status, _ := env.doReq(t, http.MethodGet, "/api/audit/logs", mustToken(t, student), nil)
	if status != http.StatusForbidden {
		t.Fatalf("student reading audit logs: status %d", status)
	}

	status, body := env.doReq(t, http.MethodGet, "/api/audit/logs", mustToken(t, admin), nil)
	if status != http.StatusOK {
		t.Fatalf("admin audit logs status %d: %v", status, body)
	}

	status, body = env.doReq(t, http.MethodGet, "/api/audit/reports/ferpa", mustToken(t, admin), nil)
	if status != http.StatusOK {
		t.Fatalf("ferpa report status %d: %v", status, body)
	}
	if body["regime"] != "ferpa" {
		t.Fatalf("unexpected report: %v", body)
	}

	status, _ = env.doReq(t, http.MethodGet, "/api/audit/reports/hipaa", mustToken(t, admin), nil)
	if status != http.StatusBadRequest {
		t.Fatalf("unknown regime status %d", status)
	}
}

// TestAuditTrail drives real HTTP flows and then checks that each one
// left a fully enriched entry in the audit log.
func TestAuditTrail(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	email := fmt.Sprintf("trail-%s@example.com", uuid.NewString()[:8])
	status, body := env.doReq(t, http.MethodPost, "/api/auth/register", "", map[string]any{
		"email":     email,
		"password":  "Str0ng!Pass",
		"firstName": "Trail",
		"lastName":  "User",
		"role":      "parent",
	})
	if status != http.StatusCreated {
		t.Fatalf("register status %d: %v", status, body)
	}
	userID := body["user"].(map[string]any)["id"].(string)

	status, _ = env.doReq(t, http.MethodPost, "/api/auth/login", "", map[string]any{
		"email": email, "password": "wrong-password",
	})
	if status != http.StatusUnauthorized {
		t.Fatalf("bad password status %d", status)
	}
	status, _ = env.doReq(t, http.MethodPost, "/api/auth/login", "", map[string]any{
		"email": email, "password": "Str0ng!Pass",
	})
	if status != http.StatusOK {
		t.Fatalf("login status %d", status)
	}

	admin := env.createUser(t, model.RoleAdmin, true)
	student := env.createUser(t, model.RoleStudent, true)
	status, _ = env.doReq(t, http.MethodGet, "/api/users/students/"+student.ID, mustToken(t, admin), nil)
	if status != http.StatusOK {
		t.Fatalf("student access status %d", status)
	}

	// Close drains whatever is still queued in the outbox into the store.
	env.recorder.Close()

	entries, err := env.store.QueryAuditEntries(ctx, audit.Query{UserID: userID})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	byAction := make(map[string]audit.Entry, len(entries))
	for _, entry := range entries {
		byAction[entry.Action] = entry
	}
	for _, action := range []string{"user_registered", "login_attempt_invalid_password", "user_login_success"} {
		entry, ok := byAction[action]
		if !ok {
			t.Fatalf("missing %s entry, have %v", action, actionsOf(entries))
		}
		if entry.Timestamp.IsZero() {
			t.Fatalf("%s: zero timestamp", action)
		}
		if entry.Classification != audit.ClassConfidential {
			t.Fatalf("%s: classification %q", action, entry.Classification)
		}
		if entry.RetentionPeriodDays != audit.RetentionAccount {
			t.Fatalf("%s: retention %d", action, entry.RetentionPeriodDays)
		}
		if !entry.ComplianceRelevant {
			t.Fatalf("%s: not marked compliance relevant", action)
		}
	}

	entries, err = env.store.QueryAuditEntries(ctx, audit.Query{StudentID: student.ID})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	byAction = make(map[string]audit.Entry, len(entries))
	for _, entry := range entries {
		byAction[entry.Action] = entry
	}
	for _, action := range []string{"student_data_access_granted", "student_data_accessed"} {
		entry, ok := byAction[action]
		if !ok {
			t.Fatalf("missing %s entry, have %v", action, actionsOf(entries))
		}
		if entry.Timestamp.IsZero() {
			t.Fatalf("%s: zero timestamp", action)
		}
		if entry.Classification != audit.ClassRestricted {
			t.Fatalf("%s: classification %q", action, entry.Classification)
		}
		if entry.RetentionPeriodDays != audit.RetentionEducational {
			t.Fatalf("%s: retention %d", action, entry.RetentionPeriodDays)
		}
		if entry.UserID != admin.ID || entry.StudentID != student.ID {
			t.Fatalf("%s: actor/subject mismatch: %+v", action, entry)
		}
	}
}

func actionsOf(entries []audit.Entry) []string {
	actions := make([]string, 0, len(entries))
	for _, entry := range entries {
		actions = append(actions, entry.Action)
	}
	return actions
}

func TestMissingAndInvalidToken(t *testing.T) {
	env := newTestEnv(t)

	status, _ := env.doReq(t, http.MethodGet, "/api/users/profile", "", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("missing token status %d", status)
	}
	status, _ = env.doReq(t, http.MethodGet, "/api/users/profile", "not-a-jwt", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("invalid token status %d", status)
	}
}
