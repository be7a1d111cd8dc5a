package mfa

import (
	"encoding/base32"
	"strings"
	"testing"
	"time"
)

func testSecret(t *testing.T) string {
	t.Helper()
	enrollment, err := GenerateSecret("teacher@example.com")
	if err != nil {
		t.Fatalf("generate secret: %v", err)
	}
	return enrollment.Secret
}

func codeAt(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(secret)
	if err != nil {
		t.Fatalf("decode secret: %v", err)
	}
	return hotpCode(key, uint64(at.Unix()/stepSecs))
}

func TestGenerateSecret(t *testing.T) {
	enrollment, err := GenerateSecret("teacher@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if enrollment.Secret == "" {
		t.Fatalf("empty secret")
	}
	if !strings.HasPrefix(enrollment.ProvisionURI, "otpauth://totp/NeuroLearn:teacher@example.com?") {
		t.Fatalf("unexpected provisioning uri: %s", enrollment.ProvisionURI)
	}
	if !strings.Contains(enrollment.ProvisionURI, "secret="+enrollment.Secret) {
		t.Fatalf("uri missing secret")
	}
	if strings.ReplaceAll(enrollment.ManualEntryKey, " ", "") != enrollment.Secret {
		t.Fatalf("manual entry key must regroup the secret")
	}
}

func TestVerifyWindow(t *testing.T) {
	secret := testSecret(t)
	now := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	code := codeAt(t, secret, now)

	for _, drift := range []time.Duration{-30 * time.Second, 0, 30 * time.Second} {
		if !verifyAt(secret, code, now.Add(drift)) {
			t.Fatalf("code should be accepted with drift %v", drift)
		}
	}
	for _, drift := range []time.Duration{-90 * time.Second, 90 * time.Second} {
		if verifyAt(secret, code, now.Add(drift)) {
			t.Fatalf("code should be rejected with drift %v", drift)
		}
	}
}

func TestVerifyRejectsBadInput(t *testing.T) {
	secret := testSecret(t)
	if verifyAt(secret, "", time.Now()) {
		t.Fatalf("empty code accepted")
	}
	if verifyAt("", "123456", time.Now()) {
		t.Fatalf("empty secret accepted")
	}
	if verifyAt(secret, "12345", time.Now()) {
		t.Fatalf("short code accepted")
	}
	if verifyAt("!!!not base32!!!", "123456", time.Now()) {
		t.Fatalf("malformed secret accepted")
	}
}

func TestRequired(t *testing.T) {
	required := map[string]bool{
		"student":   false,
		"parent":    false,
		"teacher":   true,
		"therapist": true,
		"admin":     true,
	}
	for role, want := range required {
		if got := Required(role); got != want {
			t.Fatalf("Required(%s) = %v, want %v", role, got, want)
		}
	}
}

func TestBackupCodeSingleUse(t *testing.T) {
	codes, hashes, err := GenerateBackupCodes()
	if err != nil {
		t.Fatal(err)
	}
	if len(codes) != 10 || len(hashes) != 10 {
		t.Fatalf("expected 10 codes and hashes, got %d/%d", len(codes), len(hashes))
	}
	for _, code := range codes {
		if len(code) != 8 || code != strings.ToUpper(code) {
			t.Fatalf("unexpected code format: %q", code)
		}
	}

	ok, remaining := ConsumeBackupCode(hashes, codes[3])
	if !ok {
		t.Fatalf("valid code rejected")
	}
	if len(remaining) != 9 {
		t.Fatalf("expected 9 remaining, got %d", len(remaining))
	}
	if ok, _ := ConsumeBackupCode(remaining, codes[3]); ok {
		t.Fatalf("consumed code accepted twice")
	}
	if ok, _ := ConsumeBackupCode(remaining, "ZZZZZZZZ"); ok {
		t.Fatalf("unknown code accepted")
	}
}

func TestCurrentCodeMatchesVerify(t *testing.T) {
	secret := testSecret(t)
	code, err := CurrentCode(secret)
	if err != nil {
		t.Fatal(err)
	}
	if !Verify(secret, code) {
		t.Fatalf("current code should verify")
	}
}
