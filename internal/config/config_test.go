package config

import (
	"testing"
	"time"
)

func TestLoadRequiresSecrets(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("ENCRYPTION_KEY", "")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error without JWT_SECRET")
	}

	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("ENCRYPTION_KEY", "too-short")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for short encryption key")
	}

	t.Setenv("ENCRYPTION_KEY", "Ab1!Ab1!Ab1!Ab1!Ab1!Ab1!Ab1!Ab1!")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SessionSecret != "secret" {
		t.Fatalf("session secret should fall back to the jwt secret")
	}
	if cfg.JWTExpiry != 7*24*time.Hour {
		t.Fatalf("unexpected default expiry: %v", cfg.JWTExpiry)
	}
}

func TestLoadParsesOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("ENCRYPTION_KEY", "Ab1!Ab1!Ab1!Ab1!Ab1!Ab1!Ab1!Ab1!")
	t.Setenv("JWT_EXPIRY", "12h")
	t.Setenv("ALLOWED_ORIGINS", "https://app.example.com, https://admin.example.com")
	t.Setenv("SMTP_PORT", "465")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.JWTExpiry != 12*time.Hour {
		t.Fatalf("expiry = %v", cfg.JWTExpiry)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://admin.example.com" {
		t.Fatalf("origins = %v", cfg.AllowedOrigins)
	}
	if cfg.SMTPPort != 465 {
		t.Fatalf("smtp port = %d", cfg.SMTPPort)
	}
}

func TestKeyComplexity(t *testing.T) {
	if !KeyComplexityOK("Ab1!Ab1!Ab1!Ab1!Ab1!Ab1!Ab1!Ab1!") {
		t.Fatalf("mixed key should pass")
	}
	for _, key := range []string{
		"abcdefghabcdefghabcdefghabcdefgh",
		"ABCDEFGHABCDEFGHABCDEFGHABCDEFGH",
		"Abcdefg1Abcdefg1Abcdefg1Abcdefg1",
	} {
		if KeyComplexityOK(key) {
			t.Fatalf("key %q should fail the complexity check", key)
		}
	}
}
