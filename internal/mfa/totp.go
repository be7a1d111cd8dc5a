package mfa

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jpranav0802/Neurolearn-22/internal/model"
)

const (
	issuer     = "NeuroLearn"
	digits     = 6
	stepSecs   = 30
	skewWindow = 1
	secretLen  = 20
)

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

var ErrInvalidSecret = errors.New("invalid totp secret")

// Enrollment is what a user needs to set up an authenticator app.
type Enrollment struct {
	Secret         string
	ProvisionURI   string
	ManualEntryKey string
}

// GenerateSecret creates a fresh shared secret labelled with the account
// identifier, typically the user's email.
func GenerateSecret(identifier string) (Enrollment, error) {
	raw := make([]byte, secretLen)
	if _, err := rand.Read(raw); err != nil {
		return Enrollment{}, err
	}
	secret := b32.EncodeToString(raw)
	return Enrollment{
		Secret:         secret,
		ProvisionURI:   provisionURI(identifier, secret),
		ManualEntryKey: groupKey(secret),
	}, nil
}

// Verify checks a 6-digit code against the secret, accepting one time step
// of clock drift in either direction.
func Verify(secret, code string) bool {
	return verifyAt(secret, code, time.Now())
}

func verifyAt(secret, code string, at time.Time) bool {
	code = strings.TrimSpace(code)
	if secret == "" || len(code) != digits {
		return false
	}
	key, err := b32.DecodeString(strings.ToUpper(secret))
	if err != nil {
		return false
	}
	counter := uint64(at.Unix() / stepSecs)
	for offset := -skewWindow; offset <= skewWindow; offset++ {
		expected := hotpCode(key, counter+uint64(int64(offset)))
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 {
			return true
		}
	}
	return false
}

// CurrentCode returns the code valid right now. Exposed for non-production
// test flows only; the HTTP layer gates it on the environment.
func CurrentCode(secret string) (string, error) {
	key, err := b32.DecodeString(strings.ToUpper(secret))
	if err != nil {
		return "", ErrInvalidSecret
	}
	return hotpCode(key, uint64(time.Now().Unix()/stepSecs)), nil
}

// Required reports whether the role must enroll in MFA.
func Required(role string) bool {
	switch role {
	case model.RoleTeacher, model.RoleTherapist, model.RoleAdmin:
		return true
	default:
		return false
	}
}

// hotpCode implements RFC 4226 dynamic truncation over HMAC-SHA1.
func hotpCode(key []byte, counter uint64) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)
	mac := hmac.New(sha1.New, key)
	mac.Write(msg[:])
	sum := mac.Sum(nil)
	offset := sum[len(sum)-1] & 0x0f
	value := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff
	return fmt.Sprintf("%0*d", digits, value%1000000)
}

func provisionURI(identifier, secret string) string {
	label := url.PathEscape(issuer + ":" + identifier)
	values := url.Values{}
	values.Set("secret", secret)
	values.Set("issuer", issuer)
	values.Set("algorithm", "SHA1")
	values.Set("digits", fmt.Sprint(digits))
	values.Set("period", fmt.Sprint(stepSecs))
	return "otpauth://totp/" + label + "?" + values.Encode()
}

func groupKey(secret string) string {
	var b strings.Builder
	for i, r := range secret {
		if i > 0 && i%4 == 0 {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}
	return b.String()
}
