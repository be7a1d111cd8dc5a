package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const Issuer = "neurolearn-auth"

// Token purposes. Access tokens carry no purpose; single-use flow tokens
// are scoped so a verification token can never be used as a bearer token.
const (
	PurposeEmailVerification = "email_verification"
	PurposeParentalConsent   = "parental_consent"
	PurposePasswordReset     = "password_reset"
)

const (
	EmailVerificationTTL = 24 * time.Hour
	ParentalConsentTTL   = 7 * 24 * time.Hour
	PasswordResetTTL     = time.Hour
)

var ErrWrongPurpose = errors.New("token purpose mismatch")

type Claims struct {
	UserID         string   `json:"userId"`
	Email          string   `json:"email"`
	Role           string   `json:"role"`
	OrganizationID *string  `json:"organizationId,omitempty"`
	Permissions    []string `json:"permissions,omitempty"`
	Purpose        string   `json:"purpose,omitempty"`
	jwt.RegisteredClaims
}

func NewAccessToken(secret string, ttl time.Duration, claims Claims) (string, error) {
	now := time.Now().UTC()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Subject:   claims.UserID,
		Issuer:    Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// NewPurposeToken issues a single-purpose flow token (verification, consent,
// password reset) bound to the user.
func NewPurposeToken(secret, purpose string, ttl time.Duration, userID, email string) (string, error) {
	claims := Claims{UserID: userID, Email: email, Purpose: purpose}
	return NewAccessToken(secret, ttl, claims)
}

func ParseToken(secret, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// ParsePurposeToken parses and additionally requires the expected purpose.
func ParsePurposeToken(secret, tokenString, purpose string) (*Claims, error) {
	claims, err := ParseToken(secret, tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Purpose != purpose {
		return nil, ErrWrongPurpose
	}
	return claims, nil
}
