// ABOUTME: HS256 tokens for end-user verification tickets and chat unlock grants
// ABOUTME: Issues and verifies the claim sets handed to public chat clients

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrWrongScope   = errors.New("token scope not allowed")
)

// ScopeEndUser marks unlock tokens issued to verified end users.
const ScopeEndUser = "end_user"

// Default lifetimes.
const (
	VerificationTTL = 15 * time.Minute
	UnlockTTL       = 48 * time.Hour
)

// EndUser is the identity carried by an unlock token.
type EndUser struct {
	CustomerID string
	TenantID   string
}

type verificationClaims struct {
	VerificationID string `json:"verification_id"`
	jwt.RegisteredClaims
}

type unlockClaims struct {
	CustomerID string `json:"customer_id"`
	TenantID   string `json:"tenant_id"`
	Scope      string `json:"scope"`
	jwt.RegisteredClaims
}

// Signer issues and verifies HS256 tokens with a shared secret.
type Signer struct {
	secret []byte
	now    func() time.Time
}

// NewSigner creates a signer with the given secret.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret, now: time.Now}
}

// WithClock returns a copy of the signer that uses now for issuing and
// validating expiry.
func (s *Signer) WithClock(now func() time.Time) *Signer {
	return &Signer{secret: s.secret, now: now}
}

// IssueVerification creates a ticket referencing a pending verification.
func (s *Signer) IssueVerification(verificationID string, ttl time.Duration) (string, error) {
	return s.sign(verificationClaims{
		VerificationID:   verificationID,
		RegisteredClaims: s.registered(ttl),
	})
}

// VerifyVerification validates a ticket and returns its verification id.
func (s *Signer) VerifyVerification(tokenString string) (string, error) {
	var claims verificationClaims
	if err := s.parse(tokenString, &claims); err != nil {
		return "", err
	}
	if claims.VerificationID == "" {
		return "", fmt.Errorf("%w: verification_id", ErrMissingClaim)
	}
	return claims.VerificationID, nil
}

// IssueUnlock creates an end-user unlock token.
func (s *Signer) IssueUnlock(u EndUser, ttl time.Duration) (string, error) {
	return s.sign(unlockClaims{
		CustomerID:       u.CustomerID,
		TenantID:         u.TenantID,
		Scope:            ScopeEndUser,
		RegisteredClaims: s.registered(ttl),
	})
}

// VerifyUnlock validates an unlock token and returns the end user it names.
func (s *Signer) VerifyUnlock(tokenString string) (*EndUser, error) {
	var claims unlockClaims
	if err := s.parse(tokenString, &claims); err != nil {
		return nil, err
	}
	if claims.Scope != ScopeEndUser {
		return nil, ErrWrongScope
	}
	if claims.CustomerID == "" {
		return nil, fmt.Errorf("%w: customer_id", ErrMissingClaim)
	}
	if claims.TenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id", ErrMissingClaim)
	}
	return &EndUser{CustomerID: claims.CustomerID, TenantID: claims.TenantID}, nil
}

func (s *Signer) registered(ttl time.Duration) jwt.RegisteredClaims {
	now := s.now()
	return jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
}

func (s *Signer) sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

func (s *Signer) parse(tokenString string, claims jwt.Claims) error {
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	},
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrExpiredToken
		}
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return ErrInvalidToken
	}
	return nil
}
