package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Sync-Timestamp"
	HeaderEventID   = "X-Event-Id"

	tokenIssuer = "go-sync-hub"
)

var (
	ErrMissingSignature = errors.New("missing signature headers")
	ErrStaleSignature   = errors.New("signature timestamp outside replay window")
	ErrBadSignature     = errors.New("signature mismatch")
)

// Sign returns the hex HMAC-SHA256 of timestamp + "\n" + body.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a pushed request signed with Sign. Timestamps
// further than maxSkew from now are rejected.
func VerifySignature(secret, timestamp, signature string, body []byte, now time.Time, maxSkew time.Duration) error {
	if timestamp == "" || signature == "" {
		return ErrMissingSignature
	}
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return fmt.Errorf("invalid signature timestamp: %w", err)
	}
	delta := now.Sub(ts)
	if delta < 0 {
		delta = -delta
	}
	if delta > maxSkew {
		return ErrStaleSignature
	}
	expected := Sign(secret, timestamp, body)
	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected)) {
		return ErrBadSignature
	}
	return nil
}

// IssueToken mints the short-lived bearer token sent to a system.
func IssueToken(secret, systemID string, now time.Time, ttl time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Audience:  jwt.ClaimStrings{systemID},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	return token.SignedString([]byte(secret))
}

// VerifyToken validates a bearer token presented by systemID.
func VerifyToken(secret, systemID, tokenString string) error {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(systemID),
	)
	if err != nil {
		return err
	}
	if !token.Valid {
		return ErrBadSignature
	}
	return nil
}
