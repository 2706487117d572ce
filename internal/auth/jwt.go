package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTConfig defines how bearer tokens are verified.
type JWTConfig struct {
	// Secret is the HS256 shared secret. Required.
	Secret string
	// Issuer, when set, must match the token's iss claim.
	Issuer string
	// Now overrides the clock for expiry checks. Defaults to time.Now.
	Now func() time.Time
}

// JWTVerifier validates HS256 bearer tokens issued by the application's
// auth service. The user id is taken from the sub claim, the display name
// from the custom name claim.
type JWTVerifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

type sessionClaims struct {
	jwt.RegisteredClaims
	DisplayName string `json:"name,omitempty"`
}

// NewJWTVerifier builds a verifier from config.
func NewJWTVerifier(cfg JWTConfig) (*JWTVerifier, error) {
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &JWTVerifier{
		secret: []byte(cfg.Secret),
		issuer: strings.TrimSpace(cfg.Issuer),
		now:    now,
	}, nil
}

// Verify implements Verifier.
func (v *JWTVerifier) Verify(_ context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, &Error{Reason: "missing token"}
	}

	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		options = append(options, jwt.WithIssuer(v.issuer))
	}

	var claims sessionClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, options...)
	if err != nil {
		return Identity{}, &Error{Reason: fmt.Sprintf("invalid token: %v", err)}
	}
	if !parsed.Valid {
		return Identity{}, &Error{Reason: "invalid token"}
	}

	userID := strings.TrimSpace(claims.Subject)
	if userID == "" {
		return Identity{}, &Error{Reason: "token has no subject"}
	}
	displayName := strings.TrimSpace(claims.DisplayName)
	if displayName == "" {
		displayName = userID
	}
	return Identity{UserID: userID, DisplayName: displayName}, nil
}
