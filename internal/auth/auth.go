// Package auth resolves bearer credentials into user identities for the
// collaboration server. Token issuance lives in the surrounding
// application; this package only verifies.
package auth

import "context"

// Identity describes an authenticated user.
type Identity struct {
	UserID      string
	DisplayName string
}

// Verifier validates a bearer credential. Implementations must be safe for
// concurrent use.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// Error reports a rejected credential. The server does not retry on auth
// failures; the client must refresh its credential before reconnecting.
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return "auth: " + e.Reason
}

// StaticVerifier maps fixed tokens to identities. It backs tests and local
// development setups that have no token issuer.
type StaticVerifier struct {
	tokens map[string]Identity
}

// NewStaticVerifier copies the given token table into a verifier.
func NewStaticVerifier(tokens map[string]Identity) *StaticVerifier {
	copied := make(map[string]Identity, len(tokens))
	for token, identity := range tokens {
		copied[token] = identity
	}
	return &StaticVerifier{tokens: copied}
}

// Verify implements Verifier.
func (v *StaticVerifier) Verify(_ context.Context, token string) (Identity, error) {
	identity, ok := v.tokens[token]
	if !ok {
		return Identity{}, &Error{Reason: "unknown token"}
	}
	return identity, nil
}
