// Package auth verifies the bearer tokens issued by the identity provider.
// Tokens are HS256-signed JWTs carrying the subject and an "authenticated"
// audience claim; this package only verifies, it never issues.
package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/opendx-health/opendx/internal/errors"
)

const expectedAudience = "authenticated"

var (
	// ErrTokenInvalid covers malformed, unsigned or wrongly signed tokens.
	ErrTokenInvalid = errors.NewSentinel("invalid token")
	// ErrTokenExpired flags a structurally valid token past its expiry.
	ErrTokenExpired = errors.NewSentinel("token expired")
	// ErrNoToken is returned when the request carries no bearer token at all.
	ErrNoToken = errors.NewSentinel("no bearer token")
)

// Claims is the subset of the identity provider's token payload we rely on.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks tokens against a shared HMAC secret.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewVerifier creates a verifier for tokens signed with secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithAudience(expectedAudience),
			jwt.WithExpirationRequired(),
		),
	}
}

// Verify parses and validates tokenString and returns its claims. Expired
// tokens map to ErrTokenExpired, everything else wrong maps to
// ErrTokenInvalid.
func (v *Verifier) Verify(tokenString string) (Claims, error) {
	var claims Claims
	_, err := v.parser.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, errors.Join(ErrTokenExpired, err)
		}
		return Claims{}, errors.Join(ErrTokenInvalid, err)
	}
	if claims.Subject == "" {
		return Claims{}, errors.Wrap(ErrTokenInvalid, "token has no subject")
	}
	return claims, nil
}

// BearerToken extracts the token from the Authorization header.
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || token == "" {
		return "", errors.Wrap(ErrNoToken, "authorization header")
	}
	return token, nil
}

// Sign issues a token for the given subject. Only tests and the local
// development login use it; production tokens come from the identity
// provider.
func (v *Verifier) Sign(subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Audience:  jwt.ClaimStrings{expectedAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", errors.Wrap(err, "sign token")
	}
	return signed, nil
}
